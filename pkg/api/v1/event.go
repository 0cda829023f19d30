package v1

import (
	"encoding/json"
	"time"
)

// Envelope is the body POSTed to every webhook endpoint. Receivers must
// deduplicate on ID: delivery is at-least-once.
type Envelope struct {
	ID           string          `json:"id"`
	EventType    string          `json:"event_type"`
	SourceSystem string          `json:"source_system"`
	Payload      json.RawMessage `json:"payload"`
	CreatedAt    time.Time       `json:"created_at"`
}

type PublishRequest struct {
	EventType    string          `json:"event_type" binding:"required"`
	SourceSystem string          `json:"source_system" binding:"required"`
	Payload      json.RawMessage `json:"payload"`
}

type PublishResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// DeliveryNotice is pushed to dashboard subscribers after every delivery attempt.
type DeliveryNotice struct {
	Seq          int64     `json:"seq"`
	EventID      string    `json:"event_id"`
	DeliveryID   uint64    `json:"delivery_id"`
	SystemName   string    `json:"system_name"`
	EventType    string    `json:"event_type"`
	Outcome      string    `json:"outcome"`
	Attempt      int       `json:"attempt"`
	ResponseCode int       `json:"response_code,omitempty"`
	Error        string    `json:"error,omitempty"`
	At           time.Time `json:"at"`
}

// Notice outcomes.
const (
	OutcomeSent        = "sent"
	OutcomeRetry       = "retry"
	OutcomeDeadLetter  = "dead_letter"
	OutcomeCircuitOpen = "circuit_open"
	OutcomePing        = "ping"
)

func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
