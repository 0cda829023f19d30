package resp

import (
	"encoding/json"
	"time"

	"integrahub/internal/model"
)

// EventItem renders the stored payload as raw JSON instead of a string.
type EventItem struct {
	ID           string            `json:"id"`
	EventType    string            `json:"event_type"`
	SourceSystem string            `json:"source_system"`
	Payload      json.RawMessage   `json:"payload"`
	Status       model.EventStatus `json:"status"`
	TraceID      string            `json:"trace_id,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

func NewEventItem(e *model.IntegrationEvent) EventItem {
	return EventItem{
		ID:           e.ID,
		EventType:    e.EventType,
		SourceSystem: e.SourceSystem,
		Payload:      json.RawMessage(e.Payload),
		Status:       e.Status,
		TraceID:      e.TraceID,
		CreatedAt:    e.CreatedAt,
		UpdatedAt:    e.UpdatedAt,
	}
}

type ListEventsResponse struct {
	Data  []EventItem `json:"data"`
	Total int64       `json:"total"`
}

type EventDetailResponse struct {
	EventItem
	Deliveries []model.WebhookDelivery `json:"deliveries"`
	Attempts   []model.DeliveryAttempt `json:"attempts"`
}
