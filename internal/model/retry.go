package model

import "time"

type RetryQueueEntry struct {
	ID          uint64    `json:"id" gorm:"primaryKey"`
	EventID     string    `json:"event_id" gorm:"size:36;index"`
	DeliveryID  uint64    `json:"delivery_id" gorm:"uniqueIndex"`
	NextRetryAt time.Time `json:"next_retry_at" gorm:"index"`
	Attempts    int       `json:"attempts"`
	CreatedAt   time.Time `json:"created_at"`
}

type DeadLetterEntry struct {
	ID         uint64    `json:"id" gorm:"primaryKey"`
	EventID    string    `json:"event_id" gorm:"size:36;index"`
	DeliveryID uint64    `json:"delivery_id" gorm:"uniqueIndex"`
	EndpointID uint64    `json:"endpoint_id" gorm:"index"`
	ReasonCode string    `json:"reason_code" gorm:"size:32;index"`
	Reason     string    `json:"reason" gorm:"type:text"`
	Attempts   int       `json:"attempts"`
	CreatedAt  time.Time `json:"created_at" gorm:"index"`
}

// Dead-letter reason codes.
const (
	ReasonMaxAttempts    = "max_attempts"
	ReasonClientError    = "client_error"
	ReasonEndpointGone   = "endpoint_unavailable"
	ReasonInvalidPayload = "invalid_payload"
)
