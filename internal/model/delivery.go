package model

import "time"

type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// WebhookDelivery is one (event, endpoint) pair.
type WebhookDelivery struct {
	ID            uint64         `json:"id" gorm:"primaryKey"`
	EventID       string         `json:"event_id" gorm:"size:36;uniqueIndex:uk_delivery_event_endpoint"`
	EndpointID    uint64         `json:"endpoint_id" gorm:"uniqueIndex:uk_delivery_event_endpoint"`
	Status        DeliveryStatus `json:"status" gorm:"size:16;index"`
	Attempts      int            `json:"attempts" gorm:"default:0"`
	LastAttemptAt *time.Time     `json:"last_attempt_at"`
	ResponseCode  int            `json:"response_code"`
	LastError     string         `json:"last_error" gorm:"type:text"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// DeliveryAttempt is the history row written for every real HTTP attempt.
type DeliveryAttempt struct {
	ID           int64     `json:"id" gorm:"primaryKey"`
	DeliveryID   uint64    `json:"delivery_id" gorm:"index"`
	EventID      string    `json:"event_id" gorm:"size:36;index"`
	Attempt      int       `json:"attempt"`
	ResponseCode int       `json:"response_code"`
	Error        string    `json:"error" gorm:"type:text"`
	DurationMs   int64     `json:"duration_ms"`
	CreatedAt    time.Time `json:"created_at" gorm:"index"`
}
