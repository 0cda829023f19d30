package model

import "time"

type EventStatus string

const (
	EventPending    EventStatus = "pending"
	EventProcessing EventStatus = "processing"
	EventDone       EventStatus = "done"
	EventFailed     EventStatus = "failed"
)

// IntegrationEvent is a published event. Payload is opaque JSON and never
// rewritten after publish.
type IntegrationEvent struct {
	ID           string      `json:"id" gorm:"primaryKey;size:36"`
	EventType    string      `json:"event_type" gorm:"size:128;index"`
	SourceSystem string      `json:"source_system" gorm:"size:64;index"`
	Payload      string      `json:"payload" gorm:"type:text"`
	Status       EventStatus `json:"status" gorm:"size:16;index:idx_event_status_updated"`
	TraceID      string      `json:"trace_id" gorm:"size:64;index"`
	CreatedAt    time.Time   `json:"created_at" gorm:"index"`
	UpdatedAt    time.Time   `json:"updated_at" gorm:"index:idx_event_status_updated"`
}
