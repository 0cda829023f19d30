package model

import (
	"strings"
	"time"

	"integrahub/pkg/constraints"
)

type EndpointStatus string

const (
	EndpointActive   EndpointStatus = "active"
	EndpointInactive EndpointStatus = "inactive"
)

type WebhookEndpoint struct {
	ID           uint64         `json:"id" gorm:"primaryKey"`
	SystemName   string         `json:"system_name" gorm:"size:64;index"`
	URL          string         `json:"url" gorm:"size:512"`
	SharedSecret string         `json:"-" gorm:"size:128"`
	EventTypes   string         `json:"event_types" gorm:"size:1024"` // comma separated, "*" for all
	Status       EndpointStatus `json:"status" gorm:"size:16;index;default:active"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Subscribes reports whether the endpoint wants events of eventType.
func (e *WebhookEndpoint) Subscribes(eventType string) bool {
	for _, t := range strings.Split(e.EventTypes, ",") {
		t = strings.TrimSpace(t)
		if t == constraints.WildcardEventType || t == eventType {
			return true
		}
		// prefix match: "invoice.*" matches "invoice.paid"
		if strings.HasSuffix(t, ".*") && strings.HasPrefix(eventType, strings.TrimSuffix(t, "*")) {
			return true
		}
	}
	return false
}
