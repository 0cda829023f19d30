package model

type ClientStatus int

const (
	ClientDisabled ClientStatus = 0
	ClientEnabled  ClientStatus = 1
)

// APIClient identifies a producer system. WebhookSecret verifies its inbound webhooks.
type APIClient struct {
	ID            uint64       `gorm:"primaryKey" json:"id"`
	Name          string       `gorm:"size:64;not null;uniqueIndex" json:"name"`
	APIKey        string       `gorm:"size:64;not null;uniqueIndex" json:"-"`
	WebhookSecret string       `gorm:"size:128" json:"-"`
	Status        ClientStatus `gorm:"default:1" json:"status"`
}
