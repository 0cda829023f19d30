package repository

import (
	"context"
	"errors"
	"time"

	"integrahub/internal/model"

	"gorm.io/gorm"
)

type EventFilter struct {
	Status    model.EventStatus
	EventType string
	Source    string
	Offset    int
	Limit     int
}

// EventInterface defines persistence for integration events
type EventInterface interface {
	Create(ctx context.Context, event *model.IntegrationEvent) error
	FindByID(ctx context.Context, id string) (*model.IntegrationEvent, error)
	// Claim moves a pending event to processing; false means another worker owns it.
	Claim(ctx context.Context, id string) (bool, error)
	UpdateStatus(ctx context.Context, id string, status model.EventStatus) error
	List(ctx context.Context, filter EventFilter) ([]model.IntegrationEvent, int64, error)
	FetchStalePending(ctx context.Context, before time.Time, limit int) ([]model.IntegrationEvent, error)
	// FetchStuckProcessing returns processing events untouched since before
	// that have no pending delivery left to drive them forward.
	FetchStuckProcessing(ctx context.Context, before time.Time, limit int) ([]model.IntegrationEvent, error)
	CountByStatus(ctx context.Context, status model.EventStatus) (int64, error)
	CountByStatusSince(ctx context.Context, status model.EventStatus, since time.Time) (int64, error)
}

type EventRepository struct {
	db *gorm.DB
}

func NewEventRepository(db *gorm.DB) *EventRepository {
	return &EventRepository{db: db}
}

func (r *EventRepository) Create(ctx context.Context, event *model.IntegrationEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}

func (r *EventRepository) FindByID(ctx context.Context, id string) (*model.IntegrationEvent, error) {
	var event model.IntegrationEvent
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&event).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &event, nil
}

func (r *EventRepository) Claim(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.IntegrationEvent{}).
		Where("id = ? AND status = ?", id, model.EventPending).
		Update("status", model.EventProcessing)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *EventRepository) UpdateStatus(ctx context.Context, id string, status model.EventStatus) error {
	return r.db.WithContext(ctx).Model(&model.IntegrationEvent{}).
		Where("id = ?", id).
		Update("status", status).Error
}

func (r *EventRepository) List(ctx context.Context, filter EventFilter) ([]model.IntegrationEvent, int64, error) {
	var events []model.IntegrationEvent
	var total int64

	query := r.db.WithContext(ctx).Model(&model.IntegrationEvent{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.EventType != "" {
		query = query.Where("event_type = ?", filter.EventType)
	}
	if filter.Source != "" {
		query = query.Where("source_system = ?", filter.Source)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if err := query.Offset(filter.Offset).Limit(limit).Order("created_at DESC").Find(&events).Error; err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

func (r *EventRepository) FetchStalePending(ctx context.Context, before time.Time, limit int) ([]model.IntegrationEvent, error) {
	var events []model.IntegrationEvent
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", model.EventPending, before).
		Order("created_at ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (r *EventRepository) FetchStuckProcessing(ctx context.Context, before time.Time, limit int) ([]model.IntegrationEvent, error) {
	var events []model.IntegrationEvent
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", model.EventProcessing, before).
		Where("NOT EXISTS (SELECT 1 FROM webhook_deliveries d WHERE d.event_id = integration_events.id AND d.status = ?)", model.DeliveryPending).
		Order("updated_at ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (r *EventRepository) CountByStatus(ctx context.Context, status model.EventStatus) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.IntegrationEvent{}).Where("status = ?", status).Count(&n).Error
	return n, err
}

func (r *EventRepository) CountByStatusSince(ctx context.Context, status model.EventStatus, since time.Time) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.IntegrationEvent{}).
		Where("status = ? AND updated_at >= ?", status, since).
		Count(&n).Error
	return n, err
}
