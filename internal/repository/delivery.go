package repository

import (
	"context"
	"errors"
	"time"

	"integrahub/internal/model"

	"gorm.io/gorm"
)

// DeliveryInterface defines persistence for per-endpoint deliveries
type DeliveryInterface interface {
	// FindOrCreate returns the delivery for (eventID, endpointID), creating it pending.
	FindOrCreate(ctx context.Context, eventID string, endpointID uint64) (*model.WebhookDelivery, error)
	FindByID(ctx context.Context, id uint64) (*model.WebhookDelivery, error)
	ListByEvent(ctx context.Context, eventID string) ([]model.WebhookDelivery, error)
	Save(ctx context.Context, delivery *model.WebhookDelivery) error
	// FetchUnscheduled returns pending deliveries untouched since before
	// that have no retry queue row.
	FetchUnscheduled(ctx context.Context, before time.Time, limit int) ([]model.WebhookDelivery, error)
}

type DeliveryRepository struct {
	db *gorm.DB
}

func NewDeliveryRepository(db *gorm.DB) *DeliveryRepository {
	return &DeliveryRepository{db: db}
}

func (r *DeliveryRepository) FindOrCreate(ctx context.Context, eventID string, endpointID uint64) (*model.WebhookDelivery, error) {
	var delivery model.WebhookDelivery
	err := r.db.WithContext(ctx).
		Where(model.WebhookDelivery{EventID: eventID, EndpointID: endpointID}).
		Attrs(model.WebhookDelivery{Status: model.DeliveryPending}).
		FirstOrCreate(&delivery).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// lost the insert race, the row exists now
		err = r.db.WithContext(ctx).
			Where("event_id = ? AND endpoint_id = ?", eventID, endpointID).
			First(&delivery).Error
	}
	if err != nil {
		return nil, err
	}
	return &delivery, nil
}

func (r *DeliveryRepository) FindByID(ctx context.Context, id uint64) (*model.WebhookDelivery, error) {
	var delivery model.WebhookDelivery
	if err := r.db.WithContext(ctx).First(&delivery, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &delivery, nil
}

func (r *DeliveryRepository) ListByEvent(ctx context.Context, eventID string) ([]model.WebhookDelivery, error) {
	var deliveries []model.WebhookDelivery
	err := r.db.WithContext(ctx).Where("event_id = ?", eventID).Order("id ASC").Find(&deliveries).Error
	return deliveries, err
}

func (r *DeliveryRepository) Save(ctx context.Context, delivery *model.WebhookDelivery) error {
	return r.db.WithContext(ctx).Save(delivery).Error
}

func (r *DeliveryRepository) FetchUnscheduled(ctx context.Context, before time.Time, limit int) ([]model.WebhookDelivery, error) {
	var deliveries []model.WebhookDelivery
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", model.DeliveryPending, before).
		Where("NOT EXISTS (SELECT 1 FROM retry_queue_entries q WHERE q.delivery_id = webhook_deliveries.id)").
		Order("updated_at ASC").
		Limit(limit).
		Find(&deliveries).Error
	return deliveries, err
}
