package repository

import (
	"context"

	"integrahub/internal/model"

	"gorm.io/gorm"
)

// AttemptInterface persists the per-attempt delivery history
type AttemptInterface interface {
	Create(ctx context.Context, attempt *model.DeliveryAttempt) error
	ListByDelivery(ctx context.Context, deliveryID uint64) ([]model.DeliveryAttempt, error)
	ListByEvent(ctx context.Context, eventID string) ([]model.DeliveryAttempt, error)
}

type AttemptRepository struct {
	db *gorm.DB
}

func NewAttemptRepository(db *gorm.DB) *AttemptRepository {
	return &AttemptRepository{db: db}
}

func (r *AttemptRepository) Create(ctx context.Context, attempt *model.DeliveryAttempt) error {
	return r.db.WithContext(ctx).Create(attempt).Error
}

func (r *AttemptRepository) ListByDelivery(ctx context.Context, deliveryID uint64) ([]model.DeliveryAttempt, error) {
	var attempts []model.DeliveryAttempt
	err := r.db.WithContext(ctx).
		Where("delivery_id = ?", deliveryID).
		Order("attempt ASC").
		Find(&attempts).Error
	return attempts, err
}

func (r *AttemptRepository) ListByEvent(ctx context.Context, eventID string) ([]model.DeliveryAttempt, error) {
	var attempts []model.DeliveryAttempt
	err := r.db.WithContext(ctx).
		Where("event_id = ?", eventID).
		Order("created_at ASC").
		Find(&attempts).Error
	return attempts, err
}
