package repository

import (
	"context"
	"errors"
	"time"

	"integrahub/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RetryQueueInterface defines persistence for scheduled delivery retries
type RetryQueueInterface interface {
	// Upsert schedules the delivery, replacing any existing entry for it.
	Upsert(ctx context.Context, entry *model.RetryQueueEntry) error
	FindByDelivery(ctx context.Context, deliveryID uint64) (*model.RetryQueueEntry, error)
	DeleteByDelivery(ctx context.Context, deliveryID uint64) error
	FetchReady(ctx context.Context, now time.Time, limit int) ([]model.RetryQueueEntry, error)
	Count(ctx context.Context) (int64, error)
	CountReady(ctx context.Context, now time.Time) (int64, error)
}

type RetryQueueRepository struct {
	db *gorm.DB
}

func NewRetryQueueRepository(db *gorm.DB) *RetryQueueRepository {
	return &RetryQueueRepository{db: db}
}

func (r *RetryQueueRepository) Upsert(ctx context.Context, entry *model.RetryQueueEntry) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "delivery_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"next_retry_at", "attempts"}),
	}).Create(entry).Error
}

func (r *RetryQueueRepository) FindByDelivery(ctx context.Context, deliveryID uint64) (*model.RetryQueueEntry, error) {
	var entry model.RetryQueueEntry
	if err := r.db.WithContext(ctx).Where("delivery_id = ?", deliveryID).First(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func (r *RetryQueueRepository) DeleteByDelivery(ctx context.Context, deliveryID uint64) error {
	return r.db.WithContext(ctx).Where("delivery_id = ?", deliveryID).Delete(&model.RetryQueueEntry{}).Error
}

func (r *RetryQueueRepository) FetchReady(ctx context.Context, now time.Time, limit int) ([]model.RetryQueueEntry, error) {
	var entries []model.RetryQueueEntry
	err := r.db.WithContext(ctx).
		Where("next_retry_at <= ?", now).
		Order("next_retry_at ASC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

func (r *RetryQueueRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.RetryQueueEntry{}).Count(&n).Error
	return n, err
}

func (r *RetryQueueRepository) CountReady(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.RetryQueueEntry{}).Where("next_retry_at <= ?", now).Count(&n).Error
	return n, err
}
