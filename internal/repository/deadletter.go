package repository

import (
	"context"
	"errors"
	"time"

	"integrahub/internal/model"

	"gorm.io/gorm"
)

type DeadLetterStats struct {
	Total    int64            `json:"total"`
	Recent   int64            `json:"recent"` // created since the requested instant
	ByReason map[string]int64 `json:"by_reason"`
	Oldest   *time.Time       `json:"oldest,omitempty"`
}

// DeadLetterInterface defines persistence for terminal delivery failures
type DeadLetterInterface interface {
	Create(ctx context.Context, entry *model.DeadLetterEntry) error
	FindByID(ctx context.Context, id uint64) (*model.DeadLetterEntry, error)
	List(ctx context.Context, offset, limit int) ([]model.DeadLetterEntry, int64, error)
	Delete(ctx context.Context, id uint64) error
	Stats(ctx context.Context, since time.Time) (*DeadLetterStats, error)
}

type DeadLetterRepository struct {
	db *gorm.DB
}

func NewDeadLetterRepository(db *gorm.DB) *DeadLetterRepository {
	return &DeadLetterRepository{db: db}
}

func (r *DeadLetterRepository) Create(ctx context.Context, entry *model.DeadLetterEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *DeadLetterRepository) FindByID(ctx context.Context, id uint64) (*model.DeadLetterEntry, error) {
	var entry model.DeadLetterEntry
	if err := r.db.WithContext(ctx).First(&entry, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func (r *DeadLetterRepository) List(ctx context.Context, offset, limit int) ([]model.DeadLetterEntry, int64, error) {
	var entries []model.DeadLetterEntry
	var total int64

	db := r.db.WithContext(ctx).Model(&model.DeadLetterEntry{})
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if err := db.Offset(offset).Limit(limit).Order("id DESC").Find(&entries).Error; err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (r *DeadLetterRepository) Delete(ctx context.Context, id uint64) error {
	return r.db.WithContext(ctx).Delete(&model.DeadLetterEntry{}, id).Error
}

func (r *DeadLetterRepository) Stats(ctx context.Context, since time.Time) (*DeadLetterStats, error) {
	stats := &DeadLetterStats{ByReason: make(map[string]int64)}
	db := r.db.WithContext(ctx).Model(&model.DeadLetterEntry{})

	if err := db.Count(&stats.Total).Error; err != nil {
		return nil, err
	}
	if err := r.db.WithContext(ctx).Model(&model.DeadLetterEntry{}).
		Where("created_at >= ?", since).Count(&stats.Recent).Error; err != nil {
		return nil, err
	}

	var rows []struct {
		ReasonCode string
		N          int64
	}
	if err := r.db.WithContext(ctx).Model(&model.DeadLetterEntry{}).
		Select("reason_code, COUNT(*) AS n").Group("reason_code").Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		stats.ByReason[row.ReasonCode] = row.N
	}

	if stats.Total > 0 {
		var oldest model.DeadLetterEntry
		if err := r.db.WithContext(ctx).Order("created_at ASC").First(&oldest).Error; err != nil {
			return nil, err
		}
		stats.Oldest = &oldest.CreatedAt
	}
	return stats, nil
}
