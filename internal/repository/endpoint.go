package repository

import (
	"context"
	"errors"

	"integrahub/internal/model"

	"gorm.io/gorm"
)

// EndpointInterface defines persistence for operator-managed webhook endpoints
type EndpointInterface interface {
	Create(ctx context.Context, endpoint *model.WebhookEndpoint) error
	FindByID(ctx context.Context, id uint64) (*model.WebhookEndpoint, error)
	List(ctx context.Context, systemName string) ([]model.WebhookEndpoint, error)
	ListActive(ctx context.Context) ([]model.WebhookEndpoint, error)
	Save(ctx context.Context, endpoint *model.WebhookEndpoint) error
	Delete(ctx context.Context, id uint64) error
}

type EndpointRepository struct {
	db *gorm.DB
}

func NewEndpointRepository(db *gorm.DB) *EndpointRepository {
	return &EndpointRepository{db: db}
}

func (r *EndpointRepository) Create(ctx context.Context, endpoint *model.WebhookEndpoint) error {
	return r.db.WithContext(ctx).Create(endpoint).Error
}

func (r *EndpointRepository) FindByID(ctx context.Context, id uint64) (*model.WebhookEndpoint, error) {
	var endpoint model.WebhookEndpoint
	if err := r.db.WithContext(ctx).First(&endpoint, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &endpoint, nil
}

func (r *EndpointRepository) List(ctx context.Context, systemName string) ([]model.WebhookEndpoint, error) {
	var endpoints []model.WebhookEndpoint
	query := r.db.WithContext(ctx)
	if systemName != "" {
		query = query.Where("system_name = ?", systemName)
	}
	err := query.Order("id ASC").Find(&endpoints).Error
	return endpoints, err
}

func (r *EndpointRepository) ListActive(ctx context.Context) ([]model.WebhookEndpoint, error) {
	var endpoints []model.WebhookEndpoint
	err := r.db.WithContext(ctx).
		Where("status = ?", model.EndpointActive).
		Order("id ASC").
		Find(&endpoints).Error
	return endpoints, err
}

func (r *EndpointRepository) Save(ctx context.Context, endpoint *model.WebhookEndpoint) error {
	return r.db.WithContext(ctx).Save(endpoint).Error
}

func (r *EndpointRepository) Delete(ctx context.Context, id uint64) error {
	return r.db.WithContext(ctx).Delete(&model.WebhookEndpoint{}, id).Error
}
