package repository

import (
	"context"
	"errors"

	"integrahub/internal/model"

	"gorm.io/gorm"
)

// ClientInterface looks up producer identities
type ClientInterface interface {
	FindByAPIKey(ctx context.Context, apiKey string) (*model.APIClient, error)
	FindByName(ctx context.Context, name string) (*model.APIClient, error)
}

type ClientRepository struct {
	db *gorm.DB
}

func NewClientRepository(db *gorm.DB) *ClientRepository {
	return &ClientRepository{db: db}
}

func (r *ClientRepository) FindByAPIKey(ctx context.Context, apiKey string) (*model.APIClient, error) {
	return r.findBy(ctx, "api_key = ?", apiKey)
}

func (r *ClientRepository) FindByName(ctx context.Context, name string) (*model.APIClient, error) {
	return r.findBy(ctx, "name = ?", name)
}

func (r *ClientRepository) findBy(ctx context.Context, cond string, arg string) (*model.APIClient, error) {
	var client model.APIClient
	err := r.db.WithContext(ctx).
		Where(cond+" AND status = ?", arg, model.ClientEnabled).
		First(&client).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &client, nil
}
