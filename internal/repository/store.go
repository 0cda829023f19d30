package repository

import (
	"context"

	"gorm.io/gorm"
)

// Store groups the repositories that must commit together.
type Store interface {
	Events() EventInterface
	Endpoints() EndpointInterface
	Deliveries() DeliveryInterface
	Attempts() AttemptInterface
	Retries() RetryQueueInterface
	DeadLetters() DeadLetterInterface
	Clients() ClientInterface
	// Transaction runs fn against a Store bound to a single transaction.
	Transaction(ctx context.Context, fn func(tx Store) error) error
	PingContext(ctx context.Context) error
}

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Events() EventInterface           { return NewEventRepository(s.db) }
func (s *GormStore) Endpoints() EndpointInterface     { return NewEndpointRepository(s.db) }
func (s *GormStore) Deliveries() DeliveryInterface    { return NewDeliveryRepository(s.db) }
func (s *GormStore) Attempts() AttemptInterface       { return NewAttemptRepository(s.db) }
func (s *GormStore) Retries() RetryQueueInterface     { return NewRetryQueueRepository(s.db) }
func (s *GormStore) DeadLetters() DeadLetterInterface { return NewDeadLetterRepository(s.db) }
func (s *GormStore) Clients() ClientInterface         { return NewClientRepository(s.db) }

func (s *GormStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}

func (s *GormStore) PingContext(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
