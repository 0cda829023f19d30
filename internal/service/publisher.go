package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"integrahub/internal/model"
	"integrahub/internal/repository"
	"integrahub/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	maxEventTypeLen = 128
	maxSourceLen    = 64
)

// JobQueue hands event ids to the worker pool.
type JobQueue interface {
	Enqueue(ctx context.Context, eventID string) error
	Ping(ctx context.Context) error
}

// EventService accepts events from producers. Delivery happens in the
// background, Publish never waits for it.
type EventService struct {
	store repository.Store
	queue JobQueue
	now   func() time.Time
}

func NewEventService(store repository.Store, queue JobQueue) *EventService {
	return &EventService{store: store, queue: queue, now: time.Now}
}

// EventDetail is an event together with its delivery state.
type EventDetail struct {
	Event      *model.IntegrationEvent
	Deliveries []model.WebhookDelivery
	Attempts   []model.DeliveryAttempt
}

// Publish validates and persists a pending event, then enqueues it.
// A failed enqueue is logged only; the pending sweeper recovers the event.
func (s *EventService) Publish(ctx context.Context, eventType, sourceSystem string, payload json.RawMessage) (*model.IntegrationEvent, error) {
	eventType = strings.TrimSpace(eventType)
	sourceSystem = strings.TrimSpace(sourceSystem)

	if eventType == "" || len(eventType) > maxEventTypeLen {
		return nil, fmt.Errorf("%w: event_type must be 1-%d characters", ErrInvalidEvent, maxEventTypeLen)
	}
	if sourceSystem == "" || len(sourceSystem) > maxSourceLen {
		return nil, fmt.Errorf("%w: source_system must be 1-%d characters", ErrInvalidEvent, maxSourceLen)
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidEvent)
	}

	now := s.now()
	event := &model.IntegrationEvent{
		ID:           uuid.NewString(),
		EventType:    eventType,
		SourceSystem: sourceSystem,
		Payload:      string(payload),
		Status:       model.EventPending,
		TraceID:      GetTraceID(ctx),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Events().Create(ctx, event); err != nil {
		return nil, fmt.Errorf("persist event: %w", err)
	}

	if err := s.queue.Enqueue(ctx, event.ID); err != nil {
		logger.Warn("enqueue failed, event left for pending sweeper",
			zap.String("event_id", event.ID),
			zap.Error(err))
	}

	logger.Debug("event published",
		zap.String("event_id", event.ID),
		zap.String("event_type", eventType),
		zap.String("source", sourceSystem),
		zap.String("client", GetClientName(ctx)))
	return event, nil
}

func (s *EventService) GetEvent(ctx context.Context, id string) (*EventDetail, error) {
	event, err := s.store.Events().FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if event == nil {
		return nil, ErrEventNotFound
	}
	deliveries, err := s.store.Deliveries().ListByEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	attempts, err := s.store.Attempts().ListByEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	return &EventDetail{Event: event, Deliveries: deliveries, Attempts: attempts}, nil
}

func (s *EventService) ListEvents(ctx context.Context, filter repository.EventFilter) ([]model.IntegrationEvent, int64, error) {
	return s.store.Events().List(ctx, filter)
}

// Health checks both backing stores of the publish path.
func (s *EventService) Health(ctx context.Context) error {
	if s.store.PingContext(ctx) != nil {
		return ErrMysqlUnhealthy
	}
	if s.queue.Ping(ctx) != nil {
		return ErrRedisUnhealthy
	}
	return nil
}
