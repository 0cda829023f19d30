package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"integrahub/internal/breaker"
	"integrahub/internal/model"
	"integrahub/internal/repository"
	"integrahub/pkg/logger"

	"go.uber.org/zap"
)

// CircuitAdmin is the operator view of the breaker.
type CircuitAdmin interface {
	CircuitReader
	GetStatus(ctx context.Context, service string) (*breaker.Status, error)
	Reset(ctx context.Context, service string) (*breaker.Status, error)
}

// Redeliverer attempts a delivery immediately.
type Redeliverer interface {
	Redeliver(ctx context.Context, deliveryID uint64) error
}

type EndpointInput struct {
	SystemName   string
	URL          string
	SharedSecret string
	EventTypes   string
	Status       model.EndpointStatus
}

// EndpointPatch updates only the non-nil fields.
type EndpointPatch struct {
	URL          *string
	SharedSecret *string
	EventTypes   *string
	Status       *model.EndpointStatus
}

type DeadLetterDetail struct {
	Entry    *model.DeadLetterEntry
	Delivery *model.WebhookDelivery
	Attempts []model.DeliveryAttempt
}

// OperatorService holds the explicit, never automatic, operator actions.
type OperatorService struct {
	store     repository.Store
	redeliver Redeliverer
	circuits  CircuitAdmin
}

func NewOperatorService(store repository.Store, redeliver Redeliverer, circuits CircuitAdmin) *OperatorService {
	return &OperatorService{store: store, redeliver: redeliver, circuits: circuits}
}

// CreateEndpoint registers a webhook endpoint. A blank secret is generated.
func (s *OperatorService) CreateEndpoint(ctx context.Context, in EndpointInput) (*model.WebhookEndpoint, error) {
	in.SystemName = strings.TrimSpace(in.SystemName)
	if in.SystemName == "" {
		return nil, fmt.Errorf("%w: system_name required", ErrInvalidEndpoint)
	}
	if err := validateURL(in.URL); err != nil {
		return nil, err
	}
	types, err := normalizeEventTypes(in.EventTypes)
	if err != nil {
		return nil, err
	}
	if in.Status == "" {
		in.Status = model.EndpointActive
	}
	if err := validateStatus(in.Status); err != nil {
		return nil, err
	}
	if in.SharedSecret == "" {
		if in.SharedSecret, err = GenerateSecret(); err != nil {
			return nil, err
		}
	}

	ep := &model.WebhookEndpoint{
		SystemName:   in.SystemName,
		URL:          in.URL,
		SharedSecret: in.SharedSecret,
		EventTypes:   types,
		Status:       in.Status,
	}
	if err := s.store.Endpoints().Create(ctx, ep); err != nil {
		return nil, fmt.Errorf("create endpoint: %w", err)
	}
	logger.Info("endpoint created", zap.Uint64("id", ep.ID), zap.String("system", ep.SystemName), zap.String("event_types", ep.EventTypes))
	return ep, nil
}

func (s *OperatorService) ListEndpoints(ctx context.Context, system string) ([]model.WebhookEndpoint, error) {
	return s.store.Endpoints().List(ctx, system)
}

func (s *OperatorService) GetEndpoint(ctx context.Context, id uint64) (*model.WebhookEndpoint, error) {
	ep, err := s.store.Endpoints().FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if ep == nil {
		return nil, ErrEndpointNotFound
	}
	return ep, nil
}

func (s *OperatorService) UpdateEndpoint(ctx context.Context, id uint64, patch EndpointPatch) (*model.WebhookEndpoint, error) {
	ep, err := s.GetEndpoint(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.URL != nil {
		if err := validateURL(*patch.URL); err != nil {
			return nil, err
		}
		ep.URL = *patch.URL
	}
	if patch.EventTypes != nil {
		types, err := normalizeEventTypes(*patch.EventTypes)
		if err != nil {
			return nil, err
		}
		ep.EventTypes = types
	}
	if patch.Status != nil {
		if err := validateStatus(*patch.Status); err != nil {
			return nil, err
		}
		ep.Status = *patch.Status
	}
	if patch.SharedSecret != nil {
		if *patch.SharedSecret == "" {
			return nil, fmt.Errorf("%w: shared_secret cannot be blank", ErrInvalidEndpoint)
		}
		ep.SharedSecret = *patch.SharedSecret
	}
	if err := s.store.Endpoints().Save(ctx, ep); err != nil {
		return nil, fmt.Errorf("save endpoint: %w", err)
	}
	logger.Info("endpoint updated", zap.Uint64("id", ep.ID), zap.String("status", string(ep.Status)))
	return ep, nil
}

func (s *OperatorService) DeleteEndpoint(ctx context.Context, id uint64) error {
	if _, err := s.GetEndpoint(ctx, id); err != nil {
		return err
	}
	if err := s.store.Endpoints().Delete(ctx, id); err != nil {
		return fmt.Errorf("delete endpoint: %w", err)
	}
	logger.Info("endpoint deleted", zap.Uint64("id", id))
	return nil
}

func (s *OperatorService) ListDeadLetters(ctx context.Context, offset, limit int) ([]model.DeadLetterEntry, int64, error) {
	return s.store.DeadLetters().List(ctx, offset, limit)
}

func (s *OperatorService) GetDeadLetter(ctx context.Context, id uint64) (*DeadLetterDetail, error) {
	entry, err := s.store.DeadLetters().FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, ErrDeadLetterNotFound
	}
	d, err := s.store.Deliveries().FindByID(ctx, entry.DeliveryID)
	if err != nil {
		return nil, err
	}
	attempts, err := s.store.Attempts().ListByDelivery(ctx, entry.DeliveryID)
	if err != nil {
		return nil, err
	}
	return &DeadLetterDetail{Entry: entry, Delivery: d, Attempts: attempts}, nil
}

// ReplayDeadLetter removes the dead letter, resets its delivery to pending
// with zero attempts and attempts it right away. The returned delivery
// reflects the outcome of that attempt.
func (s *OperatorService) ReplayDeadLetter(ctx context.Context, id uint64) (*model.WebhookDelivery, error) {
	var deliveryID uint64
	err := s.store.Transaction(ctx, func(tx repository.Store) error {
		entry, err := tx.DeadLetters().FindByID(ctx, id)
		if err != nil {
			return err
		}
		if entry == nil {
			return ErrDeadLetterNotFound
		}
		d, err := tx.Deliveries().FindByID(ctx, entry.DeliveryID)
		if err != nil {
			return err
		}
		if d == nil {
			return ErrDeliveryNotFound
		}
		if err := tx.DeadLetters().Delete(ctx, id); err != nil {
			return err
		}
		if err := tx.Retries().DeleteByDelivery(ctx, d.ID); err != nil {
			return err
		}
		d.Status = model.DeliveryPending
		d.Attempts = 0
		d.LastError = ""
		if err := tx.Deliveries().Save(ctx, d); err != nil {
			return err
		}
		deliveryID = d.ID
		return tx.Events().UpdateStatus(ctx, d.EventID, model.EventProcessing)
	})
	if err != nil {
		return nil, err
	}

	logger.Info("dead letter replayed", zap.Uint64("dead_letter_id", id), zap.Uint64("delivery_id", deliveryID))
	if err := s.redeliver.Redeliver(ctx, deliveryID); err != nil {
		// the delivery is pending again; report the attempt error but keep the reset
		logger.Error("replay attempt failed", zap.Uint64("delivery_id", deliveryID), zap.Error(err))
	}
	return s.store.Deliveries().FindByID(ctx, deliveryID)
}

// DiscardDeadLetter drops the dead letter. The delivery stays failed.
func (s *OperatorService) DiscardDeadLetter(ctx context.Context, id uint64) error {
	entry, err := s.store.DeadLetters().FindByID(ctx, id)
	if err != nil {
		return err
	}
	if entry == nil {
		return ErrDeadLetterNotFound
	}
	if err := s.store.DeadLetters().Delete(ctx, id); err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}
	logger.Info("dead letter discarded", zap.Uint64("dead_letter_id", id), zap.Uint64("delivery_id", entry.DeliveryID))
	return nil
}

func (s *OperatorService) ListCircuits(ctx context.Context) ([]breaker.Status, error) {
	return s.circuits.GetAllStatus(ctx)
}

func (s *OperatorService) GetCircuit(ctx context.Context, service string) (*breaker.Status, error) {
	return s.circuits.GetStatus(ctx, service)
}

// ResetCircuit forces a breaker closed.
func (s *OperatorService) ResetCircuit(ctx context.Context, service string) (*breaker.Status, error) {
	st, err := s.circuits.Reset(ctx, service)
	if err != nil {
		return nil, err
	}
	logger.Warn("circuit manually reset", zap.String("service", service))
	return st, nil
}

// GenerateSecret returns 32 random bytes hex encoded.
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: url must be an absolute http(s) URL", ErrInvalidEndpoint)
	}
	return nil
}

func validateStatus(st model.EndpointStatus) error {
	if st != model.EndpointActive && st != model.EndpointInactive {
		return fmt.Errorf("%w: status must be active or inactive", ErrInvalidEndpoint)
	}
	return nil
}

func normalizeEventTypes(raw string) (string, error) {
	var out []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return "", fmt.Errorf("%w: event_types required, use * for all", ErrInvalidEndpoint)
	}
	return strings.Join(out, ","), nil
}
