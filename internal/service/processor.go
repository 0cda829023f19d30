package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"integrahub/internal/dispatcher"
	"integrahub/internal/metrics"
	"integrahub/internal/model"
	"integrahub/internal/repository"
	v1 "integrahub/pkg/api/v1"
	"integrahub/pkg/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const maxErrorLen = 1000

// Sender performs one HTTP delivery.
type Sender interface {
	Send(ctx context.Context, r dispatcher.Request) (*dispatcher.Result, error)
}

// CircuitBreaker guards downstream systems.
type CircuitBreaker interface {
	Allow(ctx context.Context, service string) bool
	RecordSuccess(ctx context.Context, service string)
	RecordFailure(ctx context.Context, service string)
	Cooldown() time.Duration
}

// Notifier receives delivery notices for the live feed.
type Notifier interface {
	Notify(n v1.DeliveryNotice)
}

type ProcessorConfig struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Parallelism int
	// RetryClientErrors sends 4xx answers through the normal retry path
	// instead of dead-lettering them on the first attempt.
	RetryClientErrors bool
}

// Processor fans events out to subscribed endpoints and drives each
// delivery to sent, retry or dead letter.
type Processor struct {
	store    repository.Store
	sender   Sender
	breaker  CircuitBreaker
	notifier Notifier
	observer metrics.DeliveryObserver
	cfg      ProcessorConfig
	now      func() time.Time
}

func NewProcessor(store repository.Store, sender Sender, breaker CircuitBreaker, notifier Notifier, observer metrics.DeliveryObserver, cfg ProcessorConfig) *Processor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	return &Processor{
		store:    store,
		sender:   sender,
		breaker:  breaker,
		notifier: notifier,
		observer: observer,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Process claims a pending event, creates one delivery per subscribed
// endpoint and attempts them in parallel. Events already claimed by another
// worker are skipped.
func (p *Processor) Process(ctx context.Context, eventID string) error {
	event, err := p.store.Events().FindByID(ctx, eventID)
	if err != nil {
		return fmt.Errorf("load event: %w", err)
	}
	if event == nil {
		return ErrEventNotFound
	}
	if event.Status != model.EventPending {
		logger.Debug("event already handled, skipping", zap.String("event_id", eventID), zap.String("status", string(event.Status)))
		return nil
	}

	claimed, err := p.store.Events().Claim(ctx, eventID)
	if err != nil {
		return fmt.Errorf("claim event: %w", err)
	}
	if !claimed {
		logger.Debug("event claimed by another worker", zap.String("event_id", eventID))
		return nil
	}

	endpoints, err := p.store.Endpoints().ListActive(ctx)
	if err != nil {
		return p.release(eventID, fmt.Errorf("list endpoints: %w", err))
	}

	type job struct {
		endpoint model.WebhookEndpoint
		delivery *model.WebhookDelivery
	}
	var jobs []job
	for _, ep := range endpoints {
		if !ep.Subscribes(event.EventType) {
			continue
		}
		d, err := p.store.Deliveries().FindOrCreate(ctx, event.ID, ep.ID)
		if err != nil {
			return p.release(eventID, fmt.Errorf("create delivery for endpoint %d: %w", ep.ID, err))
		}
		if d.Status == model.DeliveryPending {
			jobs = append(jobs, job{endpoint: ep, delivery: d})
		}
	}

	logger.Debug("fanning out event",
		zap.String("event_id", event.ID),
		zap.String("event_type", event.EventType),
		zap.Int("deliveries", len(jobs)))

	var g errgroup.Group
	g.SetLimit(p.cfg.Parallelism)
	for _, j := range jobs {
		g.Go(func() error {
			return p.attempt(ctx, event, &j.endpoint, j.delivery)
		})
	}
	attemptErr := g.Wait()

	if err := p.finalize(ctx, event.ID); err != nil {
		return err
	}
	return attemptErr
}

// RetryDelivery re-runs the attempt for one queued retry and re-finalizes
// its event.
func (p *Processor) RetryDelivery(ctx context.Context, entry model.RetryQueueEntry) error {
	d, err := p.store.Deliveries().FindByID(ctx, entry.DeliveryID)
	if err != nil {
		return fmt.Errorf("load delivery: %w", err)
	}
	if d == nil || d.Status != model.DeliveryPending {
		// stale row, the delivery already reached a terminal state
		return p.store.Retries().DeleteByDelivery(ctx, entry.DeliveryID)
	}
	return p.deliver(ctx, d)
}

// Redeliver attempts a delivery immediately. Used by operator replay after
// the delivery was reset to pending.
func (p *Processor) Redeliver(ctx context.Context, deliveryID uint64) error {
	d, err := p.store.Deliveries().FindByID(ctx, deliveryID)
	if err != nil {
		return fmt.Errorf("load delivery: %w", err)
	}
	if d == nil {
		return ErrDeliveryNotFound
	}
	if d.Status != model.DeliveryPending {
		return nil
	}
	return p.deliver(ctx, d)
}

func (p *Processor) deliver(ctx context.Context, d *model.WebhookDelivery) error {
	event, err := p.store.Events().FindByID(ctx, d.EventID)
	if err != nil {
		return fmt.Errorf("load event: %w", err)
	}
	if event == nil {
		return p.deadLetter(ctx, nil, d, nil, model.ReasonInvalidPayload, "event no longer exists")
	}

	ep, err := p.store.Endpoints().FindByID(ctx, d.EndpointID)
	if err != nil {
		return fmt.Errorf("load endpoint: %w", err)
	}

	if ep == nil || ep.Status != model.EndpointActive {
		err = p.deadLetter(ctx, event, d, ep, model.ReasonEndpointGone, "endpoint deleted or inactive")
	} else {
		err = p.attempt(ctx, event, ep, d)
	}
	if err != nil {
		return err
	}
	return p.finalize(ctx, event.ID)
}

// attempt makes one delivery attempt unless the circuit rejects it.
func (p *Processor) attempt(ctx context.Context, event *model.IntegrationEvent, ep *model.WebhookEndpoint, d *model.WebhookDelivery) error {
	system := ep.SystemName

	if !json.Valid([]byte(event.Payload)) {
		return p.deadLetter(ctx, event, d, ep, model.ReasonInvalidPayload, "stored payload is not valid JSON")
	}

	if !p.breaker.Allow(ctx, system) {
		return p.deferForCircuit(ctx, event, ep, d)
	}

	env := &v1.Envelope{
		ID:           event.ID,
		EventType:    event.EventType,
		SourceSystem: event.SourceSystem,
		Payload:      json.RawMessage(event.Payload),
		CreatedAt:    event.CreatedAt,
	}
	attemptNo := d.Attempts + 1
	res, sendErr := p.sender.Send(ctx, dispatcher.Request{
		URL:      ep.URL,
		Secret:   ep.SharedSecret,
		Envelope: env,
		Attempt:  attemptNo,
	})

	if sendErr != nil && (ctx.Err() != nil || errors.Is(sendErr, context.Canceled)) {
		// shutting down: the attempt never completed, hand it to the scheduler
		return p.requeue(event, d, p.now())
	}

	now := p.now()
	var code int
	var duration time.Duration
	if res != nil {
		code = res.StatusCode
		duration = res.Duration
	}

	d.Attempts = attemptNo
	d.LastAttemptAt = &now
	d.ResponseCode = code
	history := &model.DeliveryAttempt{
		DeliveryID:   d.ID,
		EventID:      event.ID,
		Attempt:      attemptNo,
		ResponseCode: code,
		DurationMs:   duration.Milliseconds(),
		CreatedAt:    now,
	}

	if sendErr == nil {
		p.breaker.RecordSuccess(ctx, system)
		d.Status = model.DeliverySent
		d.LastError = ""
		err := p.store.Transaction(ctx, func(tx repository.Store) error {
			if err := tx.Deliveries().Save(ctx, d); err != nil {
				return err
			}
			if err := tx.Retries().DeleteByDelivery(ctx, d.ID); err != nil {
				return err
			}
			return tx.Attempts().Create(ctx, history)
		})
		if err != nil {
			return p.requeueAfter(event, d, now, fmt.Errorf("save sent delivery %d: %w", d.ID, err))
		}
		p.observer.RecordDelivery(system, v1.OutcomeSent, duration)
		p.notify(event, ep, d, v1.OutcomeSent, "")
		return nil
	}

	errMsg := truncate(sendErr.Error())
	d.LastError = errMsg
	history.Error = errMsg

	permanent := !dispatcher.IsRetryable(sendErr) && !p.cfg.RetryClientErrors
	if permanent {
		// the receiver answered, so the system itself is healthy
		p.breaker.RecordSuccess(ctx, system)
	} else {
		p.breaker.RecordFailure(ctx, system)
	}

	logger.Warn("delivery attempt failed",
		zap.String("event_id", event.ID),
		zap.Uint64("delivery_id", d.ID),
		zap.String("system", system),
		zap.Int("attempt", attemptNo),
		zap.Int("status", code),
		zap.Error(sendErr))

	if permanent {
		return p.deadLetterAfterAttempt(ctx, event, d, ep, history, model.ReasonClientError, duration)
	}
	if attemptNo >= p.cfg.MaxAttempts {
		return p.deadLetterAfterAttempt(ctx, event, d, ep, history, model.ReasonMaxAttempts, duration)
	}

	next := now.Add(dispatcher.Backoff(p.cfg.BaseBackoff, p.cfg.MaxBackoff, attemptNo))
	err := p.store.Transaction(ctx, func(tx repository.Store) error {
		if err := tx.Deliveries().Save(ctx, d); err != nil {
			return err
		}
		if err := tx.Retries().Upsert(ctx, &model.RetryQueueEntry{
			EventID:     event.ID,
			DeliveryID:  d.ID,
			NextRetryAt: next,
			Attempts:    d.Attempts,
		}); err != nil {
			return err
		}
		return tx.Attempts().Create(ctx, history)
	})
	if err != nil {
		return p.requeueAfter(event, d, next, fmt.Errorf("schedule retry for delivery %d: %w", d.ID, err))
	}
	p.observer.RecordDelivery(system, v1.OutcomeRetry, duration)
	p.observer.RecordRetryScheduled(system)
	p.notify(event, ep, d, v1.OutcomeRetry, errMsg)
	return nil
}

// deferForCircuit reschedules without counting an attempt.
func (p *Processor) deferForCircuit(ctx context.Context, event *model.IntegrationEvent, ep *model.WebhookEndpoint, d *model.WebhookDelivery) error {
	next := p.now().Add(p.breaker.Cooldown())
	err := p.store.Retries().Upsert(ctx, &model.RetryQueueEntry{
		EventID:     event.ID,
		DeliveryID:  d.ID,
		NextRetryAt: next,
		Attempts:    d.Attempts,
	})
	if err != nil {
		return fmt.Errorf("defer delivery %d: %w", d.ID, err)
	}
	logger.Debug("circuit open, delivery deferred",
		zap.Uint64("delivery_id", d.ID),
		zap.String("system", ep.SystemName),
		zap.Time("next_retry_at", next))
	p.observer.RecordDelivery(ep.SystemName, v1.OutcomeCircuitOpen, 0)
	p.observer.RecordRetryScheduled(ep.SystemName)
	p.notify(event, ep, d, v1.OutcomeCircuitOpen, "circuit open")
	return nil
}

func (p *Processor) requeue(event *model.IntegrationEvent, d *model.WebhookDelivery, at time.Time) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.store.Retries().Upsert(ctx, &model.RetryQueueEntry{
		EventID:     event.ID,
		DeliveryID:  d.ID,
		NextRetryAt: at,
		Attempts:    d.Attempts,
	})
}

// requeueAfter leaves a retry row behind when recording an attempt failed,
// so the scheduler picks the delivery up again.
func (p *Processor) requeueAfter(event *model.IntegrationEvent, d *model.WebhookDelivery, at time.Time, cause error) error {
	if err := p.requeue(event, d, at); err != nil {
		logger.Error("failed to requeue delivery",
			zap.String("event_id", event.ID),
			zap.Uint64("delivery_id", d.ID),
			zap.Error(err))
		return errors.Join(cause, err)
	}
	logger.Warn("delivery requeued after store failure",
		zap.String("event_id", event.ID),
		zap.Uint64("delivery_id", d.ID),
		zap.Time("next_retry_at", at),
		zap.Error(cause))
	return cause
}

// release hands a claimed event back to pending for the sweeper.
func (p *Processor) release(eventID string, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.store.Events().UpdateStatus(ctx, eventID, model.EventPending); err != nil {
		logger.Error("failed to release event claim", zap.String("event_id", eventID), zap.Error(err))
		return errors.Join(cause, err)
	}
	logger.Warn("event claim released", zap.String("event_id", eventID), zap.Error(cause))
	return cause
}

func (p *Processor) deadLetterAfterAttempt(ctx context.Context, event *model.IntegrationEvent, d *model.WebhookDelivery, ep *model.WebhookEndpoint, history *model.DeliveryAttempt, reason string, duration time.Duration) error {
	d.Status = model.DeliveryFailed
	entry := &model.DeadLetterEntry{
		EventID:    event.ID,
		DeliveryID: d.ID,
		EndpointID: d.EndpointID,
		ReasonCode: reason,
		Reason:     d.LastError,
		Attempts:   d.Attempts,
		CreatedAt:  p.now(),
	}
	err := p.store.Transaction(ctx, func(tx repository.Store) error {
		if err := tx.Deliveries().Save(ctx, d); err != nil {
			return err
		}
		if err := tx.Retries().DeleteByDelivery(ctx, d.ID); err != nil {
			return err
		}
		if err := tx.DeadLetters().Create(ctx, entry); err != nil {
			return err
		}
		return tx.Attempts().Create(ctx, history)
	})
	if err != nil {
		return p.requeueAfter(event, d, p.now(), fmt.Errorf("dead-letter delivery %d: %w", d.ID, err))
	}
	p.observer.RecordDelivery(ep.SystemName, v1.OutcomeDeadLetter, duration)
	p.observer.RecordDeadLetter(ep.SystemName, reason)
	p.notify(event, ep, d, v1.OutcomeDeadLetter, d.LastError)
	logger.Error("delivery dead-lettered",
		zap.String("event_id", event.ID),
		zap.Uint64("delivery_id", d.ID),
		zap.String("system", ep.SystemName),
		zap.String("reason", reason),
		zap.Int("attempts", d.Attempts))
	return nil
}

// deadLetter terminates a delivery that cannot be attempted at all.
// event and ep may be nil.
func (p *Processor) deadLetter(ctx context.Context, event *model.IntegrationEvent, d *model.WebhookDelivery, ep *model.WebhookEndpoint, reason, msg string) error {
	d.Status = model.DeliveryFailed
	d.LastError = msg
	entry := &model.DeadLetterEntry{
		EventID:    d.EventID,
		DeliveryID: d.ID,
		EndpointID: d.EndpointID,
		ReasonCode: reason,
		Reason:     msg,
		Attempts:   d.Attempts,
		CreatedAt:  p.now(),
	}
	err := p.store.Transaction(ctx, func(tx repository.Store) error {
		if err := tx.Deliveries().Save(ctx, d); err != nil {
			return err
		}
		if err := tx.Retries().DeleteByDelivery(ctx, d.ID); err != nil {
			return err
		}
		return tx.DeadLetters().Create(ctx, entry)
	})
	if err != nil {
		return fmt.Errorf("dead-letter delivery %d: %w", d.ID, err)
	}

	system := ""
	if ep != nil {
		system = ep.SystemName
	}
	p.observer.RecordDeadLetter(system, reason)
	if event != nil && ep != nil {
		p.notify(event, ep, d, v1.OutcomeDeadLetter, msg)
	}
	logger.Error("delivery dead-lettered without attempt",
		zap.String("event_id", d.EventID),
		zap.Uint64("delivery_id", d.ID),
		zap.String("reason", reason))
	return nil
}

// finalize derives the event status from its deliveries: done when all are
// sent, failed once one failed and none are pending, processing otherwise.
func (p *Processor) finalize(ctx context.Context, eventID string) error {
	deliveries, err := p.store.Deliveries().ListByEvent(ctx, eventID)
	if err != nil {
		return fmt.Errorf("list deliveries: %w", err)
	}
	status := EventStatusFor(deliveries)
	if err := p.store.Events().UpdateStatus(ctx, eventID, status); err != nil {
		return fmt.Errorf("update event status: %w", err)
	}
	return nil
}

// EventStatusFor computes the event status implied by its deliveries.
func EventStatusFor(deliveries []model.WebhookDelivery) model.EventStatus {
	var pending, failed int
	for _, d := range deliveries {
		switch d.Status {
		case model.DeliveryPending:
			pending++
		case model.DeliveryFailed:
			failed++
		}
	}
	switch {
	case pending > 0:
		return model.EventProcessing
	case failed > 0:
		return model.EventFailed
	default:
		return model.EventDone
	}
}

func (p *Processor) notify(event *model.IntegrationEvent, ep *model.WebhookEndpoint, d *model.WebhookDelivery, outcome, errMsg string) {
	if p.notifier == nil {
		return
	}
	p.notifier.Notify(v1.DeliveryNotice{
		EventID:      event.ID,
		DeliveryID:   d.ID,
		SystemName:   ep.SystemName,
		EventType:    event.EventType,
		Outcome:      outcome,
		Attempt:      d.Attempts,
		ResponseCode: d.ResponseCode,
		Error:        errMsg,
		At:           p.now(),
	})
}

func truncate(s string) string {
	if len(s) <= maxErrorLen {
		return s
	}
	return s[:maxErrorLen]
}

// IsNotFound reports whether err is one of the service not-found sentinels.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEventNotFound) ||
		errors.Is(err, ErrEndpointNotFound) ||
		errors.Is(err, ErrDeliveryNotFound) ||
		errors.Is(err, ErrDeadLetterNotFound)
}
