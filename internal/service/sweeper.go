package service

import (
	"context"
	"time"

	"integrahub/internal/model"
	"integrahub/internal/repository"
	"integrahub/pkg/logger"

	"go.uber.org/zap"
)

// EventProcessor processes one event by id.
type EventProcessor interface {
	Process(ctx context.Context, eventID string) error
}

// PendingSweeper picks up events whose queue job was lost: anything still
// pending after the grace period is processed directly. It also repairs
// work left behind by a failed store write: processing events with nothing
// pending and pending deliveries with no retry row.
type PendingSweeper struct {
	store     repository.Store
	processor EventProcessor
	interval  time.Duration
	grace     time.Duration
	batchSize int
	now       func() time.Time
}

func NewPendingSweeper(store repository.Store, processor EventProcessor, interval, grace time.Duration, batchSize int) *PendingSweeper {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &PendingSweeper{
		store:     store,
		processor: processor,
		interval:  interval,
		grace:     grace,
		batchSize: batchSize,
		now:       time.Now,
	}
}

func (w *PendingSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	logger.Info("pending sweeper started", zap.Duration("interval", w.interval), zap.Duration("grace", w.grace))

	for {
		select {
		case <-ctx.Done():
			logger.Info("pending sweeper stopped")
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *PendingSweeper) sweep(ctx context.Context) int {
	before := w.now().Add(-w.grace)
	w.reschedule(ctx, before)
	w.unstick(ctx, before)

	events, err := w.store.Events().FetchStalePending(ctx, before, w.batchSize)
	if err != nil {
		logger.Error("failed to fetch stale pending events", zap.Error(err))
		return 0
	}

	for _, e := range events {
		if ctx.Err() != nil {
			break
		}
		logger.Warn("recovering stale pending event", zap.String("event_id", e.ID), zap.Time("created_at", e.CreatedAt))
		if err := w.processor.Process(ctx, e.ID); err != nil {
			logger.Error("failed to process stale event", zap.String("event_id", e.ID), zap.Error(err))
		}
	}
	return len(events)
}

// reschedule gives unscheduled pending deliveries a retry row due now.
func (w *PendingSweeper) reschedule(ctx context.Context, before time.Time) {
	deliveries, err := w.store.Deliveries().FetchUnscheduled(ctx, before, w.batchSize)
	if err != nil {
		logger.Error("failed to fetch unscheduled deliveries", zap.Error(err))
		return
	}
	for _, d := range deliveries {
		logger.Warn("rescheduling orphaned delivery", zap.String("event_id", d.EventID), zap.Uint64("delivery_id", d.ID))
		err := w.store.Retries().Upsert(ctx, &model.RetryQueueEntry{
			EventID:     d.EventID,
			DeliveryID:  d.ID,
			NextRetryAt: w.now(),
			Attempts:    d.Attempts,
		})
		if err != nil {
			logger.Error("failed to reschedule delivery", zap.Uint64("delivery_id", d.ID), zap.Error(err))
		}
	}
}

// unstick settles processing events that nothing will finalize. An event
// without deliveries goes back to pending; otherwise its status is derived
// from the terminal deliveries.
func (w *PendingSweeper) unstick(ctx context.Context, before time.Time) {
	events, err := w.store.Events().FetchStuckProcessing(ctx, before, w.batchSize)
	if err != nil {
		logger.Error("failed to fetch stuck processing events", zap.Error(err))
		return
	}
	for _, e := range events {
		deliveries, err := w.store.Deliveries().ListByEvent(ctx, e.ID)
		if err != nil {
			logger.Error("failed to list deliveries", zap.String("event_id", e.ID), zap.Error(err))
			continue
		}
		status := model.EventPending
		if len(deliveries) > 0 {
			status = EventStatusFor(deliveries)
		}
		logger.Warn("settling stuck processing event", zap.String("event_id", e.ID), zap.String("status", string(status)))
		if err := w.store.Events().UpdateStatus(ctx, e.ID, status); err != nil {
			logger.Error("failed to settle event", zap.String("event_id", e.ID), zap.Error(err))
		}
	}
}
