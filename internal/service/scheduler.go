package service

import (
	"context"
	"errors"
	"time"

	"integrahub/internal/lock"
	"integrahub/internal/metrics"
	"integrahub/internal/model"
	"integrahub/internal/repository"
	"integrahub/pkg/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RetryRunner re-attempts one queued delivery.
type RetryRunner interface {
	RetryDelivery(ctx context.Context, entry model.RetryQueueEntry) error
}

type SchedulerConfig struct {
	Interval    time.Duration
	BatchSize   int
	Parallelism int
}

// RetryScheduler periodically hands due retry rows to the processor. With an
// etcd locker only one process sweeps at a time.
type RetryScheduler struct {
	retries  repository.RetryQueueInterface
	runner   RetryRunner
	locker   lock.Locker
	observer metrics.DeliveryObserver
	cfg      SchedulerConfig
	now      func() time.Time
}

func NewRetryScheduler(retries repository.RetryQueueInterface, runner RetryRunner, locker lock.Locker, observer metrics.DeliveryObserver, cfg SchedulerConfig) *RetryScheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	if locker == nil {
		locker = lock.LocalLocker{}
	}
	return &RetryScheduler{
		retries:  retries,
		runner:   runner,
		locker:   locker,
		observer: observer,
		cfg:      cfg,
		now:      time.Now,
	}
}

func (s *RetryScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	logger.Info("retry scheduler started", zap.Duration("interval", s.cfg.Interval))

	for {
		select {
		case <-ctx.Done():
			logger.Info("retry scheduler stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep processes one batch of due retries and returns how many were handed
// to the processor.
func (s *RetryScheduler) Sweep(ctx context.Context) int {
	lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	unlock, err := s.locker.TryLock(lockCtx)
	cancel()
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			logger.Debug("retry sweep skipped, another instance holds the lock")
		} else {
			logger.Error("failed to acquire retry sweep lock", zap.Error(err))
		}
		return 0
	}
	defer func() {
		if err := unlock(context.Background()); err != nil {
			logger.Warn("failed to release retry sweep lock", zap.Error(err))
		}
	}()

	entries, err := s.retries.FetchReady(ctx, s.now(), s.cfg.BatchSize)
	if err != nil {
		logger.Error("failed to fetch due retries", zap.Error(err))
		return 0
	}

	// deliveries of one event run sequentially so that finalizing the
	// event always sees its siblings' latest state
	var order []string
	byEvent := make(map[string][]model.RetryQueueEntry)
	for _, e := range entries {
		if _, ok := byEvent[e.EventID]; !ok {
			order = append(order, e.EventID)
		}
		byEvent[e.EventID] = append(byEvent[e.EventID], e)
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.Parallelism)
	for _, eventID := range order {
		group := byEvent[eventID]
		g.Go(func() error {
			for _, entry := range group {
				if ctx.Err() != nil {
					return nil
				}
				if err := s.runner.RetryDelivery(ctx, entry); err != nil {
					logger.Error("retry failed",
						zap.String("event_id", entry.EventID),
						zap.Uint64("delivery_id", entry.DeliveryID),
						zap.Error(err))
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	if depth, err := s.retries.Count(ctx); err == nil {
		s.observer.SetRetryQueueDepth(depth)
	}
	if len(entries) > 0 {
		logger.Info("retry sweep finished", zap.Int("entries", len(entries)), zap.Int("events", len(order)))
	}
	return len(entries)
}
