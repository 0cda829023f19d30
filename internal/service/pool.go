package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"integrahub/internal/queue"
	"integrahub/pkg/logger"

	"go.uber.org/zap"
)

// JobSource yields queued event ids.
type JobSource interface {
	Dequeue(ctx context.Context, timeout time.Duration) (string, error)
}

// WorkerPool runs N consumers of the job queue.
type WorkerPool struct {
	source    JobSource
	processor EventProcessor
	size      int
	timeout   time.Duration
}

func NewWorkerPool(source JobSource, processor EventProcessor, size int, timeout time.Duration) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WorkerPool{source: source, processor: processor, size: size, timeout: timeout}
}

// Run blocks until ctx is cancelled and every worker finished its current event.
func (p *WorkerPool) Run(ctx context.Context) {
	logger.Info("worker pool started", zap.Int("size", p.size))
	var wg sync.WaitGroup
	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.work(ctx, id)
		}(i)
	}
	wg.Wait()
	logger.Info("worker pool stopped")
}

func (p *WorkerPool) work(ctx context.Context, id int) {
	for {
		if ctx.Err() != nil {
			return
		}
		eventID, err := p.source.Dequeue(ctx, p.timeout)
		if err != nil {
			if errors.Is(err, queue.ErrEmpty) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			logger.Error("dequeue failed", zap.Int("worker", id), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		// an event in flight is finished even during shutdown
		if err := p.processor.Process(context.WithoutCancel(ctx), eventID); err != nil {
			logger.Error("event processing failed",
				zap.Int("worker", id),
				zap.String("event_id", eventID),
				zap.Error(err))
		}
	}
}
