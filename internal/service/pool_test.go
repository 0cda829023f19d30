package service

import (
	"context"
	"testing"
	"time"

	"integrahub/internal/queue"

	"github.com/stretchr/testify/assert"
)

type chanSource struct {
	ch chan string
}

func (s *chanSource) Dequeue(ctx context.Context, timeout time.Duration) (string, error) {
	select {
	case id := <-s.ch:
		return id, nil
	case <-time.After(timeout):
		return "", queue.ErrEmpty
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestWorkerPool_ProcessesUntilCancelled(t *testing.T) {
	src := &chanSource{ch: make(chan string, 10)}
	proc := &recordingProcessor{}
	pool := NewWorkerPool(src, proc, 3, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	for _, id := range []string{"e1", "e2", "e3", "e4"} {
		src.ch <- id
	}

	assert.Eventually(t, func() bool { return len(proc.seen()) == 4 }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"e1", "e2", "e3", "e4"}, proc.seen())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pool did not stop")
	}
}
