package service

import (
	"context"
	"time"

	"integrahub/internal/buffer"
	"integrahub/internal/metrics"
	v1 "integrahub/pkg/api/v1"
	"integrahub/pkg/logger"

	"go.uber.org/zap"
)

// Subscriber is one connected dashboard. Systems filters notices by
// downstream system; empty means everything.
type Subscriber struct {
	Send    chan v1.DeliveryNotice
	Systems map[string]bool
}

func (s *Subscriber) wants(n v1.DeliveryNotice) bool {
	if n.Outcome == v1.OutcomePing || len(s.Systems) == 0 {
		return true
	}
	return s.Systems[n.SystemName]
}

// Hub fans delivery notices out to dashboard subscribers. All state is owned
// by the Run goroutine.
type Hub struct {
	clients    map[*Subscriber]bool
	Broadcast  chan v1.DeliveryNotice
	Register   chan *Subscriber
	Unregister chan *Subscriber

	buffer    *buffer.NoticeBuffer
	observer  metrics.FeedObserver
	heartbeat time.Duration
	seq       int64
	done      chan struct{}
}

func NewHub(observer metrics.FeedObserver, heartbeat time.Duration, bufferSize int) *Hub {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &Hub{
		clients:    make(map[*Subscriber]bool),
		Broadcast:  make(chan v1.DeliveryNotice, 256),
		Register:   make(chan *Subscriber),
		Unregister: make(chan *Subscriber),
		buffer:     buffer.NewNoticeBuffer(bufferSize),
		observer:   observer,
		heartbeat:  heartbeat,
		done:       make(chan struct{}),
	}
}

// Join registers sub. It returns false once the hub has stopped.
func (h *Hub) Join(sub *Subscriber) bool {
	select {
	case h.Register <- sub:
		return true
	case <-h.done:
		return false
	}
}

// Leave unregisters sub; it never blocks after the hub has stopped.
func (h *Hub) Leave(sub *Subscriber) {
	select {
	case h.Unregister <- sub:
	case <-h.done:
	}
}

// Notify queues a notice without blocking the delivery path.
func (h *Hub) Notify(n v1.DeliveryNotice) {
	select {
	case h.Broadcast <- n:
	default:
		logger.Warn("feed backlog full, notice dropped",
			zap.String("event_id", n.EventID),
			zap.Uint64("delivery_id", n.DeliveryID))
	}
}

// GetSince returns buffered notices after lastSeq for reconnecting dashboards.
func (h *Hub) GetSince(lastSeq int64) ([]v1.DeliveryNotice, bool) {
	return h.buffer.GetSince(lastSeq)
}

// Latest is the sequence of the newest buffered notice.
func (h *Hub) Latest() int64 {
	return h.buffer.Latest()
}

func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				close(client.Send)
				delete(h.clients, client)
				h.observer.DecOnline()
			}
			return
		case client := <-h.Register:
			h.clients[client] = true
			h.observer.IncOnline()
		case client := <-h.Unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.Send)
				h.observer.DecOnline()
			}
		case n := <-h.Broadcast:
			h.seq++
			n.Seq = h.seq
			h.buffer.Add(n)
			h.fanOut(n)
		case <-ticker.C:
			h.fanOut(v1.DeliveryNotice{Outcome: v1.OutcomePing, At: time.Now()})
		}
	}
}

func (h *Hub) fanOut(n v1.DeliveryNotice) {
	for client := range h.clients {
		if !client.wants(n) {
			continue
		}
		select {
		case client.Send <- n:
			if n.Outcome != v1.OutcomePing {
				h.observer.RecordPush()
			}
		default:
			// slow consumer, it reconnects and catches up from the buffer
			logger.Warn("dashboard client too slow, disconnecting")
			close(client.Send)
			delete(h.clients, client)
			h.observer.DecOnline()
		}
	}
}
