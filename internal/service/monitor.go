package service

import (
	"context"
	"fmt"
	"time"

	"integrahub/internal/breaker"
	"integrahub/internal/model"
	"integrahub/internal/repository"
)

// CircuitReader lists breaker state.
type CircuitReader interface {
	GetAllStatus(ctx context.Context) ([]breaker.Status, error)
}

// QueueDepther reports queued jobs.
type QueueDepther interface {
	Depth(ctx context.Context) (int64, error)
}

type MonitorConfig struct {
	DeadLetterThreshold int
	RetryThreshold      int
	PendingThreshold    int
	CircuitOpenAlert    time.Duration
}

// Alert codes.
const (
	AlertDeadLetterBacklog = "dead_letter_backlog"
	AlertCircuitOpen       = "circuit_open"
	AlertRetryBacklog      = "retry_backlog"
	AlertPendingBacklog    = "pending_backlog"
)

type Alert struct {
	Code     string `json:"code"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Service  string `json:"service,omitempty"`
}

type EventCounts struct {
	Pending     int64 `json:"pending"`
	Processing  int64 `json:"processing"`
	DoneToday   int64 `json:"done_today"`
	FailedToday int64 `json:"failed_today"`
}

type RetryCounts struct {
	Depth int64 `json:"depth"`
	Ready int64 `json:"ready"`
}

type Dashboard struct {
	GeneratedAt time.Time                   `json:"generated_at"`
	Events      EventCounts                 `json:"events"`
	QueueDepth  int64                       `json:"queue_depth"`
	Retries     RetryCounts                 `json:"retries"`
	DeadLetters *repository.DeadLetterStats `json:"dead_letters"`
	Circuits    []breaker.Status            `json:"circuits"`
	Alerts      []Alert                     `json:"alerts"`
}

// MonitorService aggregates the read-only dashboard.
type MonitorService struct {
	store    repository.Store
	circuits CircuitReader
	queue    QueueDepther
	cfg      MonitorConfig
	now      func() time.Time
}

func NewMonitorService(store repository.Store, circuits CircuitReader, queue QueueDepther, cfg MonitorConfig) *MonitorService {
	return &MonitorService{store: store, circuits: circuits, queue: queue, cfg: cfg, now: time.Now}
}

func (m *MonitorService) Snapshot(ctx context.Context) (*Dashboard, error) {
	now := m.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	events := m.store.Events()

	d := &Dashboard{GeneratedAt: now, Alerts: []Alert{}}
	var err error

	if d.Events.Pending, err = events.CountByStatus(ctx, model.EventPending); err != nil {
		return nil, fmt.Errorf("count pending: %w", err)
	}
	if d.Events.Processing, err = events.CountByStatus(ctx, model.EventProcessing); err != nil {
		return nil, fmt.Errorf("count processing: %w", err)
	}
	if d.Events.DoneToday, err = events.CountByStatusSince(ctx, model.EventDone, today); err != nil {
		return nil, fmt.Errorf("count done: %w", err)
	}
	if d.Events.FailedToday, err = events.CountByStatusSince(ctx, model.EventFailed, today); err != nil {
		return nil, fmt.Errorf("count failed: %w", err)
	}
	if d.Retries.Depth, err = m.store.Retries().Count(ctx); err != nil {
		return nil, fmt.Errorf("count retries: %w", err)
	}
	if d.Retries.Ready, err = m.store.Retries().CountReady(ctx, now); err != nil {
		return nil, fmt.Errorf("count ready retries: %w", err)
	}
	if d.DeadLetters, err = m.store.DeadLetters().Stats(ctx, now.Add(-24*time.Hour)); err != nil {
		return nil, fmt.Errorf("dead letter stats: %w", err)
	}
	if d.Circuits, err = m.circuits.GetAllStatus(ctx); err != nil {
		return nil, fmt.Errorf("circuit status: %w", err)
	}
	if m.queue != nil {
		// queue depth is informational, a Redis hiccup must not hide the rest
		if depth, err := m.queue.Depth(ctx); err == nil {
			d.QueueDepth = depth
		}
	}

	d.Alerts = m.alerts(d, now)
	return d, nil
}

func (m *MonitorService) alerts(d *Dashboard, now time.Time) []Alert {
	alerts := []Alert{}

	if m.cfg.DeadLetterThreshold > 0 && d.DeadLetters.Total > int64(m.cfg.DeadLetterThreshold) {
		alerts = append(alerts, Alert{
			Code:     AlertDeadLetterBacklog,
			Severity: "critical",
			Message:  fmt.Sprintf("%d dead letters waiting for review (threshold %d)", d.DeadLetters.Total, m.cfg.DeadLetterThreshold),
		})
	}
	for _, c := range d.Circuits {
		if c.State == breaker.Closed || c.OpenSince == nil {
			continue
		}
		open := now.Sub(*c.OpenSince)
		if open >= m.cfg.CircuitOpenAlert {
			alerts = append(alerts, Alert{
				Code:     AlertCircuitOpen,
				Severity: "critical",
				Service:  c.Service,
				Message:  fmt.Sprintf("circuit for %s open for %s", c.Service, open.Truncate(time.Second)),
			})
		}
	}
	if m.cfg.RetryThreshold > 0 && d.Retries.Depth > int64(m.cfg.RetryThreshold) {
		alerts = append(alerts, Alert{
			Code:     AlertRetryBacklog,
			Severity: "warning",
			Message:  fmt.Sprintf("%d deliveries waiting for retry (threshold %d)", d.Retries.Depth, m.cfg.RetryThreshold),
		})
	}
	if m.cfg.PendingThreshold > 0 && d.Events.Pending > int64(m.cfg.PendingThreshold) {
		alerts = append(alerts, Alert{
			Code:     AlertPendingBacklog,
			Severity: "warning",
			Message:  fmt.Sprintf("%d events pending (threshold %d)", d.Events.Pending, m.cfg.PendingThreshold),
		})
	}
	return alerts
}
