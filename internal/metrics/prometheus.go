package metrics

import (
	"net/http"
	"time"

	"integrahub/internal/breaker"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "integrahub_deliveries_total",
		Help: "Webhook delivery attempts by downstream system and outcome.",
	}, []string{"system", "outcome"})
	deliveryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "integrahub_delivery_duration_seconds",
		Help:    "Duration of webhook HTTP calls.",
		Buckets: prometheus.DefBuckets,
	}, []string{"system"})
	retriesScheduled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "integrahub_retries_scheduled_total",
		Help: "Retries scheduled after transient failures or open circuits.",
	}, []string{"system"})
	deadLettersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "integrahub_dead_letters_total",
		Help: "Deliveries moved to the dead-letter table.",
	}, []string{"system", "reason"})
	retryQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "integrahub_retry_queue_depth",
		Help: "Rows in the retry queue at the last sweep.",
	})
	circuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "integrahub_circuit_state",
		Help: "Circuit state per system (0=closed, 1=half-open, 2=open).",
	}, []string{"system"})
	circuitTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "integrahub_circuit_transitions_total",
		Help: "Circuit state transitions.",
	}, []string{"system", "from", "to"})
	rateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "integrahub_rate_limited_total",
		Help: "Requests rejected with 429.",
	}, []string{"route"})
	onlineGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "integrahub_feed_clients",
		Help: "Number of connected dashboard feed clients",
	})
	pushCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "integrahub_feed_push_total",
		Help: "Total number of notices pushed to the dashboard feed",
	})
)

type PrometheusObserver struct{}

// NewPrometheusObserver returns an observer that satisfies every observer
// interface in the hub.
func NewPrometheusObserver() *PrometheusObserver {
	return &PrometheusObserver{}
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func (p *PrometheusObserver) RecordDelivery(system, outcome string, duration time.Duration) {
	deliveriesTotal.WithLabelValues(system, outcome).Inc()
	if duration > 0 {
		deliveryDuration.WithLabelValues(system).Observe(duration.Seconds())
	}
}

func (p *PrometheusObserver) RecordRetryScheduled(system string) {
	retriesScheduled.WithLabelValues(system).Inc()
}

func (p *PrometheusObserver) RecordDeadLetter(system, reason string) {
	deadLettersTotal.WithLabelValues(system, reason).Inc()
}

func (p *PrometheusObserver) SetRetryQueueDepth(depth int64) {
	retryQueueDepth.Set(float64(depth))
}

func (p *PrometheusObserver) ObserveState(system string, state breaker.State) {
	circuitState.WithLabelValues(system).Set(stateValue(state))
}

func (p *PrometheusObserver) ObserveTransition(system string, from, to breaker.State) {
	circuitTransitions.WithLabelValues(system, string(from), string(to)).Inc()
}

func (p *PrometheusObserver) IncOnline() {
	onlineGauge.Inc()
}

func (p *PrometheusObserver) DecOnline() {
	onlineGauge.Dec()
}

func (p *PrometheusObserver) RecordPush() {
	pushCounter.Inc()
}

// RecordRateLimited counts a 429 on route.
func RecordRateLimited(route string) {
	rateLimited.WithLabelValues(route).Inc()
}

func stateValue(s breaker.State) float64 {
	switch s {
	case breaker.HalfOpen:
		return 1
	case breaker.Open:
		return 2
	default:
		return 0
	}
}
