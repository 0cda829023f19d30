// Package breaker implements a circuit breaker whose state lives in Redis so
// that every worker process sees the same view of a downstream service.
//
// States:
//   - closed: calls allowed, consecutive failures counted
//   - open: calls rejected until the cool-down elapses
//   - half-open: exactly one trial call in flight; success closes, failure reopens
//
// Every transition is a single Lua script, so concurrent workers never race on
// the counters.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"integrahub/pkg/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half-open"
)

var ErrInvalidService = errors.New("service name required")

// Config holds the breaker thresholds.
type Config struct {
	Threshold int              // consecutive failures before opening (default: 5)
	Cooldown  time.Duration    // open duration before a half-open trial (default: 60s)
	Prefix    string           // redis key prefix
	Now       func() time.Time // clock override, nil means time.Now
}

// Status is the externally visible state of one service's breaker.
type Status struct {
	Service  string     `json:"service"`
	State    State      `json:"state"`
	Failures int        `json:"failure_count"`
	OpenedAt *time.Time `json:"opened_at,omitempty"`
	RetryAt  *time.Time `json:"retry_at,omitempty"` // earliest half-open trial when open
	// OpenSince is when the circuit last left closed. Failed half-open
	// trials move OpenedAt but not OpenSince.
	OpenSince *time.Time `json:"open_since,omitempty"`
}

// Observer receives state changes, typically to export metrics.
type Observer interface {
	ObserveState(service string, state State)
	ObserveTransition(service string, from, to State)
}

var allowScript = redis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
redis.call("SADD", KEYS[2], ARGV[3])
if not state or state == "closed" then
  return {1, "closed", "closed"}
end
local now = tonumber(ARGV[1])
local cooldown = tonumber(ARGV[2])
if state == "open" then
  local opened = tonumber(redis.call("HGET", KEYS[1], "opened_at") or "0")
  if now - opened >= cooldown then
    redis.call("HSET", KEYS[1], "state", "half-open", "trial_at", ARGV[1])
    return {1, "half-open", "open"}
  end
  return {0, "open", "open"}
end
-- half-open: a single trial; a stale trial (worker died) is replaced after a cool-down
local trial = tonumber(redis.call("HGET", KEYS[1], "trial_at") or "0")
if now - trial >= cooldown then
  redis.call("HSET", KEYS[1], "trial_at", ARGV[1])
  return {1, "half-open", "half-open"}
end
return {0, "half-open", "half-open"}
`)

var failureScript = redis.NewScript(`
local prev = redis.call("HGET", KEYS[1], "state") or "closed"
local failures = redis.call("HINCRBY", KEYS[1], "failures", 1)
redis.call("SADD", KEYS[2], ARGV[3])
if prev == "half-open" or (prev == "closed" and failures >= tonumber(ARGV[2])) then
  redis.call("HSET", KEYS[1], "state", "open", "opened_at", ARGV[1])
  redis.call("HSETNX", KEYS[1], "open_since", ARGV[1])
  redis.call("HDEL", KEYS[1], "trial_at")
  return {failures, "open", prev}
end
redis.call("HSET", KEYS[1], "state", prev)
return {failures, prev, prev}
`)

var closeScript = redis.NewScript(`
local prev = redis.call("HGET", KEYS[1], "state") or "closed"
redis.call("SADD", KEYS[2], ARGV[1])
redis.call("HSET", KEYS[1], "state", "closed", "failures", "0")
redis.call("HDEL", KEYS[1], "opened_at", "open_since", "trial_at")
return prev
`)

type Breaker struct {
	rdb       redis.UniversalClient
	threshold int
	cooldown  time.Duration
	prefix    string
	observer  Observer
	now       func() time.Time
}

func New(rdb redis.UniversalClient, cfg Config, observer Observer) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 60 * time.Second
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "integrahub"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{
		rdb:       rdb,
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
		prefix:    cfg.Prefix,
		observer:  observer,
		now:       cfg.Now,
	}
}

// Cooldown is how long an open circuit rejects calls.
func (b *Breaker) Cooldown() time.Duration {
	return b.cooldown
}

func (b *Breaker) key(service string) string {
	return b.prefix + ":cb:" + service
}

func (b *Breaker) setKey() string {
	return b.prefix + ":cb:services"
}

// Allow reports whether a call to service may be attempted. It fails open
// when Redis is unreachable.
func (b *Breaker) Allow(ctx context.Context, service string) bool {
	now := b.now().UnixMilli()
	res, err := allowScript.Run(ctx, b.rdb,
		[]string{b.key(service), b.setKey()},
		now, b.cooldown.Milliseconds(), service,
	).Slice()
	if err != nil || len(res) != 3 {
		logger.Warn("circuit breaker unavailable, allowing call",
			zap.String("service", service), zap.Error(err))
		return true
	}
	allowed := toInt(res[0]) == 1
	state, prev := State(toString(res[1])), State(toString(res[2]))
	if state != prev {
		logger.Info("circuit half-open, sending trial call", zap.String("service", service))
		b.transition(service, prev, state)
	}
	return allowed
}

// RecordSuccess closes the circuit and clears the failure count.
func (b *Breaker) RecordSuccess(ctx context.Context, service string) {
	prev, err := closeScript.Run(ctx, b.rdb, []string{b.key(service), b.setKey()}, service).Text()
	if err != nil {
		logger.Warn("failed to record circuit success", zap.String("service", service), zap.Error(err))
		return
	}
	if State(prev) != Closed {
		logger.Info("circuit closed", zap.String("service", service), zap.String("from", prev))
		b.transition(service, State(prev), Closed)
	}
}

// RecordFailure counts a consecutive failure, opening the circuit at the
// threshold or immediately when the half-open trial fails.
func (b *Breaker) RecordFailure(ctx context.Context, service string) {
	res, err := failureScript.Run(ctx, b.rdb,
		[]string{b.key(service), b.setKey()},
		b.now().UnixMilli(), b.threshold, service,
	).Slice()
	if err != nil || len(res) != 3 {
		logger.Warn("failed to record circuit failure", zap.String("service", service), zap.Error(err))
		return
	}
	state, prev := State(toString(res[1])), State(toString(res[2]))
	if state != prev {
		logger.Warn("circuit opened",
			zap.String("service", service),
			zap.Int64("failures", toInt(res[0])),
			zap.String("from", string(prev)))
		b.transition(service, prev, state)
	}
}

// GetStatus returns the stored state of service. Unknown services are closed.
func (b *Breaker) GetStatus(ctx context.Context, service string) (*Status, error) {
	if service == "" {
		return nil, ErrInvalidService
	}
	fields, err := b.rdb.HGetAll(ctx, b.key(service)).Result()
	if err != nil {
		return nil, fmt.Errorf("read circuit %s: %w", service, err)
	}

	st := &Status{Service: service, State: Closed}
	if s, ok := fields["state"]; ok && s != "" {
		st.State = State(s)
	}
	if f, ok := fields["failures"]; ok {
		st.Failures, _ = strconv.Atoi(f)
	}
	if ms, ok := fields["opened_at"]; ok && st.State != Closed {
		if v, err := strconv.ParseInt(ms, 10, 64); err == nil {
			opened := time.UnixMilli(v)
			retry := opened.Add(b.cooldown)
			st.OpenedAt = &opened
			st.RetryAt = &retry
			st.OpenSince = &opened
		}
	}
	if ms, ok := fields["open_since"]; ok && st.State != Closed {
		if v, err := strconv.ParseInt(ms, 10, 64); err == nil {
			since := time.UnixMilli(v)
			st.OpenSince = &since
		}
	}
	return st, nil
}

// GetAllStatus returns every service the breaker has seen, sorted by name.
func (b *Breaker) GetAllStatus(ctx context.Context) ([]Status, error) {
	services, err := b.rdb.SMembers(ctx, b.setKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list circuits: %w", err)
	}
	sort.Strings(services)

	out := make([]Status, 0, len(services))
	for _, svc := range services {
		st, err := b.GetStatus(ctx, svc)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, nil
}

// Reset forces the circuit of service back to closed.
func (b *Breaker) Reset(ctx context.Context, service string) (*Status, error) {
	if service == "" {
		return nil, ErrInvalidService
	}
	prev, err := closeScript.Run(ctx, b.rdb, []string{b.key(service), b.setKey()}, service).Text()
	if err != nil {
		return nil, fmt.Errorf("reset circuit %s: %w", service, err)
	}
	logger.Info("circuit reset by operator", zap.String("service", service), zap.String("from", prev))
	if State(prev) != Closed {
		b.transition(service, State(prev), Closed)
	}
	return b.GetStatus(ctx, service)
}

func (b *Breaker) transition(service string, from, to State) {
	if b.observer == nil {
		return
	}
	b.observer.ObserveTransition(service, from, to)
	b.observer.ObserveState(service, to)
}

func toInt(v any) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case string:
		n, _ := strconv.ParseInt(val, 10, 64)
		return n
	default:
		return 0
	}
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
