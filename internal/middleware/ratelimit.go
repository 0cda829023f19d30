package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"integrahub/internal/service"
	"integrahub/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// fixedWindowScript counts one request in the current window.
// KEYS[1]=window key, ARGV[1]=window length in ms. Returns the new count.
var fixedWindowScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// RateLimiterConfig defines configuration for the rate limiter
type RateLimiterConfig struct {
	Limit     int           // requests per window
	Window    time.Duration // window length
	KeyPrefix string        // Redis key prefix
}

// OnLimited is called for every rejected request.
type OnLimited func(route string)

// RateLimiter is a fixed-window counter keyed by producer identity.
type RateLimiter struct {
	rdb       redis.UniversalClient
	cfg       RateLimiterConfig
	onLimited OnLimited
	now       func() time.Time

	local   sync.Map
	cleanup sync.Once
}

// Fallback in-memory limiter
type localLimiter struct {
	mu       sync.Mutex
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(rdb redis.UniversalClient, cfg RateLimiterConfig, onLimited OnLimited) *RateLimiter {
	if cfg.Limit <= 0 {
		cfg.Limit = 60
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "ratelimit"
	}
	if onLimited == nil {
		onLimited = func(string) {}
	}
	return &RateLimiter{rdb: rdb, cfg: cfg, onLimited: onLimited, now: time.Now}
}

// identity is the authenticated client name, otherwise the caller IP.
func identity(c *gin.Context) string {
	if info := service.GetClientInfo(c.Request.Context()); info != nil {
		return "client:" + info.Name
	}
	return "ip:" + c.ClientIP()
}

// Middleware enforces the limit using Redis with a local fail-open strategy.
func (l *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := identity(c)
		now := l.now()
		windowMs := l.cfg.Window.Milliseconds()
		index := now.UnixMilli() / windowMs
		resetAt := time.UnixMilli((index + 1) * windowMs)
		key := fmt.Sprintf("%s:%s:%d", l.cfg.KeyPrefix, id, index)

		c.Header("X-RateLimit-Limit", strconv.Itoa(l.cfg.Limit))

		ctx, cancel := context.WithTimeout(c.Request.Context(), 100*time.Millisecond)
		count, err := fixedWindowScript.Run(ctx, l.rdb, []string{key}, windowMs).Int64()
		cancel()

		if err != nil {
			logger.Warn("Redis rate limit failed, switching to local fallback",
				zap.Error(err),
				zap.String("identity", id))
			l.allowLocal(c, id)
			return
		}

		remaining := int64(l.cfg.Limit) - count
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if count > int64(l.cfg.Limit) {
			retryAfter := int(resetAt.Sub(now).Seconds() + 0.999)
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			l.reject(c)
			return
		}
		c.Next()
	}
}

func (l *RateLimiter) reject(c *gin.Context) {
	l.onLimited(c.FullPath())
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too Many Requests"})
}

func (l *RateLimiter) allowLocal(c *gin.Context, id string) {
	limiter := l.localLimiter(id)
	if !limiter.Allow() {
		c.Header("X-RateLimit-Remaining", "0")
		c.Header("X-RateLimit-Reset", "1") // static retry value for fallback
		l.reject(c)
		return
	}
	c.Header("X-RateLimit-Remaining", strconv.Itoa(int(limiter.Tokens())))
	c.Next()
}

func (l *RateLimiter) localLimiter(id string) *rate.Limiter {
	l.cleanup.Do(func() { go l.sweepLocal() })

	every := rate.Every(l.cfg.Window / time.Duration(l.cfg.Limit))
	val, _ := l.local.LoadOrStore(id, &localLimiter{limiter: rate.NewLimiter(every, l.cfg.Limit)})
	ll := val.(*localLimiter)
	ll.mu.Lock()
	ll.lastSeen = time.Now()
	ll.mu.Unlock()
	return ll.limiter
}

func (l *RateLimiter) sweepLocal() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		now := time.Now()
		l.local.Range(func(key, value any) bool {
			ll := value.(*localLimiter)
			ll.mu.Lock()
			idle := now.Sub(ll.lastSeen)
			ll.mu.Unlock()
			if idle > 10*time.Minute {
				l.local.Delete(key)
			}
			return true
		})
	}
}
