// Package ratelimit throttles callers of the evaluation and audit endpoints
// with a token bucket per client address.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var rejectedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "secmon",
		Subsystem: "ratelimit",
		Name:      "rejected_total",
		Help:      "Requests rejected by the rate limiter, by route.",
	},
	[]string{"route"},
)

func init() {
	prometheus.MustRegister(rejectedTotal)
}

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute refills each bucket; <=0 disables limiting.
	RequestsPerMinute int
	// Burst is the bucket size.
	Burst int
	// IdleTTL drops buckets untouched for this long.
	IdleTTL time.Duration
}

// DefaultConfig sizes the buckets for service-to-service traffic, where a
// single application server reports every login it handles.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 6000,
		Burst:             200,
		IdleTTL:           10 * time.Minute,
	}
}

// Limiter tracks one bucket per key.
type Limiter struct {
	cfg     Config
	now     func() time.Time
	mu      sync.Mutex
	buckets map[string]*bucket
	sweptAt time.Time
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// New creates a limiter. now may be nil for the wall clock.
func New(cfg Config, now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Limiter{cfg: cfg, now: now, buckets: make(map[string]*bucket)}
}

// Enabled reports whether the limiter rejects anything at all.
func (l *Limiter) Enabled() bool { return l.cfg.RequestsPerMinute > 0 }

// Allow takes a token for key. When none is left it returns false and how
// long until the next token.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	if !l.Enabled() {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)

	perSecond := float64(l.cfg.RequestsPerMinute) / 60
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.cfg.Burst)}
		l.buckets[key] = b
	} else {
		b.tokens = math.Min(float64(l.cfg.Burst), b.tokens+now.Sub(b.seen).Seconds()*perSecond)
	}
	b.seen = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := time.Duration((1 - b.tokens) / perSecond * float64(time.Second))
	return false, wait
}

// sweep drops idle buckets at most once per IdleTTL. Caller holds mu.
func (l *Limiter) sweep(now time.Time) {
	if l.cfg.IdleTTL <= 0 || now.Sub(l.sweptAt) < l.cfg.IdleTTL {
		return
	}
	l.sweptAt = now
	cutoff := now.Add(-l.cfg.IdleTTL)
	for key, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Middleware limits by client IP and answers 429 with Retry-After.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, wait := l.Allow(c.ClientIP())
		if ok {
			c.Next()
			return
		}

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		rejectedTotal.WithLabelValues(route).Inc()

		seconds := int(math.Ceil(wait.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		c.Header("Retry-After", strconv.Itoa(seconds))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":       "rate_limit_exceeded",
			"message":     "Too many requests. Please slow down.",
			"retry_after": seconds,
		})
	}
}
