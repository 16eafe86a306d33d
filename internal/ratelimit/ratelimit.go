// Package ratelimit provides token-bucket rate limiting middleware for the API.
//
// Signed requests are limited per signing principal, unsigned requests per
// client IP. Each key gets its own golang.org/x/time/rate bucket.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/blocki/blocki/internal/auth"
	"github.com/blocki/blocki/internal/metrics"
)

// idleTTL is how long an unused bucket is kept. A bucket idle this long has
// refilled anyway, so dropping it loses nothing.
const idleTTL = 2 * time.Minute

// Config configures rate limiting.
type Config struct {
	// RequestsPerMinute is the sustained rate per key. Zero disables limiting.
	RequestsPerMinute int
	// BurstSize is the bucket capacity.
	BurstSize int
	// CleanupInterval is how often idle buckets are evicted.
	CleanupInterval time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 600,
		BurstSize:         50,
		CleanupInterval:   time.Minute,
	}
}

type entry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Limiter holds one bucket per key.
type Limiter struct {
	cfg   Config
	every rate.Limit
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*entry

	stop chan struct{}
	once sync.Once
}

// New creates a limiter and starts its eviction loop. Call Stop when done.
func New(cfg Config) *Limiter {
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		now:     time.Now,
		buckets: make(map[string]*entry),
		stop:    make(chan struct{}),
	}
	if cfg.RequestsPerMinute > 0 {
		l.every = rate.Limit(float64(cfg.RequestsPerMinute) / 60)
	}
	go l.evictLoop()
	return l
}

func (l *Limiter) evictLoop() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.evictIdle()
		}
	}
}

func (l *Limiter) evictIdle() {
	cutoff := l.now().Add(-idleTTL)
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, e := range l.buckets {
		if e.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// Stop ends the eviction loop. Safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow reports whether a request for key may proceed now.
func (l *Limiter) Allow(key string) bool {
	ok, _ := l.take(key)
	return ok
}

// take consumes a token for key. When none is available it returns how long
// until one will be.
func (l *Limiter) take(key string) (bool, time.Duration) {
	if l.cfg.RequestsPerMinute <= 0 {
		return true, 0
	}
	now := l.now()

	l.mu.Lock()
	e, ok := l.buckets[key]
	if !ok {
		e = &entry{lim: rate.NewLimiter(l.every, l.cfg.BurstSize)}
		l.buckets[key] = e
	}
	e.lastSeen = now
	l.mu.Unlock()

	r := e.lim.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Key returns the limiter key for a request and its kind label.
func Key(c *gin.Context) (key, kind string) {
	// First signer named in the header; the auth middleware verifies it later.
	if v := c.GetHeader(auth.HeaderSignature); v != "" {
		first, _, _ := strings.Cut(v, ",")
		if addr, _, ok := strings.Cut(strings.TrimSpace(first), ":"); ok && addr != "" {
			return "signer:" + strings.ToLower(addr), "signer"
		}
	}
	return "ip:" + c.ClientIP(), "ip"
}

// Middleware rejects requests over the limit with 429 and a Retry-After
// header in whole seconds.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key, kind := Key(c)
		ok, wait := l.take(key)
		if ok {
			c.Next()
			return
		}

		retryAfter := int(math.Ceil(wait.Seconds()))
		metrics.RateLimitedTotal.WithLabelValues(kind).Inc()
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":       "rate_limit_exceeded",
			"message":     "Too many requests. Please slow down.",
			"retry_after": retryAfter,
		})
	}
}
