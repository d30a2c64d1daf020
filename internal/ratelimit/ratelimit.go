// Package ratelimit provides a per-key token bucket limiter for the
// grantflowd API. Keys are typically client IPs. Buckets refill continuously
// and stale entries are evicted by a background cleanup goroutine.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Config configures the limiter.
type Config struct {
	RequestsPerSecond float64       // Token refill rate (e.g. 50 = 50 req/s)
	Burst             int           // Max burst size (tokens in bucket)
	CleanupInterval   time.Duration // How often to evict stale entries
}

// DefaultConfig returns sensible defaults (50 req/s, burst of 100).
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 50,
		Burst:             100,
		CleanupInterval:   5 * time.Minute,
	}
}

// Result holds the outcome of a rate limit check including remaining tokens
// for inclusion in response headers.
type Result struct {
	Allowed   bool
	Remaining int   // approximate tokens remaining (for RateLimit-Remaining header)
	ResetMs   int64 // milliseconds until a token is available (for Retry-After)
	Limit     int   // bucket capacity (for RateLimit-Limit header)
}

// tokenBucket implements a simple per-key token bucket.
type tokenBucket struct {
	tokens   float64
	maxBurst float64
	rate     float64 // tokens per second
	lastSeen time.Time
}

func (b *tokenBucket) allow(now time.Time) bool {
	elapsed := now.Sub(b.lastSeen).Seconds()
	b.tokens += elapsed * b.rate
	if b.tokens > b.maxBurst {
		b.tokens = b.maxBurst
	}
	b.lastSeen = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Limiter is a concurrent-safe per-key rate limiter.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
	config  Config
	stop    chan struct{}
}

// New creates a limiter and starts background cleanup.
func New(cfg Config) *Limiter {
	l := &Limiter{
		buckets: make(map[string]*tokenBucket),
		config:  cfg,
		stop:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// Allow checks whether a request identified by key is allowed.
func (l *Limiter) Allow(key string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[key]
	if !ok {
		b = &tokenBucket{
			tokens:   float64(l.config.Burst),
			maxBurst: float64(l.config.Burst),
			rate:     l.config.RequestsPerSecond,
			lastSeen: now,
		}
		l.buckets[key] = b
	}

	allowed := b.allow(now)
	remaining := int(math.Max(0, b.tokens))
	var resetMs int64
	if !allowed && b.rate > 0 {
		// Time until next token becomes available.
		resetMs = int64((1.0 - b.tokens) / b.rate * 1000)
		if resetMs < 0 {
			resetMs = 1000 // minimum 1 second
		}
	}

	return Result{
		Allowed:   allowed,
		Remaining: remaining,
		ResetMs:   resetMs,
		Limit:     int(b.maxBurst),
	}
}

// cleanup periodically removes stale entries (no requests for 10+ minutes).
func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.mu.Lock()
			cutoff := time.Now().Add(-10 * time.Minute)
			for key, b := range l.buckets {
				if b.lastSeen.Before(cutoff) {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		}
	}
}

// Stop gracefully shuts down the background cleanup goroutine.
func (l *Limiter) Stop() {
	select {
	case <-l.stop:
		// already closed
	default:
		close(l.stop)
	}
}
