// Package ratelimit spaces requests per origin with a minimum interval.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/regwatch/internal/metrics"
)

// DefaultMinInterval is the spacing applied when Config leaves it unset.
const DefaultMinInterval = time.Second

// Config holds rate limiter configuration.
type Config struct {
	MinInterval time.Duration
}

// Limiter guarantees at least MinInterval between consecutive acquisitions
// of the same key. Keys never block each other.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	every    rate.Limit
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	interval := cfg.MinInterval
	if interval <= 0 {
		interval = DefaultMinInterval
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		every:    rate.Every(interval),
	}
}

// Acquire blocks until key may be used again or ctx ends.
// The first acquisition of a key returns immediately.
func (l *Limiter) Acquire(ctx context.Context, key string) error {
	limiter := l.limiterFor(key)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(key, waited)
	}
	return nil
}

func (l *Limiter) limiterFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(l.every, 1)
		l.limiters[key] = limiter
	}
	return limiter
}

// KeyFor returns the lowercase host used as the limiter key for a URL.
func KeyFor(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
