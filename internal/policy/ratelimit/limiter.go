// Package ratelimit implements a token bucket limiter that throttles page
// fetches per host, so one crawl job cannot hammer a single origin.
package ratelimit

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/sitegraph/crawler/internal/crawl"
)

// Config holds rate limiter configuration.
type Config struct {
	// PerHostRPS is the sustained request rate allowed per host. Zero or
	// negative disables throttling.
	PerHostRPS float64
	// Burst is the bucket size per host; it defaults to 1.
	Burst int
}

// Limiter manages one token bucket per host. Hosts are keyed by the
// normalized URL's hostname, so www.example.com:443 and www.example.com
// share a bucket.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	rps := rate.Limit(cfg.PerHostRPS)
	if cfg.PerHostRPS <= 0 {
		rps = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rps,
		burst:    burst,
	}
}

// Wait blocks until a token is available for the URL's host, respecting the
// context.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host, err := crawl.HostOf(rawURL)
	if err != nil {
		host = "unknown"
	}

	l.mu.Lock()
	limiter, exists := l.limiters[host]
	if !exists {
		limiter = rate.NewLimiter(l.rps, l.burst)
		l.limiters[host] = limiter
	}
	l.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}
