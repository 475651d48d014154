package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/scrape-scheduler/internal/metrics"
)

// Limiter holds one token bucket per source.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
}

// LimiterConfig sets the bucket used for sources without their own limit.
type LimiterConfig struct {
	DefaultRPS   float64
	DefaultBurst int
}

// NewLimiter creates a Limiter. A non-positive rate means unlimited.
func NewLimiter(cfg LimiterConfig) *Limiter {
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  toLimit(cfg.DefaultRPS),
		defaultBurst: max(cfg.DefaultBurst, 1),
	}
}

// Configure sets the rate for one source, replacing any existing bucket.
func (l *Limiter) Configure(source string, rps float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limiters[source] = rate.NewLimiter(toLimit(rps), max(burst, 1))
}

// Wait blocks until source may run again or ctx is done.
func (l *Limiter) Wait(ctx context.Context, source string) error {
	l.mu.Lock()
	limiter, ok := l.limiters[source]
	if !ok {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[source] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", source, err)
	}
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObserveRateLimitWait(source, d)
	}
	return nil
}

func toLimit(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}
