package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// DefaultInterval is the minimum spacing between outbound analysis requests
const DefaultInterval = 1000 * time.Millisecond

// Limiter enforces a minimum wall-clock interval between acquisitions across the whole process.
// It never rejects; callers are delayed in FIFO order.
type Limiter struct {
	limiter  *rate.Limiter
	interval time.Duration
}

// New creates a limiter; the first acquisition is immediate
func New(interval time.Duration) *Limiter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Limiter{
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		interval: interval,
	}
}

// Acquire suspends until the interval since the previous acquisition has elapsed.
// It only fails when ctx ends first.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait: %w", err)
	}
	return nil
}

func (l *Limiter) Interval() time.Duration {
	return l.interval
}
