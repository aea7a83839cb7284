package kraken

import (
	"context"
	"sync"
	"time"
)

// Limiter enforces a fixed minimum gap between consecutive requests.
// Concurrent callers each reserve the next free slot, so they leave in order
// and never closer together than the interval. A nil *Limiter never waits.
type Limiter struct {
	mu       sync.Mutex
	interval time.Duration
	next     time.Time // earliest start for the next request

	now func() time.Time
}

func NewLimiter(interval time.Duration) *Limiter {
	return &Limiter{interval: interval, now: time.Now}
}

// Interval returns the configured minimum gap.
func (l *Limiter) Interval() time.Duration {
	if l == nil {
		return 0
	}
	return l.interval
}

// Wait blocks until the caller may issue its request or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	delay := l.reserve()
	if delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (l *Limiter) reserve() time.Duration {
	if l == nil || l.interval <= 0 {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	start := now
	if l.next.After(now) {
		start = l.next
	}
	l.next = start.Add(l.interval)
	return start.Sub(now)
}
