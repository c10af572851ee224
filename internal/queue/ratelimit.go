package queue

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a blocking token bucket shared by every dispatch worker:
// one Acquire per dispatch attempt, 30 tokens/s by default across the
// union of lanes. Workers that cannot take a token suspend until one
// refills or their context ends.
type RateLimiter struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewRateLimiter creates a limiter allowing perSecond dispatches per
// second with an equal burst.
func NewRateLimiter(perSecond int) *RateLimiter {
	if perSecond <= 0 {
		perSecond = 30
	}
	return &RateLimiter{
		tokens:     float64(perSecond),
		maxTokens:  float64(perSecond),
		refillRate: float64(perSecond),
		lastRefill: time.Now(),
	}
}

// Acquire blocks until a token is available or ctx is done.
func (l *RateLimiter) Acquire(ctx context.Context) error {
	for {
		wait, ok := l.tryTake()
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// TryAcquire takes a token without blocking.
func (l *RateLimiter) TryAcquire() bool {
	_, ok := l.tryTake()
	return ok
}

// tryTake refills by elapsed time and either consumes a token or reports
// how long until one is due.
func (l *RateLimiter) tryTake() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	l.tokens += elapsed * l.refillRate
	if l.tokens > l.maxTokens {
		l.tokens = l.maxTokens
	}
	l.lastRefill = now

	if l.tokens >= 1.0 {
		l.tokens -= 1.0
		return 0, true
	}
	deficit := 1.0 - l.tokens
	return time.Duration(deficit / l.refillRate * float64(time.Second)), false
}
