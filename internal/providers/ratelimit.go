package providers

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a per-process rate limiter sized in requests per minute:
// capacity = rpm, refill = rpm/60 tokens per second. The mutex is never
// held across a sleep.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewTokenBucket creates a bucket for the given requests-per-minute limit.
// rpm <= 0 disables limiting.
func NewTokenBucket(rpm int) *TokenBucket {
	if rpm <= 0 {
		return &TokenBucket{}
	}
	return &TokenBucket{
		tokens:     float64(rpm),
		capacity:   float64(rpm),
		refillRate: float64(rpm) / 60.0,
		lastRefill: time.Now(),
	}
}

func (tb *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
}

// reserve decrements n tokens if available, else returns the wait needed.
func (tb *TokenBucket) reserve(n float64) (time.Duration, bool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill(time.Now())
	if tb.tokens >= n {
		tb.tokens -= n
		return 0, true
	}
	needed := n - tb.tokens
	return time.Duration(needed / tb.refillRate * float64(time.Second)), false
}

// Acquire blocks until n tokens are available and returns the total wait.
// The critical section releases before sleeping; after sleeping the bucket
// is re-checked. If a concurrent caller drained it again, one extra sleep
// of needed/rate is taken and the decrement is forced.
func (tb *TokenBucket) Acquire(ctx context.Context, n int) (time.Duration, error) {
	if tb.capacity == 0 || n <= 0 {
		return 0, nil
	}
	need := float64(n)
	start := time.Now()

	wait, ok := tb.reserve(need)
	if ok {
		return 0, nil
	}
	if err := sleepCtx(ctx, wait); err != nil {
		return time.Since(start), err
	}

	// Re-check under the mutex; force the decrement on the rare second miss.
	tb.mu.Lock()
	tb.refill(time.Now())
	if tb.tokens >= need {
		tb.tokens -= need
		tb.mu.Unlock()
		return time.Since(start), nil
	}
	extra := time.Duration((need - tb.tokens) / tb.refillRate * float64(time.Second))
	tb.tokens -= need
	tb.mu.Unlock()

	if err := sleepCtx(ctx, extra); err != nil {
		return time.Since(start), err
	}
	return time.Since(start), nil
}

// Tokens returns the currently available token count.
func (tb *TokenBucket) Tokens() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill(time.Now())
	return tb.tokens
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
