package kv

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// WindowLimiter is a cross-process sliding-window rate limiter backed by a
// Redis sorted set per key. Per-process token buckets cannot bound a
// multi-worker deployment; this one can.
type WindowLimiter struct {
	store  *Store
	window time.Duration
	limit  int
}

// NewWindowLimiter creates a limiter allowing limit events per window.
func NewWindowLimiter(store *Store, limit int, window time.Duration) *WindowLimiter {
	if window <= 0 {
		window = time.Second
	}
	return &WindowLimiter{store: store, window: window, limit: limit}
}

// Allow records an attempt under key and reports whether it fits the window.
// If the KV store is unavailable the limiter fails open.
func (w *WindowLimiter) Allow(ctx context.Context, key string) bool {
	if w.store.client == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-w.window)
	zkey := "ratewin:" + key

	if err := w.store.ZRemRangeByScore(ctx, zkey, "0", formatScore(cutoff)); err != nil {
		return true
	}
	n, err := w.store.ZCount(ctx, zkey, formatScore(cutoff), "+inf")
	if err != nil {
		return true
	}
	if n >= int64(w.limit) {
		return false
	}
	member := fmt.Sprintf("%d:%s", now.UnixNano(), uuid.New().String()[:8])
	if err := w.store.ZAdd(ctx, zkey, float64(now.UnixNano()), member); err != nil {
		return true
	}
	_ = w.store.Expire(ctx, zkey, w.window*2)
	return true
}

// WaitAllow polls Allow every step until it succeeds or maxWait elapses.
func (w *WindowLimiter) WaitAllow(ctx context.Context, key string, maxWait, step time.Duration) bool {
	deadline := time.Now().Add(maxWait)
	for {
		if w.Allow(ctx, key) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(step):
		}
	}
}

func formatScore(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}
