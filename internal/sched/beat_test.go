package sched

import (
	"context"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainpulse/chainpulse/internal/kv"
	"github.com/chainpulse/chainpulse/internal/telemetry"
)

func newTestScheduler(t *testing.T, beat time.Duration) (*Scheduler, *kv.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	kvStore := kv.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	cfg := Config{
		BeatInterval: beat,
		Workers:      2,
		QueueDepth:   16,
		HeartbeatKey: "beat:last_heartbeat",
		MaxLag:       120 * time.Second,
		BacklogWarn:  100,
	}
	return New(cfg, kvStore, telemetry.NewRegistry()), kvStore
}

func TestScheduler_RunsDueJobs(t *testing.T) {
	s, kvStore := newTestScheduler(t, 20*time.Millisecond)

	var runs atomic.Int32
	s.Register(&Job{
		Name:     "tick",
		Queue:    "pipeline",
		Interval: 30 * time.Millisecond,
		Fn: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	assert.GreaterOrEqual(t, runs.Load(), int32(2))

	// The beat left a heartbeat behind.
	lag, ok := HeartbeatLag(context.Background(), kvStore, "beat:last_heartbeat")
	require.True(t, ok)
	assert.Less(t, lag, 5*time.Second)
}

func TestScheduler_SkipsOverlappingRuns(t *testing.T) {
	s, _ := newTestScheduler(t, 20*time.Millisecond)

	var concurrent, maxConcurrent atomic.Int32
	s.Register(&Job{
		Name:     "slow",
		Queue:    "pipeline",
		Interval: 10 * time.Millisecond,
		Fn: func(ctx context.Context) error {
			n := concurrent.Add(1)
			defer concurrent.Add(-1)
			for {
				cur := maxConcurrent.Load()
				if n <= cur || maxConcurrent.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(80 * time.Millisecond)
			return nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	assert.Equal(t, int32(1), maxConcurrent.Load(), "overlapping runs must be skipped")
}

func TestScheduler_JobErrorDoesNotStopLoop(t *testing.T) {
	s, _ := newTestScheduler(t, 20*time.Millisecond)

	var runs atomic.Int32
	s.Register(&Job{
		Name:     "flaky",
		Queue:    "default",
		Interval: 25 * time.Millisecond,
		Fn: func(ctx context.Context) error {
			runs.Add(1)
			return assert.AnError
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	assert.GreaterOrEqual(t, runs.Load(), int32(2))
}

func TestHeartbeatLag(t *testing.T) {
	mr := miniredis.RunT(t)
	kvStore := kv.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	ctx := context.Background()

	_, ok := HeartbeatLag(ctx, kvStore, "beat:last_heartbeat")
	assert.False(t, ok, "missing key reads as no heartbeat")

	past := time.Now().Add(-90 * time.Second).Unix()
	require.NoError(t, kvStore.Set(ctx, "beat:last_heartbeat", strconv.FormatInt(past, 10), 0))
	lag, ok := HeartbeatLag(ctx, kvStore, "beat:last_heartbeat")
	require.True(t, ok)
	assert.InDelta(t, 90*time.Second, lag, float64(5*time.Second))

	require.NoError(t, kvStore.Set(ctx, "beat:last_heartbeat", "garbage", 0))
	_, ok = HeartbeatLag(ctx, kvStore, "beat:last_heartbeat")
	assert.False(t, ok)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("BEAT_HEARTBEAT_KEY", "custom:beat")
	t.Setenv("BEAT_MAX_LAG_SEC", "300")
	t.Setenv("CELERY_BACKLOG_WARN", "50")

	cfg := ConfigFromEnv()
	assert.Equal(t, "custom:beat", cfg.HeartbeatKey)
	assert.Equal(t, 300*time.Second, cfg.MaxLag)
	assert.Equal(t, 50, cfg.BacklogWarn)
}
