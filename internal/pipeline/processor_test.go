package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainpulse/chainpulse/internal/kv"
	"github.com/chainpulse/chainpulse/internal/providers"
)

func newHeatProcessor(t *testing.T) *Processor {
	t.Helper()
	mr := miniredis.RunT(t)
	kvStore := kv.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	sentiment := providers.NewSentimentProvider(nil, providers.SentimentConfig{})
	return New(DefaultConfig(), nil, kvStore, sentiment, newTopicRegistry(t))
}

func TestProcessor_TrackHeat(t *testing.T) {
	p := newHeatProcessor(t)
	ctx := context.Background()
	now := time.Now()

	// Three recent posts plus one only the long window still sees.
	p.trackHeat(ctx, "TOKEN:PEPE:0001", 1, now.Add(-20*time.Minute))
	p.trackHeat(ctx, "TOKEN:PEPE:0001", 2, now.Add(-2*time.Minute))
	p.trackHeat(ctx, "TOKEN:PEPE:0001", 3, now.Add(-1*time.Minute))
	h10, h30, slope := p.trackHeat(ctx, "TOKEN:PEPE:0001", 4, now)

	assert.Equal(t, 3, h10)
	assert.Equal(t, 4, h30)
	assert.InDelta(t, 3.0/10-4.0/30, slope, 1e-9)
}

func TestProcessor_TrackHeat_IndependentEvents(t *testing.T) {
	p := newHeatProcessor(t)
	ctx := context.Background()
	now := time.Now()

	p.trackHeat(ctx, "TOKEN:AAAA:0001", 1, now)
	h10, h30, _ := p.trackHeat(ctx, "TOKEN:BBBB:0002", 2, now)
	assert.Equal(t, 1, h10)
	assert.Equal(t, 1, h30)
}

func TestProcessor_Cursor(t *testing.T) {
	p := newHeatProcessor(t)
	ctx := context.Background()

	assert.Zero(t, p.cursor(ctx))

	require.NoError(t, p.kv.Set(ctx, cursorKey, "42", 0))
	assert.Equal(t, int64(42), p.cursor(ctx))

	require.NoError(t, p.kv.Set(ctx, cursorKey, "garbage", 0))
	assert.Zero(t, p.cursor(ctx))
}

func TestProcessor_Tunable(t *testing.T) {
	p := newHeatProcessor(t)
	assert.Equal(t, 10.0, p.tunable("topic_merge.slope_window_10m", 7))
	assert.Equal(t, 7.0, p.tunable("topic_merge.nope", 7))
}
