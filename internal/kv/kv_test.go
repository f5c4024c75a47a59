package kv

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewFromClient(client), mr
}

func TestStore_SetGetDel(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", "v", time.Minute))
	v, ok := s.Get(ctx, "k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	require.NoError(t, s.Del(ctx, "k"))
	_, ok = s.Get(ctx, "k")
	assert.False(t, ok)
}

func TestStore_SetNX(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	fresh, err := s.SetNX(ctx, "mark", "1", time.Minute)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = s.SetNX(ctx, "mark", "2", time.Minute)
	require.NoError(t, err)
	assert.False(t, fresh)

	v, _ := s.Get(ctx, "mark")
	assert.Equal(t, "1", v)
}

func TestStore_SetNX_TTLExpiry(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	_, err := s.SetNX(ctx, "mark", "1", time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)
	fresh, err := s.SetNX(ctx, "mark", "2", time.Second)
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestStore_Incr(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	n, err := s.Incr(ctx, "counter", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.Incr(ctx, "counter", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestStore_SortedSetWindow(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Unix()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.ZAdd(ctx, "heat:X", float64(base+int64(i)*60), strconv.Itoa(i)))
	}

	// Count entries newer than base+120.
	n, err := s.ZCount(ctx, "heat:X", strconv.FormatInt(base+120, 10), "+inf")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	require.NoError(t, s.ZRemRangeByScore(ctx, "heat:X", "-inf", strconv.FormatInt(base+60, 10)))
	n, err = s.ZCount(ctx, "heat:X", "-inf", "+inf")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestStore_FallbackOnlyMode(t *testing.T) {
	s, err := New(Config{})
	require.NoError(t, err)
	ctx := context.Background()

	assert.False(t, s.Available(ctx))

	// Dedup marks work in-process.
	fresh, err := s.SetNX(ctx, "mark", "1", time.Minute)
	require.NoError(t, err)
	assert.True(t, fresh)
	fresh, _ = s.SetNX(ctx, "mark", "2", time.Minute)
	assert.False(t, fresh)

	// Counters and sorted sets require a live backend.
	_, err = s.Incr(ctx, "c", 0)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, s.ZAdd(ctx, "z", 1, "m"), ErrUnavailable)

	// So do locks.
	_, err = s.AcquireLock(ctx, "lock:x", DefaultLockConfig())
	assert.ErrorIs(t, err, ErrUnavailable)
}
