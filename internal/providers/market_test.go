package providers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainpulse/chainpulse/internal/kv"
)

type stubUpstream struct {
	name  string
	snap  *DexSnapshot
	err   error
	calls int
}

func (u *stubUpstream) Name() string { return u.name }

func (u *stubUpstream) Fetch(ctx context.Context, chain, contract string) (*DexSnapshot, error) {
	u.calls++
	return u.snap, u.err
}

func marketTestKV(t *testing.T) *kv.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	return kv.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func marketTestCfg() MarketConfig {
	return MarketConfig{CacheTTL: 300 * time.Second, LastOKTTL: 24 * time.Hour, TimeoutS: 5}
}

func TestMarketProvider_PrimaryWins(t *testing.T) {
	primary := &stubUpstream{name: "dexscreener", snap: &DexSnapshot{PriceUSD: 0.5, LiquidityUSD: 90000}}
	secondary := &stubUpstream{name: "geckoterminal"}
	p := NewMarketProvider(marketTestCfg(), primary, secondary, marketTestKV(t))

	res := p.Snapshot(context.Background(), "eth", "0xABC")
	require.False(t, res.Degrade)
	assert.Equal(t, "dexscreener", res.Source)
	assert.Zero(t, secondary.calls)

	var snap DexSnapshot
	require.NoError(t, json.Unmarshal(res.Payload, &snap))
	assert.Equal(t, 90000.0, snap.LiquidityUSD)
}

func TestMarketProvider_CacheHitSkipsUpstream(t *testing.T) {
	primary := &stubUpstream{name: "dexscreener", snap: &DexSnapshot{PriceUSD: 0.5}}
	p := NewMarketProvider(marketTestCfg(), primary, nil, marketTestKV(t))
	ctx := context.Background()

	p.Snapshot(ctx, "eth", "0xabc")
	res := p.Snapshot(ctx, "eth", "0xABC")
	assert.True(t, res.Cache)
	assert.Equal(t, "cache", res.Source)
	assert.Equal(t, 1, primary.calls, "contract casing must not split the cache key")
}

func TestMarketProvider_FallsThroughToSecondary(t *testing.T) {
	primary := &stubUpstream{name: "dexscreener", err: errors.New("503")}
	secondary := &stubUpstream{name: "geckoterminal", snap: &DexSnapshot{PriceUSD: 0.4}}
	p := NewMarketProvider(marketTestCfg(), primary, secondary, marketTestKV(t))

	res := p.Snapshot(context.Background(), "eth", "0xabc")
	require.False(t, res.Degrade)
	assert.Equal(t, "geckoterminal", res.Source)
	assert.Equal(t, 1, primary.calls)
}

func TestMarketProvider_ServesLastOKWhenBothFail(t *testing.T) {
	ctx := context.Background()
	kvStore := marketTestKV(t)

	good := &stubUpstream{name: "dexscreener", snap: &DexSnapshot{PriceUSD: 0.5}}
	NewMarketProvider(marketTestCfg(), good, nil, kvStore).Snapshot(ctx, "eth", "0xabc")

	// A different bucket granularity misses the short-term cache, so the
	// fall-through path is exercised rather than masked.
	broken := &stubUpstream{name: "dexscreener", err: errors.New("down")}
	cfg := marketTestCfg()
	cfg.CacheTTL = time.Second
	p := NewMarketProvider(cfg, broken, nil, kvStore)

	res := p.Snapshot(ctx, "eth", "0xabc")
	assert.True(t, res.Stale)
	assert.True(t, res.Degrade)
	assert.Equal(t, "last_ok", res.Source)
	assert.Equal(t, ReasonBothFailedLastOK, res.Reason)
}

func TestMarketProvider_EmptyWhenNothingLeft(t *testing.T) {
	p := NewMarketProvider(marketTestCfg(),
		&stubUpstream{name: "dexscreener", err: errors.New("down")},
		&stubUpstream{name: "geckoterminal", err: errors.New("down")},
		marketTestKV(t))

	res := p.Snapshot(context.Background(), "eth", "0xabc")
	assert.True(t, res.Degrade)
	assert.Empty(t, res.Payload)
	assert.Equal(t, ReasonBothFailedNone, res.Reason)
}

func TestClassifyStatus(t *testing.T) {
	assert.Equal(t, KindUpstreamAuth, ClassifyStatus(401))
	assert.Equal(t, KindUpstreamAuth, ClassifyStatus(403))
	assert.Equal(t, KindUpstreamTransient, ClassifyStatus(429))
	assert.Equal(t, KindUpstreamTransient, ClassifyStatus(503))
	assert.Equal(t, KindUpstreamPermanent, ClassifyStatus(404))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(KindUpstreamTimeout))
	assert.True(t, Retryable(KindUpstreamTransient))
	assert.False(t, Retryable(KindUpstreamPermanent))
	assert.False(t, Retryable(KindParse))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindParse, KindOf(NewError(KindParse, errors.New("bad json"))))
	assert.Equal(t, KindUpstreamTimeout, KindOf(context.DeadlineExceeded))
	assert.Equal(t, KindUpstreamTransient, KindOf(errors.New("anything else")))
}
