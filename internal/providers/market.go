package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chainpulse/chainpulse/internal/kv"
	"github.com/rs/zerolog/log"
)

// DexSnapshot is the normalized market-data payload.
type DexSnapshot struct {
	PriceUSD     float64            `json:"price_usd"`
	LiquidityUSD float64            `json:"liquidity_usd"`
	FDV          float64            `json:"fdv"`
	OHLC         map[string]OHLCBar `json:"ohlc"` // keys m5, h1, h24
	AsOf         time.Time          `json:"as_of"`
}

// OHLCBar is one aggregated candle.
type OHLCBar struct {
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
	Vol   float64 `json:"vol"`
}

// MarketUpstream is one DEX data upstream in the fall-through ladder.
type MarketUpstream interface {
	Name() string
	Fetch(ctx context.Context, chain, contract string) (*DexSnapshot, error)
}

// MarketConfig holds market-data provider settings.
type MarketConfig struct {
	CacheTTL  time.Duration // short-term bucket cache
	LastOKTTL time.Duration // most recent success, held long
	TimeoutS  int
}

// MarketConfigFromEnv reads market provider settings.
func MarketConfigFromEnv() MarketConfig {
	return MarketConfig{
		CacheTTL:  time.Duration(envInt("DEX_CACHE_TTL_S", 300)) * time.Second,
		LastOKTTL: 24 * time.Hour,
		TimeoutS:  envInt("DEX_TIMEOUT_S", 5),
	}
}

// MarketProvider serves DEX snapshots with a primary/secondary ladder:
// fresh cache, primary fetch, secondary fetch, last_ok (stale+degrade),
// fully empty.
type MarketProvider struct {
	cfg       MarketConfig
	primary   MarketUpstream
	secondary MarketUpstream
	kv        *kv.Store
}

// NewMarketProvider wires the ladder. secondary may be nil.
func NewMarketProvider(cfg MarketConfig, primary, secondary MarketUpstream, kvStore *kv.Store) *MarketProvider {
	return &MarketProvider{cfg: cfg, primary: primary, secondary: secondary, kv: kvStore}
}

// bucketKey is (chain, contract_lower, 5-minute bucket).
func (p *MarketProvider) bucketKey(chain, contract string) string {
	bucket := time.Now().Unix() / int64(p.cfg.CacheTTL.Seconds())
	return fmt.Sprintf("dex:%s:%s:%d", chain, strings.ToLower(contract), bucket)
}

func (p *MarketProvider) lastOKKey(chain, contract string) string {
	return fmt.Sprintf("dex:lastok:%s:%s", chain, strings.ToLower(contract))
}

// Snapshot returns the best available DEX snapshot for a contract.
func (p *MarketProvider) Snapshot(ctx context.Context, chain, contract string) *Result {
	cacheKey := p.bucketKey(chain, contract)
	if p.kv != nil {
		if v, ok := p.kv.Get(ctx, cacheKey); ok {
			return &Result{Payload: json.RawMessage(v), Source: "cache", Cache: true}
		}
	}

	var lastErr error
	for _, up := range []MarketUpstream{p.primary, p.secondary} {
		if up == nil {
			continue
		}
		snap, err := up.Fetch(ctx, chain, contract)
		if err != nil {
			lastErr = err
			log.Warn().Str("stage", "providers").Str("provider", up.Name()).
				Err(err).Msg("dex fetch failed, falling through")
			continue
		}
		payload, err := json.Marshal(snap)
		if err != nil {
			lastErr = NewError(KindParse, err)
			continue
		}
		if p.kv != nil {
			_ = p.kv.Set(ctx, cacheKey, string(payload), p.cfg.CacheTTL)
			_ = p.kv.Set(ctx, p.lastOKKey(chain, contract), string(payload), p.cfg.LastOKTTL)
		}
		return &Result{Payload: payload, Source: up.Name()}
	}

	// Both upstreams failed: serve the most recent success if we have one.
	if p.kv != nil {
		if v, ok := p.kv.Get(ctx, p.lastOKKey(chain, contract)); ok {
			return &Result{
				Payload: json.RawMessage(v),
				Source:  "last_ok",
				Cache:   true,
				Stale:   true,
				Degrade: true,
				Reason:  ReasonBothFailedLastOK,
				Notes:   []string{ReasonForErr(lastErr)},
			}
		}
	}
	return Empty(ReasonBothFailedNone)
}

// httpMarketUpstream is a JSON-API upstream usable as primary or secondary.
type httpMarketUpstream struct {
	name   string
	urlFmt string // e.g. "https://api.dexscreener.com/latest/dex/tokens/%s"
	client *Client
}

// NewHTTPMarketUpstream builds an upstream hitting urlFmt with the
// contract address.
func NewHTTPMarketUpstream(name, urlFmt string, timeoutS int) MarketUpstream {
	return &httpMarketUpstream{
		name:   name,
		urlFmt: urlFmt,
		client: NewClient(ClientConfig{Name: name, TimeoutMS: timeoutS * 1000, MaxRetries: 1}),
	}
}

func (u *httpMarketUpstream) Name() string { return u.name }

func (u *httpMarketUpstream) Fetch(ctx context.Context, chain, contract string) (*DexSnapshot, error) {
	var snap DexSnapshot
	url := fmt.Sprintf(u.urlFmt, strings.ToLower(contract))
	if err := u.client.GetJSON(ctx, url, &snap); err != nil {
		return nil, err
	}
	if snap.AsOf.IsZero() {
		snap.AsOf = time.Now().UTC()
	}
	return &snap, nil
}
