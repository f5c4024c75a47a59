package enrich

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/chainpulse/chainpulse/internal/logging"
	"github.com/chainpulse/chainpulse/internal/providers"
	"github.com/chainpulse/chainpulse/internal/store"
)

// MarketScanner fills DEX liquidity and volume columns for candidate
// signals.
type MarketScanner struct {
	cfg      Config
	st       *store.Store
	provider *providers.MarketProvider
}

// NewMarketScanner wires the scanner.
func NewMarketScanner(cfg Config, st *store.Store, provider *providers.MarketProvider) *MarketScanner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &MarketScanner{cfg: cfg, st: st, provider: provider}
}

// Drain pages through the backlog until an unsaturated scan.
func (s *MarketScanner) Drain(ctx context.Context) (Stats, error) {
	return drain(ctx, s.cfg, s.Scan)
}

// Scan processes one page of signals lacking market data.
func (s *MarketScanner) Scan(ctx context.Context) (Stats, error) {
	var stats Stats
	if !s.cfg.Enabled {
		return stats, nil
	}
	rows, err := s.st.Signals.ScanMissing(ctx, "dex_liquidity", s.cfg.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("scan signals missing market data: %w", err)
	}

	for _, sig := range rows {
		stats.Scanned++
		if !sig.TokenCA.Valid || sig.TokenCA.String == "" {
			stats.Skipped++
			continue
		}
		res := s.provider.Snapshot(ctx, s.cfg.Chain, sig.TokenCA.String)
		if res.Degrade {
			stats.Degraded++
		}
		if len(res.Payload) == 0 {
			stats.Skipped++
			continue
		}

		var snap providers.DexSnapshot
		if err := json.Unmarshal(res.Payload, &snap); err != nil {
			lg := logging.For(ctx, "enrich")
			lg.Warn().Str("event_key", sig.EventKey).Err(err).Msg("dex payload parse failed")
			stats.Skipped++
			continue
		}

		liquidity := sql.NullFloat64{Float64: snap.LiquidityUSD, Valid: true}
		volume := sql.NullFloat64{}
		if bar, ok := snap.OHLC["h1"]; ok {
			volume = sql.NullFloat64{Float64: bar.Vol, Valid: true}
		}
		if err := s.st.Signals.UpdateMarket(ctx, sig.EventKey, liquidity, volume); err != nil {
			lg := logging.For(ctx, "enrich")
			lg.Warn().Str("event_key", sig.EventKey).Err(err).Msg("market update failed")
			continue
		}
		if err := s.st.Events.MergeEvidence(ctx, sig.EventKey, "dex", res.Payload); err != nil {
			lg := logging.For(ctx, "enrich")
			lg.Warn().Str("event_key", sig.EventKey).Err(err).Msg("evidence merge failed")
		}
		stats.Updated++
	}
	return stats, nil
}
