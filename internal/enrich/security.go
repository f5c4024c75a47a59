// Package enrich runs the batch scanners that fill signal rows with
// security and market data.
package enrich

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/chainpulse/chainpulse/internal/config"
	"github.com/chainpulse/chainpulse/internal/logging"
	"github.com/chainpulse/chainpulse/internal/providers"
	"github.com/chainpulse/chainpulse/internal/store"
)

// DefaultBatchSize bounds one scanner invocation.
const DefaultBatchSize = 50

// Config holds shared scanner settings.
type Config struct {
	BatchSize int
	Chain     string
	Interval  time.Duration // pause between saturated pages in a drain
	Enabled   bool
}

// SecurityConfigFromEnv reads the security scanner settings.
func SecurityConfigFromEnv() Config {
	return Config{
		BatchSize: DefaultBatchSize,
		Chain:     envOr("SCAN_CHAIN_ID", "1"),
		Interval:  5 * time.Second,
		Enabled:   envBool("ENABLE_GOPLUS_SCAN", true),
	}
}

// MarketScanConfigFromEnv reads the market scanner settings.
func MarketScanConfigFromEnv() Config {
	return Config{
		BatchSize: DefaultBatchSize,
		Chain:     envOr("SCAN_CHAIN", "eth"),
		Interval:  5 * time.Second,
		Enabled:   envBool("ENABLE_DEX_SCAN", true),
	}
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envBool(name string, def bool) bool {
	v := strings.ToLower(os.Getenv(name))
	if v == "" {
		return def
	}
	return v == "1" || v == "true" || v == "on" || v == "yes"
}

// Stats summarizes one scanner pass.
type Stats struct {
	Scanned  int
	Updated  int
	Skipped  int
	Degraded int
}

// Saturated reports whether the batch filled its page; a saturated page
// means more rows are likely waiting.
func (s Stats) Saturated(batchSize int) bool { return s.Scanned >= batchSize }

func (s *Stats) add(o Stats) {
	s.Scanned += o.Scanned
	s.Updated += o.Updated
	s.Skipped += o.Skipped
	s.Degraded += o.Degraded
}

// drain runs scan pages until one comes back unsaturated, pausing the
// configured interval between pages to return rate-limit budget.
func drain(ctx context.Context, cfg Config, scan func(context.Context) (Stats, error)) (Stats, error) {
	var total Stats
	for {
		stats, err := scan(ctx)
		total.add(stats)
		if err != nil || !stats.Saturated(cfg.BatchSize) {
			return total, err
		}
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		case <-time.After(cfg.Interval):
		}
	}
}

// SecurityScanner fills goplus columns for candidate signals.
type SecurityScanner struct {
	cfg      Config
	st       *store.Store
	provider *providers.SecurityProvider
	secCfg   providers.SecurityConfig
	reg      *config.Registry
}

// NewSecurityScanner wires the scanner. The registry, when present,
// supplies risk_rules threshold overrides per pass.
func NewSecurityScanner(cfg Config, st *store.Store, provider *providers.SecurityProvider, secCfg providers.SecurityConfig, reg *config.Registry) *SecurityScanner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &SecurityScanner{cfg: cfg, st: st, provider: provider, secCfg: secCfg, reg: reg}
}

// Scan processes one page of signals lacking a security verdict.
func (s *SecurityScanner) Scan(ctx context.Context) (Stats, error) {
	var stats Stats
	if !s.cfg.Enabled {
		return stats, nil
	}
	rows, err := s.st.Signals.ScanMissing(ctx, "goplus_risk", s.cfg.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("scan signals missing security: %w", err)
	}
	secCfg := s.secCfg.ApplyRuleOverrides(s.reg)

	for _, sig := range rows {
		stats.Scanned++
		if !sig.TokenCA.Valid || sig.TokenCA.String == "" {
			stats.Skipped++
			continue
		}
		res := s.provider.TokenSecurity(ctx, s.cfg.Chain, sig.TokenCA.String)
		if res.Degrade {
			stats.Degraded++
		}
		if len(res.Payload) == 0 {
			stats.Skipped++
			continue
		}

		fields := providers.ParseSecurityFields(res.Payload)
		risk := providers.DeriveRisk(fields, secCfg)
		// The rules fallback asserts a label directly instead of shipping
		// tax and honeypot fields.
		if explicit := providers.ExplicitRisk(res.Payload); explicit != "" {
			risk = explicit
		}
		if err := s.st.Signals.UpdateSecurity(ctx, sig.EventKey, risk,
			nullFloat(fields.BuyTax), nullFloat(fields.SellTax), nullFloat(fields.LPLockDays)); err != nil {
			lg := logging.For(ctx, "enrich")
			lg.Warn().Str("event_key", sig.EventKey).Err(err).Msg("security update failed")
			continue
		}
		if err := s.st.Events.MergeEvidence(ctx, sig.EventKey, "goplus", res.Payload); err != nil {
			lg := logging.For(ctx, "enrich")
			lg.Warn().Str("event_key", sig.EventKey).Err(err).Msg("evidence merge failed")
		}
		stats.Updated++
	}
	return stats, nil
}

// Drain pages through the backlog until an unsaturated scan.
func (s *SecurityScanner) Drain(ctx context.Context) (Stats, error) {
	return drain(ctx, s.cfg, s.Scan)
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
