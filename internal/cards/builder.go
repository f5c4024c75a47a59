package cards

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/chainpulse/chainpulse/internal/logging"
	"github.com/chainpulse/chainpulse/internal/providers"
	"github.com/chainpulse/chainpulse/internal/rules"
	"github.com/chainpulse/chainpulse/internal/store"
	"github.com/chainpulse/chainpulse/internal/telemetry"
)

// Build failures.
var (
	ErrInvalidEventKey = errors.New("cards: invalid event key")
	ErrNoUsableSources = errors.New("cards: no usable sources")
)

// Builder assembles cards from the enrichment sections.
type Builder struct {
	st       *store.Store
	security *providers.SecurityProvider
	market   *providers.MarketProvider
	engine   *rules.Engine
	gen      *Generator
	metrics  *telemetry.Registry
	chain    string
}

// NewBuilder wires the builder. metrics may be nil in tests.
func NewBuilder(st *store.Store, security *providers.SecurityProvider, market *providers.MarketProvider, engine *rules.Engine, gen *Generator, metrics *telemetry.Registry, chain string) *Builder {
	if chain == "" {
		chain = "eth"
	}
	return &Builder{st: st, security: security, market: market, engine: engine, gen: gen, metrics: metrics, chain: chain}
}

// Build assembles and validates the card for one event key. When render is
// set the optional renderers run; their failures are non-fatal.
func (b *Builder) Build(ctx context.Context, eventKey string, render bool) (*Card, error) {
	start := time.Now()
	defer func() {
		if b.metrics != nil {
			b.metrics.PipelineLatencyMS.Observe(float64(time.Since(start).Milliseconds()))
		}
	}()

	if !ValidEventKey(eventKey) {
		return nil, ErrInvalidEventKey
	}
	logger := logging.For(ctx, "cards")

	ev, err := b.st.Events.Get(ctx, eventKey)
	if err != nil {
		return nil, err
	}
	sig, err := b.st.Signals.Get(ctx, eventKey)
	if err != nil {
		return nil, err
	}

	var degradeReasons []string
	var asofCandidates []time.Time

	// Security section.
	goplus := GoplusSection{Risk: providers.RiskGray, RiskSource: "unavailable"}
	securityOK := false
	if sig.TokenCA.Valid && sig.TokenCA.String != "" && b.security != nil {
		res := b.security.TokenSecurity(ctx, b.chain, sig.TokenCA.String)
		if len(res.Payload) > 0 && !res.Degrade {
			fields := providers.ParseSecurityFields(res.Payload)
			goplus = GoplusSection{
				Risk:       cardRisk(providers.DeriveRisk(fields, providers.SecurityConfigFromEnv())),
				RiskSource: res.Source,
				BuyTax:     fields.BuyTax,
				SellTax:    fields.SellTax,
				LPLockDays: fields.LPLockDays,
			}
			securityOK = true
			asofCandidates = appendAsof(asofCandidates, res.Payload)
		}
	}
	if !securityOK {
		degradeReasons = append(degradeReasons, "missing goplus")
	}

	// Market section.
	dex := map[string]interface{}{}
	marketOK := false
	if sig.TokenCA.Valid && sig.TokenCA.String != "" && b.market != nil {
		res := b.market.Snapshot(ctx, b.chain, sig.TokenCA.String)
		if len(res.Payload) > 0 {
			if err := json.Unmarshal(res.Payload, &dex); err == nil {
				marketOK = true
				asofCandidates = appendAsof(asofCandidates, res.Payload)
			}
			if res.Degrade {
				degradeReasons = append(degradeReasons, "stale dex")
			}
		}
	}
	if !marketOK {
		degradeReasons = append(degradeReasons, "missing dex")
	}

	if !securityOK && !marketOK {
		return nil, ErrNoUsableSources
	}

	// On-chain section comes from the signal's verified attributes.
	onchain := map[string]interface{}{}
	onchainOK := false
	if sig.OnchainAsofTS.Valid {
		onchain["confidence"] = nullOr(sig.OnchainConfidence.Valid, sig.OnchainConfidence.Float64)
		onchain["asof_ts"] = sig.OnchainAsofTS.Time.UTC().Format(time.RFC3339)
		onchain["state"] = sig.State
		onchainOK = true
		asofCandidates = append(asofCandidates, sig.OnchainAsofTS.Time)
	}

	// Rules section.
	rulesSection := RulesSection{Level: rules.CardLevelNone}
	hotReloaded := false
	refineUsed := false
	if b.engine != nil {
		verdict, err := b.engine.Evaluate(ctx, signalEnv(sig))
		if err != nil {
			degradeReasons = append(degradeReasons, "missing rules")
			logger.Warn().Str("event_key", eventKey).Err(err).Msg("rule evaluation unavailable")
		} else {
			rulesSection = RulesSection{
				Level:        rules.CardLevel(verdict.Level, sig.MarketType == "risk"),
				Score:        verdict.Score,
				Reasons:      verdict.Reasons,
				RulesVersion: verdict.RulesVersion,
			}
			hotReloaded = verdict.HotReloaded
			refineUsed = verdict.RefineUsed
		}
	} else {
		degradeReasons = append(degradeReasons, "missing rules")
	}

	cardType := classify(rulesSection.Level, onchainOK, sig.MarketType)

	dataAsOf, asofMissing := oldestAsof(asofCandidates)
	if asofMissing {
		degradeReasons = append(degradeReasons, "missing data_as_of")
	}

	text := b.gen.Generate(ctx, GenInput{
		Symbol:    symbolOf(sig, ev),
		PriceUSD:  floatField(dex, "price_usd"),
		Liquidity: floatField(dex, "liquidity_usd"),
		Risk:      goplus.Risk,
		Level:     rulesSection.Level,
	})
	if text.Degrade {
		degradeReasons = append(degradeReasons, "summary fallback")
	}

	card := &Card{
		EventKey: eventKey,
		CardType: cardType,
		Data: Data{
			Goplus:  goplus,
			Dex:     dex,
			Onchain: onchain,
			Rules:   rulesSection,
		},
		Evidence: evidenceItems(ev.Evidence),
		Summary:  text.Summary,
		RiskNote: text.RiskNote,
		Meta: Meta{
			Version:        SchemaVersion,
			DataAsOf:       dataAsOf.UTC().Format(time.RFC3339),
			SummaryBackend: text.Backend,
			UsedRefiner:    refineUsed || text.UsedRefiner,
			Degrade:        len(degradeReasons) > 0,
			DegradeReasons: degradeReasons,
			HotReloaded:    hotReloaded,
		},
	}

	if render {
		card.Rendered = renderCard(card)
	}

	if err := card.Validate(); err != nil {
		return nil, err
	}
	if card.Meta.Degrade && b.metrics != nil {
		b.metrics.CardsDegradeCount.Inc()
	}
	return card, nil
}

// classify picks the card type from level, on-chain presence and market
// type.
func classify(level string, onchainOK bool, marketType string) string {
	switch {
	case marketType == "risk" && level == rules.CardLevelRisk:
		return TypeMarketRisk
	case onchainOK && (level == rules.CardLevelCaution || level == rules.CardLevelRisk):
		return TypePrimary
	case level == rules.CardLevelWatch:
		return TypeSecondary
	default:
		return TypeTopic
	}
}

// cardRisk folds the provider's unknown into the card's gray.
func cardRisk(risk string) string {
	switch risk {
	case providers.RiskRed, providers.RiskYellow, providers.RiskGreen:
		return risk
	default:
		return providers.RiskGray
	}
}

// signalEnv builds the rule-engine input row from a signal.
func signalEnv(sig *store.Signal) map[string]interface{} {
	env := map[string]interface{}{}
	if sig.GoplusRisk != "" && sig.GoplusRisk != providers.RiskUnknown {
		env["goplus_risk"] = sig.GoplusRisk
	}
	if sig.BuyTax.Valid {
		env["buy_tax"] = sig.BuyTax.Float64
	}
	if sig.SellTax.Valid {
		env["sell_tax"] = sig.SellTax.Float64
	}
	if sig.LPLockDays.Valid {
		env["lp_lock_days"] = sig.LPLockDays.Float64
	}
	if sig.DexLiquidity.Valid {
		env["dex_liquidity"] = sig.DexLiquidity.Float64
	}
	if sig.DexVolume1H.Valid {
		env["dex_volume_1h"] = sig.DexVolume1H.Float64
	}
	if sig.HeatSlope.Valid {
		env["heat_slope"] = sig.HeatSlope.Float64
	}
	return env
}

// appendAsof extracts the payload's timestamp field if any.
func appendAsof(acc []time.Time, payload json.RawMessage) []time.Time {
	var m map[string]interface{}
	if err := json.Unmarshal(payload, &m); err != nil {
		return acc
	}
	for _, field := range []string{"as_of", "ts", "updated_at", "created_at", "timestamp"} {
		s, ok := m[field].(string)
		if !ok {
			continue
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return append(acc, t)
		}
	}
	return acc
}

// oldestAsof returns the oldest source timestamp; missing reports whether
// no source carried one.
func oldestAsof(candidates []time.Time) (time.Time, bool) {
	if len(candidates) == 0 {
		return time.Now(), true
	}
	oldest := candidates[0]
	for _, t := range candidates[1:] {
		if t.Before(oldest) {
			oldest = t
		}
	}
	return oldest, false
}

func symbolOf(sig *store.Signal, ev *store.Event) string {
	if sig.Symbol.Valid && sig.Symbol.String != "" {
		return sig.Symbol.String
	}
	if ev.Symbol.Valid {
		return ev.Symbol.String
	}
	return ""
}

func floatField(m map[string]interface{}, field string) float64 {
	v, _ := m[field].(float64)
	return v
}

func nullOr(valid bool, v float64) interface{} {
	if !valid {
		return nil
	}
	return v
}

// evidenceItems flattens the event's evidence JSON into card items.
func evidenceItems(raw json.RawMessage) []Item {
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	sections := make([]string, 0, len(m))
	for section := range m {
		sections = append(sections, section)
	}
	sort.Strings(sections)

	var out []Item
	for _, section := range sections {
		v := m[section]
		desc := ""
		switch t := v.(type) {
		case []interface{}:
			if b, err := json.Marshal(t); err == nil {
				desc = string(b)
			}
		case map[string]interface{}:
			if b, err := json.Marshal(t); err == nil {
				desc = string(b)
			}
		}
		if desc == "" {
			continue
		}
		out = append(out, Item{Type: truncate(section, 32), Desc: truncate(desc, 240)})
	}
	return out
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
