// Package verify promotes or demotes candidate signals from on-chain
// features under distributed locks and CAS state transitions.
package verify

import (
	"encoding/json"

	"github.com/chainpulse/chainpulse/internal/config"
	"github.com/chainpulse/chainpulse/internal/providers"
)

// Decisions for one feature evaluation.
const (
	DecisionUpgrade      = "upgrade"
	DecisionDowngrade    = "downgrade"
	DecisionHold         = "hold"
	DecisionInsufficient = "insufficient"
)

// Verdict is the outcome of evaluating features against on-chain rules.
type Verdict struct {
	Decision   string  `json:"decision"`
	Confidence float64 `json:"confidence"`
	Note       string  `json:"note,omitempty"`
}

// thresholds are the onchain namespace tunables.
type thresholds struct {
	ActiveAddrHigh     float64
	GrowthFast         float64
	Top10HighRisk      float64
	SelfLoopSuspicious float64
}

func loadThresholds(reg *config.Registry) thresholds {
	get := func(path string, def float64) float64 {
		switch v := reg.GetPath(path, def).(type) {
		case float64:
			return v
		case int:
			return float64(v)
		default:
			return def
		}
	}
	return thresholds{
		ActiveAddrHigh:     get("onchain.thresholds.active_addr_pctl.high", 0.8),
		GrowthFast:         get("onchain.thresholds.growth_ratio.fast", 2.0),
		Top10HighRisk:      get("onchain.thresholds.top10_share.high_risk", 0.6),
		SelfLoopSuspicious: get("onchain.thresholds.self_loop_ratio.suspicious", 0.3),
	}
}

// Evaluate maps a provider result onto a verdict. Risk indicators beat
// growth indicators: concentration or wash-trading downgrades even when
// activity looks strong.
func Evaluate(res *providers.Result, reg *config.Registry) Verdict {
	if res == nil {
		return Verdict{Decision: DecisionInsufficient}
	}
	if len(res.Payload) == 0 || res.Degrade {
		return Verdict{Decision: DecisionInsufficient, Note: res.Reason}
	}
	var f providers.OnchainFeatures
	if err := json.Unmarshal(res.Payload, &f); err != nil {
		return Verdict{Decision: DecisionInsufficient, Note: "unparseable features"}
	}
	t := loadThresholds(reg)

	switch {
	case f.Top10Share >= t.Top10HighRisk:
		return Verdict{
			Decision:   DecisionDowngrade,
			Confidence: clamp01(f.Top10Share / t.Top10HighRisk / 1.5),
			Note:       "top10 concentration",
		}
	case f.SelfLoopRatio >= t.SelfLoopSuspicious:
		return Verdict{
			Decision:   DecisionDowngrade,
			Confidence: clamp01(f.SelfLoopRatio / t.SelfLoopSuspicious / 1.5),
			Note:       "self-loop transfers",
		}
	case f.ActiveAddrPctl >= t.ActiveAddrHigh && f.GrowthRatio >= t.GrowthFast:
		return Verdict{
			Decision:   DecisionUpgrade,
			Confidence: clamp01((f.ActiveAddrPctl + f.GrowthRatio/t.GrowthFast/2) / 2),
			Note:       "active and growing",
		}
	default:
		return Verdict{Decision: DecisionHold, Confidence: 0.5}
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
