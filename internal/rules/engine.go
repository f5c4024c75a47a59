package rules

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

// MaxRulesPerFile caps the rule count a single file may define.
const MaxRulesPerFile = 200

// RefinerBudget is the hard cap on the optional reason refiner call.
const RefinerBudget = 800 * time.Millisecond

// missingPriority surfaces missing-source reasons in the top-3 cut.
const missingPriority = 100

// File is the raw decoded shape of rules.yml.
type File struct {
	Version string        `yaml:"version"`
	Groups  []GroupSpec   `yaml:"groups"`
	Scoring ScoringSpec   `yaml:"scoring"`
	Missing MissingMapSpec `yaml:"missing_map"`
}

// GroupSpec is one named rule group.
type GroupSpec struct {
	Name     string     `yaml:"name"`
	Priority *int       `yaml:"priority"`
	Rules    []RuleSpec `yaml:"rules"`
}

// RuleSpec is one rule before compilation. `when` and `condition` are
// synonyms; `when` wins when both are present.
type RuleSpec struct {
	ID        string  `yaml:"id"`
	Priority  *int    `yaml:"priority"`
	When      string  `yaml:"when"`
	Condition string  `yaml:"condition"`
	Score     float64 `yaml:"score"`
	Reason    string  `yaml:"reason"`
}

// ScoringSpec holds the level thresholds.
type ScoringSpec struct {
	Thresholds Thresholds `yaml:"thresholds"`
}

// Thresholds splits the score line into levels.
type Thresholds struct {
	Opportunity float64 `yaml:"opportunity"`
	Caution     float64 `yaml:"caution"`
	Observe     float64 `yaml:"observe"`
}

// MissingMapSpec maps source key to either a plain reason string or a
// {condition, reason} object.
type MissingMapSpec map[string]MissingSpec

// MissingSpec accepts both YAML shapes.
type MissingSpec struct {
	Condition string
	Reason    string
}

// UnmarshalYAML decodes either a bare string or the object form.
func (m *MissingSpec) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err == nil {
		m.Reason = s
		return nil
	}
	var obj struct {
		Condition string `yaml:"condition"`
		Reason    string `yaml:"reason"`
	}
	if err := unmarshal(&obj); err != nil {
		return err
	}
	m.Condition = obj.Condition
	m.Reason = obj.Reason
	return nil
}

// Default detection conditions for string-form missing_map entries.
// Sources outside this set with no explicit condition are never missing.
var defaultMissingConditions = map[string]string{
	"dex":    "dex_liquidity is null and dex_volume_1h is null",
	"goplus": "goplus_risk is null",
	"hf":     "heat_slope is null",
}

type compiledRule struct {
	id       string
	group    string
	priority int
	score    float64
	reason   string
	cond     Expr
}

type compiledMissing struct {
	source string
	reason string
	cond   Expr
}

// Snapshot is an immutable compiled rule set. Readers hold it for the
// duration of one evaluation; hot reload publishes a fresh one.
type Snapshot struct {
	Version    string
	Thresholds Thresholds
	rules      []compiledRule
	missing    []compiledMissing
}

// CompileFile validates and compiles a decoded rule file. Any invalid
// condition rejects the whole file so a bad reload never half-applies.
func CompileFile(f *File, version string) (*Snapshot, error) {
	total := 0
	for _, g := range f.Groups {
		total += len(g.Rules)
	}
	if total > MaxRulesPerFile {
		return nil, fmt.Errorf("rule file defines %d rules, limit is %d", total, MaxRulesPerFile)
	}

	snap := &Snapshot{Version: version, Thresholds: f.Scoring.Thresholds}
	if f.Version != "" {
		snap.Version = f.Version
	}

	for _, g := range f.Groups {
		groupPrio := 0
		if g.Priority != nil {
			groupPrio = *g.Priority
		}
		for _, r := range g.Rules {
			src := r.When
			if src == "" {
				src = r.Condition
			}
			if src == "" {
				return nil, fmt.Errorf("rule %s/%s has no condition", g.Name, r.ID)
			}
			cond, err := Compile(src)
			if err != nil {
				return nil, fmt.Errorf("rule %s/%s: %w", g.Name, r.ID, err)
			}
			prio := groupPrio
			if r.Priority != nil {
				prio = *r.Priority
			}
			snap.rules = append(snap.rules, compiledRule{
				id:       r.ID,
				group:    g.Name,
				priority: prio,
				score:    r.Score,
				reason:   r.Reason,
				cond:     cond,
			})
		}
	}

	for source, spec := range f.Missing {
		condSrc := spec.Condition
		if condSrc == "" {
			condSrc = defaultMissingConditions[source]
		}
		if condSrc == "" {
			// No detection condition known for this source.
			continue
		}
		cond, err := Compile(condSrc)
		if err != nil {
			return nil, fmt.Errorf("missing_map %s: %w", source, err)
		}
		reason := spec.Reason
		if reason == "" {
			reason = "missing " + source
		}
		snap.missing = append(snap.missing, compiledMissing{source: source, reason: reason, cond: cond})
	}
	sort.Slice(snap.missing, func(i, j int) bool { return snap.missing[i].source < snap.missing[j].source })

	// Stable evaluation order: priority desc, then declaration order.
	sort.SliceStable(snap.rules, func(i, j int) bool { return snap.rules[i].priority > snap.rules[j].priority })
	return snap, nil
}

// Fired records one firing rule.
type Fired struct {
	Group    string  `json:"group"`
	RuleID   string  `json:"rule_id"`
	Priority int     `json:"priority"`
	Score    float64 `json:"score"`
	Reason   string  `json:"reason"`
}

// Verdict is the evaluation output for one input row.
type Verdict struct {
	Score        float64  `json:"score"`
	Level        string   `json:"level"`
	Reasons      []string `json:"reasons"`
	AllReasons   []string `json:"all_reasons"`
	Missing      []string `json:"missing"`
	Fired        []Fired  `json:"fired"`
	RulesVersion string   `json:"rules_version"`
	HotReloaded  bool     `json:"hot_reloaded"`
	RefineUsed   bool     `json:"refine_used"`
}

// Levels in the signal variant.
const (
	LevelOpportunity = "opportunity"
	LevelObserve     = "observe"
	LevelCaution     = "caution"
)

// Card-variant levels.
const (
	CardLevelNone    = "none"
	CardLevelWatch   = "watch"
	CardLevelCaution = "caution"
	CardLevelRisk    = "risk"
)

// CardLevel maps a signal level to the card variant. Market-wide risk
// signals escalate caution to risk.
func CardLevel(level string, marketRisk bool) string {
	switch level {
	case LevelOpportunity:
		return CardLevelWatch
	case LevelCaution:
		if marketRisk {
			return CardLevelRisk
		}
		return CardLevelCaution
	default:
		return CardLevelNone
	}
}

// Refiner optionally rewrites the reason list. Implementations must honor
// the context deadline; non-conforming output is a failure.
type Refiner interface {
	RefineReasons(ctx context.Context, reasons []string) ([]string, error)
}

// Evaluate runs the snapshot against one input row. Side-effect free.
func (s *Snapshot) Evaluate(env map[string]interface{}) *Verdict {
	v := &Verdict{RulesVersion: s.Version}

	type scored struct {
		reason   string
		priority int
		score    float64
	}
	var candidates []scored

	for _, r := range s.rules {
		if !r.cond.Eval(env) {
			continue
		}
		v.Score += r.score
		v.Fired = append(v.Fired, Fired{
			Group: r.group, RuleID: r.id, Priority: r.priority, Score: r.score, Reason: r.reason,
		})
		if r.reason != "" {
			candidates = append(candidates, scored{reason: r.reason, priority: r.priority, score: r.score})
		}
	}

	for _, m := range s.missing {
		if m.cond.Eval(env) {
			v.Missing = append(v.Missing, m.source)
			candidates = append(candidates, scored{reason: m.reason, priority: missingPriority})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority > candidates[j].priority
		}
		return math.Abs(candidates[i].score) > math.Abs(candidates[j].score)
	})

	seen := map[string]bool{}
	for _, c := range candidates {
		if seen[c.reason] {
			continue
		}
		seen[c.reason] = true
		v.AllReasons = append(v.AllReasons, c.reason)
		if len(v.Reasons) < 3 {
			v.Reasons = append(v.Reasons, c.reason)
		}
	}

	switch {
	case v.Score >= s.Thresholds.Opportunity:
		v.Level = LevelOpportunity
	case v.Score <= s.Thresholds.Caution:
		v.Level = LevelCaution
	default:
		v.Level = LevelObserve
	}
	return v
}

// Refine replaces the verdict's reasons through the refiner under the
// budget. Failure or timeout leaves the verdict untouched.
func (v *Verdict) Refine(ctx context.Context, refiner Refiner) {
	if refiner == nil || len(v.Reasons) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, RefinerBudget)
	defer cancel()

	refined, err := refiner.RefineReasons(ctx, v.Reasons)
	if err != nil || len(refined) == 0 {
		log.Debug().Str("stage", "rules").Err(err).Msg("reason refiner unavailable, keeping template reasons")
		return
	}
	if len(refined) > 3 {
		refined = refined[:3]
	}
	v.Reasons = refined
	v.RefineUsed = true
}
