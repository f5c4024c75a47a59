package rules

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const testRulesYAML = `
version: "test-1"
groups:
  - name: security
    priority: 90
    rules:
      - id: sec_red
        when: goplus_risk == "red"
        score: -60
        reason: "contract high risk"
      - id: high_tax
        when: buy_tax >= 10 or sell_tax >= 10
        score: -30
        reason: "tax too high"
  - name: market
    priority: 70
    rules:
      - id: deep_liquidity
        when: dex_liquidity >= 50000
        score: 20
        reason: "deep liquidity"
      - id: heat_rising
        priority: 95
        when: heat_slope > 0.5
        score: 15
        reason: "heat rising"
scoring:
  thresholds:
    opportunity: 30
    observe: 0
    caution: -20
missing_map:
  goplus: "missing security data"
  dex: "missing market data"
  hf: "missing heat data"
`

func compileTestFile(t *testing.T, src string) *Snapshot {
	t.Helper()
	var f File
	require.NoError(t, yaml.Unmarshal([]byte(src), &f))
	snap, err := CompileFile(&f, "abc123def456")
	require.NoError(t, err)
	return snap
}

func TestCompileFile_FileVersionWins(t *testing.T) {
	snap := compileTestFile(t, testRulesYAML)
	assert.Equal(t, "test-1", snap.Version)
}

func TestCompileFile_RejectsBadCondition(t *testing.T) {
	var f File
	require.NoError(t, yaml.Unmarshal([]byte(`
groups:
  - name: g
    rules:
      - id: bad
        when: "evil_field > 1"
        score: 1
`), &f))
	_, err := CompileFile(&f, "v")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not whitelisted")
}

func TestCompileFile_EnforcesRuleCap(t *testing.T) {
	f := &File{Groups: []GroupSpec{{Name: "g"}}}
	for i := 0; i <= MaxRulesPerFile; i++ {
		f.Groups[0].Rules = append(f.Groups[0].Rules, RuleSpec{
			ID: fmt.Sprintf("r%d", i), When: "buy_tax > 1", Score: 1,
		})
	}
	_, err := CompileFile(f, "v")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit")
}

func TestSnapshot_Evaluate_ScoringAndLevels(t *testing.T) {
	snap := compileTestFile(t, testRulesYAML)

	t.Run("opportunity", func(t *testing.T) {
		v := snap.Evaluate(map[string]interface{}{
			"goplus_risk":   "green",
			"buy_tax":       2.0,
			"sell_tax":      2.0,
			"dex_liquidity": 100000.0,
			"dex_volume_1h": 5000.0,
			"heat_slope":    1.2,
		})
		assert.Equal(t, 35.0, v.Score)
		assert.Equal(t, LevelOpportunity, v.Level)
	})

	t.Run("caution", func(t *testing.T) {
		v := snap.Evaluate(map[string]interface{}{
			"goplus_risk":   "red",
			"buy_tax":       15.0,
			"sell_tax":      15.0,
			"dex_liquidity": 1000.0,
			"dex_volume_1h": 10.0,
			"heat_slope":    0.0,
		})
		assert.Equal(t, -90.0, v.Score)
		assert.Equal(t, LevelCaution, v.Level)
	})

	t.Run("observe", func(t *testing.T) {
		v := snap.Evaluate(map[string]interface{}{
			"goplus_risk":   "green",
			"buy_tax":       2.0,
			"sell_tax":      2.0,
			"dex_liquidity": 100000.0,
			"dex_volume_1h": 100.0,
			"heat_slope":    0.0,
		})
		assert.Equal(t, 20.0, v.Score)
		assert.Equal(t, LevelObserve, v.Level)
	})
}

func TestSnapshot_Evaluate_ReasonOrdering(t *testing.T) {
	snap := compileTestFile(t, testRulesYAML)

	// heat_rising has rule priority 95, above the security group's 90;
	// both fire along with deep_liquidity at 70.
	v := snap.Evaluate(map[string]interface{}{
		"goplus_risk":   "red",
		"buy_tax":       15.0,
		"sell_tax":      2.0,
		"dex_liquidity": 100000.0,
		"dex_volume_1h": 100.0,
		"heat_slope":    0.9,
	})
	require.Len(t, v.Reasons, 3)
	assert.Equal(t, "heat rising", v.Reasons[0])
	// Within priority 90 the larger |score| wins.
	assert.Equal(t, "contract high risk", v.Reasons[1])
	assert.Equal(t, "tax too high", v.Reasons[2])
	assert.Contains(t, v.AllReasons, "deep liquidity")
	assert.Len(t, v.Fired, 4)
}

func TestSnapshot_Evaluate_MissingSources(t *testing.T) {
	snap := compileTestFile(t, testRulesYAML)

	v := snap.Evaluate(map[string]interface{}{
		"goplus_risk":   nil,
		"dex_liquidity": nil,
		"dex_volume_1h": nil,
		"heat_slope":    0.1,
	})
	assert.ElementsMatch(t, []string{"goplus", "dex"}, v.Missing)
	// Missing reasons carry priority 100 and outrank every rule.
	require.NotEmpty(t, v.Reasons)
	assert.Contains(t, v.Reasons[:2], "missing security data")
	assert.Contains(t, v.Reasons[:2], "missing market data")
	assert.NotContains(t, v.Missing, "hf")
}

func TestSnapshot_Evaluate_UnknownRiskStringIsNotMissing(t *testing.T) {
	snap := compileTestFile(t, testRulesYAML)
	v := snap.Evaluate(map[string]interface{}{
		"goplus_risk":   "unknown",
		"dex_liquidity": 5000.0,
		"dex_volume_1h": 100.0,
		"heat_slope":    0.0,
	})
	assert.NotContains(t, v.Missing, "goplus")
}

func TestMissingSpec_UnmarshalBothShapes(t *testing.T) {
	var f File
	require.NoError(t, yaml.Unmarshal([]byte(`
missing_map:
  goplus: "plain reason"
  dex:
    condition: "dex_liquidity is null"
    reason: "object reason"
`), &f))
	assert.Equal(t, "plain reason", f.Missing["goplus"].Reason)
	assert.Empty(t, f.Missing["goplus"].Condition)
	assert.Equal(t, "object reason", f.Missing["dex"].Reason)
	assert.Equal(t, "dex_liquidity is null", f.Missing["dex"].Condition)
}

func TestCompileFile_MissingWithoutConditionIsSkipped(t *testing.T) {
	var f File
	require.NoError(t, yaml.Unmarshal([]byte(`
missing_map:
  custom_source: "no detection condition known"
`), &f))
	snap, err := CompileFile(&f, "v")
	require.NoError(t, err)
	v := snap.Evaluate(map[string]interface{}{})
	assert.Empty(t, v.Missing)
}

func TestCardLevel(t *testing.T) {
	assert.Equal(t, CardLevelWatch, CardLevel(LevelOpportunity, false))
	assert.Equal(t, CardLevelWatch, CardLevel(LevelOpportunity, true))
	assert.Equal(t, CardLevelCaution, CardLevel(LevelCaution, false))
	assert.Equal(t, CardLevelRisk, CardLevel(LevelCaution, true))
	assert.Equal(t, CardLevelNone, CardLevel(LevelObserve, false))
	assert.Equal(t, CardLevelNone, CardLevel(LevelObserve, true))
}

type stubRefiner struct {
	out   []string
	err   error
	delay time.Duration
}

func (s *stubRefiner) RefineReasons(ctx context.Context, reasons []string) ([]string, error) {
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	return s.out, s.err
}

func TestVerdict_Refine(t *testing.T) {
	t.Run("success replaces reasons", func(t *testing.T) {
		v := &Verdict{Reasons: []string{"a", "b"}}
		v.Refine(context.Background(), &stubRefiner{out: []string{"x", "y", "z", "w"}})
		assert.True(t, v.RefineUsed)
		assert.Equal(t, []string{"x", "y", "z"}, v.Reasons)
	})

	t.Run("failure keeps templates", func(t *testing.T) {
		v := &Verdict{Reasons: []string{"a"}}
		v.Refine(context.Background(), &stubRefiner{err: errors.New("model down")})
		assert.False(t, v.RefineUsed)
		assert.Equal(t, []string{"a"}, v.Reasons)
	})

	t.Run("budget overrun keeps templates", func(t *testing.T) {
		v := &Verdict{Reasons: []string{"a"}}
		v.Refine(context.Background(), &stubRefiner{out: []string{"x"}, delay: RefinerBudget + 200*time.Millisecond})
		assert.False(t, v.RefineUsed)
		assert.Equal(t, []string{"a"}, v.Reasons)
	})
}
