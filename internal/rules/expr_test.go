package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompile_RejectsForbiddenConstructs(t *testing.T) {
	cases := []struct {
		name string
		src  string
		msg  string
	}{
		{"function call", "abs(buy_tax) > 5", "not whitelisted"},
		{"call on whitelisted ident", "buy_tax(1) > 5", "function calls are forbidden"},
		{"attribute access", "goplus_risk.upper == 'RED'", "attribute access is forbidden"},
		{"underscore identifier", "__import__ > 0", "forbidden"},
		{"unknown identifier", "secret_field > 1", "not whitelisted"},
		{"bare equals", "buy_tax = 5", "invalid operator"},
		{"unterminated string", "goplus_risk == 'red", "unterminated string"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Compile(tc.src)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.msg)
		})
	}
}

func TestCompile_AcceptsWhitelistedConditions(t *testing.T) {
	for _, src := range []string{
		"goplus_risk == 'red'",
		"buy_tax >= 10 or sell_tax >= 10",
		"dex_liquidity is not null and dex_liquidity < 10000",
		"not (heat_slope > 0.5)",
		"lp_lock_days is null",
		"last_sentiment_score >= 0.6",
	} {
		_, err := Compile(src)
		assert.NoError(t, err, src)
	}
}

func TestExpr_NullSemantics(t *testing.T) {
	env := map[string]interface{}{
		"buy_tax":     nil,
		"goplus_risk": "red",
	}

	eval := func(src string) bool {
		expr, err := Compile(src)
		require.NoError(t, err)
		return expr.Eval(env)
	}

	// Ordering against null is always false, both directions.
	assert.False(t, eval("buy_tax > 5"))
	assert.False(t, eval("buy_tax < 5"))
	assert.False(t, eval("5 < buy_tax"))

	// Equality against null is decidable.
	assert.True(t, eval("buy_tax == null"))
	assert.False(t, eval("buy_tax != null"))
	assert.True(t, eval("goplus_risk != null"))

	// Missing identifiers read as null.
	assert.True(t, eval("sell_tax is null"))
	assert.False(t, eval("sell_tax is not null"))
	assert.True(t, eval("buy_tax is null"))
	assert.True(t, eval("goplus_risk is not null"))
}

func TestExpr_Comparisons(t *testing.T) {
	env := map[string]interface{}{
		"buy_tax":       12.5,
		"lp_lock_days":  int64(20),
		"dex_liquidity": 80000,
		"goplus_risk":   "yellow",
	}

	eval := func(src string) bool {
		expr, err := Compile(src)
		require.NoError(t, err)
		return expr.Eval(env)
	}

	assert.True(t, eval("buy_tax >= 10"))
	assert.False(t, eval("buy_tax > 12.5"))
	assert.True(t, eval("lp_lock_days < 30"))
	assert.True(t, eval("dex_liquidity >= 50000"))
	assert.True(t, eval("goplus_risk == 'yellow'"))
	assert.False(t, eval("goplus_risk == 'red'"))
	// String ordering is undefined, not an error.
	assert.False(t, eval("goplus_risk > 'a'"))
	// Mixed types never compare equal.
	assert.False(t, eval("goplus_risk == 12.5"))
}

func TestExpr_BooleanOperators(t *testing.T) {
	env := map[string]interface{}{
		"buy_tax":    15.0,
		"heat_slope": -0.2,
	}

	eval := func(src string) bool {
		expr, err := Compile(src)
		require.NoError(t, err)
		return expr.Eval(env)
	}

	assert.True(t, eval("buy_tax >= 10 and heat_slope < 0"))
	assert.True(t, eval("buy_tax >= 100 or heat_slope < 0"))
	assert.False(t, eval("not (heat_slope < 0)"))
	assert.True(t, eval("not (buy_tax < 10) and (heat_slope < 0 or buy_tax > 100)"))
}

func TestExpr_Truthiness(t *testing.T) {
	eval := func(src string, env map[string]interface{}) bool {
		expr, err := Compile(src)
		require.NoError(t, err)
		return expr.Eval(env)
	}

	assert.True(t, eval("heat_slope", map[string]interface{}{"heat_slope": 1.5}))
	assert.False(t, eval("heat_slope", map[string]interface{}{"heat_slope": 0.0}))
	assert.False(t, eval("heat_slope", map[string]interface{}{}))
	assert.True(t, eval("goplus_risk", map[string]interface{}{"goplus_risk": "red"}))
	assert.False(t, eval("goplus_risk", map[string]interface{}{"goplus_risk": ""}))
}
