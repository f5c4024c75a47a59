package refine

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractSymbols(t *testing.T) {
	syms := ExtractSymbols("Buying $PEPE and $WIF, also $PEPE again. $x too small, $TOOLONGTICKERX too long")
	assert.Equal(t, []string{"PEPE", "WIF"}, syms)
}

func TestExtractContracts(t *testing.T) {
	text := "deployed at 0xC02AAA39B223FE8D0A0E5C4F27EAD9083C756CC2 and 0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2"
	assert.Equal(t, []string{"0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2"}, ExtractContracts(text))

	assert.Empty(t, ExtractContracts("not an address 0x1234"))
}

func TestClassifyType(t *testing.T) {
	cases := map[string]string{
		"Big airdrop coming, claim now":      "airdrop",
		"New contract deployed on mainnet":   "deploy",
		"Token launch tomorrow":              "token",
		"gm everyone":                        "misc",
		"Airdropped tokens":                  "misc", // whole-word matching only
		"claim your drop":                    "airdrop",
	}
	for text, want := range cases {
		assert.Equal(t, want, ClassifyType(text), text)
	}
}

func TestScore(t *testing.T) {
	text := "bullish on this launch"
	assets := Assets{Symbols: []string{"PEPE"}, Contracts: []string{"0xabc"}}
	// base 0.3 + symbol 0.2 + contract 0.3 + boost 0.2 = 1.0 clamped
	assert.Equal(t, 1.0, Score(text, assets))

	assert.Equal(t, 0.3, Score("nothing here", Assets{}))
	assert.Equal(t, 0.5, Score("plain", Assets{Symbols: []string{"X"}}))
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, "a b c", Summarize("  a\n b\t c  ", 100))

	long := strings.Repeat("字", 150)
	out := Summarize(long, 140)
	runes := []rune(out)
	assert.Len(t, runes, 140)
	assert.Equal(t, '…', runes[139])
}

func TestEventKey_DeterministicAndWellFormed(t *testing.T) {
	assets := Assets{Symbols: []string{"PEPE"}}
	k1 := EventKey("token", assets, "launch soon")
	k2 := EventKey("token", assets, "launch soon")
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, EventKey("airdrop", assets, "launch soon"))

	assert.Regexp(t, regexp.MustCompile(`^[A-Z0-9]{16}$`), k1)
}

func TestKeyphrases(t *testing.T) {
	phrases := Keyphrases("Pepe pepe PEPE launch launch is the best launch on 0xdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef")
	require.NotEmpty(t, phrases)
	// "launch" appears three times, "pepe" three times; pepe was seen first.
	assert.Equal(t, "pepe", phrases[0])
	assert.Equal(t, "launch", phrases[1])
	assert.NotContains(t, phrases, "the")
	assert.NotContains(t, phrases, "is")
	for _, p := range phrases {
		assert.False(t, strings.HasPrefix(p, "0x"))
		assert.GreaterOrEqual(t, len(p), 3)
	}
	assert.LessOrEqual(t, len(phrases), MaxKeyphrases)
}

func TestRefine_Deterministic(t *testing.T) {
	text := "Bullish! $PEPE token launch at 0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2"
	a := Refine(text, 0)
	b := Refine(text, 0)
	assert.Equal(t, a, b)
	assert.Equal(t, "token", a.Type)
	assert.Equal(t, 1.0, a.Score)
	assert.Equal(t, []string{"PEPE"}, a.Assets.Symbols)
	assert.Len(t, a.EventKey, 16)
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("x", "alice", "2026-08-01T00:00:00Z", "hello world")
	b := Fingerprint("x", "alice", "2026-08-01T00:00:00Z", "hello world")
	c := Fingerprint("x", "bob", "2026-08-01T00:00:00Z", "hello world")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 40)

	// Only the first 30 runes of text participate.
	head := strings.Repeat("z", 30)
	assert.Equal(t,
		Fingerprint("x", "a", "t", head+"tail-one"),
		Fingerprint("x", "a", "t", head+"tail-two"))
}
