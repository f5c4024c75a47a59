// Package refine turns raw post text into a deterministic event
// classification. Everything here is pure: same input, byte-identical
// output, event key included.
package refine

import (
	"crypto/sha1"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
)

var (
	symbolRe   = regexp.MustCompile(`\$[A-Z]{2,10}\b`)
	addressRe  = regexp.MustCompile(`\b0x[a-fA-F0-9]{40}\b`)
	tokenRe    = regexp.MustCompile(`\b\w+\b`)
	whitespace = regexp.MustCompile(`\s+`)
)

// DefaultSummaryMaxChars bounds the event summary.
const DefaultSummaryMaxChars = 140

var boostWords = []string{"bullish", "moon", "gem", "pump", "launch"}

// Assets are the symbols and contracts extracted from a post.
type Assets struct {
	Symbols   []string `json:"symbols"`
	Contracts []string `json:"contracts"`
}

// Refined is the full deterministic output for one text.
type Refined struct {
	EventKey   string   `json:"event_key"`
	Type       string   `json:"type"`
	Score      float64  `json:"score"`
	Summary    string   `json:"summary"`
	Assets     Assets   `json:"assets"`
	Keyphrases []string `json:"keyphrases"`
}

// ExtractSymbols returns deduplicated, sorted tickers without the $ prefix.
func ExtractSymbols(text string) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range symbolRe.FindAllString(text, -1) {
		sym := strings.TrimPrefix(m, "$")
		if !seen[sym] {
			seen[sym] = true
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}

// ExtractContracts returns deduplicated, sorted lowercase EVM addresses.
func ExtractContracts(text string) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range addressRe.FindAllString(text, -1) {
		addr := strings.ToLower(m)
		if !seen[addr] {
			seen[addr] = true
			out = append(out, addr)
		}
	}
	sort.Strings(out)
	return out
}

// ClassifyType assigns the event type; first matching class wins.
func ClassifyType(text string) string {
	lower := strings.ToLower(text)
	has := func(words ...string) bool {
		for _, w := range words {
			if containsWord(lower, w) {
				return true
			}
		}
		return false
	}
	switch {
	case has("airdrop", "drop", "claim"):
		return "airdrop"
	case has("deploy", "deployed", "contract"):
		return "deploy"
	case has("token", "coin", "launch", "mint"):
		return "token"
	default:
		return "misc"
	}
}

func containsWord(lower, word string) bool {
	idx := 0
	for {
		i := strings.Index(lower[idx:], word)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(word)
		beforeOK := start == 0 || !isWordByte(lower[start-1])
		afterOK := end == len(lower) || !isWordByte(lower[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= '0' && b <= '9') || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// Tokenize splits text into lowercased word tokens for keyphrase and
// sentiment work.
func Tokenize(text string) []string {
	return tokenRe.FindAllString(strings.ToLower(text), -1)
}

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "at": true, "be": true,
	"by": true, "for": true, "from": true, "has": true, "in": true, "is": true,
	"it": true, "its": true, "of": true, "on": true, "or": true, "that": true,
	"the": true, "this": true, "to": true, "was": true, "will": true, "with": true,
	"https": true, "http": true, "com": true, "www": true,
}

// MaxKeyphrases bounds the keyphrase list.
const MaxKeyphrases = 5

// Keyphrases picks the most frequent non-stopword tokens in first-seen
// order on ties, capped at MaxKeyphrases.
func Keyphrases(text string) []string {
	counts := map[string]int{}
	var order []string
	for _, tok := range Tokenize(text) {
		if len(tok) < 3 || stopwords[tok] || strings.HasPrefix(tok, "0x") {
			continue
		}
		if counts[tok] == 0 {
			order = append(order, tok)
		}
		counts[tok]++
	}
	sort.SliceStable(order, func(i, j int) bool { return counts[order[i]] > counts[order[j]] })
	if len(order) > MaxKeyphrases {
		order = order[:MaxKeyphrases]
	}
	return order
}

// Score computes the candidate score: base 0.3, +0.2 any symbol, +0.3 any
// contract, +0.2 any boost word, clamped to 1.0.
func Score(text string, assets Assets) float64 {
	score := 0.3
	if len(assets.Symbols) > 0 {
		score += 0.2
	}
	if len(assets.Contracts) > 0 {
		score += 0.3
	}
	lower := strings.ToLower(text)
	for _, w := range boostWords {
		if containsWord(lower, w) {
			score += 0.2
			break
		}
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// Summarize collapses whitespace and truncates to maxChars on a rune
// boundary, appending the ellipsis only when truncated.
func Summarize(text string, maxChars int) string {
	collapsed := strings.TrimSpace(whitespace.ReplaceAllString(text, " "))
	runes := []rune(collapsed)
	if len(runes) <= maxChars {
		return collapsed
	}
	return string(runes[:maxChars-1]) + "…"
}

// EventKey derives the stable 16-hex event key from classification, assets
// and the summary prefix.
func EventKey(typ string, assets Assets, summary string) string {
	prefix := summary
	if r := []rune(prefix); len(r) > 50 {
		prefix = string(r[:50])
	}
	material := typ + "|" + strings.Join(assets.Symbols, "|") + "|" +
		strings.Join(assets.Contracts, "|") + "|" + prefix
	sum := sha1.Sum([]byte(material))
	// Uppercased so keys satisfy the card key pattern ^[A-Z0-9:_\-\.]{8,128}$.
	return strings.ToUpper(hex.EncodeToString(sum[:])[:16])
}

// Refine runs the full pipeline over one text.
func Refine(text string, summaryMax int) Refined {
	if summaryMax <= 0 {
		summaryMax = DefaultSummaryMaxChars
	}
	assets := Assets{
		Symbols:   ExtractSymbols(text),
		Contracts: ExtractContracts(text),
	}
	typ := ClassifyType(text)
	summary := Summarize(text, summaryMax)
	return Refined{
		EventKey:   EventKey(typ, assets, summary),
		Type:       typ,
		Score:      Score(text, assets),
		Summary:    summary,
		Assets:     assets,
		Keyphrases: Keyphrases(text),
	}
}

// Fingerprint computes the ingestion dedup hash over source, author,
// timestamp and the text head.
func Fingerprint(source, author, isoTS, text string) string {
	head := text
	if r := []rune(head); len(r) > 30 {
		head = string(r[:30])
	}
	sum := sha1.Sum([]byte(source + "|" + author + "|" + isoTS + "|" + head))
	return hex.EncodeToString(sum[:])
}
