package cards

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Summary backends.
const (
	BackendTemplate = "template"
	BackendLLM      = "llm"
)

// Defaults for the constrained generator.
const (
	DefaultSummaryMaxChars  = 280
	DefaultRiskNoteMaxChars = 160
	DefaultRefinerTimeout   = 1200 * time.Millisecond
)

var multiSpace = regexp.MustCompile(`\s+`)

// SummaryRefiner is the optional LLM backend. The returned JSON must be
// exactly {summary, risk_note}; anything else is a failure.
type SummaryRefiner interface {
	Summarize(ctx context.Context, input GenInput) (json.RawMessage, error)
}

// GenConfig holds generator settings.
type GenConfig struct {
	Backend          string
	SummaryMaxChars  int
	RiskNoteMaxChars int
	RefinerTimeout   time.Duration
}

// GenConfigFromEnv reads the CARDS_* variables.
func GenConfigFromEnv() GenConfig {
	timeout := DefaultRefinerTimeout
	if v := os.Getenv("CARDS_SUMMARY_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			timeout = time.Duration(n) * time.Millisecond
		}
	}
	maxChars := func(name string, def int) int {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				return n
			}
		}
		return def
	}
	backend := os.Getenv("CARDS_SUMMARY_BACKEND")
	if backend != BackendLLM {
		backend = BackendTemplate
	}
	return GenConfig{
		Backend:          backend,
		SummaryMaxChars:  maxChars("CARDS_SUMMARY_MAX_CHARS", DefaultSummaryMaxChars),
		RiskNoteMaxChars: maxChars("CARDS_RISKNOTE_MAX_CHARS", DefaultRiskNoteMaxChars),
		RefinerTimeout:   timeout,
	}
}

// GenInput carries the pieces the generator may use.
type GenInput struct {
	Symbol    string
	PriceUSD  float64
	Liquidity float64
	Risk      string
	Level     string
}

// GenOutput is the generated text plus provenance.
type GenOutput struct {
	Summary     string
	RiskNote    string
	Backend     string
	UsedRefiner bool
	Degrade     bool
}

// Generator produces summary and risk_note text.
type Generator struct {
	cfg     GenConfig
	refiner SummaryRefiner
}

// NewGenerator wires the generator. A nil refiner forces the template
// backend.
func NewGenerator(cfg GenConfig, refiner SummaryRefiner) *Generator {
	if cfg.SummaryMaxChars <= 0 {
		cfg.SummaryMaxChars = DefaultSummaryMaxChars
	}
	if cfg.RiskNoteMaxChars <= 0 {
		cfg.RiskNoteMaxChars = DefaultRiskNoteMaxChars
	}
	if cfg.RefinerTimeout <= 0 {
		cfg.RefinerTimeout = DefaultRefinerTimeout
	}
	return &Generator{cfg: cfg, refiner: refiner}
}

// Generate runs the configured backend, falling back to template on any
// refiner failure.
func (g *Generator) Generate(ctx context.Context, in GenInput) GenOutput {
	if g == nil {
		return GenOutput{Backend: BackendTemplate}
	}
	if g.cfg.Backend == BackendLLM && g.refiner != nil {
		if out, ok := g.tryRefiner(ctx, in); ok {
			return out
		}
		tpl := g.template(in)
		tpl.Degrade = true
		return tpl
	}
	return g.template(in)
}

func (g *Generator) tryRefiner(ctx context.Context, in GenInput) (GenOutput, bool) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.RefinerTimeout)
	defer cancel()

	raw, err := g.refiner.Summarize(ctx, in)
	if err != nil {
		log.Debug().Str("stage", "cards").Err(err).Msg("summary refiner failed, using template")
		return GenOutput{}, false
	}
	var parsed struct {
		Summary  string `json:"summary"`
		RiskNote string `json:"risk_note"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil || parsed.Summary == "" {
		log.Debug().Str("stage", "cards").Msg("summary refiner returned non-conforming JSON")
		return GenOutput{}, false
	}
	return GenOutput{
		Summary:     Clean(parsed.Summary, g.cfg.SummaryMaxChars),
		RiskNote:    Clean(parsed.RiskNote, g.cfg.RiskNoteMaxChars),
		Backend:     BackendLLM,
		UsedRefiner: true,
	}, true
}

// template builds the fixed-format text, dropping missing pieces.
func (g *Generator) template(in GenInput) GenOutput {
	var parts []string
	if in.Symbol != "" {
		parts = append(parts, in.Symbol)
	}
	if in.PriceUSD > 0 {
		parts = append(parts, fmt.Sprintf("价格≈$%s", formatAmount(in.PriceUSD)))
	}
	if in.Liquidity > 0 {
		parts = append(parts, fmt.Sprintf("流动性≈$%s", formatAmount(in.Liquidity)))
	}
	if in.Level != "" {
		parts = append(parts, "规则判定"+in.Level)
	}
	summary := strings.Join(parts, " | ")
	if summary == "" {
		summary = "信号更新"
	}

	riskNote := ""
	if in.Risk != "" {
		riskNote = fmt.Sprintf("合约体检%s；关注税率/LP/交易限制", in.Risk)
	}
	return GenOutput{
		Summary:  Clean(summary, g.cfg.SummaryMaxChars),
		RiskNote: Clean(riskNote, g.cfg.RiskNoteMaxChars),
		Backend:  BackendTemplate,
	}
}

// formatAmount renders a number compactly: 2 decimals under 1000, k/M
// suffixes above.
func formatAmount(v float64) string {
	switch {
	case v >= 1e6:
		return fmt.Sprintf("%.1fM", v/1e6)
	case v >= 1e3:
		return fmt.Sprintf("%.1fk", v/1e3)
	case v >= 1:
		return fmt.Sprintf("%.2f", v)
	default:
		return fmt.Sprintf("%.6f", v)
	}
}

// Clean collapses whitespace, strips trailing punctuation and truncates on
// a rune boundary with the ellipsis appended only when truncated.
func Clean(s string, maxChars int) string {
	s = strings.TrimSpace(multiSpace.ReplaceAllString(s, " "))
	s = strings.TrimRight(s, ".,;:!?。，；：！？")
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars-1]) + "…"
}
