package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chainpulse/chainpulse/internal/config"
	"github.com/chainpulse/chainpulse/internal/kv"
	"github.com/chainpulse/chainpulse/internal/store"
	"github.com/rs/zerolog/log"
)

// Risk labels derived from security payloads.
const (
	RiskRed     = "red"
	RiskYellow  = "yellow"
	RiskGreen   = "green"
	RiskGray    = "gray"
	RiskUnknown = "unknown"
)

// SecurityConfig holds the token-security provider settings. All fields
// are env-named per the deployment contract.
type SecurityConfig struct {
	Backend      string  // "goplus" | "rules"
	AccessToken  string
	BaseURL      string
	TimeoutMS    int
	MaxRetries   int
	RateLimitRPM int

	CacheTTL   time.Duration // in-process + KV success TTL
	DBTTL      time.Duration // relational tier TTL
	StaleMax   time.Duration // serve-stale window past TTL
	AllowStale bool

	TaxRedPct     float64
	LPYellowDays  float64
	HoneypotRed   bool
	MinConfidence float64
}

// SecurityConfigFromEnv reads the provider configuration and credentials.
func SecurityConfigFromEnv() SecurityConfig {
	cfg := SecurityConfig{
		Backend:       envStr("SECURITY_BACKEND", "goplus"),
		AccessToken:   os.Getenv("GOPLUS_ACCESS_TOKEN"),
		BaseURL:       envStr("GOPLUS_BASE_URL", "https://api.gopluslabs.io/api/v1"),
		TimeoutMS:     envInt("GOPLUS_TIMEOUT_MS", 5000),
		MaxRetries:    envInt("GOPLUS_RETRY", 2),
		RateLimitRPM:  envInt("GOPLUS_RATELIMIT_RPM", 30),
		CacheTTL:      time.Duration(envInt("SECURITY_CACHE_TTL_S", 600)) * time.Second,
		DBTTL:         time.Duration(envInt("SECURITY_DB_TTL_S", 3600)) * time.Second,
		StaleMax:      time.Duration(envInt("SECURITY_STALE_MAX_S", 86400)) * time.Second,
		AllowStale:    envStr("SECURITY_ALLOW_STALE", "true") == "true",
		TaxRedPct:     envFloat("SECURITY_TAX_RED_PCT", 10),
		LPYellowDays:  envFloat("SECURITY_LP_YELLOW_DAYS", 30),
		HoneypotRed:   envStr("SECURITY_HONEYPOT_RED", "true") == "true",
		MinConfidence: envFloat("SECURITY_MIN_CONFIDENCE", 0.5),
	}
	return cfg
}

type memoEntry struct {
	payload   json.RawMessage
	fetchedAt time.Time
}

// SecurityProvider fetches on-chain token safety data with a three-tier
// cache: in-process memo, KV, relational. The in-process memo is the
// authoritative TTL decision point; KV and the relational store are shared
// accelerators consulted on memo miss.
type SecurityProvider struct {
	cfg    SecurityConfig
	client *Client
	kv     *kv.Store
	db     *store.ProviderCacheRepo
	rules  *config.Registry

	mu   sync.Mutex
	memo map[string]memoEntry
}

// NewSecurityProvider wires the provider. When Backend is "goplus" and no
// access token is configured, construction fails; the "rules" backend
// needs no credentials.
func NewSecurityProvider(cfg SecurityConfig, kvStore *kv.Store, cacheRepo *store.ProviderCacheRepo, rules *config.Registry) (*SecurityProvider, error) {
	if cfg.Backend == "goplus" && cfg.AccessToken == "" {
		return nil, fmt.Errorf("security provider requires GOPLUS_ACCESS_TOKEN")
	}
	headers := map[string]string{}
	if cfg.AccessToken != "" {
		headers["Authorization"] = cfg.AccessToken
	}
	return &SecurityProvider{
		cfg: cfg,
		client: NewClient(ClientConfig{
			Name:         "goplus",
			TimeoutMS:    cfg.TimeoutMS,
			MaxRetries:   cfg.MaxRetries,
			RateLimitRPM: cfg.RateLimitRPM,
			Headers:      headers,
		}),
		kv:    kvStore,
		db:    cacheRepo,
		rules: rules,
		memo:  make(map[string]memoEntry),
	}, nil
}

// TokenSecurity returns the security payload for one contract.
func (p *SecurityProvider) TokenSecurity(ctx context.Context, chainID, address string) *Result {
	address = strings.ToLower(address)
	url := fmt.Sprintf("%s/token_security/%s?contract_addresses=%s", p.cfg.BaseURL, chainID, address)
	return p.fetchCached(ctx, "token_security", chainID, address, url)
}

// AddressSecurity returns the security payload for one wallet address.
func (p *SecurityProvider) AddressSecurity(ctx context.Context, address string) *Result {
	address = strings.ToLower(address)
	url := fmt.Sprintf("%s/address_security/%s", p.cfg.BaseURL, address)
	return p.fetchCached(ctx, "address_security", "any", address, url)
}

// ApprovalSecurity returns approval risk for one contract.
func (p *SecurityProvider) ApprovalSecurity(ctx context.Context, chainID, address, approvalType string) *Result {
	address = strings.ToLower(address)
	key := address + ":" + approvalType
	url := fmt.Sprintf("%s/approval_security/%s?contract_addresses=%s&type=%s", p.cfg.BaseURL, chainID, address, approvalType)
	return p.fetchCached(ctx, "approval_security", chainID, key, url)
}

func (p *SecurityProvider) fetchCached(ctx context.Context, endpoint, chain, key, url string) *Result {
	memoKey := endpoint + ":" + chain + ":" + key

	// Tier 1: in-process memo (authoritative TTL decision).
	p.mu.Lock()
	if e, ok := p.memo[memoKey]; ok {
		age := time.Since(e.fetchedAt)
		if age < p.cfg.CacheTTL {
			p.mu.Unlock()
			return &Result{Payload: e.payload, Source: "goplus", Cache: true}
		}
		if p.cfg.AllowStale && age < p.cfg.CacheTTL+p.cfg.StaleMax {
			p.mu.Unlock()
			return &Result{Payload: e.payload, Source: "goplus", Cache: true, Stale: true}
		}
		delete(p.memo, memoKey)
	}
	p.mu.Unlock()

	// Tier 2: KV.
	if p.kv != nil {
		if v, ok := p.kv.Get(ctx, "seccache:"+memoKey); ok {
			payload := json.RawMessage(v)
			p.memoPut(memoKey, payload)
			return &Result{Payload: payload, Source: "goplus", Cache: true}
		}
	}

	// Tier 3: relational.
	if p.db != nil {
		payload, state, err := p.db.Get(ctx, endpoint, chain, key, p.cfg.StaleMax)
		if err == nil && state != store.CacheAbsent {
			p.memoPut(memoKey, payload)
			res := &Result{Payload: payload, Source: "goplus", Cache: true}
			if state == store.CacheStale {
				if !p.cfg.AllowStale {
					res = nil
				} else {
					res.Stale = true
				}
			}
			if res != nil {
				return res
			}
		}
	}

	if p.cfg.Backend == "rules" {
		return p.rulesFallback(key)
	}

	// Upstream fetch under rate limit, then write-through all tiers.
	var payload json.RawMessage
	if err := p.client.GetJSON(ctx, url, &payload); err != nil {
		log.Warn().Str("stage", "providers").Str("provider", "goplus").
			Str("endpoint", endpoint).Err(err).Msg("security fetch failed, degrading to rules")
		res := p.rulesFallback(key)
		res.Reason = ReasonForErr(err)
		return res
	}
	p.writeThrough(ctx, endpoint, chain, key, memoKey, payload)
	return &Result{Payload: payload, Source: "goplus"}
}

func (p *SecurityProvider) memoPut(key string, payload json.RawMessage) {
	p.mu.Lock()
	p.memo[key] = memoEntry{payload: payload, fetchedAt: time.Now()}
	p.mu.Unlock()
}

// writeThrough populates every tier. TTLs are jittered up to +10% so a
// popular key cannot stampede all tiers at once.
func (p *SecurityProvider) writeThrough(ctx context.Context, endpoint, chain, key, memoKey string, payload json.RawMessage) {
	p.memoPut(memoKey, payload)
	jitter := 1.0 + rand.Float64()*0.10
	if p.kv != nil {
		ttl := time.Duration(float64(p.cfg.CacheTTL) * jitter)
		_ = p.kv.Set(ctx, "seccache:"+memoKey, string(payload), ttl)
	}
	if p.db != nil {
		ttl := time.Duration(float64(p.cfg.DBTTL) * jitter)
		if err := p.db.Put(ctx, endpoint, chain, key, payload, "success", ttl); err != nil {
			log.Warn().Str("stage", "providers").Err(err).Msg("security cache write-through failed")
		}
	}
}

// rulesFallback consults the local risk_rules namespace when the upstream
// is unusable: blacklisted addresses are red, whitelisted green, anything
// else unknown. Always a degraded result.
func (p *SecurityProvider) rulesFallback(address string) *Result {
	risk := RiskUnknown
	if p.rules != nil {
		ns := p.rules.GetNS("risk_rules")
		if listContains(ns, "blacklist", address) {
			risk = RiskRed
		} else if listContains(ns, "whitelist", address) {
			risk = RiskGreen
		}
	}
	payload, _ := json.Marshal(map[string]string{"risk": risk, "risk_source": "rules"})
	return &Result{
		Payload: payload,
		Source:  "rules",
		Degrade: true,
		Reason:  ReasonProviderError,
		Notes:   []string{"local rules fallback"},
	}
}

func listContains(ns map[string]interface{}, key, needle string) bool {
	if ns == nil {
		return false
	}
	list, ok := ns[key].([]interface{})
	if !ok {
		return false
	}
	needle = strings.ToLower(needle)
	for _, v := range list {
		if s, ok := v.(string); ok && strings.ToLower(s) == needle {
			return true
		}
	}
	return false
}

// SecurityFields are the parsed risk inputs extracted from a payload.
type SecurityFields struct {
	Honeypot   *bool
	BuyTax     *float64
	SellTax    *float64
	LPLockDays *float64
}

// NormalizeTax interprets a tax value: fractions (<= 1.0) are scaled to
// percent; values above 1.0 are already percent.
func NormalizeTax(v float64) float64 {
	if v <= 1.0 {
		return v * 100
	}
	return v
}

// ApplyRuleOverrides overlays risk_rules.risk_thresholds from the live
// rules snapshot onto the env-derived thresholds, so operators can tune
// them without a restart.
func (cfg SecurityConfig) ApplyRuleOverrides(reg *config.Registry) SecurityConfig {
	if reg == nil {
		return cfg
	}
	if v, ok := toFloat(reg.GetPath("risk_rules.risk_thresholds.buy_tax_red", nil)); ok {
		cfg.TaxRedPct = v
	}
	if v, ok := toFloat(reg.GetPath("risk_rules.risk_thresholds.lp_lock_yellow_days", nil)); ok {
		cfg.LPYellowDays = v
	}
	if v, ok := toBool(reg.GetPath("risk_rules.risk_thresholds.honeypot_red", nil)); ok {
		cfg.HoneypotRed = v
	}
	return cfg
}

// DeriveRisk applies the risk ladder to parsed payload fields.
func DeriveRisk(f SecurityFields, cfg SecurityConfig) string {
	switch {
	case f.Honeypot != nil && *f.Honeypot && cfg.HoneypotRed:
		return RiskRed
	case f.BuyTax != nil && NormalizeTax(*f.BuyTax) >= cfg.TaxRedPct,
		f.SellTax != nil && NormalizeTax(*f.SellTax) >= cfg.TaxRedPct:
		return RiskRed
	case f.LPLockDays != nil && *f.LPLockDays < cfg.LPYellowDays:
		return RiskYellow
	case f.Honeypot != nil || f.BuyTax != nil || f.SellTax != nil:
		return RiskGreen
	default:
		return RiskUnknown
	}
}

// ExplicitRisk returns a risk label the payload itself asserts, as the
// rules fallback does. Empty when the payload carries none or an unknown
// label.
func ExplicitRisk(payload json.RawMessage) string {
	var m struct {
		Risk string `json:"risk"`
	}
	if err := json.Unmarshal(payload, &m); err != nil {
		return ""
	}
	switch m.Risk {
	case RiskRed, RiskYellow, RiskGreen, RiskGray:
		return m.Risk
	}
	return ""
}

// ParseSecurityFields extracts risk inputs from a raw security payload.
func ParseSecurityFields(payload json.RawMessage) SecurityFields {
	var f SecurityFields
	var m map[string]interface{}
	if err := json.Unmarshal(payload, &m); err != nil {
		return f
	}
	if v, ok := toBool(m["is_honeypot"]); ok {
		f.Honeypot = &v
	} else if v, ok := toBool(m["honeypot"]); ok {
		f.Honeypot = &v
	}
	if v, ok := toFloat(m["buy_tax"]); ok {
		f.BuyTax = &v
	}
	if v, ok := toFloat(m["sell_tax"]); ok {
		f.SellTax = &v
	}
	if v, ok := toFloat(m["lp_lock_days"]); ok {
		f.LPLockDays = &v
	}
	return f
}

func toBool(v interface{}) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		return t == "1" || t == "true", t != ""
	case float64:
		return t != 0, true
	}
	return false, false
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	case int:
		return float64(t), true
	}
	return 0, false
}

func envStr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(name string, def float64) float64 {
	if v := os.Getenv(name); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
