// Package cards assembles schema-validated delivery cards from the
// enrichment sections.
package cards

import (
	"regexp"

	"github.com/go-playground/validator/v10"
)

// SchemaVersion is stamped into meta.version.
const SchemaVersion = "1"

// Card types.
const (
	TypePrimary    = "primary"
	TypeSecondary  = "secondary"
	TypeTopic      = "topic"
	TypeMarketRisk = "market_risk"
)

var eventKeyRe = regexp.MustCompile(`^[A-Z0-9:_\-\.]{8,128}$`)

// Card is the closed delivery object. No fields outside this set are
// ever serialized at the top level.
type Card struct {
	EventKey string    `json:"event_key" validate:"required"`
	CardType string    `json:"card_type" validate:"required,oneof=primary secondary topic market_risk"`
	Data     Data      `json:"data" validate:"required"`
	Evidence []Item    `json:"evidence" validate:"dive"`
	Summary  string    `json:"summary" validate:"required,max=280"`
	RiskNote string    `json:"risk_note" validate:"max=160"`
	Rendered *Rendered `json:"rendered,omitempty"`
	Meta     Meta      `json:"meta" validate:"required"`
}

// Data groups the four enrichment sections.
type Data struct {
	Goplus  GoplusSection         `json:"goplus"`
	Dex     map[string]interface{} `json:"dex"`
	Onchain map[string]interface{} `json:"onchain"`
	Rules   RulesSection          `json:"rules"`
}

// GoplusSection is the security verdict.
type GoplusSection struct {
	Risk       string   `json:"risk" validate:"required,oneof=green yellow red gray"`
	RiskSource string   `json:"risk_source,omitempty"`
	BuyTax     *float64 `json:"buy_tax,omitempty"`
	SellTax    *float64 `json:"sell_tax,omitempty"`
	LPLockDays *float64 `json:"lp_lock_days,omitempty"`
}

// RulesSection is the rule-engine verdict in the card variant.
type RulesSection struct {
	Level        string   `json:"level" validate:"required,oneof=none watch caution risk"`
	Score        float64  `json:"score"`
	Reasons      []string `json:"reasons"`
	RulesVersion string   `json:"rules_version,omitempty"`
}

// Item is one evidence entry.
type Item struct {
	Type string `json:"type" validate:"required,max=32"`
	Desc string `json:"desc" validate:"required,max=240"`
	TS   string `json:"ts,omitempty"`
}

// Rendered holds the optional renderer outputs.
type Rendered struct {
	TelegramText string `json:"telegram_text,omitempty"`
	HTML         string `json:"html,omitempty"`
}

// Meta carries build provenance.
type Meta struct {
	Version        string   `json:"version" validate:"required"`
	DataAsOf       string   `json:"data_as_of" validate:"required"`
	SummaryBackend string   `json:"summary_backend" validate:"required,oneof=template llm"`
	UsedRefiner    bool     `json:"used_refiner,omitempty"`
	Degrade        bool     `json:"degrade,omitempty"`
	DegradeReasons []string `json:"degrade_reasons,omitempty"`
	HotReloaded    bool     `json:"hot_reloaded,omitempty"`
}

var validate = validator.New()

// ValidEventKey checks the event key pattern.
func ValidEventKey(key string) bool { return eventKeyRe.MatchString(key) }

// Validate checks the assembled card against the schema constraints.
func (c *Card) Validate() error {
	if !ValidEventKey(c.EventKey) {
		return ErrInvalidEventKey
	}
	return validate.Struct(c)
}
