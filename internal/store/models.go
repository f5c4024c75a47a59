package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Post sources.
const SourceX = "x"

// Event types.
const (
	EventToken        = "token"
	EventAirdrop      = "airdrop"
	EventDeploy       = "deploy"
	EventTopic        = "topic"
	EventMarketUpdate = "market-update"
	EventMisc         = "misc"
)

// Signal states. Transitions originate only from StateCandidate;
// StateVerified and StateRejected are terminal.
const (
	StateCandidate  = "candidate"
	StateVerified   = "verified"
	StateRejected   = "rejected"
	StateDowngraded = "downgraded"
)

// Outbox statuses. Pending and retry are dispatchable; sending marks a
// claimed row that becomes dispatchable again when its lease expires.
const (
	OutboxPending = "pending"
	OutboxRetry   = "retry"
	OutboxSending = "sending"
	OutboxDone    = "done"
	OutboxDLQ     = "dlq"
)

// RawPost is an immutable record of one observed social post.
type RawPost struct {
	ID          int64          `db:"id"`
	Source      string         `db:"source"`
	Author      string         `db:"author"`
	Text        string         `db:"text"`
	TS          time.Time      `db:"ts"`
	URLs        json.RawMessage `db:"urls"`
	TokenCA     sql.NullString `db:"token_ca"`
	Symbol      sql.NullString `db:"symbol"`
	IsCandidate bool           `db:"is_candidate"`
}

// Event is a de-duplicated happening across one or more raw posts.
type Event struct {
	EventKey       string          `db:"event_key"`
	Type           string          `db:"type"`
	Summary        string          `db:"summary"`
	Score          float64         `db:"score"`
	Evidence       json.RawMessage `db:"evidence"`
	ImpactedAssets json.RawMessage `db:"impacted_assets"`
	StartTS        time.Time       `db:"start_ts"`
	LastTS         time.Time       `db:"last_ts"`
	Heat10M        int             `db:"heat_10m"`
	Heat30M        int             `db:"heat_30m"`
	TopicHash      sql.NullString  `db:"topic_hash"`
	TopicEntities  json.RawMessage `db:"topic_entities"`
	CandidateScore sql.NullFloat64 `db:"candidate_score"`
	TokenCA        sql.NullString  `db:"token_ca"`
	Symbol         sql.NullString  `db:"symbol"`
}

// Signal is the per-event enrichment snapshot feeding the rule engine.
type Signal struct {
	EventKey          string          `db:"event_key"`
	Type              string          `db:"type"`
	MarketType        string          `db:"market_type"`
	State             string          `db:"state"`
	GoplusRisk        string          `db:"goplus_risk"`
	BuyTax            sql.NullFloat64 `db:"buy_tax"`
	SellTax           sql.NullFloat64 `db:"sell_tax"`
	LPLockDays        sql.NullFloat64 `db:"lp_lock_days"`
	DexLiquidity      sql.NullFloat64 `db:"dex_liquidity"`
	DexVolume1H       sql.NullFloat64 `db:"dex_volume_1h"`
	HeatSlope         sql.NullFloat64 `db:"heat_slope"`
	OnchainAsofTS     sql.NullTime    `db:"onchain_asof_ts"`
	OnchainConfidence sql.NullFloat64 `db:"onchain_confidence"`
	TokenCA           sql.NullString  `db:"token_ca"`
	Symbol            sql.NullString  `db:"symbol"`
	UpdatedAt         time.Time       `db:"updated_at"`
	TS                time.Time       `db:"ts"`
}

// ProviderCacheEntry is the relational tier of the provider cache.
type ProviderCacheEntry struct {
	Endpoint    string          `db:"endpoint"`
	Chain       string          `db:"chain"`
	Key         string          `db:"key"`
	Payload     json.RawMessage `db:"payload"`
	Status      string          `db:"status"`
	FetchedAt   time.Time       `db:"fetched_at"`
	ExpiresAt   time.Time       `db:"expires_at"`
	PayloadHash string          `db:"payload_hash"`
}

// OutboxEntry is one pending card delivery.
type OutboxEntry struct {
	ID        int64           `db:"id"`
	ChannelID string          `db:"channel_id"`
	ThreadID  sql.NullString  `db:"thread_id"`
	EventKey  string          `db:"event_key"`
	Payload   json.RawMessage `db:"payload"`
	Status    string          `db:"status"`
	Attempt   int             `db:"attempt"`
	NextTryAt sql.NullTime    `db:"next_try_at"`
	LastError sql.NullString  `db:"last_error"`
	CreatedAt time.Time       `db:"created_at"`
	UpdatedAt time.Time       `db:"updated_at"`
}

// DLQSnapshot preserves an outbox payload at the moment of permanent failure.
type DLQSnapshot struct {
	RefID    int64           `db:"ref_id"`
	Snapshot json.RawMessage `db:"snapshot"`
	FailedAt time.Time       `db:"failed_at"`
}

// SignalEvent is an audit row describing one verifier verdict.
type SignalEvent struct {
	ID         int64     `db:"id"`
	EventKey   string    `db:"event_key"`
	FromState  string    `db:"from_state"`
	ToState    string    `db:"to_state"`
	Decision   string    `db:"decision"`
	Confidence float64   `db:"confidence"`
	Note       string    `db:"note"`
	CreatedAt  time.Time `db:"created_at"`
}
