package providers

import "encoding/json"

// Failure reasons form a closed set; downstream code switches on them.
const (
	ReasonNone             = ""
	ReasonTimeout          = "timeout"
	ReasonConnRefused      = "conn_refused"
	ReasonHTTP4xx          = "http_4xx"
	ReasonHTTP5xx          = "http_5xx"
	ReasonUnknown          = "unknown"
	ReasonBothFailedLastOK = "both_failed_last_ok"
	ReasonBothFailedNone   = "both_failed_no_cache"
	ReasonProviderError    = "provider_error"
)

// ClosedReasons enumerates every legal Result.Reason value.
var ClosedReasons = map[string]bool{
	ReasonNone: true, ReasonTimeout: true, ReasonConnRefused: true,
	ReasonHTTP4xx: true, ReasonHTTP5xx: true, ReasonUnknown: true,
	ReasonBothFailedLastOK: true, ReasonBothFailedNone: true,
	ReasonProviderError: true,
}

// Result is the shared envelope every provider returns. The five flags
// (Source, Cache, Stale, Degrade, Reason) are authoritative for all
// downstream consumers.
type Result struct {
	Payload json.RawMessage `json:"payload"`
	Source  string          `json:"source"`
	Cache   bool            `json:"cache"`
	Stale   bool            `json:"stale"`
	Degrade bool            `json:"degrade"`
	Reason  string          `json:"reason"`
	Notes   []string        `json:"notes,omitempty"`
}

// Empty returns a fully degraded result with the given reason.
func Empty(reason string) *Result {
	return &Result{Degrade: true, Reason: reason}
}

// ReasonForKind maps an error kind to the closed reason set.
func ReasonForKind(kind Kind) string {
	switch kind {
	case KindUpstreamTimeout:
		return ReasonTimeout
	case KindUpstreamAuth, KindUpstreamPermanent:
		return ReasonHTTP4xx
	case KindUpstreamTransient:
		return ReasonHTTP5xx
	default:
		return ReasonUnknown
	}
}
