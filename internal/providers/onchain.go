package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// OnchainFeatures is the warehouse feature vector for one token window.
type OnchainFeatures struct {
	ActiveAddrPctl float64   `json:"active_addr_pctl"`
	GrowthRatio    float64   `json:"growth_ratio"`
	Top10Share     float64   `json:"top10_share"`
	SelfLoopRatio  float64   `json:"self_loop_ratio"`
	AsofTS         time.Time `json:"asof_ts"`
}

// MaxFeatureAge discards features older than this.
const MaxFeatureAge = 90 * time.Minute

// onchainRetryDelays is the warehouse retry ladder.
var onchainRetryDelays = []time.Duration{5 * time.Second, 15 * time.Second, 30 * time.Second}

// WarehouseQuerier runs one parameterized view query.
type WarehouseQuerier interface {
	QueryFeatures(ctx context.Context, chain, address string, windowMinutes int) (*OnchainFeatures, error)
}

// OnchainProvider queries the on-chain feature warehouse with retries and
// staleness checks.
type OnchainProvider struct {
	querier WarehouseQuerier
	view    string // <project>.<dataset>.<view>
}

// NewOnchainProvider wires the provider around a warehouse querier.
func NewOnchainProvider(querier WarehouseQuerier, view string) *OnchainProvider {
	return &OnchainProvider{querier: querier, view: view}
}

// httpWarehouseQuerier queries the warehouse view over its HTTP gateway.
type httpWarehouseQuerier struct {
	baseURL string
	view    string
	client  *Client
}

// NewHTTPWarehouseQuerier builds a querier against the warehouse HTTP
// gateway. view is <project>.<dataset>.<view>.
func NewHTTPWarehouseQuerier(baseURL, view string, timeoutMS int) WarehouseQuerier {
	return &httpWarehouseQuerier{
		baseURL: baseURL,
		view:    view,
		client:  NewClient(ClientConfig{Name: "warehouse", TimeoutMS: timeoutMS, MaxRetries: 0}),
	}
}

func (q *httpWarehouseQuerier) QueryFeatures(ctx context.Context, chain, address string, windowMinutes int) (*OnchainFeatures, error) {
	url := fmt.Sprintf("%s/query?view=%s&chain=%s&address=%s&window=%d",
		q.baseURL, q.view, chain, address, windowMinutes)
	var out OnchainFeatures
	if err := q.client.GetJSON(ctx, url, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Features fetches the feature vector, retrying up to three times. Stale
// features (asof older than MaxFeatureAge) are discarded.
func (p *OnchainProvider) Features(ctx context.Context, chain, address string, windowMinutes int) *Result {
	var lastErr error
	for attempt := 0; attempt <= len(onchainRetryDelays); attempt++ {
		if attempt > 0 {
			delay := onchainRetryDelays[attempt-1]
			log.Debug().Str("stage", "providers").Str("provider", "warehouse").
				Int("attempt", attempt).Float64("backoff_s", delay.Seconds()).Msg("retry")
			if err := sleepCtx(ctx, delay); err != nil {
				return Empty(ReasonTimeout)
			}
		}
		feats, err := p.querier.QueryFeatures(ctx, chain, address, windowMinutes)
		if err != nil {
			lastErr = err
			if !Retryable(KindOf(err)) {
				break
			}
			continue
		}
		if time.Since(feats.AsofTS) > MaxFeatureAge {
			return &Result{
				Source:  "warehouse",
				Degrade: true,
				Reason:  ReasonProviderError,
				Notes:   []string{fmt.Sprintf("features as of %s discarded as stale", feats.AsofTS.Format(time.RFC3339))},
			}
		}
		payload, err := json.Marshal(feats)
		if err != nil {
			return Empty(ReasonUnknown)
		}
		return &Result{Payload: payload, Source: "warehouse"}
	}
	res := Empty(ReasonForErr(lastErr))
	res.Source = "warehouse"
	return res
}
