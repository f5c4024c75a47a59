package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// Backoff table applied between retries.
var retryBackoff = []time.Duration{500 * time.Millisecond, time.Second}

// Client is the shared upstream HTTP plumbing: timeout budget, retry
// policy, token bucket and circuit breaker.
type Client struct {
	name    string
	http    *http.Client
	bucket  *TokenBucket
	breaker *gobreaker.CircuitBreaker
	retries int
	headers map[string]string
}

// ClientConfig controls one upstream client.
type ClientConfig struct {
	Name         string
	TimeoutMS    int
	MaxRetries   int
	RateLimitRPM int
	Headers      map[string]string
}

// NewClient builds an upstream client. Breaker settings follow the shared
// policy: trip on 3 consecutive failures or >5% failures over 20+ calls.
func NewClient(cfg ClientConfig) *Client {
	if cfg.TimeoutMS <= 0 {
		cfg.TimeoutMS = 5000
	}
	st := gobreaker.Settings{Name: cfg.Name}
	st.Interval = 60 * time.Second
	st.Timeout = 60 * time.Second
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		if counts.ConsecutiveFailures >= 3 {
			return true
		}
		if counts.Requests < 20 {
			return false
		}
		return float64(counts.TotalFailures)/float64(counts.Requests) > 0.05
	}
	return &Client{
		name:    cfg.Name,
		http:    &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond},
		bucket:  NewTokenBucket(cfg.RateLimitRPM),
		breaker: gobreaker.NewCircuitBreaker(st),
		retries: cfg.MaxRetries,
		headers: cfg.Headers,
	}
}

// GetJSON fetches url under the rate limit and decodes the body into out.
// Retries on 429/5xx/timeout/network errors per the backoff table; never
// retries auth failures.
func (c *Client) GetJSON(ctx context.Context, url string, out interface{}) error {
	return c.doJSON(ctx, http.MethodGet, url, nil, out)
}

// PostJSON sends body as JSON and decodes the response, under the same
// retry and breaker policy as GetJSON.
func (c *Client) PostJSON(ctx context.Context, url string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return NewError(KindValidation, err)
	}
	return c.doJSON(ctx, http.MethodPost, url, payload, out)
}

func (c *Client) doJSON(ctx context.Context, method, url string, body []byte, out interface{}) error {
	if _, err := c.bucket.Acquire(ctx, 1); err != nil {
		return NewError(KindBudgetExceeded, err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			backoff := retryBackoff[min(attempt-1, len(retryBackoff)-1)]
			log.Debug().Str("stage", "providers").Str("provider", c.name).
				Int("attempt", attempt).Str("reason", fmt.Sprint(lastErr)).
				Float64("backoff_s", backoff.Seconds()).Msg("retry")
			if err := sleepCtx(ctx, backoff); err != nil {
				return NewError(KindUpstreamTimeout, err)
			}
		}
		lastErr = c.once(ctx, method, url, body, out)
		if lastErr == nil {
			return nil
		}
		if !Retryable(KindOf(lastErr)) {
			return lastErr
		}
	}
	return lastErr
}

func (c *Client) once(ctx context.Context, method, url string, body []byte, out interface{}) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, NewError(KindValidation, err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range c.headers {
			req.Header.Set(k, v)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, NewError(classifyNetErr(err), err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, NewError(ClassifyStatus(resp.StatusCode),
				fmt.Errorf("%s returned %d: %s", c.name, resp.StatusCode, strings.TrimSpace(string(body))))
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, NewError(KindParse, err)
		}
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return NewError(KindUpstreamTransient, err)
	}
	return err
}

func classifyNetErr(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindUpstreamTimeout
	}
	return KindUpstreamTransient
}

// ReasonForErr maps a fetch error onto the closed reason set, seeing
// through wrapped syscall errors for connection refusal.
func ReasonForErr(err error) string {
	if err == nil {
		return ReasonNone
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return ReasonConnRefused
	}
	switch KindOf(err) {
	case KindUpstreamTimeout:
		return ReasonTimeout
	case KindUpstreamAuth, KindUpstreamPermanent:
		return ReasonHTTP4xx
	case KindUpstreamTransient:
		return ReasonHTTP5xx
	case KindParse:
		return ReasonProviderError
	default:
		return ReasonUnknown
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
