package providers

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Tweet is one fetched social post, pre-normalization.
type Tweet struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	URLs      []string  `json:"urls"`
}

// Profile is a social account profile.
type Profile struct {
	Handle    string    `json:"handle"`
	AvatarURL string    `json:"avatar_url"`
	TS        time.Time `json:"ts"`
}

// SocialSource is one tweet/profile backend. Backends form a closed set:
// graphql, api, apify, off, mock.
type SocialSource interface {
	Backend() string
	FetchUserTweets(ctx context.Context, handle, sinceID string, limit int) ([]Tweet, error)
	FetchUserProfile(ctx context.Context, handle string) (*Profile, error)
}

// SocialConfig selects backend order per operation.
type SocialConfig struct {
	TweetBackends   []string
	ProfileBackends []string
}

// SocialConfigFromEnv reads X_BACKENDS plus the per-operation overrides.
func SocialConfigFromEnv() SocialConfig {
	base := splitBackends(envStr("X_BACKENDS", "api"))
	cfg := SocialConfig{TweetBackends: base, ProfileBackends: base}
	if v := os.Getenv("X_BACKENDS_TWEETS"); v != "" {
		cfg.TweetBackends = splitBackends(v)
	}
	if v := os.Getenv("X_BACKENDS_PROFILE"); v != "" {
		cfg.ProfileBackends = splitBackends(v)
	}
	return cfg
}

func splitBackends(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// MultiSource tries an ordered backend list, falling through on error.
// Exhaustion returns an empty result and logs a degrade.
type MultiSource struct {
	tweets   []SocialSource
	profiles []SocialSource
}

// NewMultiSource resolves the configured backend tags against registered
// sources. Unknown tags are skipped with a warning; "off" disables the
// operation.
func NewMultiSource(cfg SocialConfig, registry map[string]SocialSource) *MultiSource {
	resolve := func(tags []string) []SocialSource {
		var out []SocialSource
		for _, tag := range tags {
			if tag == "off" {
				return nil
			}
			src, ok := registry[tag]
			if !ok {
				log.Warn().Str("stage", "social").Str("backend", tag).Msg("unknown social backend, skipping")
				continue
			}
			out = append(out, src)
		}
		return out
	}
	return &MultiSource{
		tweets:   resolve(cfg.TweetBackends),
		profiles: resolve(cfg.ProfileBackends),
	}
}

// FetchUserTweets tries each tweet backend in order.
func (m *MultiSource) FetchUserTweets(ctx context.Context, handle, sinceID string, limit int) ([]Tweet, error) {
	for i, src := range m.tweets {
		tweets, err := src.FetchUserTweets(ctx, handle, sinceID, limit)
		if err != nil {
			log.Warn().Str("stage", "social").Str("backend", src.Backend()).
				Str("handle", handle).Int("fallthrough", i+1).Err(err).Msg("tweet backend failed")
			continue
		}
		return tweets, nil
	}
	log.Warn().Str("stage", "social").Str("handle", handle).Msg("all tweet backends exhausted, degrade")
	return nil, nil
}

// FetchUserProfile tries each profile backend in order.
func (m *MultiSource) FetchUserProfile(ctx context.Context, handle string) (*Profile, error) {
	for _, src := range m.profiles {
		profile, err := src.FetchUserProfile(ctx, handle)
		if err != nil {
			log.Warn().Str("stage", "social").Str("backend", src.Backend()).
				Str("handle", handle).Err(err).Msg("profile backend failed")
			continue
		}
		return profile, nil
	}
	return nil, nil
}

// apiSource is the HTTP JSON backend (the hosted scraping API).
type apiSource struct {
	backend string
	baseURL string
	client  *Client
}

// NewAPISource builds the "api" backend. An empty base URL disables it at
// construction.
func NewAPISource(backend, baseURL, token string, timeoutMS int) (SocialSource, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("social %s backend requires a base URL", backend)
	}
	headers := map[string]string{}
	if token != "" {
		headers["Authorization"] = "Bearer " + token
	}
	return &apiSource{
		backend: backend,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  NewClient(ClientConfig{Name: "social-" + backend, TimeoutMS: timeoutMS, MaxRetries: 2, Headers: headers}),
	}, nil
}

func (s *apiSource) Backend() string { return s.backend }

func (s *apiSource) FetchUserTweets(ctx context.Context, handle, sinceID string, limit int) ([]Tweet, error) {
	url := fmt.Sprintf("%s/users/%s/tweets?limit=%d", s.baseURL, handle, limit)
	if sinceID != "" {
		url += "&since_id=" + sinceID
	}
	var out []Tweet
	if err := s.client.GetJSON(ctx, url, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *apiSource) FetchUserProfile(ctx context.Context, handle string) (*Profile, error) {
	var out Profile
	if err := s.client.GetJSON(ctx, fmt.Sprintf("%s/users/%s", s.baseURL, handle), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MockSource is the "mock" backend used by tests and dry runs.
type MockSource struct {
	Tweets   []Tweet
	Profiles map[string]*Profile
	Err      error
}

func (s *MockSource) Backend() string { return "mock" }

func (s *MockSource) FetchUserTweets(_ context.Context, handle, sinceID string, limit int) ([]Tweet, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	var out []Tweet
	var since int64 = -1
	if sinceID != "" {
		since, _ = strconv.ParseInt(sinceID, 10, 64)
	}
	for _, t := range s.Tweets {
		if t.Author != handle {
			continue
		}
		if id, err := strconv.ParseInt(t.ID, 10, 64); err == nil && id <= since {
			continue
		}
		out = append(out, t)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MockSource) FetchUserProfile(_ context.Context, handle string) (*Profile, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	return s.Profiles[handle], nil
}
