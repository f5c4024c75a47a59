// Package ingest polls social accounts, deduplicates posts and persists
// the raw records that feed refinement.
package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/chainpulse/chainpulse/internal/kv"
	"github.com/chainpulse/chainpulse/internal/logging"
	"github.com/chainpulse/chainpulse/internal/providers"
	"github.com/chainpulse/chainpulse/internal/refine"
	"github.com/chainpulse/chainpulse/internal/store"
)

// DedupTTL is the window within which a post id or fingerprint is a dup.
const DedupTTL = 14 * 24 * time.Hour

// ProfileTTL bounds the cached account profile.
const ProfileTTL = 24 * time.Hour

// Config holds poller settings.
type Config struct {
	Source     string
	Handles    []string
	FetchLimit int
	SummaryMax int
}

// DefaultConfig returns poller defaults for the X source.
func DefaultConfig(handles []string) Config {
	return Config{
		Source:     store.SourceX,
		Handles:    handles,
		FetchLimit: 50,
		SummaryMax: refine.DefaultSummaryMaxChars,
	}
}

// Poller fans out over configured handles, fetching tweets since the last
// cursor, deduplicating and persisting them.
type Poller struct {
	cfg    Config
	source *providers.MultiSource
	kv     *kv.Store
	st     *store.Store
}

// New creates a poller.
func New(cfg Config, source *providers.MultiSource, kvStore *kv.Store, st *store.Store) *Poller {
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = 50
	}
	return &Poller{cfg: cfg, source: source, kv: kvStore, st: st}
}

// Stats summarizes one polling pass.
type Stats struct {
	Fetched  int
	Inserted int
	Deduped  int
	Failed   []string
}

// PollAll processes every configured handle. A failure on one handle rolls
// back only that handle's transaction; the rest continue.
func (p *Poller) PollAll(ctx context.Context) Stats {
	var stats Stats
	for _, handle := range p.cfg.Handles {
		s, err := p.pollHandle(ctx, handle)
		stats.Fetched += s.Fetched
		stats.Inserted += s.Inserted
		stats.Deduped += s.Deduped
		if err != nil {
			stats.Failed = append(stats.Failed, handle)
			lg := logging.For(ctx, "ingest")
			lg.Warn().Str("handle", handle).Err(err).Msg("handle poll failed")
		}
	}
	return stats
}

func (p *Poller) cursorKey(handle string) string {
	return fmt.Sprintf("cursor:%s:%s", p.cfg.Source, handle)
}

func (p *Poller) pollHandle(ctx context.Context, handle string) (Stats, error) {
	var stats Stats
	cursor, _ := p.kv.Get(ctx, p.cursorKey(handle))

	tweets, err := p.source.FetchUserTweets(ctx, handle, cursor, p.cfg.FetchLimit)
	if err != nil {
		return stats, fmt.Errorf("fetch tweets for %s: %w", handle, err)
	}
	stats.Fetched = len(tweets)
	if len(tweets) == 0 {
		return stats, nil
	}

	tx, err := p.st.Posts.Begin(ctx)
	if err != nil {
		return stats, err
	}
	defer tx.Rollback()

	maxID := parseID(cursor)
	for _, tweet := range tweets {
		if id := parseID(tweet.ID); id > maxID {
			maxID = id
		}
		dup, err := p.isDuplicate(ctx, tweet)
		if err != nil || dup {
			stats.Deduped++
			continue
		}
		post := normalize(p.cfg.Source, tweet)
		if _, err := p.st.Posts.InsertTx(ctx, tx, post); err != nil {
			return stats, err
		}
		stats.Inserted++
	}
	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("commit posts for %s: %w", handle, err)
	}

	// Cursor advances to the max numeric id observed, compared as integers.
	if maxID > parseID(cursor) {
		_ = p.kv.Set(ctx, p.cursorKey(handle), strconv.FormatInt(maxID, 10), 0)
	}
	return stats, nil
}

// isDuplicate checks both the native post id mark and the content
// fingerprint; a miss sets both with the dedup TTL.
func (p *Poller) isDuplicate(ctx context.Context, tweet providers.Tweet) (bool, error) {
	idKey := fmt.Sprintf("dedup:%s:%s", p.cfg.Source, tweet.ID)
	fp := refine.Fingerprint(p.cfg.Source, tweet.Author, tweet.CreatedAt.UTC().Format(time.RFC3339), tweet.Text)
	fpKey := "dedup:fp:" + fp

	if _, hit := p.kv.Get(ctx, idKey); hit {
		return true, nil
	}
	if _, hit := p.kv.Get(ctx, fpKey); hit {
		return true, nil
	}
	if err := p.kv.Set(ctx, idKey, "1", DedupTTL); err != nil {
		return false, err
	}
	if err := p.kv.Set(ctx, fpKey, "1", DedupTTL); err != nil {
		return false, err
	}
	return false, nil
}

// RefreshProfiles caches each handle's profile in KV for the renderers.
func (p *Poller) RefreshProfiles(ctx context.Context) {
	for _, handle := range p.cfg.Handles {
		profile, err := p.source.FetchUserProfile(ctx, handle)
		if err != nil || profile == nil {
			continue
		}
		if data, err := json.Marshal(profile); err == nil {
			_ = p.kv.Set(ctx, fmt.Sprintf("profile:%s:%s", p.cfg.Source, handle), string(data), ProfileTTL)
		}
	}
}

type urlMeta struct {
	URL     string `json:"url"`
	PostID  string `json:"post_id,omitempty"`
	TokenCA string `json:"token_ca,omitempty"`
	Symbol  string `json:"symbol,omitempty"`
}

func normalize(source string, tweet providers.Tweet) *store.RawPost {
	contracts := refine.ExtractContracts(tweet.Text)
	symbols := refine.ExtractSymbols(tweet.Text)

	metas := []urlMeta{{PostID: tweet.ID}}
	for _, u := range tweet.URLs {
		metas = append(metas, urlMeta{URL: u})
	}
	if len(contracts) > 0 {
		metas[0].TokenCA = contracts[0]
	}
	if len(symbols) > 0 {
		metas[0].Symbol = "$" + symbols[0]
	}
	urls, _ := json.Marshal(metas)

	post := &store.RawPost{
		Source:      source,
		Author:      tweet.Author,
		Text:        tweet.Text,
		TS:          tweet.CreatedAt.UTC(),
		URLs:        urls,
		IsCandidate: len(contracts) > 0 || len(symbols) > 0,
	}
	if len(contracts) > 0 {
		post.TokenCA = sql.NullString{String: strings.ToLower(contracts[0]), Valid: true}
	}
	if len(symbols) > 0 {
		post.Symbol = sql.NullString{String: "$" + symbols[0], Valid: true}
	}
	return post
}

func parseID(s string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return -1
	}
	return n
}
