// Package pipeline turns persisted raw posts into events and candidate
// signals: refinement, sentiment, topic merging and heat tracking.
package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/chainpulse/chainpulse/internal/config"
	"github.com/chainpulse/chainpulse/internal/kv"
	"github.com/chainpulse/chainpulse/internal/logging"
	"github.com/chainpulse/chainpulse/internal/providers"
	"github.com/chainpulse/chainpulse/internal/refine"
	"github.com/chainpulse/chainpulse/internal/store"
)

// cursorKey tracks the last processed raw post id.
const cursorKey = "pipeline:last_post_id"

// heatKeyTTL bounds the per-event heat sorted set.
const heatKeyTTL = time.Hour

// Config holds processor settings.
type Config struct {
	BatchSize  int
	SummaryMax int
}

// DefaultConfig returns processor defaults.
func DefaultConfig() Config {
	return Config{BatchSize: 100, SummaryMax: refine.DefaultSummaryMaxChars}
}

// Processor consumes raw posts and maintains events and signals.
type Processor struct {
	cfg       Config
	st        *store.Store
	kv        *kv.Store
	sentiment *providers.SentimentProvider
	reg       *config.Registry
	merger    *TopicMerger
}

// New wires the processor. The registry supplies the topic_merge namespace.
func New(cfg Config, st *store.Store, kvStore *kv.Store, sentiment *providers.SentimentProvider, reg *config.Registry) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Processor{
		cfg:       cfg,
		st:        st,
		kv:        kvStore,
		sentiment: sentiment,
		reg:       reg,
		merger:    NewTopicMerger(st, reg),
	}
}

// Stats summarizes one processing pass.
type Stats struct {
	Processed int
	Events    int
	Merged    int
	Skipped   int
}

// ProcessNew pages through posts newer than the cursor, refining each and
// upserting the resulting event and signal. Failures on one post skip only
// that post.
func (p *Processor) ProcessNew(ctx context.Context) (Stats, error) {
	var stats Stats
	cursor := p.cursor(ctx)

	posts, err := p.st.Posts.ListAfter(ctx, cursor, p.cfg.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("list posts after %d: %w", cursor, err)
	}
	if len(posts) == 0 {
		return stats, nil
	}

	texts := make([]string, len(posts))
	for i, post := range posts {
		texts[i] = post.Text
	}
	batch := p.sentiment.ClassifyBatch(ctx, texts)

	maxID := cursor
	for i, post := range posts {
		if post.ID > maxID {
			maxID = post.ID
		}
		stats.Processed++
		if !post.IsCandidate && !p.merger.Eligible(post.Text) {
			stats.Skipped++
			continue
		}
		merged, err := p.processPost(ctx, &post, batch.Labels[i], batch.Scores[i], batch.Degrade)
		if err != nil {
			lg := logging.For(ctx, "pipeline")
			lg.Warn().Int64("post_id", post.ID).Err(err).Msg("post processing failed")
			stats.Skipped++
			continue
		}
		stats.Events++
		if merged {
			stats.Merged++
		}
	}

	_ = p.kv.Set(ctx, cursorKey, strconv.FormatInt(maxID, 10), 0)
	return stats, nil
}

func (p *Processor) cursor(ctx context.Context) int64 {
	raw, ok := p.kv.Get(ctx, cursorKey)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// processPost refines one post and writes its event and signal. Returns
// whether the post merged into an existing topic event.
func (p *Processor) processPost(ctx context.Context, post *store.RawPost, label providers.SentimentLabel, score float64, degrade string) (bool, error) {
	refined := refine.Refine(post.Text, p.cfg.SummaryMax)
	if post.IsCandidate && refined.Score < p.tunable("thresholds.candidate.min_score", 0) {
		return false, fmt.Errorf("candidate score %.2f below floor", refined.Score)
	}

	eventKey := refined.EventKey
	eventType := refined.Type
	merged := false
	if !post.IsCandidate {
		if hit := p.merger.Merge(ctx, refined.Keyphrases, post.TS); hit != "" {
			eventKey = hit
			eventType = store.EventTopic
			merged = true
		} else {
			eventType = store.EventTopic
		}
	}

	heat10, heat30, slope := p.trackHeat(ctx, eventKey, post.ID, post.TS)

	evidence, err := json.Marshal(map[string]interface{}{
		"posts": []map[string]interface{}{{
			"post_id": post.ID,
			"source":  post.Source,
			"author":  post.Author,
			"ts":      post.TS.UTC().Format(time.RFC3339),
		}},
		"assets": refined.Assets,
		"sentiment": map[string]interface{}{
			"label":   string(label),
			"score":   score,
			"degrade": degrade,
		},
	})
	if err != nil {
		return merged, fmt.Errorf("marshal evidence: %w", err)
	}

	impacted, _ := json.Marshal(refined.Assets.Symbols)
	entities, _ := json.Marshal(refined.Keyphrases)

	ev := &store.Event{
		EventKey:       eventKey,
		Type:           eventType,
		Summary:        refined.Summary,
		Score:          refined.Score,
		Evidence:       evidence,
		ImpactedAssets: impacted,
		StartTS:        post.TS.UTC(),
		LastTS:         post.TS.UTC(),
		Heat10M:        heat10,
		Heat30M:        heat30,
		TopicEntities:  entities,
		CandidateScore: sql.NullFloat64{Float64: refined.Score, Valid: true},
		TokenCA:        post.TokenCA,
		Symbol:         post.Symbol,
	}
	if merged {
		ev.Type = eventType
	}
	if err := p.st.Events.Upsert(ctx, ev); err != nil {
		return merged, err
	}

	marketType := store.EventToken
	if !post.IsCandidate {
		marketType = store.EventTopic
	}
	sig := &store.Signal{
		EventKey:   eventKey,
		Type:       eventType,
		MarketType: marketType,
		State:      store.StateCandidate,
		GoplusRisk: providers.RiskUnknown,
		HeatSlope:  sql.NullFloat64{Float64: slope, Valid: true},
		TokenCA:    post.TokenCA,
		Symbol:     post.Symbol,
		TS:         post.TS.UTC(),
	}
	if err := p.st.Signals.Upsert(ctx, sig); err != nil {
		return merged, err
	}
	return merged, nil
}

// tunable reads a numeric rules value, falling back to def on any miss.
func (p *Processor) tunable(path string, def float64) float64 {
	switch v := p.reg.GetPath(path, def).(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return def
	}
}

// trackHeat records the post in the event's heat window and returns the
// short-window count, long-window count and the per-minute slope between
// the two. Window sizes come from the topic_merge namespace.
func (p *Processor) trackHeat(ctx context.Context, eventKey string, postID int64, ts time.Time) (int, int, float64) {
	key := "heat:" + eventKey
	now := ts.UTC()
	shortMin := p.tunable("topic_merge.slope_window_10m", 10)
	longMin := p.tunable("topic_merge.slope_window_30m", 30)
	if shortMin <= 0 || longMin <= shortMin {
		shortMin, longMin = 10, 30
	}

	_ = p.kv.ZAdd(ctx, key, float64(now.Unix()), strconv.FormatInt(postID, 10))
	_ = p.kv.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(now.Add(-time.Duration(longMin)*time.Minute).Unix(), 10))
	_ = p.kv.Expire(ctx, key, heatKeyTTL)

	cShort, errS := p.kv.ZCount(ctx, key, strconv.FormatInt(now.Add(-time.Duration(shortMin)*time.Minute).Unix(), 10), "+inf")
	cLong, errL := p.kv.ZCount(ctx, key, strconv.FormatInt(now.Add(-time.Duration(longMin)*time.Minute).Unix(), 10), "+inf")
	if errS != nil || errL != nil {
		return 1, 1, 0
	}

	return int(cShort), int(cLong), float64(cShort)/shortMin - float64(cLong)/longMin
}
