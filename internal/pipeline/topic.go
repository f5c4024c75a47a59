package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/chainpulse/chainpulse/internal/config"
	"github.com/chainpulse/chainpulse/internal/refine"
	"github.com/chainpulse/chainpulse/internal/store"
)

// topicScanLimit bounds how many recent topic events one merge considers.
const topicScanLimit = 200

// TopicMerger folds posts without asset mentions into existing topic
// events by keyphrase similarity. Tunables live in the topic_merge
// namespace and hot-reload with the registry.
type TopicMerger struct {
	st  *store.Store
	reg *config.Registry
}

// NewTopicMerger wires the merger.
func NewTopicMerger(st *store.Store, reg *config.Registry) *TopicMerger {
	return &TopicMerger{st: st, reg: reg}
}

func (m *TopicMerger) float(path string, def float64) float64 {
	switch v := m.reg.GetPath(path, def).(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return def
	}
}

// Eligible reports whether a non-candidate post carries enough entities to
// participate in topic merging.
func (m *TopicMerger) Eligible(text string) bool {
	return len(refine.Keyphrases(text)) >= 2
}

// Merge finds the best matching recent topic event for the keyphrase set.
// Returns its event key, or empty when nothing clears the threshold.
func (m *TopicMerger) Merge(ctx context.Context, keyphrases []string, ts time.Time) string {
	if len(keyphrases) == 0 {
		return ""
	}
	windowHours := m.float("topic_merge.window_hours", 24)
	simThreshold := m.float("topic_merge.sim_threshold", 0.5)
	fallback := m.float("topic_merge.jaccard_fallback", 0.34)
	boost := m.float("topic_merge.whitelist_boost", 0.1)

	since := ts.Add(-time.Duration(windowHours * float64(time.Hour)))
	events, err := m.st.Events.ListRecentTopics(ctx, since, topicScanLimit)
	if err != nil {
		return ""
	}

	whitelist := m.entityWhitelist()
	bestKey := ""
	bestSim := 0.0
	for _, ev := range events {
		entities := decodeEntities(ev.TopicEntities)
		if len(entities) == 0 {
			continue
		}
		sim := jaccard(keyphrases, entities)
		for _, kp := range keyphrases {
			if whitelist[kp] {
				sim += boost
				break
			}
		}
		// Small entity sets are too coarse for the strict threshold.
		threshold := simThreshold
		if len(keyphrases) < 3 || len(entities) < 3 {
			threshold = fallback
		}
		if sim >= threshold && sim > bestSim {
			bestSim = sim
			bestKey = ev.EventKey
		}
	}
	return bestKey
}

func (m *TopicMerger) entityWhitelist() map[string]bool {
	out := map[string]bool{}
	raw, ok := m.reg.GetPath("topic_merge.whitelist", nil).([]interface{})
	if !ok {
		return out
	}
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out[s] = true
		}
	}
	return out
}

func decodeEntities(raw json.RawMessage) []string {
	var out []string
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func jaccard(a, b []string) float64 {
	setA := map[string]bool{}
	for _, s := range a {
		setA[s] = true
	}
	inter := 0
	setB := map[string]bool{}
	for _, s := range b {
		if setB[s] {
			continue
		}
		setB[s] = true
		if setA[s] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
