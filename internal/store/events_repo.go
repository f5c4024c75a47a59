package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when a referenced row is absent.
var ErrNotFound = errors.New("store: not found")

// EventsRepo persists de-duplicated events keyed by event_key.
type EventsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Upsert inserts the event or refreshes the mutable columns. The unique
// constraint on event_key linearizes concurrent upserts; type, event_key
// and start_ts are never updated once set.
func (r *EventsRepo) Upsert(ctx context.Context, ev *Event) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO events
		(event_key, type, summary, score, evidence, impacted_assets, start_ts, last_ts,
		 heat_10m, heat_30m, topic_hash, topic_entities, candidate_score, token_ca, symbol)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (event_key) DO UPDATE SET
			summary = EXCLUDED.summary,
			score = EXCLUDED.score,
			evidence = EXCLUDED.evidence,
			last_ts = GREATEST(events.last_ts, EXCLUDED.last_ts),
			heat_10m = EXCLUDED.heat_10m,
			heat_30m = EXCLUDED.heat_30m`

	_, err := r.db.ExecContext(ctx, query,
		ev.EventKey, ev.Type, ev.Summary, ev.Score, ev.Evidence, ev.ImpactedAssets,
		ev.StartTS, ev.LastTS, ev.Heat10M, ev.Heat30M,
		ev.TopicHash, ev.TopicEntities, ev.CandidateScore, ev.TokenCA, ev.Symbol)
	if err != nil {
		return fmt.Errorf("failed to upsert event: %w", err)
	}
	return nil
}

// Get fetches one event by key.
func (r *EventsRepo) Get(ctx context.Context, eventKey string) (*Event, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var ev Event
	err := r.db.GetContext(ctx, &ev, `SELECT * FROM events WHERE event_key = $1`, eventKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return &ev, nil
}

// ListRecentTopics returns topic events with activity since the cutoff,
// newest first, capped at limit.
func (r *EventsRepo) ListRecentTopics(ctx context.Context, since time.Time, limit int) ([]Event, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []Event
	err := r.db.SelectContext(ctx, &out, `
		SELECT * FROM events
		WHERE type = $1 AND last_ts >= $2
		ORDER BY last_ts DESC
		LIMIT $3`, EventTopic, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list topic events: %w", err)
	}
	return out, nil
}

// MergeEvidence dict-merges patch into evidence under a reserved key.
// Existing keys are preserved; list-valued evidence is appended to, never
// replaced or deleted.
func (r *EventsRepo) MergeEvidence(ctx context.Context, eventKey, section string, patch json.RawMessage) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var raw json.RawMessage
	err = tx.GetContext(ctx, &raw,
		`SELECT evidence FROM events WHERE event_key = $1 FOR UPDATE`, eventKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to lock event evidence: %w", err)
	}

	merged, err := mergeEvidenceJSON(raw, section, patch)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE events SET evidence = $1 WHERE event_key = $2`, merged, eventKey); err != nil {
		return fmt.Errorf("failed to update event evidence: %w", err)
	}
	return tx.Commit()
}

func mergeEvidenceJSON(existing json.RawMessage, section string, patch json.RawMessage) (json.RawMessage, error) {
	evidence := map[string]interface{}{}
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &evidence); err != nil {
			return nil, fmt.Errorf("failed to parse existing evidence: %w", err)
		}
	}
	var patchVal interface{}
	if err := json.Unmarshal(patch, &patchVal); err != nil {
		return nil, fmt.Errorf("failed to parse evidence patch: %w", err)
	}

	switch cur := evidence[section].(type) {
	case map[string]interface{}:
		if patchMap, ok := patchVal.(map[string]interface{}); ok {
			for k, v := range patchMap {
				cur[k] = v
			}
			evidence[section] = cur
		} else {
			evidence[section] = patchVal
		}
	case []interface{}:
		if patchList, ok := patchVal.([]interface{}); ok {
			evidence[section] = append(cur, patchList...)
		} else {
			evidence[section] = append(cur, patchVal)
		}
	default:
		evidence[section] = patchVal
	}

	out, err := json.Marshal(evidence)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal merged evidence: %w", err)
	}
	return out, nil
}
