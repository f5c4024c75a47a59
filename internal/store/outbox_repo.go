package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// OutboxRepo is the durable queue decoupling card assembly from delivery.
type OutboxRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Enqueue inserts a pending entry and returns its row id.
func (r *OutboxRepo) Enqueue(ctx context.Context, channelID string, threadID sql.NullString, eventKey string, payload json.RawMessage) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var id int64
	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO push_outbox (channel_id, thread_id, event_key, payload, status, attempt)
		VALUES ($1, $2, $3, $4, $5, 0)
		RETURNING id`,
		channelID, threadID, eventKey, payload, OutboxPending).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue outbox entry: %w", err)
	}
	return id, nil
}

// claimLease bounds how long a claimed row stays invisible to other
// workers. A dispatcher that dies mid-send forfeits its claim when the
// lease expires.
const claimLease = 2 * time.Minute

// DequeueBatch atomically claims up to limit dispatchable rows by moving
// them to sending under a lease. Claiming in the same statement as the
// SKIP LOCKED select keeps the row locks alive until the claim is
// written, so no two workers pick the same row. Lease-expired sending
// rows are reclaimed like any other dispatchable row.
func (r *OutboxRepo) DequeueBatch(ctx context.Context, limit int) ([]OutboxEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []OutboxEntry
	err := r.db.SelectContext(ctx, &out, `
		WITH picked AS (
			SELECT id FROM push_outbox
			WHERE status IN ($1, $2, $3)
			  AND (next_try_at IS NULL OR next_try_at <= NOW())
			ORDER BY next_try_at ASC NULLS FIRST, created_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		), claimed AS (
			UPDATE push_outbox o
			SET status = $3, next_try_at = NOW() + ($5 * INTERVAL '1 second'), updated_at = NOW()
			FROM picked
			WHERE o.id = picked.id
			RETURNING o.*
		)
		SELECT * FROM claimed ORDER BY created_at ASC, id ASC`,
		OutboxPending, OutboxRetry, OutboxSending, limit, int(claimLease.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue outbox batch: %w", err)
	}
	return out, nil
}

// Release returns a claimed row to its dispatchable state without
// consuming an attempt; used when a pass gives up before sending.
func (r *OutboxRepo) Release(ctx context.Context, id int64) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		UPDATE push_outbox
		SET status = CASE WHEN attempt > 0 THEN $1 ELSE $2 END, next_try_at = NULL, updated_at = NOW()
		WHERE id = $3 AND status = $4`,
		OutboxRetry, OutboxPending, id, OutboxSending)
	if err != nil {
		return fmt.Errorf("failed to release outbox claim: %w", err)
	}
	return nil
}

// MarkDone finalizes a delivered entry.
func (r *OutboxRepo) MarkDone(ctx context.Context, id int64) error {
	return r.setStatus(ctx, id, `
		UPDATE push_outbox SET status = $1, next_try_at = NULL, last_error = NULL, updated_at = NOW()
		WHERE id = $2`, OutboxDone)
}

// MarkRetry schedules another attempt. Attempt increases monotonically.
func (r *OutboxRepo) MarkRetry(ctx context.Context, id int64, nextTry time.Time, lastError string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		UPDATE push_outbox
		SET status = $1, attempt = attempt + 1, next_try_at = $2, last_error = $3, updated_at = NOW()
		WHERE id = $4`,
		OutboxRetry, nextTry, lastError, id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox retry: %w", err)
	}
	return nil
}

// MoveToDLQ routes a permanently failed entry to the dead-letter queue,
// snapshotting its payload.
func (r *OutboxRepo) MoveToDLQ(ctx context.Context, id int64, lastError string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var payload json.RawMessage
	if err := tx.GetContext(ctx, &payload,
		`SELECT payload FROM push_outbox WHERE id = $1 FOR UPDATE`, id); err != nil {
		return fmt.Errorf("failed to snapshot outbox payload: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE push_outbox
		SET status = $1, attempt = attempt + 1, next_try_at = NULL, last_error = $2, updated_at = NOW()
		WHERE id = $3`, OutboxDLQ, lastError, id); err != nil {
		return fmt.Errorf("failed to mark outbox dlq: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO dlq_snapshots (ref_id, snapshot, failed_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (ref_id) DO UPDATE SET snapshot = EXCLUDED.snapshot, failed_at = EXCLUDED.failed_at`,
		id, payload); err != nil {
		return fmt.Errorf("failed to insert dlq snapshot: %w", err)
	}
	return tx.Commit()
}

// Backlog counts rows in a dispatchable state.
func (r *OutboxRepo) Backlog(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var n int
	err := r.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM push_outbox WHERE status IN ($1, $2)`, OutboxPending, OutboxRetry)
	if err != nil {
		return 0, fmt.Errorf("failed to count outbox backlog: %w", err)
	}
	return n, nil
}

func (r *OutboxRepo) setStatus(ctx context.Context, id int64, query, status string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, query, status, id)
	if err != nil {
		return fmt.Errorf("failed to update outbox status: %w", err)
	}
	return nil
}
