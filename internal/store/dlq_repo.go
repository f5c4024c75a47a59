package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// DLQRepo manages dead-letter snapshots and their recovery.
type DLQRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// RecoverStats summarizes one recovery pass.
type RecoverStats struct {
	Recovered int
	Discarded int
	Dropped   int
}

// Recover resets DLQ rows newer than maxAge back to retry with the
// snapshot payload restored; older rows are discarded. Snapshots whose
// outbox row already left the DLQ are dropped without touching the row.
func (r *DLQRepo) Recover(ctx context.Context, maxAge time.Duration) (RecoverStats, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var stats RecoverStats
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var snaps []DLQSnapshot
	if err := tx.SelectContext(ctx, &snaps,
		`SELECT * FROM dlq_snapshots ORDER BY failed_at ASC FOR UPDATE`); err != nil {
		return stats, fmt.Errorf("failed to list dlq snapshots: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	for _, snap := range snaps {
		if snap.FailedAt.Before(cutoff) {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM dlq_snapshots WHERE ref_id = $1`, snap.RefID); err != nil {
				return stats, fmt.Errorf("failed to discard dlq snapshot: %w", err)
			}
			stats.Discarded++
			continue
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE push_outbox
			SET status = $1, attempt = 0, next_try_at = NOW(), last_error = NULL,
			    payload = $2, updated_at = NOW()
			WHERE id = $3 AND status = $4`,
			OutboxRetry, snap.Snapshot, snap.RefID, OutboxDLQ)
		if err != nil {
			return stats, fmt.Errorf("failed to recover outbox row: %w", err)
		}
		n, _ := res.RowsAffected()
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM dlq_snapshots WHERE ref_id = $1`, snap.RefID); err != nil {
			return stats, fmt.Errorf("failed to delete dlq snapshot: %w", err)
		}
		if n == 1 {
			stats.Recovered++
		} else {
			// Row already moved out of DLQ; only the snapshot is dropped.
			stats.Dropped++
		}
	}
	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("failed to commit dlq recovery: %w", err)
	}
	return stats, nil
}
