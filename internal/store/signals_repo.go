package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// SignalsRepo persists per-event enrichment snapshots.
type SignalsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Upsert inserts or refreshes a signal row. On conflict only the
// refinement-owned columns are rewritten: state transitions go through
// UpdateStateCAS, and the enrichment columns belong to the scanners and
// the verifier. Identifiers fill in when first discovered but never
// revert to NULL.
func (r *SignalsRepo) Upsert(ctx context.Context, sig *Signal) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO signals
		(event_key, type, market_type, state, goplus_risk, buy_tax, sell_tax, lp_lock_days,
		 dex_liquidity, dex_volume_1h, heat_slope, onchain_asof_ts, onchain_confidence,
		 token_ca, symbol, updated_at, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW(), $16)
		ON CONFLICT (event_key) DO UPDATE SET
			heat_slope = EXCLUDED.heat_slope,
			token_ca = COALESCE(signals.token_ca, EXCLUDED.token_ca),
			symbol = COALESCE(signals.symbol, EXCLUDED.symbol),
			updated_at = NOW()`

	_, err := r.db.ExecContext(ctx, query,
		sig.EventKey, sig.Type, sig.MarketType, sig.State, sig.GoplusRisk,
		sig.BuyTax, sig.SellTax, sig.LPLockDays, sig.DexLiquidity, sig.DexVolume1H,
		sig.HeatSlope, sig.OnchainAsofTS, sig.OnchainConfidence,
		sig.TokenCA, sig.Symbol, sig.TS)
	if err != nil {
		return fmt.Errorf("failed to upsert signal: %w", err)
	}
	return nil
}

// Get fetches one signal by event key.
func (r *SignalsRepo) Get(ctx context.Context, eventKey string) (*Signal, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var sig Signal
	err := r.db.GetContext(ctx, &sig, `SELECT * FROM signals WHERE event_key = $1`, eventKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get signal: %w", err)
	}
	return &sig, nil
}

// ScanCandidates returns up to limit candidate signals older than delay,
// newest first.
func (r *SignalsRepo) ScanCandidates(ctx context.Context, delay time.Duration, limit int) ([]Signal, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []Signal
	err := r.db.SelectContext(ctx, &out, `
		SELECT * FROM signals
		WHERE state = $1 AND updated_at <= NOW() - ($2 * INTERVAL '1 second')
		ORDER BY updated_at DESC
		LIMIT $3`, StateCandidate, int(delay.Seconds()), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to scan candidates: %w", err)
	}
	return out, nil
}

// ScanByState returns up to limit signals in a given state, most recently
// updated first.
func (r *SignalsRepo) ScanByState(ctx context.Context, state string, limit int) ([]Signal, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []Signal
	err := r.db.SelectContext(ctx, &out, `
		SELECT * FROM signals WHERE state = $1 ORDER BY updated_at DESC LIMIT $2`,
		state, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to scan signals by state: %w", err)
	}
	return out, nil
}

// ScanMissing returns candidate signals lacking a given enrichment column,
// paged by limit. The column name is restricted to a known set.
func (r *SignalsRepo) ScanMissing(ctx context.Context, column string, limit int) ([]Signal, error) {
	allowed := map[string]bool{
		"goplus_risk": true, "dex_liquidity": true, "onchain_asof_ts": true,
	}
	if !allowed[column] {
		return nil, fmt.Errorf("unsupported scan column: %s", column)
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []Signal
	query := fmt.Sprintf(`
		SELECT * FROM signals
		WHERE state = $1 AND (%s IS NULL OR %s = 'unknown')
		ORDER BY updated_at ASC
		LIMIT $2`, column, column)
	if column != "goplus_risk" {
		query = fmt.Sprintf(`
		SELECT * FROM signals
		WHERE state = $1 AND %s IS NULL
		ORDER BY updated_at ASC
		LIMIT $2`, column)
	}
	err := r.db.SelectContext(ctx, &out, query, StateCandidate, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to scan signals: %w", err)
	}
	return out, nil
}

// UpdateSecurity writes the security-scan columns for one signal.
func (r *SignalsRepo) UpdateSecurity(ctx context.Context, eventKey, risk string, buyTax, sellTax, lpLockDays sql.NullFloat64) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		UPDATE signals
		SET goplus_risk = $1, buy_tax = $2, sell_tax = $3, lp_lock_days = $4, updated_at = NOW()
		WHERE event_key = $5`,
		risk, buyTax, sellTax, lpLockDays, eventKey)
	if err != nil {
		return fmt.Errorf("failed to update signal security fields: %w", err)
	}
	return nil
}

// UpdateMarket writes the market-scan columns for one signal.
func (r *SignalsRepo) UpdateMarket(ctx context.Context, eventKey string, liquidity, volume1h sql.NullFloat64) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		UPDATE signals
		SET dex_liquidity = $1, dex_volume_1h = $2, updated_at = NOW()
		WHERE event_key = $3`,
		liquidity, volume1h, eventKey)
	if err != nil {
		return fmt.Errorf("failed to update signal market fields: %w", err)
	}
	return nil
}

// UpdateStateCAS transitions state only when the observed state still
// matches. Returns false on CAS conflict (zero rows affected).
func (r *SignalsRepo) UpdateStateCAS(ctx context.Context, eventKey, observed, next string, confidence float64, asof sql.NullTime) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE signals
		SET state = $1, onchain_confidence = $2, onchain_asof_ts = $3, updated_at = NOW()
		WHERE event_key = $4 AND state = $5`,
		next, confidence, asof, eventKey, observed)
	if err != nil {
		return false, fmt.Errorf("failed to CAS signal state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// UpdateAttributes refreshes on-chain attributes without touching state.
func (r *SignalsRepo) UpdateAttributes(ctx context.Context, eventKey string, confidence float64, asof sql.NullTime) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		UPDATE signals
		SET onchain_confidence = $1, onchain_asof_ts = $2, updated_at = NOW()
		WHERE event_key = $3`,
		confidence, asof, eventKey)
	if err != nil {
		return fmt.Errorf("failed to update signal attributes: %w", err)
	}
	return nil
}

// InsertSignalEvent records one verifier verdict.
func (r *SignalsRepo) InsertSignalEvent(ctx context.Context, ev *SignalEvent) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO signal_events (event_key, from_state, to_state, decision, confidence, note)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.EventKey, ev.FromState, ev.ToState, ev.Decision, ev.Confidence, ev.Note)
	if err != nil {
		return fmt.Errorf("failed to insert signal event: %w", err)
	}
	return nil
}
