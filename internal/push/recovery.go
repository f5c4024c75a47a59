package push

import (
	"context"
	"time"

	"github.com/chainpulse/chainpulse/internal/logging"
	"github.com/chainpulse/chainpulse/internal/store"
	"github.com/chainpulse/chainpulse/internal/telemetry"
)

// DefaultRecoveryMaxAge bounds how old a DLQ row may be and still recover.
const DefaultRecoveryMaxAge = 24 * time.Hour

// Recovery re-queues recent DLQ rows and discards expired ones.
type Recovery struct {
	st      *store.Store
	metrics *telemetry.Registry
	maxAge  time.Duration
}

// NewRecovery wires the job. maxAge <= 0 uses the default window.
func NewRecovery(st *store.Store, metrics *telemetry.Registry, maxAge time.Duration) *Recovery {
	if maxAge <= 0 {
		maxAge = DefaultRecoveryMaxAge
	}
	return &Recovery{st: st, metrics: metrics, maxAge: maxAge}
}

// RunOnce executes one recovery pass.
func (r *Recovery) RunOnce(ctx context.Context) (store.RecoverStats, error) {
	stats, err := r.st.DLQ.Recover(ctx, r.maxAge)
	if err != nil {
		return stats, err
	}
	r.metrics.DLQRecoveredCount.Add(float64(stats.Recovered))
	r.metrics.DLQDiscardedCount.Add(float64(stats.Discarded))
	if stats.Recovered > 0 || stats.Discarded > 0 || stats.Dropped > 0 {
		lg := logging.For(ctx, "push")
		lg.Info().
			Int("recovered", stats.Recovered).
			Int("discarded", stats.Discarded).
			Int("dropped", stats.Dropped).
			Msg("dlq recovery pass complete")
	}
	return stats, nil
}
