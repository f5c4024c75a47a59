package push

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chainpulse/chainpulse/internal/cards"
	"github.com/chainpulse/chainpulse/internal/kv"
	"github.com/chainpulse/chainpulse/internal/logging"
	"github.com/chainpulse/chainpulse/internal/store"
)

// producedTTL keeps the per-event production mark around long enough to
// outlive the dispatcher's idempotency window.
const producedTTL = 14 * 24 * time.Hour

// Producer builds cards for newly verified signals and enqueues them.
type Producer struct {
	st        *store.Store
	kv        *kv.Store
	builder   *cards.Builder
	channelID string
	limit     int
}

// NewProducer wires the producer.
func NewProducer(st *store.Store, kvStore *kv.Store, builder *cards.Builder, channelID string, limit int) *Producer {
	if limit <= 0 {
		limit = 20
	}
	return &Producer{st: st, kv: kvStore, builder: builder, channelID: channelID, limit: limit}
}

// RunOnce enqueues cards for verified signals that have not been produced
// yet. Build failures skip the signal and leave it for the next pass.
func (p *Producer) RunOnce(ctx context.Context) (int, error) {
	logger := logging.For(ctx, "push")
	signals, err := p.st.Signals.ScanByState(ctx, store.StateVerified, p.limit)
	if err != nil {
		return 0, fmt.Errorf("scan verified signals: %w", err)
	}

	produced := 0
	for _, sig := range signals {
		mark := "cardprod:" + sig.EventKey
		fresh, err := p.kv.SetNX(ctx, mark, "1", producedTTL)
		if err == nil && !fresh {
			continue
		}

		card, err := p.builder.Build(ctx, sig.EventKey, true)
		if err != nil {
			// Unusable events stay marked; transient failures get retried.
			if !errors.Is(err, cards.ErrNoUsableSources) && !errors.Is(err, cards.ErrInvalidEventKey) {
				_ = p.kv.Del(ctx, mark)
			}
			logger.Warn().Str("event_key", sig.EventKey).Err(err).Msg("card build failed")
			continue
		}
		payload, err := json.Marshal(card)
		if err != nil {
			_ = p.kv.Del(ctx, mark)
			continue
		}
		if _, err := p.st.Outbox.Enqueue(ctx, p.channelID, sql.NullString{}, sig.EventKey, payload); err != nil {
			_ = p.kv.Del(ctx, mark)
			logger.Warn().Str("event_key", sig.EventKey).Err(err).Msg("card enqueue failed")
			continue
		}
		produced++
	}
	return produced, nil
}
