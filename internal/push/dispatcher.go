package push

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/chainpulse/chainpulse/internal/kv"
	"github.com/chainpulse/chainpulse/internal/logging"
	"github.com/chainpulse/chainpulse/internal/store"
	"github.com/chainpulse/chainpulse/internal/telemetry"
)

// Dispatcher tunables.
const (
	DispatchInterval = 20 * time.Second
	BatchLimit       = 50
	IdempotencyTTL   = 14 * 24 * time.Hour
	MaxBackoff       = 600 * time.Second

	rateLimitWait = time.Second
	rateLimitStep = 50 * time.Millisecond
)

// Config holds dispatcher settings.
type Config struct {
	ChannelID   string
	TemplateV   string
	RatePerSec  int
	SnapshotDir string
}

// Dispatcher drains the outbox into the messaging channel.
type Dispatcher struct {
	cfg     Config
	st      *store.Store
	kv      *kv.Store
	client  Messenger
	limiter *kv.WindowLimiter
	metrics *telemetry.Registry
}

// NewDispatcher wires the dispatcher.
func NewDispatcher(cfg Config, st *store.Store, kvStore *kv.Store, client Messenger, metrics *telemetry.Registry) *Dispatcher {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.TemplateV == "" {
		cfg.TemplateV = "1"
	}
	return &Dispatcher{
		cfg:     cfg,
		st:      st,
		kv:      kvStore,
		client:  client,
		limiter: kv.NewWindowLimiter(kvStore, cfg.RatePerSec, time.Second),
		metrics: metrics,
	}
}

// Stats summarizes one dispatch pass.
type Stats struct {
	Dequeued  int
	Sent      int
	Retried   int
	DLQ       int
	Deduped   int
	RateWaits int
}

// RunOnce drains one batch. Rows skipped on rate-limit exhaustion are
// released back to the queue; claims orphaned by a crash expire with
// their lease.
func (d *Dispatcher) RunOnce(ctx context.Context) (Stats, error) {
	var stats Stats
	batch, err := d.st.Outbox.DequeueBatch(ctx, BatchLimit)
	if err != nil {
		return stats, fmt.Errorf("dequeue outbox batch: %w", err)
	}
	stats.Dequeued = len(batch)

	for idx, entry := range batch {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		default:
		}
		d.dispatchOne(ctx, &entry, idx, &stats)
	}

	if backlog, err := d.st.Outbox.Backlog(ctx); err == nil {
		d.metrics.OutboxBacklog.Set(float64(backlog))
	}
	return stats, nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, entry *store.OutboxEntry, idx int, stats *Stats) {
	logger := logging.For(ctx, "push")

	// Per-channel and global sliding windows; spin-wait up to one second.
	if !d.limiter.WaitAllow(ctx, "tg:"+entry.ChannelID, rateLimitWait, rateLimitStep) ||
		!d.limiter.WaitAllow(ctx, "tg:global", rateLimitWait, rateLimitStep) {
		stats.RateWaits++
		if err := d.st.Outbox.Release(ctx, entry.ID); err != nil {
			logger.Warn().Int64("outbox_id", entry.ID).Err(err).Msg("claim release failed")
		}
		return
	}

	// Idempotency: a key that already exists means a prior worker sent it.
	idemKey := idempotencyKey(entry.EventKey, entry.ChannelID, d.cfg.TemplateV)
	fresh, err := d.kv.SetNX(ctx, idemKey, "1", IdempotencyTTL)
	if err == nil && !fresh {
		stats.Deduped++
		if err := d.st.Outbox.MarkDone(ctx, entry.ID); err != nil {
			logger.Warn().Int64("outbox_id", entry.ID).Err(err).Msg("mark done failed")
		}
		return
	}

	start := time.Now()
	res := d.client.SendMessage(ctx, entry.ChannelID, messageText(entry.Payload))
	d.metrics.TelegramSendLatency.Observe(float64(time.Since(start).Milliseconds()))

	switch outcome := classify(res); outcome {
	case outcomeOK:
		d.metrics.TelegramSendTotal.WithLabelValues("ok", codeClass(res)).Inc()
		if err := d.st.Outbox.MarkDone(ctx, entry.ID); err != nil {
			logger.Warn().Int64("outbox_id", entry.ID).Err(err).Msg("mark done failed")
		}
		stats.Sent++

	case outcomeDLQ:
		d.metrics.TelegramSendTotal.WithLabelValues("err", codeClass(res)).Inc()
		d.metrics.CardsPushFailTotal.WithLabelValues(codeClass(res)).Inc()
		if err := d.st.Outbox.MoveToDLQ(ctx, entry.ID, res.Error); err != nil {
			logger.Warn().Int64("outbox_id", entry.ID).Err(err).Msg("move to dlq failed")
		}
		d.writeSnapshot(ctx, entry, idx)
		// The idempotency key must not survive a failed send.
		_ = d.kv.Del(ctx, idemKey)
		stats.DLQ++

	default:
		d.metrics.TelegramSendTotal.WithLabelValues("err", codeClass(res)).Inc()
		d.metrics.TelegramRetryTotal.Inc()
		nextTry := time.Now().Add(retryDelay(res, entry.Attempt))
		if err := d.st.Outbox.MarkRetry(ctx, entry.ID, nextTry, res.Error); err != nil {
			logger.Warn().Int64("outbox_id", entry.ID).Err(err).Msg("mark retry failed")
		}
		d.writeSnapshot(ctx, entry, idx)
		_ = d.kv.Del(ctx, idemKey)
		stats.Retried++
	}
}

type outcome int

const (
	outcomeOK outcome = iota
	outcomeRetry
	outcomeDLQ
)

// classify folds a send result into done/retry/dlq. Unknown failures are
// retried; only non-429 4xx responses are permanent.
func classify(res SendResult) outcome {
	switch {
	case res.OK:
		return outcomeOK
	case res.StatusCode == 429:
		return outcomeRetry
	case res.StatusCode >= 500:
		return outcomeRetry
	case res.StatusCode >= 400:
		return outcomeDLQ
	default:
		// Network error, timeout or unparseable response.
		return outcomeRetry
	}
}

// retryDelay applies the backoff policy: honored Retry-After for 429,
// otherwise capped exponential with jitter.
func retryDelay(res SendResult, attempt int) time.Duration {
	if res.StatusCode == 429 {
		if res.RetryAfter > 0 {
			return res.RetryAfter
		}
		return time.Duration(3000+rand.Intn(2000)) * time.Millisecond
	}
	backoff := time.Duration(1<<uint(attempt)) * 2 * time.Second
	if backoff > MaxBackoff || backoff <= 0 {
		backoff = MaxBackoff
	}
	jitter := 0.7 + rand.Float64()*0.6
	return time.Duration(float64(backoff) * jitter)
}

// codeClass buckets a status code for the metric labels.
func codeClass(res SendResult) string {
	switch {
	case res.StatusCode == 429:
		return "429"
	case res.StatusCode >= 500:
		return "5xx"
	case res.StatusCode >= 400:
		return "4xx"
	case res.StatusCode == 0:
		return "network"
	default:
		return "2xx"
	}
}

// messageText prefers the card's rendered Telegram text; a payload that is
// not a card (or lacks a rendering) goes out verbatim.
func messageText(payload []byte) string {
	var card struct {
		Summary  string `json:"summary"`
		Rendered *struct {
			TelegramText string `json:"telegram_text"`
		} `json:"rendered"`
	}
	if err := json.Unmarshal(payload, &card); err == nil {
		if card.Rendered != nil && card.Rendered.TelegramText != "" {
			return card.Rendered.TelegramText
		}
		if card.Summary != "" {
			return card.Summary
		}
	}
	return string(payload)
}

func idempotencyKey(eventKey, channelID, templateV string) string {
	sum := sha1.Sum([]byte(fmt.Sprintf("%s|%s|%s", eventKey, channelID, templateV)))
	return "cards:idemp:" + hex.EncodeToString(sum[:])
}

// writeSnapshot dumps the payload next to the error for postmortems. The
// filename is <ts>_<event[:16]>_<idx>_<trace[:8]>.json.
func (d *Dispatcher) writeSnapshot(ctx context.Context, entry *store.OutboxEntry, idx int) {
	if d.cfg.SnapshotDir == "" {
		return
	}
	event := entry.EventKey
	if len(event) > 16 {
		event = event[:16]
	}
	trace := logging.TraceID(ctx)
	if len(trace) > 8 {
		trace = trace[:8]
	}
	name := fmt.Sprintf("%d_%s_%d_%s.json", time.Now().Unix(), event, idx, trace)
	path := filepath.Join(d.cfg.SnapshotDir, name)
	if err := os.WriteFile(path, entry.Payload, 0o644); err != nil {
		lg := logging.For(ctx, "push")
		lg.Warn().Str("path", path).Err(err).Msg("snapshot write failed")
	}
}

// Run loops RunOnce on the dispatch interval until the context ends.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(DispatchInterval)
	defer ticker.Stop()
	for {
		if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
			lg := logging.For(ctx, "push")
			lg.Warn().Err(err).Msg("dispatch pass failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
