package verify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chainpulse/chainpulse/internal/config"
	"github.com/chainpulse/chainpulse/internal/kv"
	"github.com/chainpulse/chainpulse/internal/logging"
	"github.com/chainpulse/chainpulse/internal/providers"
	"github.com/chainpulse/chainpulse/internal/store"
	"github.com/chainpulse/chainpulse/internal/telemetry"
)

// failCounterTTL bounds the per-key lock failure counter.
const failCounterTTL = 60 * time.Second

// Config holds verifier settings, all env-tunable.
type Config struct {
	Env               string
	RulesOn           bool
	LockEnabled       bool
	CASEnabled        bool
	VerificationDelay time.Duration
	ScanLimit         int
	WindowMinutes     int
	Chain             string
	DowngradeState    string // rejected or downgraded
	CooldownFails     int
	CooldownTTL       time.Duration
	Lock              kv.LockConfig
}

// ConfigFromEnv reads the closed set of ONCHAIN_* variables.
func ConfigFromEnv() Config {
	lock := kv.DefaultLockConfig()
	lock.TTL = time.Duration(envInt("ONCHAIN_LOCK_TTL_SEC", 60)) * time.Second
	lock.MaxRetry = envInt("ONCHAIN_LOCK_MAX_RETRY", 0)
	lock.BackoffMinMS = envInt("ONCHAIN_LOCK_BACKOFF_MS_MIN", 20)
	lock.BackoffMaxMS = envInt("ONCHAIN_LOCK_BACKOFF_MS_MAX", 40)

	downgrade := store.StateRejected
	if envStr("ONCHAIN_DOWNGRADE_STATE", "rejected") == "downgraded" {
		downgrade = store.StateDowngraded
	}
	return Config{
		Env:               envStr("APP_ENV", "prod"),
		RulesOn:           envStr("ONCHAIN_RULES", "on") == "on",
		LockEnabled:       envStr("ONCHAIN_LOCK_ENABLE", "on") != "off",
		CASEnabled:        envStr("ONCHAIN_CAS_ENABLE", "on") != "off",
		VerificationDelay: time.Duration(envInt("ONCHAIN_VERIFICATION_DELAY_SEC", 180)) * time.Second,
		ScanLimit:         envInt("ONCHAIN_SCAN_LIMIT", 50),
		WindowMinutes:     envInt("ONCHAIN_WINDOW_MINUTES", 60),
		Chain:             envStr("SCAN_CHAIN", "eth"),
		DowngradeState:    downgrade,
		CooldownFails:     envInt("ONCHAIN_COOLDOWN_FAILS", 3),
		CooldownTTL:       time.Duration(envInt("ONCHAIN_COOLDOWN_TTL_SEC", 45)) * time.Second,
		Lock:              lock,
	}
}

// Verifier runs the verification scan.
type Verifier struct {
	cfg     Config
	st      *store.Store
	kv      *kv.Store
	onchain *providers.OnchainProvider
	reg     *config.Registry
	metrics *telemetry.Registry
}

// New wires the verifier.
func New(cfg Config, st *store.Store, kvStore *kv.Store, onchain *providers.OnchainProvider, reg *config.Registry, metrics *telemetry.Registry) *Verifier {
	return &Verifier{cfg: cfg, st: st, kv: kvStore, onchain: onchain, reg: reg, metrics: metrics}
}

// Stats summarizes one verification pass.
type Stats struct {
	Scanned    int
	Upgraded   int
	Downgraded int
	Held       int
	Skipped    int
}

// Run scans candidates older than the verification delay and applies one
// verdict per candidate.
func (v *Verifier) Run(ctx context.Context) (Stats, error) {
	var stats Stats
	candidates, err := v.st.Signals.ScanCandidates(ctx, v.cfg.VerificationDelay, v.cfg.ScanLimit)
	if err != nil {
		return stats, fmt.Errorf("scan candidates: %w", err)
	}

	for _, sig := range candidates {
		stats.Scanned++
		outcome := v.verifyOne(ctx, &sig)
		switch outcome {
		case store.StateVerified:
			stats.Upgraded++
		case store.StateRejected, store.StateDowngraded:
			stats.Downgraded++
		case store.StateCandidate:
			stats.Held++
		default:
			stats.Skipped++
		}
	}
	return stats, nil
}

// verifyOne returns the resulting state, or empty when the candidate was
// skipped (cooldown, lock contention, CAS conflict, missing identifier).
func (v *Verifier) verifyOne(ctx context.Context, sig *store.Signal) string {
	processStart := time.Now()
	defer func() {
		v.metrics.OnchainProcessMS.Observe(float64(time.Since(processStart).Milliseconds()))
	}()
	logger := logging.For(ctx, "verify")

	if !sig.TokenCA.Valid || sig.TokenCA.String == "" {
		return ""
	}

	cooldownKey := "cooldown:" + sig.EventKey
	if _, onCooldown := v.kv.Get(ctx, cooldownKey); onCooldown {
		v.metrics.OnchainCooldownHitTotal.Inc()
		return ""
	}

	// Feature fetch stays outside the lock to keep hold time short.
	res := v.onchain.Features(ctx, v.cfg.Chain, sig.TokenCA.String, v.cfg.WindowMinutes)
	verdict := Evaluate(res, v.reg)

	if !v.cfg.LockEnabled {
		return v.applyVerdict(ctx, sig, res, verdict)
	}

	lockKey := fmt.Sprintf("lock:%s:onchain:signal:%s", v.cfg.Env, sig.EventKey)
	lock, err := v.kv.AcquireLock(ctx, lockKey, v.cfg.Lock)
	if err != nil {
		v.metrics.OnchainLockAcquireTotal.WithLabelValues("error").Inc()
		logger.Warn().Str("event_key", sig.EventKey).Err(err).Msg("lock acquire errored")
		return ""
	}
	if lock == nil {
		v.metrics.OnchainLockAcquireTotal.WithLabelValues("fail").Inc()
		v.noteLockFailure(ctx, sig.EventKey, cooldownKey)
		return ""
	}
	v.metrics.OnchainLockAcquireTotal.WithLabelValues("ok").Inc()
	v.metrics.OnchainLockWaitMS.Observe(float64(lock.Wait.Milliseconds()))

	holdStart := time.Now()
	result := v.applyVerdict(ctx, sig, res, verdict)
	v.metrics.OnchainLockHoldMS.Observe(float64(time.Since(holdStart).Milliseconds()))

	status := lock.Release(ctx)
	v.metrics.OnchainLockReleaseTotal.WithLabelValues(string(status)).Inc()
	if status != kv.ReleaseOK {
		logger.Warn().Str("event_key", sig.EventKey).Str("status", string(status)).Msg("unclean lock release")
	}
	return result
}

// noteLockFailure counts consecutive acquisition failures per key and sets
// the cooldown once the budget is exhausted.
func (v *Verifier) noteLockFailure(ctx context.Context, eventKey, cooldownKey string) {
	n, err := v.kv.Incr(ctx, "lockfail:"+eventKey, failCounterTTL)
	if err != nil {
		return
	}
	if int(n) >= v.cfg.CooldownFails {
		_ = v.kv.Set(ctx, cooldownKey, "1", v.cfg.CooldownTTL)
		_ = v.kv.Del(ctx, "lockfail:"+eventKey)
	}
}

// applyVerdict performs the CAS transition and audit row under the lock.
func (v *Verifier) applyVerdict(ctx context.Context, sig *store.Signal, res *providers.Result, verdict Verdict) string {
	logger := logging.For(ctx, "verify")
	asof := featureAsof(res)

	next := store.StateCandidate
	switch verdict.Decision {
	case DecisionUpgrade:
		next = store.StateVerified
	case DecisionDowngrade:
		next = v.cfg.DowngradeState
	}

	transition := next != store.StateCandidate && v.cfg.RulesOn && v.cfg.CASEnabled
	if !transition {
		// Attribute-only update; no state change when rules are off or
		// the verdict holds.
		if err := v.st.Signals.UpdateAttributes(ctx, sig.EventKey, verdict.Confidence, asof); err != nil {
			logger.Warn().Str("event_key", sig.EventKey).Err(err).Msg("attribute update failed")
			return ""
		}
		v.audit(ctx, sig.EventKey, sig.State, sig.State, verdict)
		return store.StateCandidate
	}

	ok, err := v.st.Signals.UpdateStateCAS(ctx, sig.EventKey, sig.State, next, verdict.Confidence, asof)
	if err != nil {
		logger.Warn().Str("event_key", sig.EventKey).Err(err).Msg("state update failed")
		return ""
	}
	if !ok {
		v.metrics.OnchainCASConflictTotal.Inc()
		logger.Info().Str("event_key", sig.EventKey).Str("observed", sig.State).
			Str("next", next).Msg("state CAS conflict, skipping")
		return ""
	}
	v.audit(ctx, sig.EventKey, sig.State, next, verdict)
	logger.Info().Str("event_key", sig.EventKey).Str("decision", verdict.Decision).
		Str("state", next).Float64("confidence", verdict.Confidence).Msg("signal state transitioned")
	return next
}

func (v *Verifier) audit(ctx context.Context, eventKey, from, to string, verdict Verdict) {
	err := v.st.Signals.InsertSignalEvent(ctx, &store.SignalEvent{
		EventKey:   eventKey,
		FromState:  from,
		ToState:    to,
		Decision:   verdict.Decision,
		Confidence: verdict.Confidence,
		Note:       verdict.Note,
	})
	if err != nil {
		lg := logging.For(ctx, "verify")
		lg.Warn().Str("event_key", eventKey).Err(err).Msg("audit row insert failed")
	}
}

func featureAsof(res *providers.Result) sql.NullTime {
	if res == nil || len(res.Payload) == 0 {
		return sql.NullTime{}
	}
	var f providers.OnchainFeatures
	if err := json.Unmarshal(res.Payload, &f); err != nil || f.AsofTS.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: f.AsofTS, Valid: true}
}

func envStr(name, def string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
