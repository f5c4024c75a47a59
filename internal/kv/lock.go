package kv

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ReleaseStatus classifies the outcome of a lock release.
type ReleaseStatus string

const (
	ReleaseOK       ReleaseStatus = "ok"
	ReleaseMismatch ReleaseStatus = "mismatch"
	ReleaseExpired  ReleaseStatus = "expired"
	ReleaseError    ReleaseStatus = "error"
)

// compare-and-delete: only the token holder may remove the key.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
else
  return 0
end`

// LockConfig controls distributed lock acquisition.
type LockConfig struct {
	TTL          time.Duration
	MaxRetry     int
	BackoffMinMS int
	BackoffMaxMS int
}

// DefaultLockConfig returns the verifier defaults.
func DefaultLockConfig() LockConfig {
	return LockConfig{
		TTL:          60 * time.Second,
		MaxRetry:     0,
		BackoffMinMS: 20,
		BackoffMaxMS: 40,
	}
}

// Lock is a held distributed lock. Release must be called exactly once.
type Lock struct {
	store *Store
	Key   string
	Token string
	Wait  time.Duration
}

// SanitizeLockKey strips whitespace and control characters and bounds the
// key length: keys over 200 chars become 191 chars + ":" + sha1 prefix.
func SanitizeLockKey(key string) string {
	var b strings.Builder
	for _, r := range key {
		if r <= ' ' || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()
	if len(out) > 200 {
		sum := sha1.Sum([]byte(out))
		out = out[:191] + ":" + hex.EncodeToString(sum[:])[:8]
	}
	return out
}

// AcquireLock attempts SET key token NX EX ttl with a bounded retry budget.
// A nil Lock with nil error means the lock is held elsewhere; the caller
// must skip its critical section.
func (s *Store) AcquireLock(ctx context.Context, key string, cfg LockConfig) (*Lock, error) {
	if s.client == nil {
		// Never run a lock-protected section without a real lock.
		return nil, ErrUnavailable
	}
	key = SanitizeLockKey(key)
	token := uuid.New().String()
	token = strings.ReplaceAll(token, "-", "")

	start := time.Now()
	attempts := cfg.MaxRetry + 1
	for i := 0; i < attempts; i++ {
		ok, err := s.SetNX(ctx, key, token, cfg.TTL)
		if err != nil {
			return nil, fmt.Errorf("lock acquire %s: %w", key, err)
		}
		if ok {
			return &Lock{store: s, Key: key, Token: token, Wait: time.Since(start)}, nil
		}
		if i < attempts-1 {
			backoff := cfg.BackoffMinMS
			if cfg.BackoffMaxMS > cfg.BackoffMinMS {
				backoff += rand.Intn(cfg.BackoffMaxMS - cfg.BackoffMinMS)
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(backoff) * time.Millisecond):
			}
		}
	}
	return nil, nil
}

// Release removes the lock if this holder still owns it.
func (l *Lock) Release(ctx context.Context) ReleaseStatus {
	res, err := l.store.Eval(ctx, releaseScript, []string{l.Key}, l.Token)
	if err != nil {
		return ReleaseError
	}
	n, ok := res.(int64)
	if !ok {
		return ReleaseError
	}
	if n == 1 {
		return ReleaseOK
	}
	// Deleted zero keys: either the TTL expired or another holder owns it.
	if _, exists := l.store.Get(ctx, l.Key); exists {
		return ReleaseMismatch
	}
	return ReleaseExpired
}
