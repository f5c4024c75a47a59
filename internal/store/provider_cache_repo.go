package store

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// CacheState classifies a relational cache read.
type CacheState string

const (
	CacheFresh  CacheState = "fresh"
	CacheStale  CacheState = "stale"
	CacheAbsent CacheState = "absent"
)

// ProviderCacheRepo is the durable tier of the provider response cache.
type ProviderCacheRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Put writes through a provider response keyed by (endpoint, chain, key).
func (r *ProviderCacheRepo) Put(ctx context.Context, endpoint, chain, key string, payload json.RawMessage, status string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	sum := sha1.Sum(payload)
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO provider_cache (endpoint, chain, key, payload, status, fetched_at, expires_at, payload_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (endpoint, chain, key) DO UPDATE SET
			payload = EXCLUDED.payload,
			status = EXCLUDED.status,
			fetched_at = EXCLUDED.fetched_at,
			expires_at = EXCLUDED.expires_at,
			payload_hash = EXCLUDED.payload_hash`,
		endpoint, chain, key, payload, status, now, now.Add(ttl), hex.EncodeToString(sum[:]))
	if err != nil {
		return fmt.Errorf("failed to write provider cache: %w", err)
	}
	return nil
}

// Get reads a cached response. Entries past expires_at but within staleMax
// come back CacheStale; older entries are treated as absent.
func (r *ProviderCacheRepo) Get(ctx context.Context, endpoint, chain, key string, staleMax time.Duration) (json.RawMessage, CacheState, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var entry ProviderCacheEntry
	err := r.db.GetContext(ctx, &entry, `
		SELECT * FROM provider_cache WHERE endpoint = $1 AND chain = $2 AND key = $3`,
		endpoint, chain, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, CacheAbsent, nil
		}
		return nil, CacheAbsent, fmt.Errorf("failed to read provider cache: %w", err)
	}
	now := time.Now().UTC()
	switch {
	case now.Before(entry.ExpiresAt):
		return entry.Payload, CacheFresh, nil
	case now.Before(entry.ExpiresAt.Add(staleMax)):
		return entry.Payload, CacheStale, nil
	default:
		return nil, CacheAbsent, nil
	}
}
