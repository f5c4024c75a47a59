package kv

import (
	"context"
	"errors"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Config holds connection settings for the shared KV store.
type Config struct {
	URL            string        `yaml:"url" env:"REDIS_URL"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	SocketTimeout  time.Duration `yaml:"socket_timeout"`
}

// DefaultConfig returns the default KV timeouts.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 1000 * time.Millisecond,
		SocketTimeout:  2000 * time.Millisecond,
	}
}

// Store wraps a Redis client with per-operation timeouts and a best-effort
// in-process fallback for dedup marks when Redis is unreachable.
type Store struct {
	client *redis.Client
	cfg    Config

	mu       sync.Mutex
	fallback map[string]fallbackEntry
}

type fallbackEntry struct {
	val string
	exp time.Time
}

// ErrUnavailable is returned when the KV store cannot serve a critical
// operation. Non-critical callers degrade to the in-process fallback.
var ErrUnavailable = errors.New("kv: unavailable")

// New creates a Store from config. An empty URL yields a fallback-only store.
func New(cfg Config) (*Store, error) {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConfig().ConnectTimeout
	}
	if cfg.SocketTimeout == 0 {
		cfg.SocketTimeout = DefaultConfig().SocketTimeout
	}
	s := &Store{cfg: cfg, fallback: make(map[string]fallbackEntry)}
	if cfg.URL == "" {
		return s, nil
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	opts.DialTimeout = cfg.ConnectTimeout
	opts.ReadTimeout = cfg.SocketTimeout
	opts.WriteTimeout = cfg.SocketTimeout
	s.client = redis.NewClient(opts)
	return s, nil
}

// NewFromClient wraps an existing client; used by tests with miniredis.
func NewFromClient(client *redis.Client) *Store {
	return &Store{client: client, cfg: DefaultConfig(), fallback: make(map[string]fallbackEntry)}
}

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.SocketTimeout)
}

// Available reports whether a Redis backend is configured and reachable.
func (s *Store) Available(ctx context.Context) bool {
	if s.client == nil {
		return false
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.client.Ping(ctx).Err() == nil
}

// Get returns the value for key, or ("", false) on miss or error.
func (s *Store) Get(ctx context.Context, key string) (string, bool) {
	if s.client == nil {
		return s.fallbackGet(key)
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	v, err := s.client.Get(ctx, key).Result()
	if err != nil {
		return "", false
	}
	return v, true
}

// Set stores key with a TTL (0 means no expiry).
func (s *Store) Set(ctx context.Context, key, val string, ttl time.Duration) error {
	if s.client == nil {
		s.fallbackSet(key, val, ttl)
		return nil
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.client.Set(ctx, key, val, ttl).Err()
}

// SetNX performs SET key val NX EX ttl and reports whether the key was set.
func (s *Store) SetNX(ctx context.Context, key, val string, ttl time.Duration) (bool, error) {
	if s.client == nil {
		return s.fallbackSetNX(key, val, ttl), nil
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	ok, err := s.client.SetNX(ctx, key, val, ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Del removes keys.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	if s.client == nil {
		s.mu.Lock()
		for _, k := range keys {
			delete(s.fallback, k)
		}
		s.mu.Unlock()
		return nil
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.client.Del(ctx, keys...).Err()
}

// Incr increments key and refreshes its TTL when ttl > 0. Returns the new
// counter value.
func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if s.client == nil {
		return 0, ErrUnavailable
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// MGet returns values for keys; misses are empty strings.
func (s *Store) MGet(ctx context.Context, keys ...string) ([]string, error) {
	if s.client == nil {
		out := make([]string, len(keys))
		for i, k := range keys {
			out[i], _ = s.fallbackGet(k)
		}
		return out, nil
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]string, len(vals))
	for i, v := range vals {
		if str, ok := v.(string); ok {
			out[i] = str
		}
	}
	return out, nil
}

// ZAdd adds a scored member to a sorted set.
func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if s.client == nil {
		return ErrUnavailable
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

// ZCount counts members with scores in [min, max].
func (s *Store) ZCount(ctx context.Context, key, min, max string) (int64, error) {
	if s.client == nil {
		return 0, ErrUnavailable
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.client.ZCount(ctx, key, min, max).Result()
}

// ZRemRangeByScore trims members with scores in [min, max].
func (s *Store) ZRemRangeByScore(ctx context.Context, key, min, max string) error {
	if s.client == nil {
		return ErrUnavailable
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.client.ZRemRangeByScore(ctx, key, min, max).Err()
}

// Expire sets a TTL on an existing key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if s.client == nil {
		return ErrUnavailable
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.client.Expire(ctx, key, ttl).Err()
}

// Eval runs a Lua script with keys and args.
func (s *Store) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	if s.client == nil {
		return nil, ErrUnavailable
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.client.Eval(ctx, script, keys, args...).Result()
}

// In-process fallback. Only dedup-style marks use it; counters, sorted sets
// and locks require a live Redis.

func (s *Store) fallbackGet(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.fallback[key]
	if !ok || (!e.exp.IsZero() && time.Now().After(e.exp)) {
		delete(s.fallback, key)
		return "", false
	}
	return e.val, true
}

func (s *Store) fallbackSet(key, val string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := fallbackEntry{val: val}
	if ttl > 0 {
		e.exp = time.Now().Add(ttl)
	}
	s.fallback[key] = e
}

func (s *Store) fallbackSetNX(key, val string, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.fallback[key]; ok && (e.exp.IsZero() || time.Now().Before(e.exp)) {
		return false
	}
	e := fallbackEntry{val: val}
	if ttl > 0 {
		e.exp = time.Now().Add(ttl)
	}
	s.fallback[key] = e
	return true
}
