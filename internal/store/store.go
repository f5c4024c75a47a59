package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// Config holds database connection configuration.
type Config struct {
	DSN             string        `yaml:"dsn" env:"POSTGRES_URL"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

// DefaultConfig returns reasonable defaults for database connections.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		QueryTimeout:    30 * time.Second,
	}
}

// Store bundles the database handle and repository instances.
type Store struct {
	DB            *sqlx.DB
	cfg           Config
	Posts         *PostsRepo
	Events        *EventsRepo
	Signals       *SignalsRepo
	ProviderCache *ProviderCacheRepo
	Outbox        *OutboxRepo
	DLQ           *DLQRepo
}

// Open connects to Postgres and wires the repositories.
func Open(cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}
	if cfg.QueryTimeout == 0 {
		cfg.QueryTimeout = DefaultConfig().QueryTimeout
	}
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return FromDB(db, cfg), nil
}

// FromDB wires repositories around an existing handle; used by tests.
func FromDB(db *sqlx.DB, cfg Config) *Store {
	if cfg.QueryTimeout == 0 {
		cfg.QueryTimeout = DefaultConfig().QueryTimeout
	}
	return &Store{
		DB:            db,
		cfg:           cfg,
		Posts:         &PostsRepo{db: db, timeout: cfg.QueryTimeout},
		Events:        &EventsRepo{db: db, timeout: cfg.QueryTimeout},
		Signals:       &SignalsRepo{db: db, timeout: cfg.QueryTimeout},
		ProviderCache: &ProviderCacheRepo{db: db, timeout: cfg.QueryTimeout},
		Outbox:        &OutboxRepo{db: db, timeout: cfg.QueryTimeout},
		DLQ:           &DLQRepo{db: db, timeout: cfg.QueryTimeout},
	}
}

// Ping verifies the connection.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.DB.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.DB.Close() }
