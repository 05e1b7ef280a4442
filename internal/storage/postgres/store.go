// Package postgres provides Postgres-backed job and recipe persistence.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// Store implements importer.JobStore and importer.RecipeStore.
type Store struct {
	pool pool
}

// New connects a pgx pool using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: p}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates tables and indexes when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS import_jobs (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	source_kind TEXT NOT NULL,
	source_locator TEXT NOT NULL,
	idempotency_key TEXT,
	status TEXT NOT NULL,
	status_rank SMALLINT NOT NULL DEFAULT 0,
	progress_percent SMALLINT NOT NULL DEFAULT 0,
	status_message TEXT NOT NULL DEFAULT '',
	result_recipe_id TEXT,
	error_code TEXT,
	error_message TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ` + idemIndex + ` ON import_jobs (owner_id, idempotency_key)
	WHERE idempotency_key IS NOT NULL AND status NOT IN ('failed', 'cancelled')`,
	`CREATE INDEX IF NOT EXISTS import_jobs_owner_created ON import_jobs (owner_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS import_jobs_open_created ON import_jobs (created_at) WHERE status_rank < 3`,
	`CREATE TABLE IF NOT EXISTS recipes (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	job_id TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	source_kind TEXT NOT NULL DEFAULT '',
	source_url TEXT NOT NULL DEFAULT '',
	servings TEXT NOT NULL DEFAULT '',
	prep_minutes INTEGER NOT NULL DEFAULT 0,
	cook_minutes INTEGER NOT NULL DEFAULT 0,
	tags TEXT[] NOT NULL DEFAULT '{}',
	image_url TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS recipe_ingredients (
	recipe_id TEXT NOT NULL REFERENCES recipes(id) ON DELETE CASCADE,
	position INTEGER NOT NULL,
	name TEXT NOT NULL,
	quantity TEXT NOT NULL DEFAULT '',
	unit TEXT NOT NULL DEFAULT '',
	note TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (recipe_id, position)
)`,
	`CREATE TABLE IF NOT EXISTS recipe_steps (
	recipe_id TEXT NOT NULL REFERENCES recipes(id) ON DELETE CASCADE,
	position INTEGER NOT NULL,
	body TEXT NOT NULL,
	PRIMARY KEY (recipe_id, position)
)`,
}

const idemIndex = "import_jobs_owner_idem_key"

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == constraint
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
