// Package checkpoint persists per-client resume positions in PostgreSQL so
// a client can reconnect and continue a replay where it left off without
// tracking rowids itself.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config holds PostgreSQL connection settings.
type Config struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// Checkpoint is one client's resume position for one turbine stream.
type Checkpoint struct {
	Client    string    `json:"client"`
	Site      string    `json:"site"`
	Kind      string    `json:"kind"`
	Turbine   int       `json:"turbine"`
	Rowid     int64     `json:"rowid"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store wraps a PostgreSQL connection pool for checkpoint storage.
type Store struct {
	pool *pgxpool.Pool
}

// Open opens a connection pool and verifies the connection.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// CreateSchema creates the checkpoint table.
func (s *Store) CreateSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS replay_checkpoints (
		client      TEXT NOT NULL,
		site        TEXT NOT NULL,
		kind        TEXT NOT NULL,
		turbine     INTEGER NOT NULL,
		rowid       BIGINT NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (client, site, kind, turbine)
	);`

	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Save upserts a checkpoint.
func (s *Store) Save(ctx context.Context, cp Checkpoint) error {
	const q = `
	INSERT INTO replay_checkpoints (client, site, kind, turbine, rowid, updated_at)
	VALUES ($1, $2, $3, $4, $5, NOW())
	ON CONFLICT (client, site, kind, turbine)
	DO UPDATE SET rowid = EXCLUDED.rowid, updated_at = NOW()`

	if _, err := s.pool.Exec(ctx, q, cp.Client, cp.Site, cp.Kind, cp.Turbine, cp.Rowid); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Load fetches a checkpoint, returning nil when none exists.
func (s *Store) Load(ctx context.Context, client, site, kind string, turbine int) (*Checkpoint, error) {
	const q = `
	SELECT client, site, kind, turbine, rowid, updated_at
	FROM replay_checkpoints
	WHERE client = $1 AND site = $2 AND kind = $3 AND turbine = $4`

	var cp Checkpoint
	err := s.pool.QueryRow(ctx, q, client, site, kind, turbine).Scan(
		&cp.Client, &cp.Site, &cp.Kind, &cp.Turbine, &cp.Rowid, &cp.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return &cp, nil
}
