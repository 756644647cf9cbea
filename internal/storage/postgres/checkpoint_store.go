// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/channel-retriever/internal/retrieval"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	CheckpointTable string
	RunTable        string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// NewPool opens a pgx pool using cfg.
func NewPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("checkpoint.postgres.dsn is required")
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
	return p, nil
}

// CheckpointStore keeps one checkpoint row per job.
type CheckpointStore struct {
	pool  pool
	table string
}

// NewCheckpointStore constructs a store from an existing pool.
func NewCheckpointStore(p pool, table string) (*CheckpointStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "retrieval_checkpoints"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &CheckpointStore{pool: p, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *CheckpointStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the checkpoint table if needed.
func (s *CheckpointStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	job_id     TEXT PRIMARY KEY,
	cursor     TEXT,
	pages      INTEGER NOT NULL CHECK (pages >= 0),
	items      INTEGER NOT NULL CHECK (items >= 0),
	updated_at TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create checkpoint table: %w", err)
	}
	return nil
}

// Save upserts the checkpoint row in a single statement. Counters never move
// backwards: an older snapshot arriving late is ignored.
func (s *CheckpointStore) Save(ctx context.Context, cp retrieval.Checkpoint) error {
	if cp.JobID == "" {
		return fmt.Errorf("checkpoint job id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %[1]s (job_id, cursor, pages, items, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (job_id) DO UPDATE SET
	cursor = EXCLUDED.cursor,
	pages = EXCLUDED.pages,
	items = EXCLUDED.items,
	updated_at = EXCLUDED.updated_at
WHERE %[1]s.pages <= EXCLUDED.pages AND %[1]s.items <= EXCLUDED.items`, s.table)

	if _, err := s.pool.Exec(ctx, query, cp.JobID, nullable(cp.Cursor), cp.Pages, cp.Items, cp.UpdatedAt.UTC()); err != nil {
		return fmt.Errorf("upsert checkpoint: %w", err)
	}
	return nil
}

// Load returns the checkpoint row for jobID, or nil when there is none.
func (s *CheckpointStore) Load(ctx context.Context, jobID string) (*retrieval.Checkpoint, error) {
	query := fmt.Sprintf(`SELECT job_id, cursor, pages, items, updated_at FROM %s WHERE job_id = $1`, s.table)
	var (
		cp     retrieval.Checkpoint
		cursor *string
	)
	err := s.pool.QueryRow(ctx, query, jobID).Scan(&cp.JobID, &cursor, &cp.Pages, &cp.Items, &cp.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select checkpoint: %w", err)
	}
	if cursor != nil {
		cp.Cursor = *cursor
	}
	cp.UpdatedAt = cp.UpdatedAt.UTC()
	if !cp.Valid(jobID) {
		return nil, nil
	}
	return &cp, nil
}

// Delete removes the checkpoint row for jobID.
func (s *CheckpointStore) Delete(ctx context.Context, jobID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE job_id = $1`, s.table)
	if _, err := s.pool.Exec(ctx, query, jobID); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
