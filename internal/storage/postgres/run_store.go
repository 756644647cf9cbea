package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/channel-retriever/internal/retrieval"
)

// RunStore records one row per RetrieveAll invocation.
type RunStore struct {
	pool  pool
	table string
}

// NewRunStore constructs a run history store from an existing pool.
func NewRunStore(p pool, table string) (*RunStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "retrieval_runs"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &RunStore{pool: p, table: table}, nil
}

// EnsureSchema creates the run table if needed.
func (s *RunStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	run_id        TEXT PRIMARY KEY,
	job_id        TEXT NOT NULL,
	started_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ,
	outcome       TEXT,
	new_items     INTEGER,
	error_message TEXT
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create run table: %w", err)
	}
	return nil
}

// StartRun inserts a row for a run that is starting.
func (s *RunStore) StartRun(ctx context.Context, runID, jobID string, startedAt time.Time) error {
	query := fmt.Sprintf(`
INSERT INTO %s (run_id, job_id, started_at)
VALUES ($1, $2, $3)
ON CONFLICT (run_id) DO NOTHING`, s.table)
	if _, err := s.pool.Exec(ctx, query, runID, jobID, startedAt.UTC()); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun stamps the outcome of a run.
func (s *RunStore) FinishRun(ctx context.Context, runID string, finishedAt time.Time, res retrieval.Result) error {
	var errMsg *string
	if res.Cause != nil {
		msg := res.Cause.Error()
		errMsg = &msg
	}
	query := fmt.Sprintf(`
UPDATE %s
SET finished_at = $1, outcome = $2, new_items = $3, error_message = $4
WHERE run_id = $5`, s.table)
	if _, err := s.pool.Exec(ctx, query, finishedAt.UTC(), string(res.Outcome), res.NewItems, errMsg, runID); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}
