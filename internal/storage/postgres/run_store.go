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

	"github.com/JakeFAU/scrape-scheduler/internal/store"
)

const (
	defaultTable     = "job_runs"
	defaultListLimit = 50
	maxListLimit     = 500
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for run rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// RunStore implements store.RunRepository on Postgres.
type RunStore struct {
	pool  pool
	table string
}

var _ store.RunRepository = (*RunStore)(nil)

// NewRunStore connects to Postgres using cfg.
func NewRunStore(ctx context.Context, cfg Config) (*RunStore, error) {
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
	s, err := NewRunStoreWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewRunStoreWithPool constructs a store from an existing pool.
func NewRunStoreWithPool(p pool, table string) (*RunStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &RunStore{pool: p, table: table}, nil
}

// Close releases the underlying pool.
func (s *RunStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Migrate creates the run table and its lookup index when missing.
func (s *RunStore) Migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	job_id        TEXT        NOT NULL,
	started_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ,
	status        TEXT        NOT NULL,
	mode          TEXT        NOT NULL,
	url           TEXT        NOT NULL,
	retry_count   INTEGER     NOT NULL DEFAULT 0,
	result_status TEXT,
	item_count    INTEGER     NOT NULL DEFAULT 0,
	error_message TEXT,
	PRIMARY KEY (job_id, started_at)
);
CREATE INDEX IF NOT EXISTS %[1]s_started_idx ON %[1]s (started_at DESC);`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("migrate %s: %w", s.table, err)
	}
	return nil
}

// StartRun reopens the job's unfinished run or inserts a new one.
func (s *RunStore) StartRun(ctx context.Context, start store.RunStart) error {
	if start.JobID == "" {
		return fmt.Errorf("job id is required")
	}
	update := fmt.Sprintf(`UPDATE %s SET status = $1 WHERE job_id = $2 AND finished_at IS NULL`, s.table)
	tag, err := s.pool.Exec(ctx, update, string(store.RunRunning), start.JobID)
	if err != nil {
		return fmt.Errorf("reopen run: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	insert := fmt.Sprintf(`
INSERT INTO %s (job_id, started_at, status, mode, url)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (job_id, started_at) DO NOTHING`, s.table)
	if _, err := s.pool.Exec(ctx, insert,
		start.JobID,
		start.StartedAt,
		string(store.RunRunning),
		start.Mode,
		start.URL,
	); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// UpdateRun applies end to the open run. A terminal outcome with no open run
// is inserted as an already finished row.
func (s *RunStore) UpdateRun(ctx context.Context, end store.RunEnd) error {
	if end.JobID == "" {
		return fmt.Errorf("job id is required")
	}
	if !end.Status.Valid() {
		return fmt.Errorf("invalid run status %q", end.Status)
	}
	var finishedAt *time.Time
	if terminal(end.Status) {
		at := end.At
		finishedAt = &at
	}
	update := fmt.Sprintf(`
UPDATE %s
SET status = $1, retry_count = $2, result_status = $3, item_count = $4, error_message = $5, finished_at = $6
WHERE job_id = $7 AND finished_at IS NULL`, s.table)
	tag, err := s.pool.Exec(ctx, update,
		string(end.Status),
		end.RetryCount,
		end.ResultStatus,
		end.ItemCount,
		end.ErrorMessage,
		finishedAt,
		end.JobID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if tag.RowsAffected() > 0 || finishedAt == nil {
		return nil
	}
	insert := fmt.Sprintf(`
INSERT INTO %s (job_id, started_at, finished_at, status, mode, url, retry_count, result_status, item_count, error_message)
VALUES ($1, $2, $2, $3, '', '', $4, $5, $6, $7)
ON CONFLICT (job_id, started_at) DO NOTHING`, s.table)
	if _, err := s.pool.Exec(ctx, insert,
		end.JobID,
		end.At,
		string(end.Status),
		end.RetryCount,
		end.ResultStatus,
		end.ItemCount,
		end.ErrorMessage,
	); err != nil {
		return fmt.Errorf("insert finished run: %w", err)
	}
	return nil
}

// LatestRun returns the most recent run of jobID.
func (s *RunStore) LatestRun(ctx context.Context, jobID string) (store.JobRun, error) {
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE job_id = $1
ORDER BY started_at DESC
LIMIT 1`, runColumns, s.table)
	run, err := scanRun(s.pool.QueryRow(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.JobRun{}, store.ErrNotFound
		}
		return store.JobRun{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs matching filter, newest first.
func (s *RunStore) ListRuns(ctx context.Context, filter store.RunFilter) ([]store.JobRun, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := max(filter.Offset, 0)
	var status *string
	if filter.Status != nil {
		value := string(*filter.Status)
		status = &value
	}
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE ($1 = '' OR job_id = $1) AND ($2::text IS NULL OR status = $2)
ORDER BY started_at DESC
LIMIT $3 OFFSET $4`, runColumns, s.table)
	rows, err := s.pool.Query(ctx, query, filter.JobID, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []store.JobRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

const runColumns = `job_id, started_at, finished_at, status, mode, url, retry_count, result_status, item_count, error_message`

func scanRun(row pgx.Row) (store.JobRun, error) {
	var (
		run    store.JobRun
		status string
	)
	if err := row.Scan(
		&run.JobID,
		&run.StartedAt,
		&run.FinishedAt,
		&status,
		&run.Mode,
		&run.URL,
		&run.RetryCount,
		&run.ResultStatus,
		&run.ItemCount,
		&run.ErrorMessage,
	); err != nil {
		return store.JobRun{}, err
	}
	run.Status = store.RunStatus(status)
	return run, nil
}

func terminal(status store.RunStatus) bool {
	return status == store.RunCompleted || status == store.RunFailed
}
