package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ipsix/fleetaudit/internal/inventory"
)

type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wraps an existing pool. Call EnsureSchema before using it.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// EnsureSchema creates the connection result tables if they are missing.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	ddl := `
CREATE TABLE IF NOT EXISTS connection_results (
  id TEXT PRIMARY KEY,
  job_id TEXT NOT NULL,
  source_id TEXT NOT NULL,
  task_id TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  UNIQUE (job_id, source_id)
);
CREATE TABLE IF NOT EXISTS connection_systems (
  seq BIGSERIAL PRIMARY KEY,
  result_id TEXT NOT NULL REFERENCES connection_results(id) ON DELETE CASCADE,
  name TEXT NOT NULL,
  host_id TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS connection_systems_result_idx ON connection_systems (result_id, seq);`
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create connection result tables: %w", err)
	}
	return nil
}

// GetOrCreate inserts a row for (job, source) unless one exists and returns
// whichever row is stored. The unique constraint decides between concurrent
// inserters; the loser's insert is a no-op and its select sees the winner.
func (r *Repository) GetOrCreate(ctx context.Context, jobID, sourceID, taskID string) (*inventory.ConnectionResult, error) {
	if jobID == "" || sourceID == "" {
		return nil, fmt.Errorf("job id and source id are required")
	}
	const insert = `
INSERT INTO connection_results (id, job_id, source_id, task_id, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (job_id, source_id) DO NOTHING;
`
	const selectRow = `
SELECT id, job_id, source_id, task_id, created_at
FROM connection_results
WHERE job_id = $1 AND source_id = $2;
`
	var res inventory.ConnectionResult
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, insert, uuid.NewString(), jobID, sourceID, taskID, time.Now().UTC()); err != nil {
			return err
		}
		return tx.QueryRow(ctx, selectRow, jobID, sourceID).Scan(
			&res.ID, &res.JobID, &res.SourceID, &res.TaskID, &res.CreatedAt,
		)
	})
	if err != nil {
		return nil, fmt.Errorf("get or create connection result: %w", err)
	}
	return &res, nil
}

func (r *Repository) ClearSystems(ctx context.Context, resultID string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM connection_systems WHERE result_id = $1`, resultID); err != nil {
		return fmt.Errorf("clear systems: %w", err)
	}
	return nil
}

func (r *Repository) AppendSystem(ctx context.Context, resultID string, host inventory.HostDescriptor) error {
	sys := inventory.SystemFromHost(host)
	if sys.Name == "" {
		sys.Name = sys.HostID
	}
	if sys.Name == "" {
		return fmt.Errorf("host name or id is required")
	}
	const query = `
INSERT INTO connection_systems (result_id, name, host_id, status)
VALUES ($1, $2, $3, $4);
`
	if _, err := r.pool.Exec(ctx, query, resultID, sys.Name, sys.HostID, string(sys.Status)); err != nil {
		return fmt.Errorf("append system: %w", err)
	}
	return nil
}

func (r *Repository) Systems(ctx context.Context, resultID string) ([]inventory.System, error) {
	rows, err := r.pool.Query(ctx, `
SELECT name, host_id, status FROM connection_systems
WHERE result_id = $1 ORDER BY seq`, resultID)
	if err != nil {
		return nil, fmt.Errorf("list systems: %w", err)
	}
	systems, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (inventory.System, error) {
		var (
			sys    inventory.System
			status string
		)
		err := row.Scan(&sys.Name, &sys.HostID, &status)
		sys.Status = inventory.SystemStatus(status)
		return sys, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan systems: %w", err)
	}
	if systems == nil {
		systems = []inventory.System{}
	}
	return systems, nil
}

func (r *Repository) Results(ctx context.Context, jobID string) ([]inventory.ConnectionResult, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id, job_id, source_id, task_id, created_at FROM connection_results
WHERE job_id = $1 ORDER BY source_id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list connection results: %w", err)
	}
	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (inventory.ConnectionResult, error) {
		var res inventory.ConnectionResult
		err := row.Scan(&res.ID, &res.JobID, &res.SourceID, &res.TaskID, &res.CreatedAt)
		return res, err
	})
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("scan connection results: %w", err)
	}
	for i := range results {
		systems, err := r.Systems(ctx, results[i].ID)
		if err != nil {
			return nil, err
		}
		results[i].Systems = systems
	}
	return results, nil
}

// Close helps when wiring Repository to a lifecycle manager.
func (r *Repository) Close() {
	r.pool.Close()
}

// NewDB opens a pgx pool with tuned defaults.
func NewDB(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse db config: %w", err)
	}
	// Runners hold a connection only per statement.
	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}
