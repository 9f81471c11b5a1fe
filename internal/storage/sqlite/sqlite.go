package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/ipsix/fleetaudit/internal/inventory"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Open opens a SQLite database at the given path with WAL mode enabled.
// It creates the parent directory if it does not exist.
func Open(dbPath string) (*sql.DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Single writer connection for SQLite
	db.SetMaxOpenConns(1)

	return db, nil
}

// Migrate runs all pending database migrations.
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	return nil
}

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// GetOrCreate runs insert-or-ignore and the read-back in one transaction; the
// single writer connection serializes concurrent callers.
func (r *Repository) GetOrCreate(ctx context.Context, jobID, sourceID, taskID string) (*inventory.ConnectionResult, error) {
	if jobID == "" || sourceID == "" {
		return nil, fmt.Errorf("job id and source id are required")
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
INSERT INTO connection_results (id, job_id, source_id, task_id, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (job_id, source_id) DO NOTHING`,
		uuid.NewString(), jobID, sourceID, taskID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("insert connection result: %w", err)
	}

	var res inventory.ConnectionResult
	err = tx.QueryRowContext(ctx, `
SELECT id, job_id, source_id, task_id, created_at
FROM connection_results WHERE job_id = ? AND source_id = ?`, jobID, sourceID).
		Scan(&res.ID, &res.JobID, &res.SourceID, &res.TaskID, &res.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("select connection result: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &res, nil
}

func (r *Repository) ClearSystems(ctx context.Context, resultID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM connection_systems WHERE result_id = ?`, resultID); err != nil {
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
	_, err := r.db.ExecContext(ctx, `
INSERT INTO connection_systems (result_id, name, host_id, status)
VALUES (?, ?, ?, ?)`,
		resultID, sys.Name, sys.HostID, string(sys.Status))
	if err != nil {
		return fmt.Errorf("append system: %w", err)
	}
	return nil
}

func (r *Repository) Systems(ctx context.Context, resultID string) ([]inventory.System, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT name, host_id, status FROM connection_systems
WHERE result_id = ? ORDER BY seq`, resultID)
	if err != nil {
		return nil, fmt.Errorf("list systems: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	systems := []inventory.System{}
	for rows.Next() {
		var (
			sys    inventory.System
			status string
		)
		if err := rows.Scan(&sys.Name, &sys.HostID, &status); err != nil {
			return nil, fmt.Errorf("scan system: %w", err)
		}
		sys.Status = inventory.SystemStatus(status)
		systems = append(systems, sys)
	}
	return systems, rows.Err()
}

func (r *Repository) Results(ctx context.Context, jobID string) ([]inventory.ConnectionResult, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, job_id, source_id, task_id, created_at FROM connection_results
WHERE job_id = ? ORDER BY source_id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list connection results: %w", err)
	}
	results := []inventory.ConnectionResult{}
	for rows.Next() {
		var res inventory.ConnectionResult
		if err := rows.Scan(&res.ID, &res.JobID, &res.SourceID, &res.TaskID, &res.CreatedAt); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan connection result: %w", err)
		}
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for i := range results {
		systems, err := r.Systems(ctx, results[i].ID)
		if err != nil {
			return nil, err
		}
		results[i].Systems = systems
	}
	return results, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}
