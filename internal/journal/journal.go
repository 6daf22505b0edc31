// Package journal keeps a best-effort history of backup runs in a SQLite
// table next to the key-value data. The journal is advisory: the object store
// remains the source of truth for which archives exist.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/mailvault/internal/storage"
)

// Operations recorded in the journal.
const (
	OpCreate   = "create"
	OpRestore  = "restore"
	OpCleanup  = "cleanup"
	OpMaintain = "maintain"
)

// Run outcomes.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

const schema = `
CREATE TABLE IF NOT EXISTS backup_runs (
	id          TEXT PRIMARY KEY,
	operation   TEXT NOT NULL,
	backup_key  TEXT NOT NULL DEFAULT '',
	backup_type TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	bytes       INTEGER NOT NULL DEFAULT 0,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_backup_runs_op_started ON backup_runs(operation, started_at);
`

// Run is one recorded operation.
type Run struct {
	ID         string
	Operation  string
	BackupKey  string
	BackupType string
	Status     string
	Error      string
	Bytes      int64
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration returns how long the run took.
func (r Run) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Journal records runs in the backup_runs table.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates the backup_runs table if needed and returns a journal on db.
func New(db *sql.DB, logger *slog.Logger) (*Journal, error) {
	if db == nil {
		return nil, fmt.Errorf("journal: %w: nil database", storage.ErrInvalidInput)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("journal: failed to create schema: %w", err)
	}
	return &Journal{db: db, logger: logger}, nil
}

// Record inserts run, assigning a new ID when run.ID is empty. Callers on the
// backup path treat a returned error as advisory.
func (j *Journal) Record(ctx context.Context, run Run) error {
	if run.Operation == "" {
		return fmt.Errorf("journal: %w: operation is required", storage.ErrInvalidInput)
	}
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = StatusOK
	}
	if run.FinishedAt.IsZero() {
		run.FinishedAt = run.StartedAt
	}

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO backup_runs (id, operation, backup_key, backup_type, status, error, bytes, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.Operation, run.BackupKey, run.BackupType, run.Status, run.Error, run.Bytes,
		run.StartedAt.UnixMilli(), run.FinishedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("journal: record %s: %w: %w", run.Operation, storage.ErrStoreIO, err)
	}

	j.logger.Debug("journal: run recorded", "id", run.ID, "operation", run.Operation, "status", run.Status)
	return nil
}

// LastRun returns the most recent run of operation with the given status.
// An empty status matches any outcome. Returns storage.ErrNotFound if there
// is none.
func (j *Journal) LastRun(ctx context.Context, operation, status string) (*Run, error) {
	query := `
		SELECT id, operation, backup_key, backup_type, status, error, bytes, started_at, finished_at
		FROM backup_runs
		WHERE operation = ?`
	args := []any{operation}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY started_at DESC LIMIT 1`

	run, err := scanRun(j.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("journal: last %s: %w: %w", operation, storage.ErrStoreIO, err)
	}
	return run, nil
}

// Recent returns up to limit runs, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, operation, backup_key, backup_type, status, error, bytes, started_at, finished_at
		FROM backup_runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: recent: %w: %w", storage.ErrStoreIO, err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("journal: recent: %w: %w", storage.ErrStoreIO, err)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: recent: %w: %w", storage.ErrStoreIO, err)
	}
	return runs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run               Run
		started, finished int64
	)
	if err := row.Scan(&run.ID, &run.Operation, &run.BackupKey, &run.BackupType,
		&run.Status, &run.Error, &run.Bytes, &started, &finished); err != nil {
		return nil, err
	}
	run.StartedAt = time.UnixMilli(started).UTC()
	run.FinishedAt = time.UnixMilli(finished).UTC()
	return &run, nil
}
