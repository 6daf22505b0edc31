package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
)

// Snapshot writes a consistent point-in-time copy of the key-value data to
// destPath with VACUUM INTO, then verifies the copy. WAL contents are
// included. The objects table is emptied in the copy, so archives kept in
// the same file are not duplicated. destPath must not already exist.
func (d *DB) Snapshot(ctx context.Context, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("sqlite: snapshot: %w", err)
	}

	if _, err := d.db.ExecContext(ctx, "VACUUM INTO ?", destPath); err != nil {
		return ioErr("snapshot", err)
	}

	err := dropObjects(ctx, destPath)
	if err == nil {
		err = VerifySnapshot(ctx, destPath)
	}
	if err != nil {
		_ = os.Remove(destPath)
		return err
	}

	d.logger.Info("sqlite: snapshot written", "path", destPath)
	return nil
}

// dropObjects empties the objects table of the copy at path and compacts it.
func dropObjects(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("sqlite: failed to open snapshot: %w", err)
	}
	defer func() { _ = db.Close() }()

	for _, stmt := range []string{"DELETE FROM objects", "VACUUM"} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: snapshot: %s: %w", stmt, err)
		}
	}
	return nil
}

// VerifySnapshot opens path read-only and runs SQLite's integrity_check.
func VerifySnapshot(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return fmt.Errorf("sqlite: failed to open snapshot: %w", err)
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("sqlite: failed to run integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("sqlite: integrity check failed: %s", result)
	}
	return nil
}
