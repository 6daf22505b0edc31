// Package sqlite provides SQLite implementations of storage.KVStore and
// storage.ObjectStore on top of modernc.org/sqlite (CGO-free).
//
// One database file holds every logical key-value store (one namespace each)
// and, optionally, the archived backup objects.
package sqlite

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/scrypster/mailvault/internal/storage"
)

// Schema creates the key-value and object tables. Every statement is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS kv_entries (
	namespace  TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (namespace, key)
);

CREATE TABLE IF NOT EXISTS objects (
	key        TEXT PRIMARY KEY,
	data       BLOB NOT NULL,
	size       INTEGER NOT NULL,
	metadata   TEXT NOT NULL DEFAULT '{}',
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

// DB is an open SQLite database with the mailvault schema applied.
type DB struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens dsn and applies the schema. When the first attempt fails on WAL
// sidecar files that a crashed process left behind and nothing else holds
// open, they are removed and the open is retried once.
func Open(dsn string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := open(dsn)
	if err == nil {
		return &DB{db: db, logger: logger}, nil
	}
	if !recoverStaleWAL(dsn, err, logger) {
		return nil, err
	}

	db, retryErr := open(dsn)
	if retryErr != nil {
		return nil, fmt.Errorf("sqlite: reopen after WAL cleanup: %w (first attempt: %v)", retryErr, err)
	}
	logger.Info("sqlite: removed stale WAL files", "path", dsnFilePath(dsn))
	return &DB{db: db, logger: logger}, nil
}

func open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single connection
	// serialises the import batches' concurrent writes and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to create schema: %w", err)
	}

	return db, nil
}

// KVStore returns the logical key-value store named namespace.
func (d *DB) KVStore(namespace string) *KVStore {
	return &KVStore{db: d.db, namespace: namespace}
}

// ObjectStore returns the object store kept in this database.
func (d *DB) ObjectStore() *ObjectStore {
	return &ObjectStore{db: d.db, pageSize: storage.DefaultObjectPageSize}
}

// SQL exposes the underlying handle for components that keep their own
// tables in the same file (the run journal).
func (d *DB) SQL() *sql.DB {
	return d.db
}

// Close closes the database.
func (d *DB) Close() error {
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("sqlite: failed to close database: %w", err)
	}
	return nil
}

func ioErr(op string, err error) error {
	return fmt.Errorf("sqlite: %s: %w: %w", op, storage.ErrStoreIO, err)
}
