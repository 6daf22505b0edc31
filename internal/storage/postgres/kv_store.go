// Package postgres provides a PostgreSQL implementation of storage.KVStore for
// deployments whose live key-value domains sit in a shared database server.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/scrypster/mailvault/internal/storage"
)

// Schema creates the key-value table (idempotent). Keys use the "C" collation
// so ordering and cursor comparison match byte order on every backend.
const Schema = `
CREATE TABLE IF NOT EXISTS kv_entries (
	namespace  TEXT NOT NULL,
	key        TEXT COLLATE "C" NOT NULL,
	value      TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (namespace, key)
);
`

// DB is a PostgreSQL connection pool with the schema applied.
type DB struct {
	db *sql.DB
}

// Open connects to dsn and applies Schema.
func Open(dsn string) (*DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: failed to ping %s: %w", RedactDSN(dsn), err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: failed to apply schema: %w", err)
	}

	return &DB{db: db}, nil
}

// KVStore returns the logical key-value store named namespace.
func (d *DB) KVStore(namespace string) *KVStore {
	return &KVStore{db: d.db, namespace: namespace}
}

// Close closes the pool.
func (d *DB) Close() error {
	return d.db.Close()
}

// TruncateForTest removes every row. It is exported for the postgres_test
// package only.
func (d *DB) TruncateForTest(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, "TRUNCATE TABLE kv_entries"); err != nil {
		return fmt.Errorf("postgres: failed to truncate kv_entries: %w", err)
	}
	return nil
}

// KVStore implements storage.KVStore for one namespace.
type KVStore struct {
	db        *sql.DB
	namespace string
}

func (s *KVStore) List(ctx context.Context, opts storage.KVListOptions) (*storage.KVListResult, error) {
	limit := opts.PageLimit()

	rows, err := s.db.QueryContext(ctx, `
		SELECT key FROM kv_entries
		WHERE namespace = $1 AND key > $2 AND starts_with(key, $3)
		ORDER BY key
		LIMIT $4
	`, s.namespace, opts.Cursor, opts.Prefix, limit+1)
	if err != nil {
		return nil, ioErr("list "+s.namespace, err)
	}
	defer rows.Close()

	keys := make([]string, 0, limit)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, ioErr("list "+s.namespace, err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr("list "+s.namespace, err)
	}

	if len(keys) <= limit {
		return &storage.KVListResult{Keys: keys, Complete: true}, nil
	}
	keys = keys[:limit]
	return &storage.KVListResult{Keys: keys, Cursor: keys[len(keys)-1]}, nil
}

func (s *KVStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM kv_entries WHERE namespace = $1 AND key = $2",
		s.namespace, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", ioErr("get "+key, err)
	}
	return value, nil
}

func (s *KVStore) Put(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_entries (namespace, key, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (namespace, key) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = NOW()
	`, s.namespace, key, value)
	if err != nil {
		return ioErr("put "+key, err)
	}
	return nil
}

func (s *KVStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM kv_entries WHERE namespace = $1 AND key = $2",
		s.namespace, key,
	)
	if err != nil {
		return ioErr("delete "+key, err)
	}
	return nil
}

func ioErr(op string, err error) error {
	return fmt.Errorf("postgres: %s: %w: %w", op, storage.ErrStoreIO, err)
}
