package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/scrypster/mailvault/internal/storage"
)

// KVStore implements storage.KVStore for one namespace of kv_entries.
// The cursor is the last key of the previous page.
type KVStore struct {
	db        *sql.DB
	namespace string
}

// Namespace returns the logical store name.
func (s *KVStore) Namespace() string {
	return s.namespace
}

func (s *KVStore) List(ctx context.Context, opts storage.KVListOptions) (*storage.KVListResult, error) {
	limit := opts.PageLimit()

	// substr() compares the exact prefix without LIKE's wildcard escaping.
	rows, err := s.db.QueryContext(ctx, `
		SELECT key FROM kv_entries
		WHERE namespace = ? AND key > ? AND substr(key, 1, length(?)) = ?
		ORDER BY key
		LIMIT ?
	`, s.namespace, opts.Cursor, opts.Prefix, opts.Prefix, limit+1)
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
		"SELECT value FROM kv_entries WHERE namespace = ? AND key = ?",
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
		VALUES (?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP
	`, s.namespace, key, value)
	if err != nil {
		return ioErr("put "+key, err)
	}
	return nil
}

func (s *KVStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM kv_entries WHERE namespace = ? AND key = ?",
		s.namespace, key,
	)
	if err != nil {
		return ioErr("delete "+key, err)
	}
	return nil
}
