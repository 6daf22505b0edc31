package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/scrypster/mailvault/internal/storage"
)

// ObjectStore implements storage.ObjectStore on the objects table. It is the
// archive backend for single-host deployments without S3.
type ObjectStore struct {
	db       *sql.DB
	pageSize int
}

// WithPageSize sets the listing page size.
func (s *ObjectStore) WithPageSize(n int) *ObjectStore {
	if n > 0 {
		s.pageSize = n
	}
	return s
}

func (s *ObjectStore) Put(ctx context.Context, key string, data []byte, metadata map[string]string) error {
	meta, err := json.Marshal(storage.CopyMetadata(metadata))
	if err != nil {
		return fmt.Errorf("sqlite: failed to encode metadata for %s: %w", key, err)
	}

	if data == nil {
		data = []byte{}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO objects (key, data, size, metadata)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			data = excluded.data,
			size = excluded.size,
			metadata = excluded.metadata,
			updated_at = CURRENT_TIMESTAMP
	`, key, data, len(data), string(meta))
	if err != nil {
		return ioErr("put object "+key, err)
	}
	return nil
}

func (s *ObjectStore) Get(ctx context.Context, key string) (*storage.Object, error) {
	var (
		data []byte
		meta string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT data, metadata FROM objects WHERE key = ?", key,
	).Scan(&data, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, ioErr("get object "+key, err)
	}

	metadata, err := decodeMetadata(meta)
	if err != nil {
		return nil, ioErr("get object "+key, err)
	}
	return &storage.Object{Key: key, Data: data, Metadata: metadata}, nil
}

func (s *ObjectStore) Stat(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	var (
		size int64
		meta string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT size, metadata FROM objects WHERE key = ?", key,
	).Scan(&size, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, ioErr("stat object "+key, err)
	}

	metadata, err := decodeMetadata(meta)
	if err != nil {
		return nil, ioErr("stat object "+key, err)
	}
	return &storage.ObjectInfo{Key: key, Size: size, Metadata: metadata}, nil
}

func (s *ObjectStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM objects WHERE key = ?", key); err != nil {
		return ioErr("delete object "+key, err)
	}
	return nil
}

func (s *ObjectStore) List(ctx context.Context, opts storage.ObjectListOptions) (*storage.ObjectListResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, size, metadata FROM objects
		WHERE key > ? AND substr(key, 1, length(?)) = ?
		ORDER BY key
		LIMIT ?
	`, opts.Cursor, opts.Prefix, opts.Prefix, s.pageSize+1)
	if err != nil {
		return nil, ioErr("list objects", err)
	}
	defer rows.Close()

	var objects []storage.ObjectInfo
	for rows.Next() {
		var (
			info storage.ObjectInfo
			meta string
		)
		if err := rows.Scan(&info.Key, &info.Size, &meta); err != nil {
			return nil, ioErr("list objects", err)
		}
		if info.Metadata, err = decodeMetadata(meta); err != nil {
			return nil, ioErr("list objects", err)
		}
		objects = append(objects, info)
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr("list objects", err)
	}

	if len(objects) <= s.pageSize {
		return &storage.ObjectListResult{Objects: objects, Complete: true}, nil
	}
	objects = objects[:s.pageSize]
	return &storage.ObjectListResult{Objects: objects, Cursor: objects[len(objects)-1].Key}, nil
}

func decodeMetadata(raw string) (map[string]string, error) {
	metadata := map[string]string{}
	if raw == "" {
		return metadata, nil
	}
	if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
		return nil, fmt.Errorf("malformed metadata: %w", err)
	}
	return metadata, nil
}
