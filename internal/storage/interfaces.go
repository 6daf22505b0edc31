// Package storage defines the key-value and object storage contracts used by
// the backup engine, together with shared errors and decorators.
//
// Backends live in subpackages (memory, sqlite, postgres, s3). Every backend
// wraps driver failures with ErrStoreIO and reports absent keys with
// ErrNotFound so callers can branch with errors.Is regardless of backend.
package storage

import (
	"context"
)

// KVStore is one logical key-value domain (users, messages, mailboxes, system
// settings). Values are opaque strings, normally JSON documents.
type KVStore interface {
	// List returns one page of keys in ascending order. Pass the Cursor of the
	// previous page to continue; a page with Complete set is the last one.
	List(ctx context.Context, opts KVListOptions) (*KVListResult, error)

	// Get returns the value stored under key.
	// Returns ErrNotFound if the key doesn't exist.
	Get(ctx context.Context, key string) (string, error)

	// Put stores value under key, replacing any existing value.
	Put(ctx context.Context, key, value string) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// ObjectStore is durable storage for archived backups, addressed by key.
type ObjectStore interface {
	// Put writes data under key with the given custom metadata, replacing any
	// existing object.
	Put(ctx context.Context, key string, data []byte, metadata map[string]string) error

	// Get returns the object's bytes and custom metadata.
	// Returns ErrNotFound if the object doesn't exist.
	Get(ctx context.Context, key string) (*Object, error)

	// Stat returns the object's size and custom metadata without its body.
	// Returns ErrNotFound if the object doesn't exist.
	Stat(ctx context.Context, key string) (*ObjectInfo, error)

	// Delete removes the object. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns one page of objects under a prefix in ascending key order.
	List(ctx context.Context, opts ObjectListOptions) (*ObjectListResult, error)
}
