package storage

import (
	"errors"
)

var (
	// ErrNotFound indicates that the requested key or object was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrStoreIO indicates a failure in the underlying key-value or object
	// store (get, put, list or delete).
	ErrStoreIO = errors.New("store I/O error")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")
)

// DefaultKVPageSize is the page size used when KVListOptions.Limit is unset.
const DefaultKVPageSize = 1000

// DefaultObjectPageSize is the page size used by object backends.
const DefaultObjectPageSize = 1000

// KVListOptions selects a page of keys.
type KVListOptions struct {
	// Prefix restricts the listing to keys starting with it.
	Prefix string

	// Cursor is the opaque continuation token from the previous page.
	Cursor string

	// Limit is the maximum number of keys per page (default: DefaultKVPageSize).
	Limit int
}

// KVListResult is one page of keys.
type KVListResult struct {
	Keys     []string
	Cursor   string
	Complete bool
}

// Object is a stored object with its body.
type Object struct {
	Key      string
	Data     []byte
	Metadata map[string]string
}

// ObjectInfo describes a stored object without its body.
type ObjectInfo struct {
	Key      string
	Size     int64
	Metadata map[string]string
}

// ObjectListOptions selects a page of objects.
type ObjectListOptions struct {
	Prefix string
	Cursor string
}

// ObjectListResult is one page of objects.
type ObjectListResult struct {
	Objects  []ObjectInfo
	Cursor   string
	Complete bool
}

// PageLimit returns the effective page size for opts.
func (o KVListOptions) PageLimit() int {
	if o.Limit <= 0 {
		return DefaultKVPageSize
	}
	return o.Limit
}

// CopyMetadata returns a shallow copy of m that is safe to mutate. A nil map
// yields an empty, non-nil map.
func CopyMetadata(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
