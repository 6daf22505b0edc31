// Package memory provides in-process implementations of storage.KVStore and
// storage.ObjectStore. They back unit tests and dry runs; nothing is durable.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/scrypster/mailvault/internal/storage"
)

// KVStore is a mutex-guarded map implementing storage.KVStore. Cursors are the
// last key of the previous page.
type KVStore struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewKVStore returns an empty store.
func NewKVStore() *KVStore {
	return &KVStore{data: make(map[string]string)}
}

func (s *KVStore) List(ctx context.Context, opts storage.KVListOptions) (*storage.KVListResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if strings.HasPrefix(k, opts.Prefix) && k > opts.Cursor {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	return pageKeys(keys, opts.PageLimit()), nil
}

func (s *KVStore) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.data[key]
	if !ok {
		return "", storage.ErrNotFound
	}
	return v, nil
}

func (s *KVStore) Put(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = value
	return nil
}

func (s *KVStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, key)
	return nil
}

// Snapshot returns a copy of the store contents.
func (s *KVStore) Snapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}

// Len returns the number of keys held.
func (s *KVStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func pageKeys(sorted []string, limit int) *storage.KVListResult {
	if len(sorted) <= limit {
		return &storage.KVListResult{Keys: sorted, Complete: true}
	}
	page := sorted[:limit]
	return &storage.KVListResult{Keys: page, Cursor: page[len(page)-1]}
}

// ObjectStore is a mutex-guarded map implementing storage.ObjectStore.
type ObjectStore struct {
	mu       sync.RWMutex
	objects  map[string]storage.Object
	pageSize int
}

// NewObjectStore returns an empty store that lists storage.DefaultObjectPageSize
// objects per page.
func NewObjectStore() *ObjectStore {
	return &ObjectStore{objects: make(map[string]storage.Object), pageSize: storage.DefaultObjectPageSize}
}

// WithPageSize sets the listing page size, mainly so tests can exercise
// pagination with a handful of objects.
func (s *ObjectStore) WithPageSize(n int) *ObjectStore {
	if n > 0 {
		s.pageSize = n
	}
	return s
}

func (s *ObjectStore) Put(ctx context.Context, key string, data []byte, metadata map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.objects[key] = storage.Object{Key: key, Data: buf, Metadata: storage.CopyMetadata(metadata)}
	return nil
}

func (s *ObjectStore) Get(ctx context.Context, key string) (*storage.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	data := make([]byte, len(obj.Data))
	copy(data, obj.Data)
	return &storage.Object{Key: key, Data: data, Metadata: storage.CopyMetadata(obj.Metadata)}, nil
}

func (s *ObjectStore) Stat(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &storage.ObjectInfo{Key: key, Size: int64(len(obj.Data)), Metadata: storage.CopyMetadata(obj.Metadata)}, nil
}

func (s *ObjectStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.objects, key)
	return nil
}

func (s *ObjectStore) List(ctx context.Context, opts storage.ObjectListOptions) (*storage.ObjectListResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		if strings.HasPrefix(k, opts.Prefix) && k > opts.Cursor {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	res := &storage.ObjectListResult{Complete: true}
	if len(keys) > s.pageSize {
		keys = keys[:s.pageSize]
		res.Complete = false
		res.Cursor = keys[len(keys)-1]
	}
	for _, k := range keys {
		obj := s.objects[k]
		res.Objects = append(res.Objects, storage.ObjectInfo{
			Key:      k,
			Size:     int64(len(obj.Data)),
			Metadata: storage.CopyMetadata(obj.Metadata),
		})
	}
	return res, nil
}

// Keys returns every stored object key in ascending order.
func (s *ObjectStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
