package storage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/mailvault/internal/storage"
	"github.com/scrypster/mailvault/internal/storage/memory"
)

// flakyStore fails every call while failing is set.
type flakyStore struct {
	storage.ObjectStore
	failing bool
	calls   int
}

func (f *flakyStore) Put(ctx context.Context, key string, data []byte, md map[string]string) error {
	f.calls++
	if f.failing {
		return storage.ErrStoreIO
	}
	return f.ObjectStore.Put(ctx, key, data, md)
}

func (f *flakyStore) Get(ctx context.Context, key string) (*storage.Object, error) {
	f.calls++
	if f.failing {
		return nil, storage.ErrStoreIO
	}
	return f.ObjectStore.Get(ctx, key)
}

func TestBreakerObjectStore_PassesThrough(t *testing.T) {
	ctx := context.Background()
	b := storage.NewBreakerObjectStore(memory.NewObjectStore(), storage.BreakerConfig{}, nil)

	require.NoError(t, b.Put(ctx, "k", []byte("v"), map[string]string{"a": "b"}))

	obj, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), obj.Data)

	info, err := b.Stat(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.Size)

	res, err := b.List(ctx, storage.ObjectListOptions{})
	require.NoError(t, err)
	assert.Len(t, res.Objects, 1)

	require.NoError(t, b.Delete(ctx, "k"))
	assert.Equal(t, "closed", b.State())
	assert.Equal(t, uint64(5), b.Metrics().TotalRequests)
}

func TestBreakerObjectStore_OpensAfterConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	inner := &flakyStore{ObjectStore: memory.NewObjectStore(), failing: true}
	b := storage.NewBreakerObjectStore(inner, storage.BreakerConfig{MaxFailures: 3, Timeout: time.Hour}, nil)

	for i := 0; i < 3; i++ {
		err := b.Put(ctx, "k", []byte("v"), nil)
		assert.ErrorIs(t, err, storage.ErrStoreIO)
	}
	assert.Equal(t, "open", b.State())

	err := b.Put(ctx, "k", []byte("v"), nil)
	assert.True(t, errors.Is(err, storage.ErrCircuitOpen))
	assert.Equal(t, 3, inner.calls, "open circuit must not reach the backend")

	m := b.Metrics()
	assert.Equal(t, uint64(4), m.TotalFailures)
}

func TestBreakerObjectStore_NotFoundDoesNotTrip(t *testing.T) {
	ctx := context.Background()
	b := storage.NewBreakerObjectStore(memory.NewObjectStore(), storage.BreakerConfig{MaxFailures: 2}, nil)

	for i := 0; i < 5; i++ {
		_, err := b.Get(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
	assert.Equal(t, "closed", b.State())
	assert.Equal(t, uint64(0), b.Metrics().TotalFailures)
}
