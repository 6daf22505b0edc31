package s3_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scrypster/mailvault/internal/storage"
	"github.com/scrypster/mailvault/internal/storage/s3"
	"github.com/scrypster/mailvault/internal/storage/storagetest"
)

// s3TestConfig returns the bucket settings for integration tests.
// If S3_TEST_BUCKET is not set, tests are skipped.
func s3TestConfig(t *testing.T) s3.Config {
	t.Helper()

	bucket := os.Getenv("S3_TEST_BUCKET")
	if bucket == "" {
		t.Skip("S3_TEST_BUCKET not set; skipping S3 integration tests")
	}
	return s3.Config{
		Bucket:   bucket,
		Region:   os.Getenv("S3_TEST_REGION"),
		Endpoint: os.Getenv("S3_TEST_ENDPOINT"),
	}
}

// prefixedStore confines each subtest to its own key prefix so runs against a
// shared bucket do not see each other.
type prefixedStore struct {
	inner  *s3.ObjectStore
	prefix string
}

func (p prefixedStore) Put(ctx context.Context, key string, data []byte, md map[string]string) error {
	return p.inner.Put(ctx, p.prefix+key, data, md)
}

func (p prefixedStore) Get(ctx context.Context, key string) (*storage.Object, error) {
	return p.inner.Get(ctx, p.prefix+key)
}

func (p prefixedStore) Stat(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	return p.inner.Stat(ctx, p.prefix+key)
}

func (p prefixedStore) Delete(ctx context.Context, key string) error {
	return p.inner.Delete(ctx, p.prefix+key)
}

func (p prefixedStore) List(ctx context.Context, opts storage.ObjectListOptions) (*storage.ObjectListResult, error) {
	opts.Prefix = p.prefix + opts.Prefix
	res, err := p.inner.List(ctx, opts)
	if err != nil {
		return nil, err
	}
	for i := range res.Objects {
		res.Objects[i].Key = res.Objects[i].Key[len(p.prefix):]
	}
	return res, nil
}

func TestObjectStore(t *testing.T) {
	cfg := s3TestConfig(t)

	store, err := s3.NewObjectStore(context.Background(), cfg)
	require.NoError(t, err)

	storagetest.RunObjectStoreTests(t, func(t *testing.T) storage.ObjectStore {
		prefix := fmt.Sprintf("mailvault-test/%d/", time.Now().UnixNano())
		t.Cleanup(func() {
			res, err := store.List(context.Background(), storage.ObjectListOptions{Prefix: prefix})
			if err != nil {
				return
			}
			for _, o := range res.Objects {
				_ = store.Delete(context.Background(), o.Key)
			}
		})
		return prefixedStore{inner: store, prefix: prefix}
	})
}

func TestNewObjectStore_RequiresBucket(t *testing.T) {
	_, err := s3.NewObjectStore(context.Background(), s3.Config{})
	require.Error(t, err)
}
