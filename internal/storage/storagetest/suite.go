// Package storagetest holds behavioural tests shared by every storage backend.
// Each backend's _test.go calls RunKVStoreTests / RunObjectStoreTests with a
// constructor returning a fresh, empty store.
package storagetest

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/mailvault/internal/storage"
)

// RunKVStoreTests exercises the storage.KVStore contract.
func RunKVStoreTests(t *testing.T, newStore func(t *testing.T) storage.KVStore) {
	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), "user:nobody")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("PutOverwrites", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		require.NoError(t, s.Put(ctx, "user:alice", `{"v":1}`))
		require.NoError(t, s.Put(ctx, "user:alice", `{"v":2}`))

		got, err := s.Get(ctx, "user:alice")
		require.NoError(t, err)
		assert.Equal(t, `{"v":2}`, got)
	})

	t.Run("Delete", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		require.NoError(t, s.Put(ctx, "k", "v"))
		require.NoError(t, s.Delete(ctx, "k"))
		require.NoError(t, s.Delete(ctx, "k"), "deleting an absent key is not an error")

		_, err := s.Get(ctx, "k")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ListPaginates", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		var want []string
		for i := 0; i < 25; i++ {
			key := fmt.Sprintf("msg:%03d", i)
			want = append(want, key)
			require.NoError(t, s.Put(ctx, key, "{}"))
		}

		got := listAllKeys(t, s, storage.KVListOptions{Limit: 10})
		assert.Equal(t, want, got)
	})

	t.Run("ListPrefix", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		for _, k := range []string{"user:a", "user:b", "session:x", "user_", "users"} {
			require.NoError(t, s.Put(ctx, k, "{}"))
		}

		got := listAllKeys(t, s, storage.KVListOptions{Prefix: "user:"})
		assert.Equal(t, []string{"user:a", "user:b"}, got)
	})

	t.Run("ListEmpty", func(t *testing.T) {
		s := newStore(t)
		res, err := s.List(context.Background(), storage.KVListOptions{})
		require.NoError(t, err)
		assert.Empty(t, res.Keys)
		assert.True(t, res.Complete)
	})
}

// RunObjectStoreTests exercises the storage.ObjectStore contract.
func RunObjectStoreTests(t *testing.T, newStore func(t *testing.T) storage.ObjectStore) {
	t.Run("PutGetStat", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		meta := map[string]string{"backup-type": "daily", "timestamp": "1700000000000"}
		require.NoError(t, s.Put(ctx, "backups/daily/a.deflate", []byte{1, 2, 3}, meta))

		obj, err := s.Get(ctx, "backups/daily/a.deflate")
		require.NoError(t, err)
		assert.Equal(t, []byte{1, 2, 3}, obj.Data)
		assert.Equal(t, meta, obj.Metadata)

		info, err := s.Stat(ctx, "backups/daily/a.deflate")
		require.NoError(t, err)
		assert.Equal(t, int64(3), info.Size)
		assert.Equal(t, meta, info.Metadata)
	})

	t.Run("GetMissing", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		_, err := s.Get(ctx, "backups/none")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = s.Stat(ctx, "backups/none")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("DeleteIsIdempotent", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		require.NoError(t, s.Put(ctx, "backups/x", []byte("x"), nil))
		require.NoError(t, s.Delete(ctx, "backups/x"))
		require.NoError(t, s.Delete(ctx, "backups/x"))

		_, err := s.Get(ctx, "backups/x")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ListPrefixAcrossPages", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		var want []string
		for i := 0; i < 7; i++ {
			key := fmt.Sprintf("backups/daily/%02d.deflate", i)
			want = append(want, key)
			require.NoError(t, s.Put(ctx, key, []byte("d"), map[string]string{"backup-type": "daily"}))
		}
		require.NoError(t, s.Put(ctx, "other/ignored", []byte("o"), nil))

		var got []string
		cursor := ""
		for {
			res, err := s.List(ctx, storage.ObjectListOptions{Prefix: "backups/", Cursor: cursor})
			require.NoError(t, err)
			for _, o := range res.Objects {
				got = append(got, o.Key)
				assert.Equal(t, "daily", o.Metadata["backup-type"])
			}
			if res.Complete {
				break
			}
			cursor = res.Cursor
		}
		sort.Strings(got)
		assert.Equal(t, want, got)
	})
}

func listAllKeys(t *testing.T, s storage.KVStore, opts storage.KVListOptions) []string {
	t.Helper()

	var keys []string
	for {
		res, err := s.List(context.Background(), opts)
		require.NoError(t, err)
		keys = append(keys, res.Keys...)
		if res.Complete {
			return keys
		}
		opts.Cursor = res.Cursor
	}
}
