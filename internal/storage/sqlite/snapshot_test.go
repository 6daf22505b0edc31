package sqlite_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/mailvault/internal/storage"
	"github.com/scrypster/mailvault/internal/storage/sqlite"
)

func TestSnapshot(t *testing.T) {
	ctx := t.Context()
	db := openTestDB(t)

	require.NoError(t, db.KVStore("users").Put(ctx, "user:1", `{"email":"a@example.com"}`))
	require.NoError(t, db.ObjectStore().Put(ctx, "backups/manual/x.deflate", []byte{1, 2, 3}, nil))

	dest := filepath.Join(t.TempDir(), "snapshots", "pre-restore.db")
	require.NoError(t, db.Snapshot(ctx, dest))
	require.NoError(t, sqlite.VerifySnapshot(ctx, dest))

	// Writes after the snapshot do not reach it.
	require.NoError(t, db.KVStore("users").Put(ctx, "user:1", `{"email":"b@example.com"}`))

	copyDB, err := sqlite.Open(dest, nil)
	require.NoError(t, err)
	defer copyDB.Close()

	got, err := copyDB.KVStore("users").Get(ctx, "user:1")
	require.NoError(t, err)
	assert.Equal(t, `{"email":"a@example.com"}`, got)

	_, err = copyDB.ObjectStore().Get(ctx, "backups/manual/x.deflate")
	assert.ErrorIs(t, err, storage.ErrNotFound, "archives stay out of the snapshot")

	_, err = db.ObjectStore().Get(ctx, "backups/manual/x.deflate")
	require.NoError(t, err, "the live object table is untouched")
}

func TestSnapshot_SizeExcludesArchives(t *testing.T) {
	ctx := t.Context()
	db := openTestDB(t)

	require.NoError(t, db.KVStore("users").Put(ctx, "user:1", `{"username":"a"}`))
	blob := make([]byte, 4<<20)
	for i := range blob {
		blob[i] = byte(i * 7919)
	}
	require.NoError(t, db.ObjectStore().Put(ctx, "backups/daily/big.deflate", blob, nil))

	dest := filepath.Join(t.TempDir(), "pre-restore.db")
	require.NoError(t, db.Snapshot(ctx, dest))

	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Less(t, info.Size(), int64(len(blob)/4))
}

func TestSnapshot_ExistingDestination(t *testing.T) {
	db := openTestDB(t)
	dest := filepath.Join(t.TempDir(), "taken.db")
	require.NoError(t, os.WriteFile(dest, []byte("not a database"), 0o600))

	assert.Error(t, db.Snapshot(t.Context(), dest))
}

func TestVerifySnapshot_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.db")
	require.NoError(t, os.WriteFile(path, []byte("garbage that is not sqlite at all, padded out to look like a page"), 0o600))

	assert.Error(t, sqlite.VerifySnapshot(t.Context(), path))
}
