package transfer_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/mailvault/internal/codec"
	"github.com/scrypster/mailvault/internal/storage"
	"github.com/scrypster/mailvault/internal/storage/memory"
	"github.com/scrypster/mailvault/internal/transfer"
)

func seed(t *testing.T, s storage.KVStore, kv map[string]string) {
	t.Helper()
	for k, v := range kv {
		require.NoError(t, s.Put(context.Background(), k, v))
	}
}

func TestExportStore_SkipsExcludedPrefixes(t *testing.T) {
	s := memory.NewKVStore()
	seed(t, s, map[string]string{
		"user:alice":        `{"email":"alice@example.com"}`,
		"user:bob":          `{"email":"bob@example.com"}`,
		"session:abc":       `{"uid":"alice"}`,
		"rate_limit:1.2.3.": `{"n":4}`,
	})

	res, err := transfer.ExportStore(context.Background(), s, transfer.ExportOptions{StoreName: "users"})
	require.NoError(t, err)
	got := res.Values

	assert.Len(t, got, 2)
	assert.Equal(t, 2, res.Excluded)
	assert.Empty(t, res.Skipped)
	assert.JSONEq(t, `{"email":"alice@example.com"}`, string(got["user:alice"]))
	assert.Contains(t, got, "user:bob", "keys keep their full namespaced name")
	assert.NotContains(t, got, "session:abc")
	assert.NotContains(t, got, "rate_limit:1.2.3.")
}

func TestExportStore_PaginatesSequentially(t *testing.T) {
	s := &cursorCheckingStore{KVStore: memory.NewKVStore()}
	for i := 0; i < 2500; i++ {
		require.NoError(t, s.Put(context.Background(), fmt.Sprintf("msg:%05d", i), `{}`))
	}

	got, err := transfer.ExportStore(context.Background(), s, transfer.ExportOptions{})
	require.NoError(t, err)
	assert.Len(t, got.Values, 2500)
	assert.Equal(t, 3, s.pages, "1000-key pages")
}

func TestExportStore_CorruptValueIsSkipped(t *testing.T) {
	s := memory.NewKVStore()
	seed(t, s, map[string]string{
		"msg:1": `{"subject":"ok"}`,
		"msg:2": `{"subject":`,
		"msg:3": `[1,2,3]`,
	})

	got, err := transfer.ExportStore(context.Background(), s, transfer.ExportOptions{Decode: transfer.DecodeObject})
	require.NoError(t, err)
	assert.Equal(t, []string{"msg:1"}, keysOf(got.Values))
	assert.ElementsMatch(t, []string{"msg:2", "msg:3"}, got.Skipped)
}

func TestExportStore_GetFailureIsSkipped(t *testing.T) {
	inner := memory.NewKVStore()
	seed(t, inner, map[string]string{"a": `1`, "b": `2`, "c": `3`})
	s := &failingStore{KVStore: inner, failGet: map[string]bool{"b": true}}

	got, err := transfer.ExportStore(context.Background(), s, transfer.ExportOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, keysOf(got.Values))
	assert.Equal(t, []string{"b"}, got.Skipped)
}

func TestExportStore_ListFailureAborts(t *testing.T) {
	s := &failingStore{KVStore: memory.NewKVStore(), failList: true}

	_, err := transfer.ExportStore(context.Background(), s, transfer.ExportOptions{StoreName: "users"})
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrStoreIO)
}

func TestImportStore_OverwritesWithoutDeleting(t *testing.T) {
	ctx := context.Background()
	s := memory.NewKVStore()
	seed(t, s, map[string]string{
		"user:alice": `{"v":"old"}`,
		"user:carol": `{"v":"untouched"}`,
	})

	res, err := transfer.ImportStore(ctx, s, map[string]json.RawMessage{
		"user:alice": json.RawMessage(`{"v":"new"}`),
		"user:bob":   json.RawMessage(`{"v":"added"}`),
	}, transfer.ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Written)

	assert.Equal(t, map[string]string{
		"user:alice": `{"v":"new"}`,
		"user:bob":   `{"v":"added"}`,
		"user:carol": `{"v":"untouched"}`,
	}, s.Snapshot())
}

func TestImportStore_NeverWritesExcludedPrefixes(t *testing.T) {
	s := memory.NewKVStore()
	res, err := transfer.ImportStore(context.Background(), s, map[string]json.RawMessage{
		"session:live": json.RawMessage(`{}`),
		"user:a":       json.RawMessage(`{}`),
	}, transfer.ImportOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Excluded)
	assert.Equal(t, []string{"user:a"}, keysOf(toRaw(s.Snapshot())))
}

func TestImportStore_BoundsConcurrencyPerBatch(t *testing.T) {
	s := &concurrencyStore{KVStore: memory.NewKVStore()}

	data := make(map[string]json.RawMessage)
	for i := 0; i < 250; i++ {
		data[fmt.Sprintf("k%03d", i)] = json.RawMessage(`{}`)
	}

	res, err := transfer.ImportStore(context.Background(), s, data, transfer.ImportOptions{BatchSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 250, res.Written)
	assert.LessOrEqual(t, s.maxInFlight.Load(), int64(10))
}

func TestImportStore_PutFailureIsSkipped(t *testing.T) {
	s := &failingStore{KVStore: memory.NewKVStore(), failPut: map[string]bool{"b": true}}

	res, err := transfer.ImportStore(context.Background(), s, map[string]json.RawMessage{
		"a": json.RawMessage(`1`),
		"b": json.RawMessage(`2`),
		"c": json.RawMessage(`3`),
	}, transfer.ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Written)
	assert.Equal(t, 1, res.Failed)
}

func TestImportStore_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := transfer.ImportStore(ctx, memory.NewKVStore(), map[string]json.RawMessage{
		"a": json.RawMessage(`1`),
	}, transfer.ImportOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}

// Importing an export into an empty store and exporting again yields the
// original mapping, whatever order keys were iterated in.
func TestExportImport_Idempotent(t *testing.T) {
	ctx := context.Background()
	a := memory.NewKVStore()
	seed(t, a, map[string]string{
		"user:alice":  `{"email":"alice@example.com","roles":["admin"]}`,
		"user:bob":    `{"email": "bob@example.com"}`,
		"session:zzz": `{"ephemeral":true}`,
		"count":       `42`,
	})

	exported, err := transfer.ExportStore(ctx, a, transfer.ExportOptions{})
	require.NoError(t, err)

	b := memory.NewKVStore()
	_, err = transfer.ImportStore(ctx, b, exported.Values, transfer.ImportOptions{})
	require.NoError(t, err)

	reexported, err := transfer.ExportStore(ctx, b, transfer.ExportOptions{})
	require.NoError(t, err)
	assert.Equal(t, exported.Values, reexported.Values)
}

func TestDecodeObjectOrArray(t *testing.T) {
	v, err := transfer.DecodeObjectOrArray("inbox:alice@example.com", []byte(`[ "m1", "m2" ]`))
	require.NoError(t, err)
	assert.Equal(t, `["m1","m2"]`, string(v))

	v, err = transfer.DecodeObjectOrArray("inbox:bob@example.com", []byte(`{"ids":[]}`))
	require.NoError(t, err)
	assert.Equal(t, `{"ids":[]}`, string(v))

	for _, raw := range []string{`null`, `"m1"`, `42`, `[1,`} {
		_, err := transfer.DecodeObjectOrArray("inbox:x", []byte(raw))
		assert.ErrorIs(t, err, codec.ErrDecode, raw)
	}
}

func TestDecodeAny(t *testing.T) {
	_, err := transfer.DecodeAny("k", []byte(`not json`))
	assert.ErrorIs(t, err, codec.ErrDecode)

	v, err := transfer.DecodeAny("k", []byte(` "text" `))
	require.NoError(t, err)
	assert.Equal(t, `"text"`, string(v))
}

// cursorCheckingStore fails if a page is requested with a cursor other than
// the one returned by the previous page.
type cursorCheckingStore struct {
	storage.KVStore
	pages      int
	lastCursor string
}

func (s *cursorCheckingStore) List(ctx context.Context, opts storage.KVListOptions) (*storage.KVListResult, error) {
	if opts.Cursor != s.lastCursor {
		return nil, errors.New("out-of-order page request")
	}
	res, err := s.KVStore.List(ctx, opts)
	if err != nil {
		return nil, err
	}
	s.pages++
	s.lastCursor = res.Cursor
	return res, nil
}

type failingStore struct {
	storage.KVStore
	failList bool
	failGet  map[string]bool
	failPut  map[string]bool
}

func (s *failingStore) List(ctx context.Context, opts storage.KVListOptions) (*storage.KVListResult, error) {
	if s.failList {
		return nil, fmt.Errorf("list: %w", storage.ErrStoreIO)
	}
	return s.KVStore.List(ctx, opts)
}

func (s *failingStore) Get(ctx context.Context, key string) (string, error) {
	if s.failGet[key] {
		return "", fmt.Errorf("get %s: %w", key, storage.ErrStoreIO)
	}
	return s.KVStore.Get(ctx, key)
}

func (s *failingStore) Put(ctx context.Context, key, value string) error {
	if s.failPut[key] {
		return fmt.Errorf("put %s: %w", key, storage.ErrStoreIO)
	}
	return s.KVStore.Put(ctx, key, value)
}

type concurrencyStore struct {
	storage.KVStore
	inFlight    atomic.Int64
	maxInFlight atomic.Int64
	mu          sync.Mutex
}

func (s *concurrencyStore) Put(ctx context.Context, key, value string) error {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	s.mu.Lock()
	if n > s.maxInFlight.Load() {
		s.maxInFlight.Store(n)
	}
	s.mu.Unlock()

	time.Sleep(time.Millisecond)
	return s.KVStore.Put(ctx, key, value)
}

func keysOf(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func toRaw(m map[string]string) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(m))
	for k, v := range m {
		out[k] = json.RawMessage(v)
	}
	return out
}
