package transfer

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/scrypster/mailvault/internal/storage"
)

// DefaultBatchSize is the number of concurrent writes per import batch.
const DefaultBatchSize = 100

// ImportOptions configures ImportStore.
type ImportOptions struct {
	// StoreName labels log entries.
	StoreName string

	// ExcludePrefixes lists key prefixes that are never written. Nil means
	// DefaultExcludedPrefixes.
	ExcludePrefixes []string

	// BatchSize bounds in-flight writes (default: DefaultBatchSize).
	BatchSize int

	// Decode validates each value before it is written (default: DecodeAny).
	Decode DecodeFunc

	Logger *slog.Logger
}

// ImportResult summarises an import.
type ImportResult struct {
	Written  int
	Failed   int
	Excluded int
}

// ImportStore writes data into store with overwrite semantics: every key in
// data replaces the stored value; keys absent from data are left alone.
//
// Keys are written in sorted batches of BatchSize. Writes within a batch run
// concurrently and are joined before the next batch starts. A failed write is
// logged and counted; only context cancellation stops the import early.
func ImportStore(ctx context.Context, store storage.KVStore, data map[string]json.RawMessage, opts ImportOptions) (ImportResult, error) {
	opts = opts.withDefaults()
	log := opts.Logger.With("store", opts.StoreName)

	var result ImportResult
	keys := make([]string, 0, len(data))
	for k := range data {
		if hasAnyPrefix(k, opts.ExcludePrefixes) {
			result.Excluded++
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var mu sync.Mutex
	for start := 0; start < len(keys); start += opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		end := min(start+opts.BatchSize, len(keys))

		var wg sync.WaitGroup
		for _, key := range keys[start:end] {
			wg.Add(1)
			go func() {
				defer wg.Done()

				ok := importKey(ctx, store, key, data[key], opts.Decode, log)

				mu.Lock()
				if ok {
					result.Written++
				} else {
					result.Failed++
				}
				mu.Unlock()
			}()
		}
		wg.Wait()
	}

	log.Debug("import complete", "written", result.Written, "failed", result.Failed, "excluded", result.Excluded)
	return result, nil
}

func importKey(ctx context.Context, store storage.KVStore, key string, raw json.RawMessage, decode DecodeFunc, log *slog.Logger) bool {
	value, err := decode(key, raw)
	if err != nil {
		log.Warn("import: failed to decode key", "key", key, "error", err)
		return false
	}
	if err := store.Put(ctx, key, string(value)); err != nil {
		log.Warn("import: failed to write key", "key", key, "error", err)
		return false
	}
	return true
}

func (o ImportOptions) withDefaults() ImportOptions {
	if o.ExcludePrefixes == nil {
		o.ExcludePrefixes = DefaultExcludedPrefixes
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.Decode == nil {
		o.Decode = DecodeAny
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}
