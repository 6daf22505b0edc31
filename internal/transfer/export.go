// Package transfer moves the full contents of a logical key-value store in and
// out of memory: paginated export that skips ephemeral keys, and batched
// overwrite import. A single bad key is logged and skipped; it never aborts
// the whole transfer.
package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/scrypster/mailvault/internal/storage"
)

// DefaultExcludedPrefixes are ephemeral key families that must never be
// captured in a backup or restored over live state.
var DefaultExcludedPrefixes = []string{"session:", "rate_limit:"}

// DefaultPageSize is the listing page size used by ExportStore.
const DefaultPageSize = storage.DefaultKVPageSize

// ExportOptions configures ExportStore.
type ExportOptions struct {
	// StoreName labels log entries.
	StoreName string

	// ExcludePrefixes lists key prefixes to skip. Nil means
	// DefaultExcludedPrefixes; an empty non-nil slice excludes nothing.
	ExcludePrefixes []string

	// PageSize is the listing page size (default: DefaultPageSize).
	PageSize int

	// Decode validates each value (default: DecodeAny).
	Decode DecodeFunc

	Logger *slog.Logger
}

// ExportResult holds an exported store.
type ExportResult struct {
	// Values maps each full key name to its canonical JSON value.
	Values map[string]json.RawMessage

	Excluded int

	// Skipped lists keys that could not be read or decoded, in listing order.
	Skipped []string
}

// ExportStore reads every key of store, except excluded ones, keyed by the
// full key name. Pages are fetched strictly in sequence because each page's
// cursor comes from the previous one. A listing failure aborts the export; a
// get or decode failure only skips that key and records it in Skipped.
func ExportStore(ctx context.Context, store storage.KVStore, opts ExportOptions) (ExportResult, error) {
	opts = opts.withDefaults()
	log := opts.Logger.With("store", opts.StoreName)

	result := ExportResult{Values: make(map[string]json.RawMessage)}

	listOpts := storage.KVListOptions{Limit: opts.PageSize}
	for {
		page, err := store.List(ctx, listOpts)
		if err != nil {
			return ExportResult{}, fmt.Errorf("transfer: list %s: %w", opts.StoreName, err)
		}

		for _, key := range page.Keys {
			if hasAnyPrefix(key, opts.ExcludePrefixes) {
				result.Excluded++
				continue
			}

			raw, err := store.Get(ctx, key)
			if errors.Is(err, storage.ErrNotFound) {
				// Deleted between list and get.
				continue
			}
			if err != nil {
				log.Warn("export: failed to read key", "key", key, "error", err)
				result.Skipped = append(result.Skipped, key)
				continue
			}

			value, err := opts.Decode(key, []byte(raw))
			if err != nil {
				log.Warn("export: failed to decode key", "key", key, "error", err)
				result.Skipped = append(result.Skipped, key)
				continue
			}
			result.Values[key] = value
		}

		if page.Complete || page.Cursor == "" {
			break
		}
		listOpts.Cursor = page.Cursor
	}

	if len(result.Skipped) > 0 {
		log.Warn("export: keys left out of the archive", "skipped", len(result.Skipped))
	}
	log.Debug("export complete", "keys", len(result.Values), "excluded", result.Excluded, "skipped", len(result.Skipped))
	return result, nil
}

func (o ExportOptions) withDefaults() ExportOptions {
	if o.ExcludePrefixes == nil {
		o.ExcludePrefixes = DefaultExcludedPrefixes
	}
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.Decode == nil {
		o.Decode = DecodeAny
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

func hasAnyPrefix(key string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}
