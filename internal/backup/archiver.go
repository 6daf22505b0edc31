package backup

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/clock"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/scrypster/mailvault/internal/codec"
	"github.com/scrypster/mailvault/internal/journal"
	"github.com/scrypster/mailvault/internal/storage"
	"github.com/scrypster/mailvault/internal/transfer"
)

// RunRecorder receives a record of every archive operation. Recording is
// best-effort: a failure is logged and never changes the operation's result.
type RunRecorder interface {
	Record(ctx context.Context, run journal.Run) error
}

// Config holds archiver configuration.
type Config struct {
	// Objects is where archives are stored.
	Objects storage.ObjectStore

	// Stores are the logical key-value stores captured in every archive.
	Stores []LogicalStore

	// Clock supplies the current time (default: clock.WallClock).
	Clock clock.Clock

	Logger *slog.Logger

	// Version is embedded in archive metadata.
	Version string

	// ExcludePrefixes overrides transfer.DefaultExcludedPrefixes when non-nil.
	ExcludePrefixes []string

	// ExportPageSize is the key listing page size (default: 1000).
	ExportPageSize int

	// ImportBatchSize bounds concurrent writes on restore (default: 100).
	ImportBatchSize int

	// MaintenanceRate caps object deletes and promotions per second during
	// cleanup and maintenance. Zero means unlimited.
	MaintenanceRate float64

	// Journal optionally records each run.
	Journal RunRecorder
}

// Archiver creates, restores, lists and prunes archives.
type Archiver struct {
	objects         storage.ObjectStore
	stores          []LogicalStore
	clock           clock.Clock
	logger          *slog.Logger
	version         string
	excludePrefixes []string
	pageSize        int
	batchSize       int
	limiter         *rate.Limiter
	journal         RunRecorder
}

// NewArchiver validates cfg and returns an archiver.
func NewArchiver(cfg Config) (*Archiver, error) {
	if cfg.Objects == nil {
		return nil, fmt.Errorf("backup: %w: object store is required", storage.ErrInvalidInput)
	}

	seen := make(map[string]bool, len(cfg.Stores))
	stores := make([]LogicalStore, 0, len(cfg.Stores))
	for _, s := range cfg.Stores {
		if s.Name == "" || s.Store == nil {
			return nil, fmt.Errorf("backup: %w: store needs a name and a backend", storage.ErrInvalidInput)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("backup: %w: duplicate store %q", storage.ErrInvalidInput, s.Name)
		}
		seen[s.Name] = true
		if s.Decode == nil {
			s.Decode = transfer.DecodeAny
		}
		stores = append(stores, s)
	}

	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	limit := rate.Inf
	if cfg.MaintenanceRate > 0 {
		limit = rate.Limit(cfg.MaintenanceRate)
	}

	return &Archiver{
		objects:         cfg.Objects,
		stores:          stores,
		clock:           cfg.Clock,
		logger:          cfg.Logger,
		version:         cfg.Version,
		excludePrefixes: cfg.ExcludePrefixes,
		pageSize:        cfg.ExportPageSize,
		batchSize:       cfg.ImportBatchSize,
		limiter:         rate.NewLimiter(limit, 1),
		journal:         cfg.Journal,
	}, nil
}

// StoreNames returns the registered store names in registration order.
func (a *Archiver) StoreNames() []string {
	names := make([]string, len(a.stores))
	for i, s := range a.stores {
		names[i] = s.Name
	}
	return names
}

// CreateFullBackup exports every registered store, compresses the result and
// uploads it under a key derived from backupType and the current time.
// Yearly archives cannot be created directly. Old archives are not pruned.
func (a *Archiver) CreateFullBackup(ctx context.Context, backupType BackupType) (string, error) {
	res, err := a.CreateBackup(ctx, backupType)
	if err != nil {
		return "", err
	}
	return res.Key, nil
}

// CreateBackup is CreateFullBackup returning the full result, including
// per-store counts of keys that could not be read or decoded.
func (a *Archiver) CreateBackup(ctx context.Context, backupType BackupType) (*BackupResult, error) {
	if !backupType.Creatable() {
		return nil, fmt.Errorf("backup: %w: cannot create %q archives", storage.ErrInvalidInput, backupType)
	}

	started := a.clock.Now()
	now := started.UTC()

	res, err := a.buildAndUpload(ctx, backupType, now)
	run := journal.Run{
		Operation:  journal.OpCreate,
		BackupType: string(backupType),
		StartedAt:  started,
		FinishedAt: a.clock.Now(),
	}
	if err != nil {
		run.Status, run.Error = journal.StatusFailed, err.Error()
		a.record(ctx, run)
		return nil, err
	}

	res.Duration = run.FinishedAt.Sub(started)
	run.BackupKey, run.Bytes = res.Key, res.CompressedSize
	a.record(ctx, run)

	a.logger.Info("backup created",
		"key", res.Key,
		"type", backupType,
		"size", humanize.Bytes(uint64(res.TotalSize)),
		"compressed", humanize.Bytes(uint64(res.CompressedSize)),
		"skipped", res.SkippedKeys(),
		"duration", res.Duration)
	return res, nil
}

func (a *Archiver) buildAndUpload(ctx context.Context, backupType BackupType, now time.Time) (*BackupResult, error) {
	sections, skipped, err := a.exportAll(ctx)
	if err != nil {
		return nil, err
	}

	data := &BackupData{
		Metadata: BackupMetadata{
			Timestamp:  now.UnixMilli(),
			Version:    a.version,
			StoreNames: a.StoreNames(),
			BackupType: backupType,
		},
		Stores: sections,
	}

	payload, err := serialize(data)
	if err != nil {
		return nil, err
	}

	compressed, err := codec.CompressBytes(payload)
	if err != nil {
		return nil, fmt.Errorf("backup: compress: %w", err)
	}

	meta := data.Metadata
	meta.CompressedSize = int64(len(compressed))

	key := BackupKey(backupType, now)
	if err := a.objects.Put(ctx, key, compressed, meta.ObjectMetadata()); err != nil {
		return nil, fmt.Errorf("backup: upload %s: %w", key, err)
	}

	return &BackupResult{
		Key:            key,
		BackupType:     backupType,
		TotalSize:      meta.TotalSize,
		CompressedSize: meta.CompressedSize,
		Skipped:        skipped,
	}, nil
}

// exportAll exports every registered store concurrently and returns the
// sections with per-store skipped-key counts. The first listing failure
// cancels the others and is returned.
func (a *Archiver) exportAll(ctx context.Context) (map[string]map[string]json.RawMessage, map[string]int, error) {
	var mu sync.Mutex
	sections := make(map[string]map[string]json.RawMessage, len(a.stores))
	skipped := make(map[string]int)

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range a.stores {
		g.Go(func() error {
			res, err := transfer.ExportStore(gctx, s.Store, transfer.ExportOptions{
				StoreName:       s.Name,
				ExcludePrefixes: a.excludePrefixes,
				PageSize:        a.pageSize,
				Decode:          s.Decode,
				Logger:          a.logger,
			})
			if err != nil {
				return err
			}
			mu.Lock()
			sections[s.Name] = res.Values
			if n := len(res.Skipped); n > 0 {
				skipped[s.Name] = n
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return sections, skipped, nil
}

// serialize marshals data with Metadata.TotalSize equal to the length of the
// returned bytes. The size field is part of the payload, so marshal until the
// length stops moving; it changes only when its own digit count does.
func serialize(data *BackupData) ([]byte, error) {
	data.Metadata.TotalSize = 0
	for range 8 {
		payload, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("backup: serialize: %w", err)
		}
		if int64(len(payload)) == data.Metadata.TotalSize {
			return payload, nil
		}
		data.Metadata.TotalSize = int64(len(payload))
	}
	return nil, fmt.Errorf("backup: serialize: payload size did not settle")
}

// RestoreResult reports what a restore wrote.
type RestoreResult struct {
	Key      string
	Metadata BackupMetadata
	Stores   map[string]transfer.ImportResult
}

// RestoreFromBackup reads the archive at key and writes each section back into
// the registered store of the same name. Stored keys are overwritten; keys
// absent from the archive are left alone. The archive itself is not modified.
//
// Sections are imported concurrently, so concurrent restores touching the same
// stores must be serialised by the caller.
func (a *Archiver) RestoreFromBackup(ctx context.Context, key string) (*RestoreResult, error) {
	started := a.clock.Now()
	res, err := a.restore(ctx, key)

	run := journal.Run{
		Operation:  journal.OpRestore,
		BackupKey:  key,
		StartedAt:  started,
		FinishedAt: a.clock.Now(),
	}
	if err != nil {
		run.Status, run.Error = journal.StatusFailed, err.Error()
	} else {
		run.BackupType = string(res.Metadata.BackupType)
		run.Bytes = res.Metadata.TotalSize
	}
	a.record(ctx, run)
	return res, err
}

func (a *Archiver) restore(ctx context.Context, key string) (*RestoreResult, error) {
	obj, err := a.objects.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("backup: restore %s: %w", key, err)
	}

	var data BackupData
	if err := codec.DecompressObject(obj.Data, &data); err != nil {
		return nil, fmt.Errorf("backup: restore %s: %w", key, err)
	}
	if data.Stores == nil {
		return nil, fmt.Errorf("backup: restore %s: %w: archive has no store sections", key, codec.ErrDecode)
	}

	registered := make(map[string]bool, len(a.stores))
	for _, s := range a.stores {
		registered[s.Name] = true
	}
	for name := range data.Stores {
		if !registered[name] {
			a.logger.Warn("restore: archive section has no registered store", "key", key, "store", name)
		}
	}

	result := &RestoreResult{
		Key:      key,
		Metadata: data.Metadata,
		Stores:   make(map[string]transfer.ImportResult, len(a.stores)),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range a.stores {
		section, ok := data.Stores[s.Name]
		if !ok {
			a.logger.Warn("restore: archive has no section for store", "key", key, "store", s.Name)
			continue
		}
		g.Go(func() error {
			imported, err := transfer.ImportStore(gctx, s.Store, section, transfer.ImportOptions{
				StoreName:       s.Name,
				ExcludePrefixes: a.excludePrefixes,
				BatchSize:       a.batchSize,
				Decode:          s.Decode,
				Logger:          a.logger,
			})
			if err != nil {
				return fmt.Errorf("backup: restore %s into %s: %w", key, s.Name, err)
			}
			mu.Lock()
			result.Stores[s.Name] = imported
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	a.logger.Info("backup restored", "key", key, "type", data.Metadata.BackupType, "stores", len(result.Stores))
	return result, nil
}

// ListBackups returns every object under prefix, newest first. Objects
// without readable metadata are included with a nil Metadata and sort last.
func (a *Archiver) ListBackups(ctx context.Context, prefix string) ([]BackupEntry, error) {
	var entries []BackupEntry

	opts := storage.ObjectListOptions{Prefix: prefix}
	for {
		page, err := a.objects.List(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("backup: list %s: %w", prefix, err)
		}
		for _, obj := range page.Objects {
			entries = append(entries, BackupEntry{
				Key:          obj.Key,
				Size:         obj.Size,
				Metadata:     MetadataFromObject(obj.Metadata),
				PromotedFrom: obj.Metadata[MetaPromotedFrom],
			})
		}
		if page.Complete || page.Cursor == "" {
			break
		}
		opts.Cursor = page.Cursor
	}

	slices.SortStableFunc(entries, func(x, y BackupEntry) int {
		return cmp.Compare(entryTimestamp(y), entryTimestamp(x))
	})
	return entries, nil
}

func entryTimestamp(e BackupEntry) int64 {
	if e.Metadata == nil {
		return 0
	}
	return e.Metadata.Timestamp
}

// Catalog lists every archive as planner input. Objects whose metadata cannot
// be read are left out since their tier and age are unknown.
func (a *Archiver) Catalog(ctx context.Context) ([]BackupFileInfo, error) {
	entries, err := a.ListBackups(ctx, KeyPrefix)
	if err != nil {
		return nil, err
	}

	infos := make([]BackupFileInfo, 0, len(entries))
	for _, e := range entries {
		if e.Metadata == nil {
			a.logger.Debug("catalog: skipping object without metadata", "key", e.Key)
			continue
		}
		infos = append(infos, BackupFileInfo{
			Key:        e.Key,
			Timestamp:  e.Metadata.Timestamp,
			BackupType: e.Metadata.BackupType,
			Size:       e.Size,
			IsPromoted: e.PromotedFrom != "",
		})
	}
	return infos, nil
}

// DeleteBackup removes the archive at key.
// Returns storage.ErrNotFound if it doesn't exist.
func (a *Archiver) DeleteBackup(ctx context.Context, key string) error {
	if _, err := a.objects.Stat(ctx, key); err != nil {
		return fmt.Errorf("backup: delete %s: %w", key, err)
	}
	if err := a.objects.Delete(ctx, key); err != nil {
		return fmt.Errorf("backup: delete %s: %w", key, err)
	}
	a.logger.Info("backup deleted", "key", key)
	return nil
}

// record hands run to the journal, if any. Errors are logged only.
func (a *Archiver) record(ctx context.Context, run journal.Run) {
	if a.journal == nil {
		return
	}
	if err := a.journal.Record(context.WithoutCancel(ctx), run); err != nil {
		a.logger.Warn("journal: failed to record run", "operation", run.Operation, "error", err)
	}
}

// throttle waits for a maintenance token.
func (a *Archiver) throttle(ctx context.Context) error {
	if err := a.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}

// isNotFound reports whether err means an object was absent.
func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
