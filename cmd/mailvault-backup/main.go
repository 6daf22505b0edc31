// Command mailvault-backup creates, restores and prunes mailvault archives.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/scrypster/mailvault/internal/backup"
	"github.com/scrypster/mailvault/internal/config"
	"github.com/scrypster/mailvault/internal/journal"
	"github.com/scrypster/mailvault/internal/storage"
	"github.com/scrypster/mailvault/internal/storage/postgres"
	"github.com/scrypster/mailvault/internal/storage/s3"
	"github.com/scrypster/mailvault/internal/storage/sqlite"
	"github.com/scrypster/mailvault/internal/transfer"
)

// version is stamped into archive metadata; overridden at link time.
var version = "dev"

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// run executes one command line and releases every opened handle.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	a := &app{}
	cmd := newRootCmd(a)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	return errors.Join(err, a.close())
}

// app holds the components shared by every subcommand.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	archiver *backup.Archiver
	journal  *journal.Journal
	closers  []func() error

	// kvDB is set when the live stores are embedded, for pre-restore snapshots.
	kvDB *sqlite.DB
}

func newRootCmd(a *app) *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:   "mailvault-backup",
		Short: "Compressed archives and generational retention for mailvault stores",
		Long: `mailvault-backup exports the users, messages, mailboxes and system stores
into a single compressed archive, restores archives back into the stores, and
keeps the archive set small with tiered retention and promotion.`,
		Example: `  mailvault-backup create --type manual
  mailvault-backup list --prefix backups/daily/
  mailvault-backup maintain --dry-run
  mailvault-backup serve`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = newLogger(cfg.Log, cmd.ErrOrStderr())
			slog.SetDefault(a.logger)
			return a.open(cmd.Context())
		},
	}

	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to YAML config file (default: $"+config.ConfigFileEnv+")")

	cmd.AddCommand(
		newCreateCmd(a),
		newRestoreCmd(a),
		newListCmd(a),
		newDeleteCmd(a),
		newCleanupCmd(a),
		newMaintainCmd(a),
		newStatsCmd(a),
		newHealthCmd(a),
		newHistoryCmd(a),
		newServeCmd(a),
	)

	return cmd
}

// newLogger builds the process logger from the log section.
func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.Level))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// open wires the key-value engine, the object backend, the journal and the
// archiver described by a.cfg.
func (a *app) open(ctx context.Context) error {
	cfg := a.cfg

	var embedded *sqlite.DB
	openEmbedded := func() (*sqlite.DB, error) {
		if embedded != nil {
			return embedded, nil
		}
		if err := os.MkdirAll(cfg.Storage.DataPath, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		db, err := sqlite.Open(cfg.SQLitePath(), a.logger)
		if err != nil {
			return nil, err
		}
		embedded = db
		a.closers = append(a.closers, db.Close)
		return db, nil
	}

	var kv func(name string) storage.KVStore
	switch cfg.Storage.Engine {
	case "postgres":
		pg, err := postgres.Open(cfg.Storage.PostgresDSN)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, pg.Close)
		a.logger.Debug("postgres: connected", "dsn", postgres.RedactDSN(cfg.Storage.PostgresDSN))
		kv = func(name string) storage.KVStore { return pg.KVStore(name) }
	default:
		db, err := openEmbedded()
		if err != nil {
			return err
		}
		a.kvDB = db
		kv = func(name string) storage.KVStore { return db.KVStore(name) }
	}

	var objects storage.ObjectStore
	switch cfg.Objects.Backend {
	case "s3":
		store, err := s3.NewObjectStore(ctx, s3.Config{
			Bucket:   cfg.Objects.Bucket,
			Region:   cfg.Objects.Region,
			Endpoint: cfg.Objects.Endpoint,
		})
		if err != nil {
			return err
		}
		objects = store
	default:
		db, err := openEmbedded()
		if err != nil {
			return err
		}
		objects = db.ObjectStore().WithPageSize(cfg.Backup.ExportPageSize)
	}

	if cfg.Breaker.Enabled {
		objects = storage.NewBreakerObjectStore(objects, storage.BreakerConfig{
			MaxFailures: uint32(cfg.Breaker.MaxFailures),
			Timeout:     cfg.BreakerTimeout(),
		}, a.logger)
	}

	var recorder backup.RunRecorder
	if cfg.Backup.JournalEnabled {
		db, err := openEmbedded()
		if err != nil {
			return err
		}
		j, err := journal.New(db.SQL(), a.logger)
		if err != nil {
			return err
		}
		a.journal = j
		recorder = j
	}

	archiver, err := backup.NewArchiver(backup.Config{
		Objects: objects,
		Stores: []backup.LogicalStore{
			{Name: backup.StoreUsers, Store: kv(backup.StoreUsers), Decode: transfer.DecodeObject},
			{Name: backup.StoreMessages, Store: kv(backup.StoreMessages), Decode: transfer.DecodeObject},
			{Name: backup.StoreMailboxes, Store: kv(backup.StoreMailboxes), Decode: transfer.DecodeObjectOrArray},
			{Name: backup.StoreSystem, Store: kv(backup.StoreSystem)},
		},
		Logger:          a.logger,
		Version:         version,
		ExportPageSize:  cfg.Backup.ExportPageSize,
		ImportBatchSize: cfg.Backup.ImportBatchSize,
		MaintenanceRate: cfg.Backup.MaintenanceRate,
		Journal:         recorder,
	})
	if err != nil {
		return err
	}
	a.archiver = archiver
	return nil
}

// newService builds the scheduler over the shared archiver.
func (a *app) newService() (*backup.Service, error) {
	backupType, err := backup.ParseBackupType(a.cfg.Backup.Type)
	if err != nil {
		return nil, err
	}
	scfg := backup.ServiceConfig{
		Interval:     a.cfg.BackupInterval(),
		BackupType:   backupType,
		Generational: a.cfg.Backup.Generational,
		Logger:       a.logger,
	}
	if a.journal != nil {
		scfg.History = a.journal
	}
	return backup.NewService(a.archiver, scfg)
}

// close releases every opened handle once, in reverse order.
func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
