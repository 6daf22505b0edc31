package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/scrypster/mailvault/internal/backup"
)

func newCreateCmd(a *app) *cobra.Command {
	var backupType string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a full archive of every store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := backup.ParseBackupType(backupType)
			if err != nil {
				return err
			}

			start := time.Now()
			res, err := a.archiver.CreateBackup(cmd.Context(), t)
			if err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Backup completed successfully:")
			fmt.Fprintf(out, "  Key: %s\n", res.Key)
			fmt.Fprintf(out, "  Duration: %v\n", time.Since(start).Round(time.Millisecond))
			if n := res.SkippedKeys(); n > 0 {
				fmt.Fprintf(out, "  Skipped: %d unreadable key(s) not archived\n", n)
				for _, name := range sortedKeys(res.Skipped) {
					fmt.Fprintf(out, "    %-10s %d\n", name, res.Skipped[name])
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&backupType, "type", string(backup.BackupTypeManual), "archive tier (daily, weekly, monthly or manual)")
	return cmd
}

func newRestoreCmd(a *app) *cobra.Command {
	var snapshot bool

	cmd := &cobra.Command{
		Use:   "restore <key>",
		Short: "Restore every store from an archive",
		Long: `Restore writes every entry of the archive back into its store. Keys that
exist in the store but not in the archive are left untouched.

With the sqlite engine, a verified copy of the key-value stores is written to
<data_path>/snapshots first so the restore itself can be undone. Archives held
in the same database are not copied into the snapshot.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			if snapshot && a.kvDB != nil {
				path := filepath.Join(a.cfg.Storage.DataPath, "snapshots",
					"pre-restore-"+time.Now().UTC().Format("20060102-150405")+".db")
				if err := a.kvDB.Snapshot(cmd.Context(), path); err != nil {
					return fmt.Errorf("pre-restore snapshot failed: %w", err)
				}
				fmt.Fprintf(out, "Snapshot: %s\n", path)
			}

			res, err := a.archiver.RestoreFromBackup(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}

			fmt.Fprintf(out, "Restored %s (created %s, version %s)\n",
				res.Key,
				res.Metadata.Time().Format(time.RFC3339),
				res.Metadata.Version)
			for _, name := range sortedKeys(res.Stores) {
				r := res.Stores[name]
				fmt.Fprintf(out, "  %-10s written=%d failed=%d excluded=%d\n", name, r.Written, r.Failed, r.Excluded)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&snapshot, "snapshot", true, "snapshot the embedded database before restoring")
	return cmd
}

func newListCmd(a *app) *cobra.Command {
	var prefix string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List archives, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := a.archiver.ListBackups(cmd.Context(), prefix)
			if err != nil {
				return fmt.Errorf("failed to list backups: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "No backups found")
				return nil
			}

			fmt.Fprintf(out, "Found %d backup(s):\n\n", len(entries))
			for i, e := range entries {
				fmt.Fprintf(out, "%d. %s\n", i+1, e.Key)
				fmt.Fprintf(out, "   Size: %s\n", humanize.Bytes(uint64(e.Size)))
				if e.Metadata != nil {
					created := e.Metadata.Time()
					fmt.Fprintf(out, "   Type: %s\n", e.Metadata.BackupType)
					fmt.Fprintf(out, "   Created: %s (%s)\n", created.Format(time.RFC3339), humanize.Time(created))
				}
				if e.PromotedFrom != "" {
					fmt.Fprintf(out, "   Promoted from: %s\n", e.PromotedFrom)
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&prefix, "prefix", backup.KeyPrefix, "only list keys with this prefix")
	return cmd
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete one archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.archiver.DeleteBackup(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		},
	}
}

func newCleanupCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete archives past their tier's retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.archiver.CleanupOldBackups(cmd.Context())
			if err != nil {
				return fmt.Errorf("cleanup failed: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Examined %d archive(s), deleted %d, freed %s\n",
				res.Examined, len(res.Deleted), humanize.Bytes(uint64(res.BytesFreed)))
			printKeys(out, "Deleted", res.Deleted)
			printKeys(out, "Failed", res.Failed)
			if len(res.Failed) > 0 {
				return fmt.Errorf("%d archive(s) could not be deleted", len(res.Failed))
			}
			return nil
		},
	}
}

func newMaintainCmd(a *app) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "maintain",
		Short: "Promote and prune archives by generation",
		Long: `Maintain promotes first-of-period archives to the next tier before they
expire, deletes what is past retention, and reports the storage saved.
Use --dry-run to see the plan without changing anything.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := a.archiver.RunGenerationMaintenance(cmd.Context(), dryRun)
			if err != nil {
				return fmt.Errorf("maintenance failed: %w", err)
			}

			out := cmd.OutOrStdout()
			if report.DryRun {
				fmt.Fprintln(out, "Dry run: no archives were changed")
			}
			for _, p := range report.Plan.Promote {
				fmt.Fprintf(out, "promote %s -> %s\n", p.OldKey, p.NewKey)
			}
			for _, d := range report.Plan.Delete {
				fmt.Fprintf(out, "delete  %s\n", d.Key)
			}
			fmt.Fprintf(out, "Kept %d, promoted %d, deleted %d\n",
				len(report.Plan.Keep), len(report.Plan.Promote), len(report.Plan.Delete))
			fmt.Fprintf(out, "Saved %s (%s per month)\n",
				humanize.Bytes(uint64(max(report.Cost.SizeReduction, 0))),
				formatDollars(report.Cost.CostReduction))
			printCounts(out, report.Cost.RetentionSummary)

			if !report.DryRun && report.Promotion != nil && len(report.Promotion.Failed)+len(report.DeleteFailed) > 0 {
				return fmt.Errorf("%d promotion(s) and %d deletion(s) failed",
					len(report.Promotion.Failed), len(report.DeleteFailed))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report the plan without promoting or deleting")
	return cmd
}

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show archive counts, size and monthly cost",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			infos, err := a.archiver.Catalog(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list backups: %w", err)
			}
			stats := backup.GetGenerationStatistics(infos)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Archives: %d\n", len(infos))
			fmt.Fprintf(out, "Total size: %s\n", humanize.Bytes(uint64(stats.TotalSize)))
			fmt.Fprintf(out, "Monthly cost: %s\n", formatDollars(backup.MonthlyCost(stats.TotalSize)))
			if !stats.Oldest.IsZero() {
				fmt.Fprintf(out, "Oldest: %s\n", stats.Oldest.Format(time.RFC3339))
				fmt.Fprintf(out, "Newest: %s\n", stats.Newest.Format(time.RFC3339))
			}
			printCounts(out, stats.Counts)
			return nil
		},
	}
}

func newHealthCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check backup health and exit non-zero when unhealthy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.newService()
			if err != nil {
				return err
			}
			health, err := svc.HealthCheck(cmd.Context())
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Status: %s\n", health.Status)
			if health.Message != "" {
				fmt.Fprintf(out, "Message: %s\n", health.Message)
			}
			fmt.Fprintf(out, "Total Backups: %d\n", health.TotalBackups)
			fmt.Fprintf(out, "Storage Used: %s\n", humanize.Bytes(uint64(health.BytesUsed)))
			if !health.LastBackup.IsZero() {
				fmt.Fprintf(out, "Last Backup: %s (%s)\n",
					health.LastBackup.Format(time.RFC3339), humanize.Time(health.LastBackup))
			} else {
				fmt.Fprintln(out, "Last Backup: Never")
			}

			if health.Status != "healthy" {
				return errors.New(health.Message)
			}
			return nil
		},
	}
}

func newHistoryCmd(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent runs from the journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.journal == nil {
				return errors.New("the run journal is disabled")
			}
			runs, err := a.journal.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded")
				return nil
			}
			for _, r := range runs {
				line := fmt.Sprintf("%s  %-8s %-7s %s", r.StartedAt.UTC().Format(time.RFC3339), r.Operation, r.Status, r.Duration().Round(time.Millisecond))
				if r.BackupKey != "" {
					line += "  " + r.BackupKey
				}
				if r.Error != "" {
					line += "  error: " + r.Error
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to show")
	return cmd
}

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled backups until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.newService()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a.logger.Info("mailvault backup service started, press Ctrl+C to stop")
			err = svc.Start(ctx)
			if errors.Is(err, context.Canceled) {
				a.logger.Info("backup service stopped")
				return nil
			}
			return err
		},
	}
}

func printKeys(w io.Writer, label string, keys []string) {
	if len(keys) == 0 {
		return
	}
	fmt.Fprintf(w, "%s:\n", label)
	for _, k := range keys {
		fmt.Fprintf(w, "  %s\n", k)
	}
}

func printCounts(w io.Writer, counts map[backup.BackupType]int) {
	parts := make([]string, 0, len(backup.AllBackupTypes))
	for _, t := range backup.AllBackupTypes {
		parts = append(parts, fmt.Sprintf("%s=%d", t, counts[t]))
	}
	fmt.Fprintf(w, "Per tier: %s\n", strings.Join(parts, " "))
}

func formatDollars(v float64) string {
	return "$" + humanize.FormatFloat("#,###.####", v)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
