package backup

import (
	"context"
	"fmt"

	"github.com/scrypster/mailvault/internal/journal"
)

// CleanupRetentionDays are the age limits applied by CleanupOldBackups.
// Yearly archives are never pruned by cleanup.
var CleanupRetentionDays = map[BackupType]float64{
	BackupTypeDaily:   7,
	BackupTypeWeekly:  28,
	BackupTypeMonthly: 365,
	BackupTypeManual:  ManualRetentionDays,
}

// CleanupOldBackups deletes archives older than their tier's age limit. It
// never promotes. A failed delete is logged and the sweep continues; only a
// listing failure or cancellation is returned.
func (a *Archiver) CleanupOldBackups(ctx context.Context) (*CleanupResult, error) {
	started := a.clock.Now()
	res, err := a.cleanup(ctx)

	run := journal.Run{Operation: journal.OpCleanup, StartedAt: started, FinishedAt: a.clock.Now()}
	if err != nil {
		run.Status, run.Error = journal.StatusFailed, err.Error()
	}
	if res != nil {
		run.Bytes = res.BytesFreed
	}
	a.record(ctx, run)
	return res, err
}

func (a *Archiver) cleanup(ctx context.Context) (*CleanupResult, error) {
	backups, err := a.Catalog(ctx)
	if err != nil {
		return nil, fmt.Errorf("backup: cleanup: %w", err)
	}

	now := a.clock.Now()
	res := &CleanupResult{Examined: len(backups)}

	for _, b := range backups {
		limit, ok := CleanupRetentionDays[b.BackupType]
		if !ok || ageInDays(b.Timestamp, now) <= limit {
			continue
		}

		if err := a.throttle(ctx); err != nil {
			return res, err
		}
		if err := a.objects.Delete(ctx, b.Key); err != nil {
			a.logger.Warn("cleanup: failed to delete archive", "key", b.Key, "error", err)
			res.Failed = append(res.Failed, b.Key)
			continue
		}
		a.logger.Debug("cleanup: deleted archive", "key", b.Key, "type", b.BackupType)
		res.Deleted = append(res.Deleted, b.Key)
		res.BytesFreed += b.Size
	}

	a.logger.Info("cleanup complete", "examined", res.Examined, "deleted", len(res.Deleted), "failed", len(res.Failed))
	return res, nil
}
