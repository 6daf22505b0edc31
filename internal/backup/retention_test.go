package backup_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/mailvault/internal/backup"
	"github.com/scrypster/mailvault/internal/storage/memory"
)

func daysAgo(f *fixture, days float64) time.Time {
	return daysBefore(f.clock.Now(), days)
}

func TestCleanupOldBackups(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	keep := []string{
		putArchive(t, f.objects, backup.BackupTypeDaily, daysAgo(f, 7), 10),
		putArchive(t, f.objects, backup.BackupTypeWeekly, daysAgo(f, 27), 10),
		putArchive(t, f.objects, backup.BackupTypeMonthly, daysAgo(f, 300), 10),
		putArchive(t, f.objects, backup.BackupTypeManual, daysAgo(f, 29), 10),
		putArchive(t, f.objects, backup.BackupTypeYearly, daysAgo(f, 4000), 10),
	}
	drop := []string{
		// A first-of-week daily is still deleted: cleanup never promotes.
		putArchive(t, f.objects, backup.BackupTypeDaily, day(2025, 2, 23), 10),
		putArchive(t, f.objects, backup.BackupTypeWeekly, daysAgo(f, 29), 10),
		putArchive(t, f.objects, backup.BackupTypeMonthly, daysAgo(f, 366), 10),
		putArchive(t, f.objects, backup.BackupTypeManual, daysAgo(f, 31), 10),
	}
	require.NoError(t, f.objects.Put(ctx, "backups/imported/legacy.deflate", []byte("x"), nil))

	res, err := f.archiver.CleanupOldBackups(ctx)
	require.NoError(t, err)
	assert.Equal(t, 9, res.Examined)
	assert.ElementsMatch(t, drop, res.Deleted)
	assert.Empty(t, res.Failed)
	assert.Equal(t, int64(40), res.BytesFreed)

	assert.ElementsMatch(t, append(keep, "backups/imported/legacy.deflate"), f.objects.Keys())
}

func TestCleanupOldBackups_ContinuesPastFailures(t *testing.T) {
	ctx := context.Background()
	inner := memory.NewObjectStore()
	objects := &flakyObjects{ObjectStore: inner, failDelete: map[string]bool{}}
	f := newFixture(t, func(c *backup.Config) { c.Objects = objects })

	first := putArchive(t, inner, backup.BackupTypeManual, daysAgo(f, 60), 10)
	second := putArchive(t, inner, backup.BackupTypeManual, daysAgo(f, 50), 10)
	objects.failDelete[first] = true

	res, err := f.archiver.CleanupOldBackups(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{first}, res.Failed)
	assert.Equal(t, []string{second}, res.Deleted)
}

func TestPromoteBackupFiles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	created := day(2025, 3, 2)
	oldKey := putArchive(t, f.objects, backup.BackupTypeDaily, created, 64)
	original, err := f.objects.Get(ctx, oldKey)
	require.NoError(t, err)

	newKey := backup.PromotedKey(oldKey, backup.BackupTypeDaily, backup.BackupTypeWeekly)
	res, err := f.archiver.PromoteBackupFiles(ctx, []backup.Promotion{
		{OldKey: "backups/daily/2025/01/05/backup-20250105-0000.deflate", NewKey: "backups/weekly/2025/01/05/backup-20250105-0000.deflate", From: backup.BackupTypeDaily, NewType: backup.BackupTypeWeekly},
		{OldKey: oldKey, NewKey: newKey, From: backup.BackupTypeDaily, NewType: backup.BackupTypeWeekly},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{newKey}, res.Promoted)
	assert.Len(t, res.Missing, 1)
	assert.Empty(t, res.Failed)

	assert.Equal(t, []string{newKey}, f.objects.Keys())

	promoted, err := f.objects.Get(ctx, newKey)
	require.NoError(t, err)
	assert.Equal(t, original.Data, promoted.Data)
	assert.Equal(t, "weekly", promoted.Metadata[backup.MetaBackupType])
	assert.Equal(t, oldKey, promoted.Metadata[backup.MetaPromotedFrom])
	assert.Equal(t, strconv.FormatInt(fixtureStart.UnixMilli(), 10), promoted.Metadata[backup.MetaPromotedAt])
	assert.Equal(t, original.Metadata[backup.MetaTimestamp], promoted.Metadata[backup.MetaTimestamp])
	assert.Equal(t, original.Metadata[backup.MetaOriginalSize], promoted.Metadata[backup.MetaOriginalSize])

	infos, err := f.archiver.Catalog(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.True(t, infos[0].IsPromoted)
	assert.Equal(t, backup.BackupTypeWeekly, infos[0].BackupType)
	assert.Equal(t, created.UnixMilli(), infos[0].Timestamp, "promotion keeps the creation time")
}

func TestPromoteBackupFiles_FailureDoesNotStopOthers(t *testing.T) {
	ctx := context.Background()
	inner := memory.NewObjectStore()
	objects := &flakyObjects{ObjectStore: inner, failGet: map[string]bool{}}
	f := newFixture(t, func(c *backup.Config) { c.Objects = objects })

	a := putArchive(t, inner, backup.BackupTypeDaily, day(2025, 2, 23), 10)
	b := putArchive(t, inner, backup.BackupTypeDaily, day(2025, 3, 2), 10)
	objects.failGet[a] = true

	res, err := f.archiver.PromoteBackupFiles(ctx, []backup.Promotion{
		{OldKey: a, NewKey: backup.PromotedKey(a, backup.BackupTypeDaily, backup.BackupTypeWeekly), NewType: backup.BackupTypeWeekly},
		{OldKey: b, NewKey: backup.PromotedKey(b, backup.BackupTypeDaily, backup.BackupTypeWeekly), NewType: backup.BackupTypeWeekly},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{a}, res.Failed)
	assert.Len(t, res.Promoted, 1)
	assert.Contains(t, inner.Keys(), a)
}

func TestPromoteBackupFiles_KeepsDifferentArchiveAtTarget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	created := day(2025, 3, 2)
	daily := putArchive(t, f.objects, backup.BackupTypeDaily, created, 10)
	// A real weekly archive written later in the same minute shares the key.
	weekly := putArchive(t, f.objects, backup.BackupTypeWeekly, created.Add(30*time.Second), 20)
	require.Equal(t, weekly, backup.PromotedKey(daily, backup.BackupTypeDaily, backup.BackupTypeWeekly))

	res, err := f.archiver.PromoteBackupFiles(ctx, []backup.Promotion{
		{OldKey: daily, NewKey: weekly, From: backup.BackupTypeDaily, NewType: backup.BackupTypeWeekly},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{daily}, res.Failed)
	assert.Empty(t, res.Promoted)

	kept, err := f.objects.Get(ctx, weekly)
	require.NoError(t, err)
	assert.Len(t, kept.Data, 20)
	assert.Equal(t, strconv.FormatInt(created.Add(30*time.Second).UnixMilli(), 10), kept.Metadata[backup.MetaTimestamp])
	assert.Empty(t, kept.Metadata[backup.MetaPromotedFrom])
	assert.ElementsMatch(t, []string{daily, weekly}, f.objects.Keys(), "the source stays for the next run")
}

func TestPromoteBackupFiles_RerunOverLeftoverCopy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	daily := putArchive(t, f.objects, backup.BackupTypeDaily, day(2025, 3, 2), 10)
	newKey := backup.PromotedKey(daily, backup.BackupTypeDaily, backup.BackupTypeWeekly)
	src, err := f.objects.Get(ctx, daily)
	require.NoError(t, err)
	require.NoError(t, f.objects.Put(ctx, newKey, src.Data, src.Metadata))

	res, err := f.archiver.PromoteBackupFiles(ctx, []backup.Promotion{
		{OldKey: daily, NewKey: newKey, From: backup.BackupTypeDaily, NewType: backup.BackupTypeWeekly},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{newKey}, res.Promoted)
	assert.Empty(t, res.Failed)
	assert.Equal(t, []string{newKey}, f.objects.Keys())
}

func TestRunGenerationMaintenance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.clock.Advance(10 * 24 * time.Hour) // now: 2025-03-19 14:05 UTC

	sunday := putArchive(t, f.objects, backup.BackupTypeDaily, day(2025, 3, 9), 100)
	recent := putArchive(t, f.objects, backup.BackupTypeDaily, daysAgo(f, 3), 100)
	expired := putArchive(t, f.objects, backup.BackupTypeManual, daysAgo(f, 40), 300)

	t.Run("dry run changes nothing", func(t *testing.T) {
		report, err := f.archiver.RunGenerationMaintenance(ctx, true)
		require.NoError(t, err)

		assert.True(t, report.DryRun)
		require.Len(t, report.Plan.Promote, 1)
		assert.Equal(t, sunday, report.Plan.Promote[0].OldKey)
		require.Len(t, report.Plan.Delete, 1)
		assert.Equal(t, expired, report.Plan.Delete[0].Key)
		assert.Empty(t, report.Deleted)

		assert.Equal(t, 1, report.Cost.DeletedCount)
		assert.Equal(t, int64(300), report.Cost.SizeReduction)
		assert.Equal(t, 1, report.After.Counts[backup.BackupTypeWeekly])

		assert.ElementsMatch(t, []string{sunday, recent, expired}, f.objects.Keys())
	})

	t.Run("executes promotions and deletions", func(t *testing.T) {
		report, err := f.archiver.RunGenerationMaintenance(ctx, false)
		require.NoError(t, err)

		weekly := backup.PromotedKey(sunday, backup.BackupTypeDaily, backup.BackupTypeWeekly)
		assert.Equal(t, []string{weekly}, report.Promotion.Promoted)
		assert.Equal(t, []string{expired}, report.Deleted)
		assert.ElementsMatch(t, []string{weekly, recent}, f.objects.Keys())

		assert.Equal(t, 3, len(report.Plan.Keep)+len(report.Plan.Promote)+len(report.Plan.Delete))
		assert.Equal(t, 1, report.After.Counts[backup.BackupTypeDaily])
		assert.Equal(t, 1, report.After.Counts[backup.BackupTypeWeekly])
		assert.Equal(t, 0, report.After.Counts[backup.BackupTypeManual])
		assert.Equal(t, int64(300), report.Cost.SizeReduction)
	})

	t.Run("second run is a no-op", func(t *testing.T) {
		report, err := f.archiver.RunGenerationMaintenance(ctx, false)
		require.NoError(t, err)
		assert.Empty(t, report.Plan.Promote)
		assert.Empty(t, report.Plan.Delete)
	})
}

func TestMaintenance_Throttled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := newFixture(t, func(c *backup.Config) { c.MaintenanceRate = 0.001 })

	putArchive(t, f.objects, backup.BackupTypeManual, daysAgo(f, 60), 10)
	putArchive(t, f.objects, backup.BackupTypeManual, daysAgo(f, 61), 10)

	// The first delete spends the only token; the second would wait far
	// longer than the test, so cancellation must cut it short.
	time.AfterFunc(50*time.Millisecond, cancel)
	res, err := f.archiver.CleanupOldBackups(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Len(t, res.Deleted, 1)
}
