package backup_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/mailvault/internal/backup"
	"github.com/scrypster/mailvault/internal/journal"
	"github.com/scrypster/mailvault/internal/storage/sqlite"
)

func TestNewService_Defaults(t *testing.T) {
	f := newFixture(t)

	_, err := backup.NewService(nil, backup.ServiceConfig{})
	assert.Error(t, err)

	_, err = backup.NewService(f.archiver, backup.ServiceConfig{BackupType: backup.BackupTypeYearly})
	assert.Error(t, err)

	svc, err := backup.NewService(f.archiver, backup.ServiceConfig{})
	require.NoError(t, err)

	status, err := svc.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "No backups yet", status.Message)
	assert.Zero(t, status.TotalBackups)
}

func TestService_BackupNowCleansUp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t)
	stale := putArchive(t, f.objects, backup.BackupTypeDaily, daysAgo(f, 9), 10)

	svc, err := backup.NewService(f.archiver, backup.ServiceConfig{})
	require.NoError(t, err)

	result, err := svc.BackupNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, backup.BackupTypeDaily, result.BackupType)
	assert.Positive(t, result.TotalSize)
	assert.Positive(t, result.CompressedSize)

	assert.Equal(t, []string{result.Key}, f.objects.Keys())
	assert.NotContains(t, f.objects.Keys(), stale)

	status, err := svc.HealthCheck(ctx)
	require.NoError(t, err)
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, 1, status.TotalBackups)
	assert.Equal(t, result.CompressedSize, status.BytesUsed)
	assert.True(t, status.LastBackup.Equal(fixtureStart))
}

func TestService_GenerationalPromotes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.clock.Advance(10 * 24 * time.Hour)
	sunday := putArchive(t, f.objects, backup.BackupTypeDaily, day(2025, 3, 9), 10)

	svc, err := backup.NewService(f.archiver, backup.ServiceConfig{Generational: true})
	require.NoError(t, err)

	_, err = svc.BackupNow(ctx)
	require.NoError(t, err)
	assert.Contains(t, f.objects.Keys(), backup.PromotedKey(sunday, backup.BackupTypeDaily, backup.BackupTypeWeekly))
	assert.NotContains(t, f.objects.Keys(), sunday)
}

func TestService_HealthCheckOverdue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	svc, err := backup.NewService(f.archiver, backup.ServiceConfig{Interval: time.Hour})
	require.NoError(t, err)
	_, err = svc.BackupNow(ctx)
	require.NoError(t, err)

	f.clock.Advance(3 * time.Hour)

	status, err := svc.HealthCheck(ctx)
	require.NoError(t, err)
	assert.Equal(t, "warning", status.Status)
	assert.Contains(t, status.Message, "overdue")
}

func TestService_HealthCheckUsesHistoryAfterRestart(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "mailvault.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	j, err := journal.New(db.SQL(), nil)
	require.NoError(t, err)

	f := newFixture(t, func(c *backup.Config) { c.Journal = j })
	_, err = f.archiver.CreateFullBackup(ctx, backup.BackupTypeDaily)
	require.NoError(t, err)

	// A fresh service has no in-memory state; the journal supplies it.
	svc, err := backup.NewService(f.archiver, backup.ServiceConfig{History: j})
	require.NoError(t, err)

	status, err := svc.HealthCheck(ctx)
	require.NoError(t, err)
	assert.True(t, status.LastBackup.Equal(fixtureStart), "got %v", status.LastBackup)
	assert.Equal(t, 1, status.TotalBackups)
}

func TestService_StartRunsOnInterval(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	svc, err := backup.NewService(f.archiver, backup.ServiceConfig{Interval: time.Hour})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- svc.Start(context.Background()) }()

	require.NoError(t, f.clock.WaitAdvance(time.Hour, time.Second, 1))
	require.Eventually(t, func() bool { return len(f.objects.Keys()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, backup.BackupKey(backup.BackupTypeDaily, fixtureStart.Add(time.Hour)), f.objects.Keys()[0])

	require.NoError(t, svc.Stop())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("service did not stop")
	}

	assert.Error(t, svc.Stop(), "stopping twice fails")
}

func TestService_StartTwiceFails(t *testing.T) {
	f := newFixture(t)
	svc, err := backup.NewService(f.archiver, backup.ServiceConfig{Interval: time.Hour})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	// The loop is running once it waits on the clock.
	require.NoError(t, f.clock.WaitAdvance(0, time.Second, 1))
	assert.Error(t, svc.Start(ctx))

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
