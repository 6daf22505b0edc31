package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/clock"

	"github.com/scrypster/mailvault/internal/journal"
	"github.com/scrypster/mailvault/internal/storage"
)

// RunHistory looks up past runs. *journal.Journal implements it.
type RunHistory interface {
	LastRun(ctx context.Context, operation, status string) (*journal.Run, error)
}

// ServiceConfig holds scheduled backup configuration.
type ServiceConfig struct {
	// Interval is the duration between automated backups (default: 24 hours)
	Interval time.Duration

	// BackupType is the tier of scheduled archives (default: daily)
	BackupType BackupType

	// Generational runs generation maintenance after each backup instead of
	// plain age-based cleanup.
	Generational bool

	// History seeds the last backup time after a restart (optional)
	History RunHistory

	Clock  clock.Clock
	Logger *slog.Logger
}

// Service runs scheduled backups followed by pruning.
type Service struct {
	archiver     *Archiver
	interval     time.Duration
	backupType   BackupType
	generational bool
	history      RunHistory
	clock        clock.Clock
	logger       *slog.Logger

	mu             sync.Mutex
	running        bool
	stopCh         chan struct{}
	lastBackupTime time.Time
	nextBackupTime time.Time
}

// NewService creates a backup service around archiver.
func NewService(archiver *Archiver, config ServiceConfig) (*Service, error) {
	if archiver == nil {
		return nil, fmt.Errorf("backup: %w: archiver is required", storage.ErrInvalidInput)
	}
	if config.Interval <= 0 {
		config.Interval = 24 * time.Hour
	}
	if config.BackupType == "" {
		config.BackupType = BackupTypeDaily
	}
	if !config.BackupType.Creatable() {
		return nil, fmt.Errorf("backup: %w: cannot schedule %q archives", storage.ErrInvalidInput, config.BackupType)
	}
	if config.Clock == nil {
		config.Clock = archiver.clock
	}
	if config.Logger == nil {
		config.Logger = archiver.logger
	}

	return &Service{
		archiver:     archiver,
		interval:     config.Interval,
		backupType:   config.BackupType,
		generational: config.Generational,
		history:      config.History,
		clock:        config.Clock,
		logger:       config.Logger,
		stopCh:       make(chan struct{}),
	}, nil
}

// Start runs the backup loop until ctx is cancelled or Stop is called.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("backup service is already running")
	}
	s.running = true
	s.nextBackupTime = s.clock.Now().Add(s.interval)
	stopCh := s.stopCh
	s.mu.Unlock()

	s.logger.Info("backup service started", "interval", s.interval, "type", s.backupType, "generational", s.generational)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("backup service stopping (context cancelled)")
			s.markStopped()
			return ctx.Err()

		case <-stopCh:
			s.logger.Info("backup service stopping (stop requested)")
			return nil

		case <-s.clock.After(s.interval):
			result, err := s.BackupNow(ctx)
			if err != nil {
				s.logger.Error("scheduled backup failed", "error", err)
			} else {
				s.logger.Info("scheduled backup completed",
					"key", result.Key,
					"compressed", humanize.Bytes(uint64(result.CompressedSize)),
					"skipped", result.SkippedKeys(),
					"duration", result.Duration)
			}

			s.mu.Lock()
			s.nextBackupTime = s.clock.Now().Add(s.interval)
			s.mu.Unlock()
		}
	}
}

// Stop stops the backup loop.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return fmt.Errorf("backup service is not running")
	}

	close(s.stopCh)
	s.stopCh = make(chan struct{})
	s.running = false
	return nil
}

func (s *Service) markStopped() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// BackupNow creates an archive of the configured tier, then prunes. A pruning
// failure is logged and does not fail the backup.
func (s *Service) BackupNow(ctx context.Context) (*BackupResult, error) {
	result, err := s.archiver.CreateBackup(ctx, s.backupType)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.lastBackupTime = s.clock.Now()
	s.mu.Unlock()

	if s.generational {
		if _, err := s.archiver.RunGenerationMaintenance(ctx, false); err != nil {
			s.logger.Warn("generation maintenance failed", "error", err)
		}
	} else if _, err := s.archiver.CleanupOldBackups(ctx); err != nil {
		s.logger.Warn("cleanup failed", "error", err)
	}

	return result, nil
}

// HealthCheck returns the current health status of the backup service.
func (s *Service) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	s.mu.Lock()
	lastBackup := s.lastBackupTime
	nextBackup := s.nextBackupTime
	s.mu.Unlock()

	if lastBackup.IsZero() && s.history != nil {
		run, err := s.history.LastRun(ctx, journal.OpCreate, journal.StatusOK)
		switch {
		case err == nil:
			lastBackup = run.FinishedAt
		case !errors.Is(err, storage.ErrNotFound):
			s.logger.Warn("health: failed to read run history", "error", err)
		}
	}

	backups, err := s.archiver.Catalog(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	stats := GetGenerationStatistics(backups)
	status := &HealthStatus{
		Status:       "healthy",
		LastBackup:   lastBackup,
		NextBackup:   nextBackup,
		TotalBackups: len(backups),
		BytesUsed:    stats.TotalSize,
	}

	since := s.clock.Now().Sub(lastBackup)
	switch {
	case lastBackup.IsZero():
		status.Message = "No backups yet"
	case since > s.interval*2:
		status.Status = "warning"
		status.Message = fmt.Sprintf("Backup overdue by %v", (since - s.interval).Round(time.Minute))
	default:
		status.Message = fmt.Sprintf("Last backup: %v ago", since.Round(time.Minute))
	}

	return status, nil
}
