package backup

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/scrypster/mailvault/internal/journal"
)

// MaintenanceReport describes one generation maintenance run.
type MaintenanceReport struct {
	DryRun bool
	Plan   GenerationPlan

	// Promotion and the delete lists are empty on a dry run.
	Promotion    *PromotionResult
	Deleted      []string
	DeleteFailed []string

	Before GenerationStatistics
	After  GenerationStatistics
	Cost   CostEfficiencyReport
}

// RunGenerationMaintenance catalogs every archive, classifies it and, unless
// dryRun is set, executes the promotions and deletions. The after-state of a
// dry run is the projected catalog; otherwise the catalog is read again.
func (a *Archiver) RunGenerationMaintenance(ctx context.Context, dryRun bool) (*MaintenanceReport, error) {
	started := a.clock.Now()
	report, err := a.runMaintenance(ctx, dryRun)

	if !dryRun {
		run := journal.Run{Operation: journal.OpMaintain, StartedAt: started, FinishedAt: a.clock.Now()}
		if err != nil {
			run.Status, run.Error = journal.StatusFailed, err.Error()
		} else {
			run.Bytes = report.Cost.SizeReduction
		}
		a.record(ctx, run)
	}
	return report, err
}

func (a *Archiver) runMaintenance(ctx context.Context, dryRun bool) (*MaintenanceReport, error) {
	before, err := a.Catalog(ctx)
	if err != nil {
		return nil, fmt.Errorf("backup: maintenance: %w", err)
	}

	report := &MaintenanceReport{
		DryRun:    dryRun,
		Plan:      NewPlanner(a.logger).Plan(before, a.clock.Now()),
		Promotion: &PromotionResult{},
	}

	var after []BackupFileInfo
	if dryRun {
		after = projectPlan(report.Plan, before)
	} else {
		if report.Promotion, err = a.PromoteBackupFiles(ctx, report.Plan.Promote); err != nil {
			return nil, fmt.Errorf("backup: maintenance: %w", err)
		}
		for _, b := range report.Plan.Delete {
			if err := a.throttle(ctx); err != nil {
				return nil, fmt.Errorf("backup: maintenance: %w", err)
			}
			if err := a.objects.Delete(ctx, b.Key); err != nil {
				a.logger.Warn("maintenance: failed to delete archive", "key", b.Key, "error", err)
				report.DeleteFailed = append(report.DeleteFailed, b.Key)
				continue
			}
			report.Deleted = append(report.Deleted, b.Key)
		}
		if after, err = a.Catalog(ctx); err != nil {
			return nil, fmt.Errorf("backup: maintenance: %w", err)
		}
	}

	report.Before = GetGenerationStatistics(before)
	report.After = GetGenerationStatistics(after)
	report.Cost = GenerateCostEfficiencyReport(before, after)

	a.logger.Info("generation maintenance complete",
		"dry_run", dryRun,
		"promoted", len(report.Plan.Promote),
		"deleted", len(report.Plan.Delete),
		"kept", len(report.Plan.Keep),
		"freed", humanize.Bytes(uint64(max(report.Cost.SizeReduction, 0))))
	return report, nil
}

// projectPlan returns the catalog that executing plan would leave behind.
func projectPlan(plan GenerationPlan, before []BackupFileInfo) []BackupFileInfo {
	byKey := make(map[string]BackupFileInfo, len(before))
	for _, b := range before {
		byKey[b.Key] = b
	}

	after := make([]BackupFileInfo, 0, len(plan.Keep)+len(plan.Promote))
	after = append(after, plan.Keep...)
	for _, p := range plan.Promote {
		b := byKey[p.OldKey]
		b.Key = p.NewKey
		b.BackupType = p.NewType
		b.IsPromoted = true
		after = append(after, b)
	}
	return after
}
