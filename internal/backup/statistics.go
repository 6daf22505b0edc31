package backup

import (
	"time"
)

// StoragePricePerGBMonth is the unit price used for cost estimates, in US
// dollars per GiB stored per month.
const StoragePricePerGBMonth = 0.015

const bytesPerGB = 1 << 30

// GenerationStatistics aggregates a catalog.
type GenerationStatistics struct {
	// Counts has an entry, possibly zero, for every tier.
	Counts    map[BackupType]int
	TotalSize int64

	// Oldest and Newest are zero when the catalog is empty.
	Oldest time.Time
	Newest time.Time
}

// GetGenerationStatistics counts archives per tier, sums their sizes and
// finds the oldest and newest creation times.
func GetGenerationStatistics(backups []BackupFileInfo) GenerationStatistics {
	stats := GenerationStatistics{Counts: make(map[BackupType]int, len(AllBackupTypes))}
	for _, t := range AllBackupTypes {
		stats.Counts[t] = 0
	}

	for i, b := range backups {
		stats.Counts[b.BackupType]++
		stats.TotalSize += b.Size

		ts := time.UnixMilli(b.Timestamp).UTC()
		if i == 0 || ts.Before(stats.Oldest) {
			stats.Oldest = ts
		}
		if i == 0 || ts.After(stats.Newest) {
			stats.Newest = ts
		}
	}
	return stats
}

// CostEfficiencyReport compares a catalog before and after maintenance.
type CostEfficiencyReport struct {
	DeletedCount  int
	SizeReduction int64

	// CostReduction is the monthly storage saving in US dollars.
	CostReduction float64

	// RetentionSummary is the per-tier count after maintenance.
	RetentionSummary map[BackupType]int
}

// GenerateCostEfficiencyReport reports how much a maintenance run saved.
func GenerateCostEfficiencyReport(before, after []BackupFileInfo) CostEfficiencyReport {
	b := GetGenerationStatistics(before)
	a := GetGenerationStatistics(after)

	reduction := b.TotalSize - a.TotalSize
	return CostEfficiencyReport{
		DeletedCount:     len(before) - len(after),
		SizeReduction:    reduction,
		CostReduction:    MonthlyCost(reduction),
		RetentionSummary: a.Counts,
	}
}

// MonthlyCost estimates the monthly storage cost of size bytes.
func MonthlyCost(size int64) float64 {
	return float64(size) / bytesPerGB * StoragePricePerGBMonth
}
