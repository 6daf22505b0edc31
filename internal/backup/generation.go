package backup

import (
	"cmp"
	"log/slog"
	"slices"
	"time"
)

// GenerationRules are the retention windows of the promotable tiers.
var GenerationRules = []GenerationRule{
	{Type: BackupTypeDaily, RetentionDays: 7, Description: "Daily backups kept for one week"},
	{Type: BackupTypeWeekly, RetentionDays: 28, Description: "Weekly backups kept for four weeks"},
	{Type: BackupTypeMonthly, RetentionDays: 365, Description: "Monthly backups kept for one year"},
	{Type: BackupTypeYearly, RetentionDays: 1095, Description: "Yearly backups kept for three years"},
}

// ManualRetentionDays is how long manual archives are kept. They are never
// promoted.
const ManualRetentionDays = 30

// FirstDayOfWeek is the weekday whose archives qualify for promotion.
// Calendar checks use UTC.
const FirstDayOfWeek = time.Sunday

const msPerDay = 86_400_000

// RuleFor returns the generation rule of tier t.
func RuleFor(t BackupType) (GenerationRule, bool) {
	for _, r := range GenerationRules {
		if r.Type == t {
			return r, true
		}
	}
	return GenerationRule{}, false
}

// promotion describes how an expired archive of one tier may survive in the
// next one.
type promotion struct {
	next        BackupType
	qualifies   func(time.Time) bool
	keepDays    float64 // age beyond which the archive leaves its tier
	ceilingDays float64 // oldest age at which promotion is still allowed
}

var promotions = map[BackupType]promotion{
	BackupTypeDaily:   {next: BackupTypeWeekly, qualifies: isFirstDayOfWeek},
	BackupTypeWeekly:  {next: BackupTypeMonthly, qualifies: isFirstWeekOfMonth},
	BackupTypeMonthly: {next: BackupTypeYearly, qualifies: isFirstWeekOfYear},
}

func init() {
	for t, p := range promotions {
		cur, _ := RuleFor(t)
		next, _ := RuleFor(p.next)
		p.keepDays = float64(cur.RetentionDays)
		p.ceilingDays = float64(next.RetentionDays)
		promotions[t] = p
	}
}

func isFirstDayOfWeek(t time.Time) bool {
	return t.Weekday() == FirstDayOfWeek
}

func isFirstWeekOfMonth(t time.Time) bool {
	return t.Day() <= 7 && isFirstDayOfWeek(t)
}

func isFirstWeekOfYear(t time.Time) bool {
	return t.Month() == time.January && isFirstWeekOfMonth(t)
}

// ageInDays is the fractional age of an archive created at ts (epoch ms).
func ageInDays(ts int64, now time.Time) float64 {
	return float64(now.UnixMilli()-ts) / msPerDay
}

// GenerationPlan is the outcome of classifying a catalog. Every input entry
// appears in exactly one of the three sets.
type GenerationPlan struct {
	Delete  []BackupFileInfo
	Promote []Promotion
	Keep    []BackupFileInfo
}

// ClassifyGenerations decides, for each archive, whether it is kept, promoted
// to the next tier or deleted, as of now. It performs no I/O. Entries are
// visited oldest first, so each set is in ascending timestamp order.
//
//   - daily older than 7 days: promoted to weekly if created on the first day
//     of a week and no older than 28 days, otherwise deleted.
//   - weekly older than 28 days: promoted to monthly if created on the first
//     day of a week within the first 7 days of its month and no older than
//     365 days, otherwise deleted.
//   - monthly older than 365 days: promoted to yearly if it also falls in
//     January and is no older than 1095 days, otherwise deleted.
//   - manual older than 30 days: deleted.
//
// Yearly archives, and anything still inside its tier's window, are kept.
func ClassifyGenerations(backups []BackupFileInfo, now time.Time) GenerationPlan {
	sorted := slices.Clone(backups)
	slices.SortStableFunc(sorted, func(x, y BackupFileInfo) int {
		return cmp.Compare(x.Timestamp, y.Timestamp)
	})

	var plan GenerationPlan
	for _, b := range sorted {
		age := ageInDays(b.Timestamp, now)

		if b.BackupType == BackupTypeManual {
			if age > ManualRetentionDays {
				plan.Delete = append(plan.Delete, b)
			} else {
				plan.Keep = append(plan.Keep, b)
			}
			continue
		}

		p, ok := promotions[b.BackupType]
		if !ok || age <= p.keepDays {
			plan.Keep = append(plan.Keep, b)
			continue
		}

		created := time.UnixMilli(b.Timestamp).UTC()
		if p.qualifies(created) && age <= p.ceilingDays {
			plan.Promote = append(plan.Promote, Promotion{
				OldKey:  b.Key,
				NewKey:  PromotedKey(b.Key, b.BackupType, p.next),
				From:    b.BackupType,
				NewType: p.next,
			})
			continue
		}
		plan.Delete = append(plan.Delete, b)
	}
	return plan
}

// Planner wraps ClassifyGenerations with logging.
type Planner struct {
	logger *slog.Logger
}

// NewPlanner returns a planner that logs to logger (default: slog.Default()).
func NewPlanner(logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{logger: logger}
}

// Plan classifies backups as of now and logs every due promotion.
func (p *Planner) Plan(backups []BackupFileInfo, now time.Time) GenerationPlan {
	plan := ClassifyGenerations(backups, now)
	for _, pr := range plan.Promote {
		p.logger.Info("generation: archive due for promotion",
			"key", pr.OldKey, "from", pr.From, "to", pr.NewType, "new_key", pr.NewKey)
	}
	return plan
}

// IdentifyFilesForDeletion returns the archives that should be deleted as of
// now. Archives due for promotion are logged but not returned; use Plan to
// obtain them.
func (p *Planner) IdentifyFilesForDeletion(backups []BackupFileInfo, now time.Time) []BackupFileInfo {
	return p.Plan(backups, now).Delete
}
