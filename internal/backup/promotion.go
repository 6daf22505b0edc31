package backup

import (
	"context"
	"strconv"

	"github.com/scrypster/mailvault/internal/storage"
)

// PromoteBackupFiles moves each archive to its new tier: the bytes are copied
// to NewKey with the source metadata, the backup-type retagged and
// promoted-from / promoted-at added, then the source is deleted.
//
// An archive already at NewKey is only replaced when it carries the source's
// timestamp, i.e. it is the copy left by an earlier run whose source delete
// failed. Any other occupant is kept and the promotion counted as failed.
//
// Promotions are independent. A missing source is logged and counted as
// missing; any other failure is logged and counted as failed. Only
// cancellation stops the run early.
func (a *Archiver) PromoteBackupFiles(ctx context.Context, promotions []Promotion) (*PromotionResult, error) {
	res := &PromotionResult{}
	for _, p := range promotions {
		if err := a.throttle(ctx); err != nil {
			return res, err
		}

		obj, err := a.objects.Get(ctx, p.OldKey)
		if isNotFound(err) {
			a.logger.Warn("promotion: source archive not found", "key", p.OldKey)
			res.Missing = append(res.Missing, p.OldKey)
			continue
		}
		if err != nil {
			a.logger.Warn("promotion: failed to read archive", "key", p.OldKey, "error", err)
			res.Failed = append(res.Failed, p.OldKey)
			continue
		}

		existing, err := a.objects.Stat(ctx, p.NewKey)
		switch {
		case err == nil && existing.Metadata[MetaTimestamp] != obj.Metadata[MetaTimestamp]:
			a.logger.Warn("promotion: target key holds a different archive",
				"from", p.OldKey, "to", p.NewKey,
				"source_timestamp", obj.Metadata[MetaTimestamp],
				"target_timestamp", existing.Metadata[MetaTimestamp])
			res.Failed = append(res.Failed, p.OldKey)
			continue
		case err != nil && !isNotFound(err):
			a.logger.Warn("promotion: failed to check target key", "key", p.NewKey, "error", err)
			res.Failed = append(res.Failed, p.OldKey)
			continue
		}

		meta := storage.CopyMetadata(obj.Metadata)
		meta[MetaBackupType] = string(p.NewType)
		meta[MetaPromotedFrom] = p.OldKey
		meta[MetaPromotedAt] = strconv.FormatInt(a.clock.Now().UnixMilli(), 10)

		if err := a.objects.Put(ctx, p.NewKey, obj.Data, meta); err != nil {
			a.logger.Warn("promotion: failed to write archive", "key", p.NewKey, "error", err)
			res.Failed = append(res.Failed, p.OldKey)
			continue
		}

		// The copy is in place; a leftover source is promoted again (to the
		// same key) on the next run.
		if err := a.objects.Delete(ctx, p.OldKey); err != nil {
			a.logger.Warn("promotion: failed to delete source archive", "key", p.OldKey, "error", err)
		}

		a.logger.Info("archive promoted", "from", p.OldKey, "to", p.NewKey, "type", p.NewType)
		res.Promoted = append(res.Promoted, p.NewKey)
	}
	return res, nil
}
