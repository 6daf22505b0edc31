// Package backup archives the mail server's logical key-value stores into
// compressed objects and manages their lifetime with generational retention:
// daily archives are promoted to weekly, weekly to monthly and monthly to
// yearly before the rest age out.
package backup

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/scrypster/mailvault/internal/storage"
	"github.com/scrypster/mailvault/internal/transfer"
)

// BackupType is the retention tier of an archive.
type BackupType string

const (
	BackupTypeDaily   BackupType = "daily"
	BackupTypeWeekly  BackupType = "weekly"
	BackupTypeMonthly BackupType = "monthly"
	BackupTypeYearly  BackupType = "yearly"
	BackupTypeManual  BackupType = "manual"
)

// AllBackupTypes lists every tier in ascending generation order.
var AllBackupTypes = []BackupType{
	BackupTypeDaily,
	BackupTypeWeekly,
	BackupTypeMonthly,
	BackupTypeYearly,
	BackupTypeManual,
}

// ParseBackupType validates s as a tier name.
func ParseBackupType(s string) (BackupType, error) {
	for _, t := range AllBackupTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("backup: %w: unknown backup type %q", storage.ErrInvalidInput, s)
}

// Creatable reports whether an archive of this tier may be created directly.
// Yearly archives only come into existence through promotion.
func (t BackupType) Creatable() bool {
	switch t {
	case BackupTypeDaily, BackupTypeWeekly, BackupTypeMonthly, BackupTypeManual:
		return true
	}
	return false
}

// Custom metadata keys attached to every archive object.
const (
	MetaBackupType     = "backup-type"
	MetaTimestamp      = "timestamp"
	MetaOriginalSize   = "original-size"
	MetaCompressedSize = "compressed-size"
	MetaPromotedFrom   = "promoted-from"
	MetaPromotedAt     = "promoted-at"
)

// Logical store names.
const (
	StoreUsers     = "users"
	StoreMessages  = "messages"
	StoreMailboxes = "mailboxes"
	StoreSystem    = "system"
)

// BackupMetadata describes one archive. It is written once, both inside the
// payload and (stringified) as object metadata.
type BackupMetadata struct {
	// Timestamp is the creation instant in epoch milliseconds.
	Timestamp int64 `json:"timestamp"`

	// Version is the producing application's version string.
	Version string `json:"version"`

	// StoreNames lists the exported logical stores.
	StoreNames []string `json:"storeNames"`

	// TotalSize is the byte length of the uncompressed serialized payload.
	TotalSize int64 `json:"totalSize"`

	// CompressedSize is the byte length of the stored object. It is only
	// known after compression, so the copy embedded in the payload is 0.
	CompressedSize int64 `json:"compressedSize"`

	BackupType BackupType `json:"backupType"`
}

// Time returns Timestamp as a UTC time.
func (m *BackupMetadata) Time() time.Time {
	return time.UnixMilli(m.Timestamp).UTC()
}

// ObjectMetadata renders m as object-store custom metadata.
func (m *BackupMetadata) ObjectMetadata() map[string]string {
	return map[string]string{
		MetaBackupType:     string(m.BackupType),
		MetaTimestamp:      strconv.FormatInt(m.Timestamp, 10),
		MetaOriginalSize:   strconv.FormatInt(m.TotalSize, 10),
		MetaCompressedSize: strconv.FormatInt(m.CompressedSize, 10),
	}
}

// MetadataFromObject reconstructs metadata from object custom metadata.
// It returns nil when the map is empty or the type or timestamp cannot be
// parsed. Missing size fields read as 0.
func MetadataFromObject(m map[string]string) *BackupMetadata {
	if len(m) == 0 {
		return nil
	}
	t, err := ParseBackupType(m[MetaBackupType])
	if err != nil {
		return nil
	}
	ts, err := strconv.ParseInt(m[MetaTimestamp], 10, 64)
	if err != nil {
		return nil
	}
	meta := &BackupMetadata{Timestamp: ts, BackupType: t}
	meta.TotalSize, _ = strconv.ParseInt(m[MetaOriginalSize], 10, 64)
	meta.CompressedSize, _ = strconv.ParseInt(m[MetaCompressedSize], 10, 64)
	return meta
}

// BackupData is the uncompressed archive payload: one key-to-value map per
// logical store plus the metadata block.
type BackupData struct {
	Metadata BackupMetadata                        `json:"metadata"`
	Stores   map[string]map[string]json.RawMessage `json:"stores"`
}

// BackupEntry is one archive found by ListBackups. Metadata is nil when the
// object carries none or it is unreadable.
type BackupEntry struct {
	Key      string
	Size     int64
	Metadata *BackupMetadata

	// PromotedFrom is the source key if the archive was promoted.
	PromotedFrom string
}

// BackupFileInfo is the planner's view of an archive.
type BackupFileInfo struct {
	Key        string
	Timestamp  int64 // epoch milliseconds
	BackupType BackupType
	Size       int64 // stored (compressed) bytes
	IsPromoted bool
}

// GenerationRule is the retention window of one promotable tier.
type GenerationRule struct {
	Type          BackupType
	RetentionDays int
	Description   string
}

// LogicalStore registers one key-value domain with the archiver.
type LogicalStore struct {
	Name  string
	Store storage.KVStore

	// Decode validates values on export and import (default: transfer.DecodeAny).
	Decode transfer.DecodeFunc
}

// Promotion moves an archive to the next tier.
type Promotion struct {
	OldKey  string
	NewKey  string
	From    BackupType
	NewType BackupType
}

// CleanupResult summarises a CleanupOldBackups sweep.
type CleanupResult struct {
	Examined   int
	Deleted    []string
	Failed     []string
	BytesFreed int64
}

// PromotionResult summarises a PromoteBackupFiles run.
type PromotionResult struct {
	Promoted []string // new keys
	Missing  []string // source keys that no longer existed
	Failed   []string // source keys that could not be promoted
}

// BackupResult contains the result of a backup operation.
type BackupResult struct {
	Key            string
	BackupType     BackupType
	Duration       time.Duration
	TotalSize      int64
	CompressedSize int64

	// Skipped counts, per store, keys left out of the archive because they
	// could not be read or decoded. Stores with none are absent.
	Skipped map[string]int
}

// SkippedKeys returns the total number of keys left out of the archive.
func (r *BackupResult) SkippedKeys() int {
	n := 0
	for _, c := range r.Skipped {
		n += c
	}
	return n
}

// HealthStatus represents the health of the backup service.
type HealthStatus struct {
	// Status is the overall health status: "healthy", "warning", or "error"
	Status string

	// Message provides additional context about the status
	Message string

	// LastBackup is when the last successful backup completed
	LastBackup time.Time

	// NextBackup is when the next backup is scheduled
	NextBackup time.Time

	// TotalBackups is the number of archives currently stored
	TotalBackups int

	// BytesUsed is total stored bytes across all archives
	BytesUsed int64
}
