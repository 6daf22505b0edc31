package backup

import (
	"fmt"
	"strings"
	"time"
)

// KeyPrefix is the common prefix of every archive key.
const KeyPrefix = "backups/"

// KeyExtension is the suffix of every archive key.
const KeyExtension = ".deflate"

// BackupKey returns the object key for an archive of type t created at ts:
//
//	backups/<type>/<YYYY>/<MM>/<DD>/backup-<YYYYMMDD>-<HHMM>.deflate
//
// Fields are UTC and minute-granular, so keys of one tier sort
// lexicographically in time order and two archives of the same tier created
// within one minute share a key.
func BackupKey(t BackupType, ts time.Time) string {
	u := ts.UTC()
	return fmt.Sprintf("%s%s/%s/backup-%s%s",
		KeyPrefix, t, u.Format("2006/01/02"), u.Format("20060102-1504"), KeyExtension)
}

// TypePrefix returns the listing prefix holding every archive of type t.
func TypePrefix(t BackupType) string {
	return KeyPrefix + string(t) + "/"
}

// PromotedKey returns the key an archive gets when moved from tier from to
// tier to: the tier segment is replaced and the rest of the key is kept.
func PromotedKey(oldKey string, from, to BackupType) string {
	if rest, ok := strings.CutPrefix(oldKey, TypePrefix(from)); ok {
		return TypePrefix(to) + rest
	}
	return TypePrefix(to) + strings.TrimPrefix(oldKey, KeyPrefix)
}
