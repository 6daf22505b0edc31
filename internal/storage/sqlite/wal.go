package sqlite

import (
	"bytes"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

var walSidecars = []string{"-wal", "-shm"}

// dsnFilePath returns the database file named by dsn, or "" when the database
// lives in memory.
func dsnFilePath(dsn string) string {
	path, isURI := strings.CutPrefix(dsn, "file:")
	if isURI {
		var query string
		path, query, _ = strings.Cut(path, "?")
		path = strings.TrimPrefix(path, "//")
		if strings.Contains(query, "mode=memory") {
			return ""
		}
	}
	if path == "" || path == ":memory:" {
		return ""
	}
	return path
}

// recoverStaleWAL deletes the WAL sidecars of the database behind dsn when
// openErr is the kind they cause and no process has them open. It reports
// whether a retry is worthwhile.
func recoverStaleWAL(dsn string, openErr error, logger *slog.Logger) bool {
	msg := openErr.Error()
	if !strings.Contains(msg, "disk I/O error") && !strings.Contains(msg, "database is locked") {
		return false
	}

	path := dsnFilePath(dsn)
	if path == "" {
		return false
	}

	var present []string
	for _, suffix := range walSidecars {
		if _, err := os.Stat(path + suffix); err == nil {
			present = append(present, path+suffix)
		}
	}
	if len(present) == 0 || inUse(append([]string{path}, present...)) {
		return false
	}

	removed := false
	for _, p := range present {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("sqlite: failed to remove stale WAL file", "path", p, "error", err)
			continue
		}
		removed = true
	}
	return removed
}

// inUse asks lsof whether any process has one of paths open. Without lsof the
// files are assumed to be in use.
func inUse(paths []string) bool {
	lsof, err := exec.LookPath("lsof")
	if err != nil {
		return true
	}
	out, err := exec.Command(lsof, append([]string{"-t"}, paths...)...).Output()
	// Exit status 1 means no process matched.
	return err == nil && len(bytes.TrimSpace(out)) > 0
}
