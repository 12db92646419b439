package pipeline

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/StevenACoffman/anotherr/errors"
)

// ScratchDir picks the extract scratch directory. TMPDIR wins when set: the
// runtime default can land on a directory the engine's bulk loader, running
// under a different OS user, cannot read.
func ScratchDir() string {
	if dir := os.Getenv("TMPDIR"); dir != "" {
		return dir
	}
	return os.TempDir()
}

// EnsureScratchDir creates dir world-writable.
func EnsureScratchDir(dir string) error {
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return errors.Wrap(err, "Unable to create scratch directory "+dir)
	}
	return errors.Wrap(os.Chmod(dir, 0o777), "Unable to open up scratch directory "+dir)
}

// CleanStale removes extract files in dir older than maxAge, left behind by
// crashed runs. Only files this package names are touched.
func CleanStale(dir string, maxAge time.Duration, logger *zap.Logger) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Warn("Unable to scan scratch directory", zap.String("dir", dir), zap.Error(err))
		return
	}
	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "sqdbsync_") {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err = os.Remove(path); err != nil {
			logger.Warn("Unable to remove stale extract file", zap.String("file", path), zap.Error(err))
			continue
		}
		logger.Info("removed stale extract file", zap.String("file", path))
	}
}
