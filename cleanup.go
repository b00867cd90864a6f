package pgtempdb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/yuku/pgtempdb/internal/alloc"
	"github.com/yuku/pgtempdb/internal/initdb"
	"github.com/yuku/pgtempdb/internal/proc"
)

// PurgeTemplateCache removes the cached template data directories built
// by this process. Later instance creations rebuild them. Typically
// called at the end of a test run, after all instances are released.
func PurgeTemplateCache() error {
	return initdb.PurgeCache()
}

// CleanupOrphans removes scratch directories left behind by earlier runs
// whose owning process is gone, e.g. after a SIGKILLed test run. Live
// directories (their recorded owner pid still exists) and directories not
// created by this package are left alone.
//
// baseDir should match the Config.BaseDir of the runs to clean; empty
// means the system temporary directory. It returns how many directories
// were removed. Removal is best-effort: failures are logged and joined
// into the returned error, remaining candidates are still processed.
func CleanupOrphans(baseDir string, logger *zap.Logger) (int, error) {
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	entries, err := os.ReadDir(baseDir)
	if err != nil {
		return 0, fmt.Errorf("failed to read base directory: %w", err)
	}

	var (
		removed int
		errs    []error
	)
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), alloc.DirPrefix) {
			continue
		}
		dir := filepath.Join(baseDir, entry.Name())

		pid, err := alloc.OwnerPID(dir)
		if err != nil {
			// No pid marker: not ours to delete.
			logger.Debug("skipping unmarked directory", zap.String("dir", dir))
			continue
		}
		if proc.Alive(pid) {
			continue
		}

		if err := os.RemoveAll(dir); err != nil {
			logger.Warn("failed to remove orphaned directory",
				zap.String("dir", dir), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		logger.Info("removed orphaned directory",
			zap.String("dir", dir), zap.Int("owner_pid", pid))
		removed++
	}
	return removed, errors.Join(errs...)
}
