package pgtempdb

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuku/pgtempdb/internal/alloc"
)

func makeScratchDir(t *testing.T, base, name string, pid int) string {
	t.Helper()
	dir := filepath.Join(base, name)
	require.NoError(t, os.Mkdir(dir, 0o700))
	if pid != 0 {
		pidFile := filepath.Join(dir, alloc.PIDFileName)
		require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(pid)), 0o600))
	}
	return dir
}

func TestCleanupOrphans(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	deadPID := 1 << 30 // far beyond any realistic pid_max

	dead := makeScratchDir(t, base, alloc.DirPrefix+"dead", deadPID)
	alive := makeScratchDir(t, base, alloc.DirPrefix+"alive", os.Getpid())
	unmarked := makeScratchDir(t, base, alloc.DirPrefix+"unmarked", 0)
	foreign := makeScratchDir(t, base, "someone-elses-dir", deadPID)

	removed, err := CleanupOrphans(base, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = os.Stat(dead)
	assert.True(t, os.IsNotExist(err), "dead-owned directory not removed")
	for _, dir := range []string{alive, unmarked, foreign} {
		_, err := os.Stat(dir)
		assert.NoError(t, err, "directory %s should have been kept", dir)
	}
}

func TestCleanupOrphansEmptyBase(t *testing.T) {
	t.Parallel()

	removed, err := CleanupOrphans(t.TempDir(), nil)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestCleanupOrphansMissingBase(t *testing.T) {
	t.Parallel()

	_, err := CleanupOrphans(filepath.Join(t.TempDir(), "nope"), nil)
	require.Error(t, err)
}
