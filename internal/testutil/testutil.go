// Package testutil locates the PostgreSQL binaries integration tests need.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// BinDir returns the directory holding the initdb and postgres binaries,
// or skips the test when none can be found.
//
// PGTEMPDB_BIN_DIR takes precedence; otherwise both binaries must be on
// PATH, in which case an empty string is returned and lookup is left to
// the provisioner.
func BinDir(t *testing.T) string {
	t.Helper()

	if dir := os.Getenv("PGTEMPDB_BIN_DIR"); dir != "" {
		for _, bin := range []string{"initdb", "postgres"} {
			if _, err := os.Stat(filepath.Join(dir, bin)); err != nil {
				t.Fatalf("PGTEMPDB_BIN_DIR is set but %s is not in it: %v", bin, err)
			}
		}
		return dir
	}

	for _, bin := range []string{"initdb", "postgres"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not found; install PostgreSQL or set PGTEMPDB_BIN_DIR to run this test", bin)
		}
	}
	return ""
}
