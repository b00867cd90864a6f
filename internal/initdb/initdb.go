// Package initdb materializes PostgreSQL data directories.
//
// The first directory of a run is built by running the initdb binary
// (cold init). Its result is kept as a process-wide template, and every
// later directory is a byte copy of that template, which is roughly an
// order of magnitude faster. Concurrent first callers share one template
// build through singleflight.
package initdb

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// TemplateDirPrefix names cached template directories. It starts with the
// allocator's scratch prefix so the orphan janitor picks stale ones up.
const TemplateDirPrefix = "pgtempdb-template-"

// Process-wide template cache: at most one validated template per initdb
// binary path and superuser name.
var (
	buildGroup singleflight.Group
	cacheMu    sync.Mutex
	cacheDirs  = make(map[string]string)
)

// Initializer prepares data directories for one binary/superuser
// combination.
type Initializer struct {
	binDir   string
	baseDir  string
	username string
	password string
	logger   *zap.Logger
}

// Config configures an Initializer.
type Config struct {
	// BinDir is the directory containing the initdb binary. Empty means
	// look it up on PATH.
	BinDir string

	// BaseDir is where template directories are created, so the orphan
	// janitor scanning the same base finds stale templates from killed
	// runs. Empty means the system temp directory.
	BaseDir string

	// Username is the superuser name for the new cluster.
	Username string

	// Password, when non-empty, is set as the superuser password. Local
	// connections still use trust auth.
	Password string

	Logger *zap.Logger
}

// New returns an Initializer for the given configuration.
func New(cfg Config) *Initializer {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Initializer{
		binDir:   cfg.BinDir,
		baseDir:  cfg.BaseDir,
		username: cfg.Username,
		password: cfg.Password,
		logger:   logger,
	}
}

// Initialize materializes a fresh data directory at dir by cloning the
// cached template, building the template first if this is the first call.
// On failure no partial directory is left behind.
func (i *Initializer) Initialize(ctx context.Context, dir string) error {
	tmpl, err := i.templateDir(ctx)
	if err != nil {
		return err
	}
	if err := copyTree(tmpl, dir); err != nil {
		_ = os.RemoveAll(dir)
		return fmt.Errorf("failed to clone template data directory: %w", err)
	}
	return nil
}

// templateDir returns the cached template directory, building it once.
func (i *Initializer) templateDir(ctx context.Context) (string, error) {
	key := i.cacheKey()

	cacheMu.Lock()
	if dir, ok := cacheDirs[key]; ok {
		cacheMu.Unlock()
		return dir, nil
	}
	cacheMu.Unlock()

	v, err, _ := buildGroup.Do(key, func() (any, error) {
		dir, err := os.MkdirTemp(i.baseDir, TemplateDirPrefix)
		if err != nil {
			return nil, fmt.Errorf("failed to create template directory: %w", err)
		}
		// Owner marker for the orphan janitor.
		pidFile := filepath.Join(dir, "pgtempdb.pid")
		if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
			_ = os.RemoveAll(dir)
			return nil, fmt.Errorf("failed to write pid marker: %w", err)
		}

		dataDir := filepath.Join(dir, "data")
		i.logger.Debug("building template data directory", zap.String("dir", dataDir))
		if err := i.coldInit(ctx, dataDir); err != nil {
			_ = os.RemoveAll(dir)
			return nil, err
		}

		cacheMu.Lock()
		cacheDirs[key] = dataDir
		cacheMu.Unlock()
		return dataDir, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (i *Initializer) cacheKey() string {
	// The binary path stands in for the engine version: within one run the
	// same path means the same binaries. The base dir is part of the key so
	// templates land where their instances do.
	return i.initdbPath() + "\x00" + i.baseDir + "\x00" + i.username
}

func (i *Initializer) initdbPath() string {
	if i.binDir == "" {
		return "initdb"
	}
	return filepath.Join(i.binDir, "initdb")
}

// coldInit runs the engine's storage-initialization procedure against an
// empty directory.
func (i *Initializer) coldInit(ctx context.Context, dir string) error {
	args := []string{
		"-D", dir,
		"-U", i.username,
		"--auth=trust",
		"--encoding=UTF8",
		// The data is throwaway, skipping fsync saves real time here.
		"--no-sync",
	}
	if i.password != "" {
		pwfile, err := writePasswordFile(i.password)
		if err != nil {
			return err
		}
		defer func() { _ = os.Remove(pwfile) }()
		args = append(args, "--pwfile", pwfile)
	}

	cmd := exec.CommandContext(ctx, i.initdbPath(), args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("initdb failed: %w\n%s", err, out)
	}
	return nil
}

func writePasswordFile(password string) (string, error) {
	f, err := os.CreateTemp("", "pgtempdb-pw-")
	if err != nil {
		return "", fmt.Errorf("failed to create password file: %w", err)
	}
	if _, err := f.WriteString(password + "\n"); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("failed to write password file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("failed to close password file: %w", err)
	}
	return f.Name(), nil
}

// PurgeCache removes all cached template directories. Later Initialize
// calls rebuild them. Intended for end-of-run cleanup.
func PurgeCache() error {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	var errs []error
	for key, dataDir := range cacheDirs {
		// dataDir is <template dir>/data; remove the whole template dir.
		if err := os.RemoveAll(filepath.Dir(dataDir)); err != nil {
			errs = append(errs, err)
		}
		delete(cacheDirs, key)
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to remove %d template directories: %w", len(errs), errs[0])
	}
	return nil
}

// copyTree recursively copies the directory tree at src to dst,
// preserving permissions. dst must not exist.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			return os.Mkdir(target, info.Mode().Perm())
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
