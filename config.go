package pgtempdb

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Mode selects the isolation unit handed out by New.
type Mode string

const (
	// ModeMulti boots one full server per handle: own data directory, own
	// port, own process. Strongest isolation, slowest creation.
	ModeMulti Mode = "multi"

	// ModeSingle shares one server per process and hands out a fresh
	// logical database per handle. Creation is tens of milliseconds once
	// the shared server is up.
	ModeSingle Mode = "single"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultUsername     = "postgres"
	DefaultDatabase     = "postgres"
	DefaultStartTimeout = 30 * time.Second
	DefaultStopGrace    = 5 * time.Second
)

// probeInterval is the fixed polling interval of the readiness prober.
const probeInterval = 20 * time.Millisecond

// Config holds the configuration for creating instances.
// The zero value is valid and means a multi-mode instance with defaults.
type Config struct {
	// Mode selects single or multi isolation. Defaults to ModeMulti.
	// The mode is always caller-chosen; it is never inferred.
	Mode Mode

	// BinDir is the directory containing the postgres and initdb
	// binaries. Empty means look them up on PATH.
	BinDir string

	// Username is the superuser name of the new cluster.
	// Defaults to "postgres".
	Username string

	// Password, when non-empty, is set as the superuser password and
	// embedded in the connection URI. Local connections use trust auth
	// either way.
	Password string

	// Database is the database name the connection URI points at in multi
	// mode. Defaults to "postgres". Ignored in single mode, where each
	// handle gets its own generated database name.
	Database string

	// BaseDir is where scratch directories are created.
	// Defaults to the system temporary directory.
	BaseDir string

	// Port pins the server's listen port so external tools can target a
	// known URI. Zero (the default) means allocate any free port. A taken
	// port fails New with ErrResourceExhausted. In single mode only the
	// first request's Port is used, since later requests share its server.
	Port int

	// KeepData leaves the instance's data behind on Release: the data
	// directory in multi mode, the logical database in single mode. The
	// server is still stopped and the port reclaimed. Kept directories
	// are exempt from CleanupOrphans. When the first single-mode request
	// sets KeepData, ShutdownShared also leaves the shared data directory
	// in place, so kept logical databases survive the process.
	KeepData bool

	// StartTimeout bounds how long New waits for a new server to accept
	// connections. Exceeding it fails with ErrTimedOut and tears the
	// half-started process down. Defaults to DefaultStartTimeout.
	StartTimeout time.Duration

	// StopGrace is how long Release waits after the termination signal
	// before force-killing the server. Defaults to DefaultStopGrace.
	StopGrace time.Duration

	// ServerParams holds extra server settings passed as -c name=value.
	ServerParams map[string]string

	// SetupTemplate, in single mode, seeds the template database once per
	// process. Every logical database is then cloned from it. When nil,
	// logical databases start empty.
	SetupTemplate func(ctx context.Context, conn *pgx.Conn) error

	// Logger receives diagnostic output. Defaults to zap.NewNop().
	Logger *zap.Logger
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Mode {
	case "", ModeMulti, ModeSingle:
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("Port must be between 0 and 65535, got %d", c.Port)
	}
	if c.StartTimeout < 0 {
		return fmt.Errorf("StartTimeout must not be negative, got %s", c.StartTimeout)
	}
	if c.StopGrace < 0 {
		return fmt.Errorf("StopGrace must not be negative, got %s", c.StopGrace)
	}
	if c.SetupTemplate != nil && c.Mode != ModeSingle {
		return fmt.Errorf("SetupTemplate is only used in single mode")
	}
	return nil
}

// withDefaults returns a copy of c with defaults filled in.
func (c *Config) withDefaults() *Config {
	out := *c
	if out.Mode == "" {
		out.Mode = ModeMulti
	}
	if out.Username == "" {
		out.Username = DefaultUsername
	}
	if out.Database == "" {
		out.Database = DefaultDatabase
	}
	if out.StartTimeout == 0 {
		out.StartTimeout = DefaultStartTimeout
	}
	if out.StopGrace == 0 {
		out.StopGrace = DefaultStopGrace
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return &out
}
