package pgtempdb

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/yuku/pgtempdb/internal/alloc"
	"github.com/yuku/pgtempdb/internal/initdb"
	"github.com/yuku/pgtempdb/internal/probe"
	"github.com/yuku/pgtempdb/internal/proc"
)

// controller spawns server processes. The proc.Controller seam keeps the
// supervision logic runnable against a fake process implementation.
var controller proc.Controller = proc.ExecController{}

// New creates a database instance in the requested mode and returns its
// handle once the database accepts connections.
//
// In multi mode this boots a dedicated server: reserve a port and scratch
// directory, materialize a data directory, start postgres, and wait for
// readiness. In single mode it boots one shared server the first time and
// then creates a logical database per call.
//
// Failures are typed: ErrResourceExhausted, *StartError, ErrTimedOut.
// On any failure everything allocated so far is torn down before the
// error is returned; no handle is ever returned for a server that did not
// accept a connection.
func New(ctx context.Context, config *Config) (*DB, error) {
	if config == nil {
		config = &Config{}
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg := config.withDefaults()

	switch cfg.Mode {
	case ModeMulti:
		return newMulti(ctx, cfg)
	default:
		return newLogical(ctx, cfg)
	}
}

func newMulti(ctx context.Context, cfg *Config) (*DB, error) {
	allocation, server, err := bootServer(ctx, cfg)
	if err != nil {
		return nil, err
	}

	db := &DB{
		id:         newID(),
		mode:       ModeMulti,
		uri:        buildURI(cfg, allocation.Port, cfg.Database),
		dbName:     cfg.Database,
		keepData:   cfg.KeepData,
		allocation: allocation,
		server:     server,
		watchStop:  make(chan struct{}),
		logger:     cfg.Logger,
	}
	db.state.Store(stateReady)
	go db.watchServer(server)

	cfg.Logger.Info("instance ready",
		zap.String("id", db.id),
		zap.Int("port", allocation.Port),
		zap.Int("pid", server.PID()))
	return db, nil
}

// bootServer runs the allocate → initialize → start → probe pipeline and
// unwinds whatever was set up when a later step fails.
func bootServer(ctx context.Context, cfg *Config) (*alloc.Allocation, *proc.Server, error) {
	allocation, err := alloc.New(cfg.BaseDir).Allocate(cfg.Port)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to allocate resources: %w", err)
	}

	init := initdb.New(initdb.Config{
		BinDir:   cfg.BinDir,
		BaseDir:  cfg.BaseDir,
		Username: cfg.Username,
		Password: cfg.Password,
		Logger:   cfg.Logger,
	})
	if err := init.Initialize(ctx, allocation.DataDir()); err != nil {
		releaseQuietly(allocation, cfg.Logger)
		return nil, nil, fmt.Errorf("failed to initialize data directory: %w", err)
	}

	server, err := proc.Start(controller, proc.Spec{
		BinDir:    cfg.BinDir,
		DataDir:   allocation.DataDir(),
		SocketDir: allocation.Dir,
		Port:      allocation.Port,
		Params:    cfg.ServerParams,
		StopGrace: cfg.StopGrace,
	}, cfg.Logger)
	if err != nil {
		releaseQuietly(allocation, cfg.Logger)
		return nil, nil, err
	}

	if err := waitReady(ctx, cfg, allocation.Port, server); err != nil {
		// Teardown order matters: stop the process before releasing the
		// port and directory so they cannot be recycled under it.
		stopQuietly(ctx, server, cfg.Logger)
		releaseQuietly(allocation, cfg.Logger)
		if errors.Is(err, probe.ErrAborted) {
			return nil, nil, &StartError{Output: server.Output(), Err: exitReason(server)}
		}
		return nil, nil, err
	}

	return allocation, server, nil
}

// waitReady probes the new server: first raw TCP accept, then a
// protocol-level handshake, both under one deadline.
func waitReady(ctx context.Context, cfg *Config, port int, server *proc.Server) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.StartTimeout)
	defer cancel()

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	if err := probe.WaitTCP(ctx, addr, probeInterval, server.Done()); err != nil {
		return err
	}
	return probe.WaitPostgres(ctx, buildURI(cfg, port, cfg.Database), probeInterval, server.Done())
}

func exitReason(server *proc.Server) error {
	if err := server.ExitErr(); err != nil {
		return err
	}
	return errors.New("server exited during startup")
}

func stopQuietly(ctx context.Context, server *proc.Server, logger *zap.Logger) {
	if err := server.Stop(ctx); err != nil {
		logger.Warn("failed to stop server during cleanup", zap.Error(err))
	}
}

func releaseQuietly(allocation *alloc.Allocation, logger *zap.Logger) {
	if err := allocation.Release(); err != nil {
		logger.Warn("failed to release allocation during cleanup", zap.Error(err))
	}
}

// buildURI renders the connection URI for the given port and database.
// The host is always loopback. url.URL handles userinfo escaping, which
// differs from query escaping (a space must become %20, not +).
func buildURI(cfg *Config, port int, database string) string {
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.User(cfg.Username),
		Host:     net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
		Path:     "/" + database,
		RawQuery: "sslmode=disable",
	}
	if cfg.Password != "" {
		u.User = url.UserPassword(cfg.Username, cfg.Password)
	}
	return u.String()
}

// newID returns a short unique instance identifier, also usable as part
// of a database name.
func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// pingOnce opens and closes one connection to verify the URI is usable.
func pingOnce(ctx context.Context, uri string) error {
	conn, err := pgx.Connect(ctx, uri)
	if err != nil {
		return err
	}
	return conn.Close(ctx)
}
