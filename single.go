package pgtempdb

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/yuku/pgtempdb/internal/alloc"
	"github.com/yuku/pgtempdb/internal/initdb"
	"github.com/yuku/pgtempdb/internal/proc"
	"github.com/yuku/pgtempdb/internal/templatedb"
)

// sharedServer is the one server all single-mode handles of this process
// share. Logical databases inside it are fully independent; only their
// creation from the template serializes.
type sharedServer struct {
	cfg        *Config
	allocation *alloc.Allocation
	server     *proc.Server

	// pool is connected to the maintenance database and used for
	// CREATE/DROP DATABASE.
	pool *pgxpool.Pool

	tmpl *templatedb.TemplateDB
}

// shared holds the process-wide singleton. The mutex makes the boot
// single-flight: concurrent first callers wait for one boot and share it.
// A failed boot leaves srv nil so the next caller retries.
var shared struct {
	mu  sync.Mutex
	srv *sharedServer
}

func acquireShared(ctx context.Context, cfg *Config) (*sharedServer, error) {
	shared.mu.Lock()
	defer shared.mu.Unlock()

	if shared.srv != nil {
		return shared.srv, nil
	}

	allocation, server, err := bootServer(ctx, cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, buildURI(cfg, allocation.Port, cfg.Database))
	if err != nil {
		stopQuietly(ctx, server, cfg.Logger)
		releaseQuietly(allocation, cfg.Logger)
		return nil, fmt.Errorf("failed to open maintenance pool: %w", err)
	}

	cfg.Logger.Info("shared server ready",
		zap.Int("port", allocation.Port),
		zap.Int("pid", server.PID()))

	shared.srv = &sharedServer{
		cfg:        cfg,
		allocation: allocation,
		server:     server,
		pool:       pool,
		tmpl:       templatedb.New(pool),
	}
	return shared.srv, nil
}

// newLogical creates a fresh logical database inside the shared server,
// booting the server first if this is the first single-mode request.
func newLogical(ctx context.Context, cfg *Config) (*DB, error) {
	s, err := acquireShared(ctx, cfg)
	if err != nil {
		return nil, err
	}

	id := newID()
	name := "pgtempdb_" + id
	if err := s.createDatabase(ctx, cfg, name); err != nil {
		return nil, err
	}

	uri := buildURI(s.cfg, s.allocation.Port, name)
	if err := pingOnce(ctx, uri); err != nil {
		_ = s.dropDatabase(ctx, name)
		return nil, fmt.Errorf("failed to connect to new database %s: %w", name, err)
	}

	db := &DB{
		id:        id,
		mode:      ModeSingle,
		uri:       uri,
		dbName:    name,
		keepData:  cfg.KeepData,
		shared:    s,
		logger:    s.cfg.Logger,
		watchStop: make(chan struct{}),
	}
	db.state.Store(stateReady)
	go db.watchServer(s.server)

	s.cfg.Logger.Info("logical database ready",
		zap.String("id", id), zap.String("database", name))
	return db, nil
}

func (s *sharedServer) createDatabase(ctx context.Context, cfg *Config, name string) error {
	if cfg.SetupTemplate != nil {
		if err := s.tmpl.Setup(ctx, cfg.SetupTemplate); err != nil {
			return err
		}
		return s.tmpl.Clone(ctx, name)
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`CREATE DATABASE %s`, pgx.Identifier{name}.Sanitize()))
	if err != nil {
		return fmt.Errorf("failed to create database %s: %w", name, err)
	}
	return nil
}

// dropDatabase removes a logical database, kicking out any connections
// still attached to it first.
func (s *sharedServer) dropDatabase(ctx context.Context, name string) error {
	_, err := s.pool.Exec(ctx,
		`SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1 AND pid <> pg_backend_pid()`,
		name)
	if err != nil {
		s.cfg.Logger.Warn("failed to terminate connections",
			zap.String("database", name), zap.Error(err))
	}

	_, err = s.pool.Exec(ctx, fmt.Sprintf(`DROP DATABASE IF EXISTS %s`, pgx.Identifier{name}.Sanitize()))
	if err != nil {
		err = fmt.Errorf("failed to drop database %s: %w", name, err)
		s.logDropFailure(err)
		return err
	}
	return nil
}

func (s *sharedServer) logDropFailure(err error) {
	if err != nil {
		s.cfg.Logger.Warn("failed to drop logical database", zap.Error(err))
	}
}

// ShutdownShared tears down the single-mode shared server, if one is
// running: close the maintenance pool, stop the process, release the port
// and directory, in that order. Outstanding logical-database handles
// become unusable.
//
// Call it once at the end of the process, typically from TestMain. It is
// safe to call when no shared server was ever started, and after it
// returns a later single-mode New boots a fresh server.
func ShutdownShared(ctx context.Context) error {
	shared.mu.Lock()
	defer shared.mu.Unlock()

	s := shared.srv
	if s == nil {
		return nil
	}
	shared.srv = nil

	s.pool.Close()
	var errs []error
	if err := s.server.Stop(ctx); err != nil {
		s.cfg.Logger.Warn("failed to stop shared server", zap.Error(err))
		errs = append(errs, err)
	}
	if s.cfg.KeepData {
		// Booted with KeepData: kept logical databases survive inside the
		// shared data directory.
		if err := s.allocation.Keep(); err != nil {
			s.cfg.Logger.Warn("failed to detach shared data directory", zap.Error(err))
			errs = append(errs, err)
		}
	} else if err := s.allocation.Release(); err != nil {
		s.cfg.Logger.Warn("failed to release shared server resources", zap.Error(err))
		errs = append(errs, err)
	}
	if err := initdb.PurgeCache(); err != nil {
		s.cfg.Logger.Warn("failed to purge template cache", zap.Error(err))
		errs = append(errs, err)
	}
	s.cfg.Logger.Info("shared server shut down")
	return errors.Join(errs...)
}
