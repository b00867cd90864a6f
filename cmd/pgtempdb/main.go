// Command pgtempdb boots a throwaway PostgreSQL server, prints its
// connection URI on stdout, and tears everything down on SIGINT/SIGTERM.
//
//	$ pgtempdb
//	postgres://postgres@127.0.0.1:39841/postgres?sslmode=disable
//
// With -single it hands out a logical database inside a shared server
// instead of a dedicated one. With -cleanup it removes data directories
// orphaned by dead runs and exits.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/yuku/pgtempdb"
)

func main() {
	var (
		single  = flag.Bool("single", false, "share one server and hand out a logical database")
		port    = flag.Int("port", 0, "TCP port for the server to listen on (default: any free port)")
		keep    = flag.Bool("keep", false, "leave the data behind on shutdown instead of removing it")
		binDir  = flag.String("bin-dir", os.Getenv("PGTEMPDB_BIN_DIR"), "directory containing postgres and initdb (default: PATH lookup)")
		baseDir = flag.String("base-dir", "", "directory for scratch data (default: system temp dir)")
		verbose = flag.Bool("verbose", false, "log lifecycle events to stderr")
		cleanup = flag.Bool("cleanup", false, "remove data directories orphaned by dead runs, then exit")
	)
	flag.Parse()

	logger := zap.NewNop()
	if *verbose {
		var err error
		if logger, err = zap.NewDevelopment(); err != nil {
			fmt.Fprintf(os.Stderr, "pgtempdb: %v\n", err)
			os.Exit(1)
		}
	}

	if *cleanup {
		removed, err := pgtempdb.CleanupOrphans(*baseDir, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "pgtempdb: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("removed %d orphaned directories\n", removed)
		return
	}

	cfg := &pgtempdb.Config{
		Mode:     pgtempdb.ModeMulti,
		Port:     *port,
		KeepData: *keep,
		BinDir:   *binDir,
		BaseDir:  *baseDir,
		Logger:   logger,
	}
	if *single {
		cfg.Mode = pgtempdb.ModeSingle
	}

	if err := run(cfg, logger); err != nil {
		fmt.Fprintf(os.Stderr, "pgtempdb: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *pgtempdb.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := pgtempdb.New(ctx, cfg)
	if err != nil {
		return err
	}
	fmt.Println(db.ConnectionURI())

	<-ctx.Done()
	stop()

	// Signals no longer interrupt; teardown runs on a fresh context.
	teardownCtx := context.Background()
	if err := db.Release(teardownCtx); err != nil {
		logger.Warn("release failed", zap.Error(err))
	}
	if cfg.KeepData {
		fmt.Fprintf(os.Stderr, "pgtempdb: data kept at %s\n", db.DataDir())
	}
	if cfg.Mode == pgtempdb.ModeSingle {
		if err := pgtempdb.ShutdownShared(teardownCtx); err != nil {
			logger.Warn("shared server shutdown failed", zap.Error(err))
		}
	}
	return pgtempdb.PurgeTemplateCache()
}
