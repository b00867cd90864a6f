package pgtempdb

import (
	"errors"

	"github.com/yuku/pgtempdb/internal/alloc"
	"github.com/yuku/pgtempdb/internal/probe"
	"github.com/yuku/pgtempdb/internal/proc"
)

var (
	// ErrResourceExhausted is returned by New when no free port could be
	// reserved within the bounded number of attempts.
	ErrResourceExhausted = alloc.ErrExhausted

	// ErrTimedOut is returned by New when the server did not accept
	// connections within Config.StartTimeout. The half-started process is
	// torn down before the error is returned.
	ErrTimedOut = probe.ErrTimedOut

	// ErrBackendTerminated reports that a previously ready server exited
	// unexpectedly. DB.Err, DB.Pool and DB.Conn surface it.
	ErrBackendTerminated = errors.New("pgtempdb: backend terminated unexpectedly")

	// ErrReleased reports that the handle has already been released.
	ErrReleased = errors.New("pgtempdb: instance has been released")
)

// StartError reports that the server binary failed to launch or exited
// during startup. Output carries the server's captured diagnostics.
type StartError = proc.StartError
