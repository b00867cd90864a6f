// Package probe waits for a freshly started database server to accept
// connections.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrTimedOut is returned when the server did not become ready before the
// deadline.
var ErrTimedOut = errors.New("probe: server not ready within timeout")

// ErrAborted is returned when the abort channel closed before the server
// became ready, typically because the server process exited.
var ErrAborted = errors.New("probe: aborted, server process exited")

// WaitTCP polls addr at the given interval until a TCP connection is
// accepted, the deadline in ctx passes, or abort closes. abort may be nil.
func WaitTCP(ctx context.Context, addr string, interval time.Duration, abort <-chan struct{}) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		conn, err := net.DialTimeout("tcp", addr, interval)
		if err == nil {
			_ = conn.Close()
			return nil
		}

		select {
		case <-ctx.Done():
			return timeoutErr(ctx, addr)
		case <-abort:
			return ErrAborted
		case <-ticker.C:
		}
	}
}

// WaitPostgres polls connURI with a protocol-level handshake until the
// server answers, the deadline in ctx passes, or abort closes. A server
// can accept TCP while still replaying WAL, so TCP readiness alone is not
// enough to hand out a connection URI.
func WaitPostgres(ctx context.Context, connURI string, interval time.Duration, abort <-chan struct{}) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		conn, err := pgx.Connect(ctx, connURI)
		if err == nil {
			_ = conn.Close(ctx)
			return nil
		}

		select {
		case <-ctx.Done():
			return timeoutErr(ctx, connURI)
		case <-abort:
			return ErrAborted
		case <-ticker.C:
		}
	}
}

func timeoutErr(ctx context.Context, target string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrTimedOut, target)
	}
	return ctx.Err()
}
