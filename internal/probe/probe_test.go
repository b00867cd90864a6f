package probe

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWaitTCPReady(t *testing.T) {
	t.Parallel()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, WaitTCP(ctx, l.Addr().String(), 10*time.Millisecond, nil))
}

func TestWaitTCPTimeout(t *testing.T) {
	t.Parallel()

	// Reserve a port and close it so nothing is listening.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err = WaitTCP(ctx, addr, 10*time.Millisecond, nil)
	require.ErrorIs(t, err, ErrTimedOut)
}

func TestWaitTCPAbort(t *testing.T) {
	t.Parallel()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	abort := make(chan struct{})
	close(abort)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = WaitTCP(ctx, addr, 10*time.Millisecond, abort)
	require.ErrorIs(t, err, ErrAborted)
}

func TestWaitTCPBecomesReady(t *testing.T) {
	t.Parallel()

	// Start listening only after the probe has begun polling.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	ready := make(chan net.Listener, 1)
	go func() {
		time.Sleep(100 * time.Millisecond)
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return
		}
		ready <- l
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, WaitTCP(ctx, addr, 10*time.Millisecond, nil))

	select {
	case l := <-ready:
		_ = l.Close()
	default:
	}
}
