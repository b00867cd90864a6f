//go:build !windows

package pgtempdb

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackendTerminatedSurfaces(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db, err := New(ctx, newMultiConfig(t))
	require.NoError(t, err)
	db.ReleaseOnCleanup(t)

	// Kill the server out-of-band, as if it crashed mid-use.
	require.NoError(t, syscall.Kill(db.PID(), syscall.SIGKILL))

	require.Eventually(t, func() bool {
		return db.Err() != nil
	}, 10*time.Second, 10*time.Millisecond, "handle never noticed the dead backend")
	assert.ErrorIs(t, db.Err(), ErrBackendTerminated)

	// Operations fail fast instead of hanging.
	start := time.Now()
	_, err = db.Pool(ctx)
	require.ErrorIs(t, err, ErrBackendTerminated)
	assert.Less(t, time.Since(start), 5*time.Second)

	// Release of a failed instance still reclaims resources quietly.
	require.NoError(t, db.Release(ctx))
}
