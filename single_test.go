package pgtempdb

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yuku/pgtempdb/internal/testutil"
)

// Single-mode tests share one server per process, so they use the nop
// logger instead of a per-test one and rely on TestMain for shutdown.
func newSingleConfig(t *testing.T) *Config {
	t.Helper()
	return &Config{
		Mode:   ModeSingle,
		BinDir: testutil.BinDir(t),
		Logger: zap.NewNop(),
	}
}

func setupItemsTemplate(ctx context.Context, conn *pgx.Conn) error {
	_, err := conn.Exec(ctx, `CREATE TABLE items (id SERIAL PRIMARY KEY, name TEXT NOT NULL)`)
	return err
}

func TestSingleModeLogicalIsolation(t *testing.T) {
	ctx := context.Background()
	cfg := newSingleConfig(t)
	cfg.SetupTemplate = setupItemsTemplate

	a, err := New(ctx, cfg)
	require.NoError(t, err)
	a.ReleaseOnCleanup(t)
	b, err := New(ctx, cfg)
	require.NoError(t, err)
	b.ReleaseOnCleanup(t)

	// Same server, distinct databases.
	assert.Equal(t, a.Port(), b.Port())
	assert.Equal(t, a.PID(), b.PID())
	assert.NotEqual(t, a.Name(), b.Name())
	assert.NotEqual(t, a.ConnectionURI(), b.ConnectionURI())

	poolA, err := a.Pool(ctx)
	require.NoError(t, err)
	defer poolA.Close()
	poolB, err := b.Pool(ctx)
	require.NoError(t, err)
	defer poolB.Close()

	// Both got the template schema.
	_, err = poolA.Exec(ctx, `INSERT INTO items (name) VALUES ('from-a')`)
	require.NoError(t, err)
	_, err = poolB.Exec(ctx, `INSERT INTO items (name) VALUES ('from-b')`)
	require.NoError(t, err)

	// Each database observes only its own writes.
	var name string
	require.NoError(t, poolA.QueryRow(ctx, `SELECT name FROM items`).Scan(&name))
	assert.Equal(t, "from-a", name)
	require.NoError(t, poolB.QueryRow(ctx, `SELECT name FROM items`).Scan(&name))
	assert.Equal(t, "from-b", name)
}

func TestSingleModeWithoutTemplate(t *testing.T) {
	ctx := context.Background()

	db, err := New(ctx, newSingleConfig(t))
	require.NoError(t, err)
	db.ReleaseOnCleanup(t)

	conn, err := db.Conn(ctx)
	require.NoError(t, err)
	defer func() { _ = conn.Close(ctx) }()

	// The database starts empty but is fully writable.
	var tables int
	err = conn.QueryRow(ctx, `SELECT count(*) FROM pg_tables WHERE schemaname = 'public'`).Scan(&tables)
	require.NoError(t, err)
	assert.Zero(t, tables)

	_, err = conn.Exec(ctx, `CREATE TABLE scratch (v INT)`)
	require.NoError(t, err)
}

func TestSingleModeReleaseDropsDatabase(t *testing.T) {
	ctx := context.Background()
	cfg := newSingleConfig(t)

	db, err := New(ctx, cfg)
	require.NoError(t, err)
	name := db.Name()

	require.NoError(t, db.Release(ctx))
	require.NoError(t, db.Release(ctx))

	// The shared server is still up; the logical database is gone.
	other, err := New(ctx, cfg)
	require.NoError(t, err)
	other.ReleaseOnCleanup(t)

	conn, err := other.Conn(ctx)
	require.NoError(t, err)
	defer func() { _ = conn.Close(ctx) }()

	var exists bool
	err = conn.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)`, name).Scan(&exists)
	require.NoError(t, err)
	assert.False(t, exists, "logical database %s not dropped on release", name)
}
