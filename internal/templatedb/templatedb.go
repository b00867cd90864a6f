// Package templatedb manages the template schema database inside a shared
// server and clones logical databases from it.
package templatedb

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// templateName is the template database inside the shared server.
	// One shared server per process, so a fixed name suffices.
	templateName = "pgtempdb_template"

	// lockID is the advisory lock ID guarding template setup, in case two
	// provisioner processes ever share one server.
	lockID = 937103581245
)

// TemplateDB is the template schema database of a shared server.
type TemplateDB struct {
	// pool is connected to the shared server's maintenance database.
	pool *pgxpool.Pool

	// mu serializes setup and the brief CREATE DATABASE ... TEMPLATE
	// step; cloning fails if anything is connected to the template.
	mu    sync.Mutex
	ready bool
}

// New returns the TemplateDB handle for the server behind pool.
func New(pool *pgxpool.Pool) *TemplateDB {
	return &TemplateDB{pool: pool}
}

// Name returns the name of the template database.
func (t *TemplateDB) Name() string { return templateName }

// SanitizedName returns the quoted name for use in SQL.
func (t *TemplateDB) SanitizedName() string {
	return pgx.Identifier{templateName}.Sanitize()
}

// Setup creates the template database and runs setup against it. It is
// idempotent; concurrent callers wait on the first setup and share its
// result.
func (t *TemplateDB) Setup(ctx context.Context, setup func(context.Context, *pgx.Conn) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ready {
		return nil
	}

	var exists bool
	err := pgx.BeginFunc(ctx, t.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, lockID); err != nil {
			return fmt.Errorf("failed to acquire advisory lock: %w", err)
		}
		return tx.
			QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)`, templateName).
			Scan(&exists)
	})
	if err != nil {
		return fmt.Errorf("failed to check template database: %w", err)
	}
	if exists {
		t.ready = true
		return nil
	}

	// CREATE DATABASE cannot run inside a transaction block.
	if _, err := t.pool.Exec(ctx, fmt.Sprintf(`CREATE DATABASE %s`, t.SanitizedName())); err != nil {
		return fmt.Errorf("failed to create template database: %w", err)
	}

	conn, err := t.connect(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to template database: %w", err)
	}
	defer func() { _ = conn.Close(ctx) }()

	if err := setup(ctx, conn); err != nil {
		return fmt.Errorf("failed to set up template database: %w", err)
	}
	t.ready = true
	return nil
}

// Clone creates a fresh database named name from the template. Setup must
// have succeeded before. Only this step serializes; traffic against
// already-cloned databases is unaffected.
func (t *TemplateDB) Clone(ctx context.Context, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.ready {
		return fmt.Errorf("template database has not been set up")
	}
	_, err := t.pool.Exec(ctx, fmt.Sprintf(`CREATE DATABASE %s TEMPLATE %s`,
		pgx.Identifier{name}.Sanitize(), t.SanitizedName()))
	if err != nil {
		return fmt.Errorf("failed to clone template database: %w", err)
	}
	return nil
}

func (t *TemplateDB) connect(ctx context.Context) (*pgx.Conn, error) {
	cfg := t.pool.Config().ConnConfig.Copy()
	cfg.Database = templateName
	return pgx.ConnectConfig(ctx, cfg)
}
