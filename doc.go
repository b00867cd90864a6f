// Package pgtempdb provides throwaway PostgreSQL servers for integration
// tests.
//
// pgtempdb boots a real postgres server on demand, bound to a loopback
// port and a private data directory, and hands back a connection URI once
// the server accepts connections. Releasing the handle stops the server
// and reclaims everything, so each test (or test run) works against a
// database that did not exist before it and does not exist after it.
//
// # Isolation Modes
//
// Two modes trade isolation strength against startup cost, chosen
// explicitly by the caller:
//
//   - ModeMulti: a full server per handle. Complete isolation down to the
//     process level. Creation cost is a server boot, amortized by cloning
//     the initdb result from a process-wide template directory after the
//     first boot.
//   - ModeSingle: one shared server per process, a fresh logical database
//     per handle, optionally cloned from a template schema set up once via
//     Config.SetupTemplate. Creation is tens of milliseconds.
//
// # Basic Usage
//
// Multi mode, one server for the duration of a test:
//
//	func TestOrders(t *testing.T) {
//		ctx := context.Background()
//
//		db, err := pgtempdb.New(ctx, &pgtempdb.Config{Mode: pgtempdb.ModeMulti})
//		if err != nil {
//			t.Fatal(err)
//		}
//		db.ReleaseOnCleanup(t)
//
//		pool, err := pgxpool.New(ctx, db.ConnectionURI())
//		if err != nil {
//			t.Fatal(err)
//		}
//		defer pool.Close()
//		// run migrations, then exercise the code under test
//	}
//
// Single mode, a shared server across a package's tests:
//
//	func TestMain(m *testing.M) {
//		code := m.Run()
//		_ = pgtempdb.ShutdownShared(context.Background())
//		os.Exit(code)
//	}
//
//	func TestUsers(t *testing.T) {
//		db, err := pgtempdb.New(context.Background(), &pgtempdb.Config{
//			Mode: pgtempdb.ModeSingle,
//			SetupTemplate: func(ctx context.Context, conn *pgx.Conn) error {
//				_, err := conn.Exec(ctx, `CREATE TABLE users (id SERIAL PRIMARY KEY, name TEXT)`)
//				return err
//			},
//		})
//		if err != nil {
//			t.Fatal(err)
//		}
//		db.ReleaseOnCleanup(t)
//		// db.ConnectionURI() points at a database only this test sees
//	}
//
// # Cleanup Guarantees
//
// Release stops the server before the port and directory are reclaimed,
// so resources are never recycled while a process might still hold them.
// Release is idempotent, and every failure path inside New unwinds what
// was already allocated before returning. Runs that die without releasing
// (kill -9, OOM) leave directories behind; CleanupOrphans removes those
// whose owning process is gone.
//
// # Requirements
//
// The postgres and initdb binaries of a PostgreSQL installation, either
// on PATH or pointed at via Config.BinDir. The server only ever listens
// on 127.0.0.1.
package pgtempdb
