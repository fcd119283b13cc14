// Package testutil provides shared helpers for integration tests.
// Helpers in this package skip automatically when required environment
// variables are not set, so unit tests can run without a running database.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/pkordes/vehicle-escrow/backend/migrations"
)

// NewPool opens a *pgxpool.Pool connected to the database specified by the
// TEST_DATABASE_URL environment variable.
//
// The test is skipped automatically if TEST_DATABASE_URL is not set, so
// integration tests are opt-in and never break CI environments that lack a DB.
// The pool is closed automatically when the test (and all its subtests) finish.
func NewPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := requireDSN(t)

	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("testutil.NewPool: open pool: %v", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		t.Fatalf("testutil.NewPool: ping: %v", err)
	}

	t.Cleanup(pool.Close)
	return pool
}

// NewSchemaDB opens a *sql.DB whose search_path is a fresh, empty schema on
// the TEST_DATABASE_URL database. The schema is dropped when the test
// finishes.
//
// Use this when a test must own the whole schema, for example to migrate
// down to zero, without disturbing packages that share the database.
func NewSchemaDB(t *testing.T) *sql.DB {
	t.Helper()

	pool := NewPool(t)
	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")

	ctx := context.Background()
	if _, err := pool.Exec(ctx, "CREATE SCHEMA "+schema); err != nil {
		t.Fatalf("testutil.NewSchemaDB: create schema: %v", err)
	}
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
	})

	cfg, err := pgx.ParseConfig(requireDSN(t))
	if err != nil {
		t.Fatalf("testutil.NewSchemaDB: parse dsn: %v", err)
	}
	cfg.RuntimeParams["search_path"] = schema

	db := stdlib.OpenDB(*cfg)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		t.Fatalf("testutil.NewSchemaDB: ping: %v", err)
	}
	// Registered after the DROP so it runs first.
	t.Cleanup(func() { db.Close() })
	return db
}

// NewTx begins a transaction on a migrated test database and rolls it back
// when the test finishes, so each test sees only its own writes.
//
// The migrations are applied once per test binary. The test is skipped
// automatically if TEST_DATABASE_URL is not set.
func NewTx(t *testing.T) pgx.Tx {
	t.Helper()

	pool := NewPool(t)

	migrateOnce.Do(func() {
		db := stdlib.OpenDBFromPool(pool)
		defer db.Close()
		_, migrateErr = migrations.Up(context.Background(), db)
	})
	if migrateErr != nil {
		t.Fatalf("testutil.NewTx: migrate: %v", migrateErr)
	}

	tx, err := pool.Begin(context.Background())
	if err != nil {
		t.Fatalf("testutil.NewTx: begin: %v", err)
	}
	t.Cleanup(func() {
		// Rollback discards all changes made during the test; no cleanup SQL needed.
		_ = tx.Rollback(context.Background())
	})
	return tx
}

var (
	migrateOnce sync.Once
	migrateErr  error
)

// requireDSN returns the TEST_DATABASE_URL environment variable value,
// skipping the test if it is not set.
func requireDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping integration test")
	}
	return dsn
}
