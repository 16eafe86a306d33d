// Package testutil provides shared test infrastructure for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// Tables emptied before and after each test.
var ledgerTables = []string{"kv_entries", "kv_sequences"}

// PGTest returns a migrated Postgres database for an integration test.
// It is closed and emptied when the test ends.
//
// POSTGRES_URL names an existing database. Without it, TESTCONTAINERS=1
// starts a throwaway container; otherwise the test is skipped.
func PGTest(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	dsn := os.Getenv("POSTGRES_URL")
	switch {
	case dsn != "":
	case os.Getenv("TESTCONTAINERS") == "1":
		dsn = startContainer(ctx, t)
	default:
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("pgtest: open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		t.Fatalf("pgtest: ping: %v", err)
	}

	migrations, err := migrationsDir()
	if err != nil {
		t.Fatalf("pgtest: %v", err)
	}
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		t.Fatalf("pgtest: goose dialect: %v", err)
	}
	if err := goose.UpContext(ctx, db, migrations); err != nil {
		t.Fatalf("pgtest: migrate: %v", err)
	}

	truncate(ctx, t, db)
	t.Cleanup(func() { truncate(ctx, t, db) })
	return db
}

// startContainer runs postgres in docker and registers its teardown.
func startContainer(ctx context.Context, t *testing.T) string {
	t.Helper()

	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("blocki"),
		postgres.WithUsername("blocki"),
		postgres.WithPassword("blocki"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("pgtest: start container: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(ctr); err != nil {
			t.Logf("pgtest: terminate container: %v", err)
		}
	})

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("pgtest: connection string: %v", err)
	}
	return dsn
}

// migrationsDir finds the repository's migrations/ by walking up from the
// package directory the test runs in.
func migrationsDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(dir, "migrations")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New("no migrations/ directory above " + dir)
		}
		dir = parent
	}
}

func truncate(ctx context.Context, t *testing.T, db *sql.DB) {
	for _, table := range ledgerTables {
		if _, err := db.ExecContext(ctx, "TRUNCATE "+table); err != nil { // #nosec G202 -- fixed table names
			t.Logf("pgtest: truncate %s: %v", table, err)
		}
	}
}
