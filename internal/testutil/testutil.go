// Package testutil provides helpers shared by package tests.
package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"econstats/internal/storage"
	_ "econstats/internal/storage/postgres"
	_ "econstats/internal/storage/sqlite"
)

// PostgresEnv names the variable holding a Postgres DSN for integration tests.
const PostgresEnv = "ECONSTATS_TEST_POSTGRES"

// OpenSQLite opens a file-backed sqlite store under t.TempDir() and closes it
// when the test ends.
func OpenSQLite(t *testing.T) storage.MultiRepository {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "econstats_test.db")
	repo, err := storage.NewMulti(context.Background(), storage.MultiConfig{Kind: "sqlite", DSN: dsn})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(repo.Close)
	return repo
}

// PostgresAvailable returns the DSN from ECONSTATS_TEST_POSTGRES when it
// answers a ping, otherwise "".
func PostgresAvailable() string {
	dsn := os.Getenv(PostgresEnv)
	if dsn == "" {
		return ""
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return ""
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return ""
	}
	return dsn
}

// SkipIfNoPostgres skips the test if PostgreSQL is not available.
func SkipIfNoPostgres(t *testing.T) string {
	t.Helper()
	dsn := PostgresAvailable()
	if dsn == "" {
		t.Skip("PostgreSQL not available (set " + PostgresEnv + "), skipping integration test")
	}
	return dsn
}

// OpenPostgres opens the integration Postgres store and drops the star
// schema tables when the test ends.
func OpenPostgres(t *testing.T) storage.MultiRepository {
	t.Helper()
	dsn := SkipIfNoPostgres(t)

	repo, err := storage.NewMulti(context.Background(), storage.MultiConfig{Kind: "postgres", DSN: dsn})
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		for _, tbl := range []string{"fact_cpi", "fact_retail_sales", "dim_date", "dim_geography", "dim_product", "dim_industry"} {
			if err := repo.Exec(ctx, "DROP TABLE IF EXISTS "+tbl+" CASCADE"); err != nil {
				t.Logf("Warning: drop %s: %v", tbl, err)
			}
		}
		repo.Close()
	})
	return repo
}
