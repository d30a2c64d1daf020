package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/grantflow-data/grantflow/platform/internal/domain"
	"github.com/grantflow-data/grantflow/platform/internal/postgres"
)

// testPool returns a pgxpool.Pool connected to the test database.
// It skips the test if DATABASE_URL is not set (so `make test-go` stays fast).
// It runs migrations and cleans all tables before returning.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	url := testDatabaseURL(t)

	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, url)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := postgres.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cleanTables(t, pool)

	return pool
}

// testDatabaseURL returns DATABASE_URL, skipping the test when unset.
func testDatabaseURL(t *testing.T) string {
	t.Helper()

	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}
	return url
}

// cleanTables truncates all tables in FK order.
func cleanTables(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()

	ctx := context.Background()
	tables := []string{
		"pipeline_stages", "pipeline_runs",
		"funding_opportunities", "raw_responses",
		"api_source_configurations", "api_sources",
	}
	for _, table := range tables {
		if _, err := pool.Exec(ctx, "TRUNCATE "+table+" CASCADE"); err != nil {
			t.Fatalf("truncate %s: %v", table, err)
		}
	}
}

// seedSource inserts one active source and returns it.
func seedSource(t *testing.T, pool *pgxpool.Pool, name string) domain.Source {
	t.Helper()

	store := postgres.NewSourceStore(pool)
	src := domain.Source{
		Name:     name,
		Endpoint: "https://example.org/api/" + name,
		Type:     string(domain.CallTypeList),
		Active:   true,
	}
	if err := store.CreateSource(context.Background(), &src); err != nil {
		t.Fatalf("seed source %s: %v", name, err)
	}
	if src.ID == uuid.Nil {
		t.Fatal("seed source: id not populated")
	}
	return src
}
