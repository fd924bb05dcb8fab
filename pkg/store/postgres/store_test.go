package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/encore/pkg/store/postgres"
	"github.com/MrWong99/encore/pkg/store/storetest"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if ENCORE_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("ENCORE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ENCORE_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore drops all tables and returns a freshly migrated store.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	for _, table := range []string{"media_cache", "play_history", "user_preferences", "guild_settings"} {
		if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE"); err != nil {
			t.Fatalf("drop %s: %v", table, err)
		}
	}
	pool.Close()

	s, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, newTestStore(t))
}

func TestMigrateIdempotent(t *testing.T) {
	newTestStore(t)
	pool, err := pgxpool.New(context.Background(), testDSN(t))
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	defer pool.Close()
	for range 2 {
		if err := postgres.Migrate(context.Background(), pool); err != nil {
			t.Fatalf("Migrate: %v", err)
		}
	}
}

func TestNewStore_BadDSN(t *testing.T) {
	if _, err := postgres.NewStore(context.Background(), "://not a dsn"); err == nil {
		t.Error("NewStore accepted an invalid DSN")
	}
}
