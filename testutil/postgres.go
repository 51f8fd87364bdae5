// Package testutil holds helpers shared by Postgres-backed tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/Yarn/gentei-but-jank/db"
)

// SetupTestDB creates a test database connection and runs migrations.
// It skips the test if TEST_PG_DSN environment variable is not set.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.Migrate(context.Background(), database); err != nil {
		database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
	})
	return database
}

// CleanupUsers removes user rows whose discord_id starts with prefix, before and
// after the test, so fixtures don't leak between packages sharing TEST_PG_DSN.
func CleanupUsers(t *testing.T, database *sql.DB, prefix string) {
	t.Helper()
	clean := func() {
		_, _ = database.Exec(`DELETE FROM users WHERE discord_id LIKE $1`, prefix+"%")
	}
	clean()
	t.Cleanup(clean)
}
