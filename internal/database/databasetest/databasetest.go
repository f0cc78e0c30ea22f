// Package databasetest opens migrated throwaway databases for package tests.
package databasetest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/HongyunQiu/QNotes/internal/database"
)

// PostgresEnv names the variable holding a DSN for the PostgreSQL test run
const PostgresEnv = "QNOTES_TEST_POSTGRES_DSN"

// OpenSQLite returns a migrated SQLite database in a temp directory, closed on cleanup
func OpenSQLite(t testing.TB) *database.DB {
	t.Helper()

	db, err := database.Connect(database.Config{
		Driver:       database.DriverSQLite,
		Path:         filepath.Join(t.TempDir(), "qnotes.db"),
		MaxOpenConns: 4,
		MaxLifetime:  time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, database.Migrate(context.Background(), db))
	return db
}

// OpenPostgres returns a migrated PostgreSQL database with empty tables,
// or skips the test when no DSN is configured.
func OpenPostgres(t testing.TB) *database.DB {
	t.Helper()

	dsn := os.Getenv(PostgresEnv)
	if dsn == "" {
		t.Skipf("%s not set", PostgresEnv)
	}

	db, err := database.Connect(database.Config{
		Driver: database.DriverPostgres,
		URL:    dsn,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	require.NoError(t, database.Migrate(ctx, db))
	for _, table := range []string{"audit_log", "sessions", "notes", "users"} {
		_, err := db.ExecContext(ctx, fmt.Sprintf("TRUNCATE %s RESTART IDENTITY CASCADE", table))
		require.NoError(t, err)
	}
	return db
}

// Drivers lists the databases available to table-driven tests
func Drivers(t *testing.T) map[string]func(testing.TB) *database.DB {
	t.Helper()

	drivers := map[string]func(testing.TB) *database.DB{
		"sqlite": OpenSQLite,
	}
	if os.Getenv(PostgresEnv) != "" {
		drivers["postgres"] = OpenPostgres
	}
	return drivers
}
