package database

import (
	"context"
	"embed"
	"fmt"
)

//go:embed schema/*.sql
var schemas embed.FS

// Migrate creates the schema for the connected driver. Statements are idempotent.
func Migrate(ctx context.Context, db *DB) error {
	name := "schema/sqlite.sql"
	if db.Driver() == DriverPostgres {
		name = "schema/postgres.sql"
	}

	schema, err := schemas.ReadFile(name)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", name, err)
	}

	if _, err := db.SQL().ExecContext(ctx, string(schema)); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	if db.Driver() == DriverSQLite {
		// Databases created before search existed lack the derived columns
		if err := ensureColumn(ctx, db, "notes", "keywords", "TEXT NOT NULL DEFAULT '[]'"); err != nil {
			return err
		}
		if err := ensureColumn(ctx, db, "notes", "content_text", "TEXT"); err != nil {
			return err
		}
		if err := ensureColumn(ctx, db, "notes", "search_text", "TEXT"); err != nil {
			return err
		}
	}

	return nil
}

func ensureColumn(ctx context.Context, db *DB, table, column, definition string) error {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue any
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return fmt.Errorf("failed to scan column info: %w", err)
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows iteration error: %w", err)
	}

	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to add %s.%s: %w", table, column, err)
	}
	return nil
}
