package database_test

import (
	"context"
	"errors"
	"testing"

	"github.com/lib/pq"
	sqlite3 "github.com/mutecomm/go-sqlcipher/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/HongyunQiu/QNotes/internal/database"
	"github.com/HongyunQiu/QNotes/internal/database/databasetest"
)

func TestRebind(t *testing.T) {
	q := `UPDATE notes SET title = ? WHERE id = ? AND content <> '?' AND keywords LIKE ? ESCAPE '\'`

	assert.Equal(t, q, database.DriverSQLite.Rebind(q))
	assert.Equal(t,
		`UPDATE notes SET title = $1 WHERE id = $2 AND content <> '?' AND keywords LIKE $3 ESCAPE '\'`,
		database.DriverPostgres.Rebind(q))
}

func TestParseDriver(t *testing.T) {
	d, err := database.ParseDriver("")
	require.NoError(t, err)
	assert.Equal(t, database.DriverSQLite, d)

	d, err = database.ParseDriver("PostgreSQL")
	require.NoError(t, err)
	assert.Equal(t, database.DriverPostgres, d)

	_, err = database.ParseDriver("mysql")
	assert.Error(t, err)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, database.IsRetryable(sqlite3.Error{Code: sqlite3.ErrBusy}))
	assert.True(t, database.IsRetryable(&pq.Error{Code: "40001"}))
	assert.False(t, database.IsRetryable(&pq.Error{Code: "23505"}))
	assert.False(t, database.IsRetryable(errors.New("boom")))
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := database.Retry(context.Background(), zap.NewNop(), "test", func() error {
		calls++
		if calls < 3 {
			return sqlite3.Error{Code: sqlite3.ErrBusy}
		}
		return errors.New("permanent")
	})
	assert.EqualError(t, err, "permanent")
	assert.Equal(t, 3, calls)
}

func TestMigrateIsIdempotent(t *testing.T) {
	for name, open := range databasetest.Drivers(t) {
		t.Run(name, func(t *testing.T) {
			db := open(t)
			require.NoError(t, database.Migrate(context.Background(), db))
		})
	}
}

func TestDeleteCascadesToSubtree(t *testing.T) {
	for name, open := range databasetest.Drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			db := open(t)

			userID, err := db.InsertID(ctx,
				`INSERT INTO users (username, password_hash, created_at) VALUES (?, ?, ?)`, "owner", "x", 1)
			require.NoError(t, err)

			insert := `INSERT INTO notes (parent_id, title, owner_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`
			root, err := db.InsertID(ctx, insert, nil, "root", userID, 1, 1)
			require.NoError(t, err)
			child, err := db.InsertID(ctx, insert, root, "child", userID, 1, 1)
			require.NoError(t, err)
			_, err = db.InsertID(ctx, insert, child, "grandchild", userID, 1, 1)
			require.NoError(t, err)

			_, err = db.ExecContext(ctx, `DELETE FROM notes WHERE id = ?`, root)
			require.NoError(t, err)

			var count int
			require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notes`).Scan(&count))
			assert.Zero(t, count)
		})
	}
}

func TestLockColumnsMustBePaired(t *testing.T) {
	ctx := context.Background()
	db := databasetest.OpenSQLite(t)

	userID, err := db.InsertID(ctx,
		`INSERT INTO users (username, password_hash, created_at) VALUES (?, ?, ?)`, "owner", "x", 1)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx,
		`INSERT INTO notes (title, owner_id, created_at, updated_at, lock_user_id) VALUES (?, ?, ?, ?, ?)`,
		"n", userID, 1, 1, userID)
	assert.Error(t, err)
}

func TestTransactionRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	db := databasetest.OpenSQLite(t)
	tm := database.NewTransactionManager(db, zap.NewNop())

	sentinel := errors.New("abort")
	err := tm.Execute(ctx, "test", func(tx *database.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO users (username, password_hash, created_at) VALUES (?, ?, ?)`, "ghost", "x", 1); err != nil {
			return err
		}
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	var count int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count))
	assert.Zero(t, count)
}

func TestSize(t *testing.T) {
	db := databasetest.OpenSQLite(t)

	size, err := database.Size(context.Background(), db)
	require.NoError(t, err)
	assert.Positive(t, size)
}

func TestIsUniqueViolation(t *testing.T) {
	ctx := context.Background()
	db := databasetest.OpenSQLite(t)

	insert := `INSERT INTO users (username, password_hash, is_admin, created_at) VALUES (?, 'x', ?, 0)`
	_, err := db.ExecContext(ctx, insert, "alice", false)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, insert, "ALICE", false)
	require.Error(t, err)
	assert.True(t, database.IsUniqueViolation(err), "usernames are unique regardless of case")

	assert.True(t, database.IsUniqueViolation(&pq.Error{Code: "23505"}))
	assert.False(t, database.IsUniqueViolation(errors.New("boom")))
}
