package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// ParseDriver maps a configuration value to a supported driver
func ParseDriver(s string) (Driver, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sqlite", "sqlite3", "sqlcipher":
		return DriverSQLite, nil
	case "postgres", "postgresql", "pg":
		return DriverPostgres, nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", s)
	}
}

// Rebind rewrites '?' placeholders for the driver. Quoted literals are left untouched.
func (d Driver) Rebind(query string) string {
	if d != DriverPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Querier is satisfied by both DB and Tx so repositories can run inside or outside a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	InsertID(ctx context.Context, query string, args ...any) (int64, error)
	Driver() Driver
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// binder applies the driver's placeholder syntax to every statement
type binder struct {
	conn   execer
	driver Driver
}

func (b binder) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return b.conn.ExecContext(ctx, b.driver.Rebind(query), args...)
}

func (b binder) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return b.conn.QueryContext(ctx, b.driver.Rebind(query), args...)
}

func (b binder) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return b.conn.QueryRowContext(ctx, b.driver.Rebind(query), args...)
}

// InsertID runs an INSERT and returns the new row id. SQLCipher's bundled SQLite
// predates RETURNING, so SQLite uses LastInsertId.
func (b binder) InsertID(ctx context.Context, query string, args ...any) (int64, error) {
	if b.driver == DriverPostgres {
		var id int64
		if err := b.QueryRowContext(ctx, query+" RETURNING id", args...).Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}

	result, err := b.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (b binder) Driver() Driver {
	return b.driver
}

// DB is a connection pool bound to a driver dialect
type DB struct {
	binder
	sql *sql.DB
}

// Wrap binds an open pool to a driver
func Wrap(db *sql.DB, driver Driver) *DB {
	return &DB{binder: binder{conn: db, driver: driver}, sql: db}
}

// SQL exposes the underlying pool
func (db *DB) SQL() *sql.DB {
	return db.sql
}

func (db *DB) PingContext(ctx context.Context) error {
	return db.sql.PingContext(ctx)
}

func (db *DB) Close() error {
	return db.sql.Close()
}

// Tx is a transaction bound to a driver dialect
type Tx struct {
	binder
	tx *sql.Tx
}
