// Package db is the SQL row store used by rooms, messages and uploads.
//
// Two drivers are supported: modernc.org/sqlite for single-node and test
// deployments and pgx for PostgreSQL. Queries are written with `?`
// placeholders and rebound for PostgreSQL. Timestamps are stored as unix
// milliseconds so both dialects share the same column semantics.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

func (d Dialect) String() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite"
}

// Options configure Open.
type Options struct {
	Driver        string // "sqlite" or "pgx"
	DSN           string // file path for sqlite, connection URL for pgx
	RetryAttempts int
}

type DB struct {
	*sql.DB
	Dialect  Dialect
	attempts int
}

// Open connects to the configured database and verifies the connection.
func Open(ctx context.Context, opts Options) (*DB, error) {
	var (
		dialect Dialect
		dsn     = opts.DSN
	)
	switch opts.Driver {
	case "sqlite", "":
		dialect = SQLite
		dsn = sqliteDSN(opts.DSN)
		opts.Driver = "sqlite"
	case "pgx", "postgres":
		dialect = Postgres
		opts.Driver = "pgx"
	default:
		return nil, fmt.Errorf("unknown database driver %q", opts.Driver)
	}

	sqldb, err := sql.Open(opts.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == Postgres {
		sqldb.SetMaxOpenConns(25)
		sqldb.SetMaxIdleConns(5)
		sqldb.SetConnMaxLifetime(time.Hour)
	}
	if err := sqldb.PingContext(ctx); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}

	attempts := opts.RetryAttempts
	if attempts <= 0 {
		attempts = 5
	}
	return &DB{DB: sqldb, Dialect: dialect, attempts: attempts}, nil
}

// sqliteDSN applies the pragmas every connection needs: WAL so readers do
// not block the writer, a busy timeout, foreign keys, and BEGIN IMMEDIATE
// so a transaction takes the write lock before its first read.
func sqliteDSN(path string) string {
	if strings.HasPrefix(path, "file:") && strings.Contains(path, "?") {
		return path
	}
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	return path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
}

// Rebind rewrites `?` placeholders for the dialect.
func (d *DB) Rebind(query string) string {
	return rebind(d.Dialect, query)
}

func rebind(dialect Dialect, query string) string {
	if dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// LockRow returns the clause that row-locks a selected row inside a
// transaction. SQLite transactions already hold the database write lock.
func (d *DB) LockRow() string {
	if d.Dialect == Postgres {
		return " FOR UPDATE"
	}
	return ""
}

func (d *DB) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.ExecContext(ctx, d.Rebind(query), args...)
}

func (d *DB) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.QueryContext(ctx, d.Rebind(query), args...)
}

func (d *DB) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return d.QueryRowContext(ctx, d.Rebind(query), args...)
}

// Millis converts a time to the stored representation.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMillis converts a stored timestamp back to UTC time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// FromNullMillis converts a nullable stored timestamp.
func FromNullMillis(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := FromMillis(ms.Int64)
	return &t
}

// Wrap adopts an already open handle. Tests use it with sqlmock.
func Wrap(sqldb *sql.DB, dialect Dialect, retryAttempts int) *DB {
	if retryAttempts <= 0 {
		retryAttempts = 1
	}
	return &DB{DB: sqldb, Dialect: dialect, attempts: retryAttempts}
}
