package db

import (
	"context"
	"database/sql"
	"fmt"
)

// Tx is a transaction that rebinds placeholders like DB does.
type Tx struct {
	*sql.Tx
	db *DB
}

func (t *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.ExecContext(ctx, t.db.Rebind(query), args...)
}

func (t *Tx) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.QueryContext(ctx, t.db.Rebind(query), args...)
}

func (t *Tx) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.QueryRowContext(ctx, t.db.Rebind(query), args...)
}

// LockRow mirrors DB.LockRow.
func (t *Tx) LockRow() string {
	return t.db.LockRow()
}

// WithTx runs fn inside a transaction, committing if fn returns nil and
// rolling back otherwise. The whole transaction is retried on transient
// failures, so fn must only touch state it rebuilds on every call.
func (d *DB) WithTx(ctx context.Context, fn func(*Tx) error) error {
	return d.Retry(ctx, func() error {
		return d.runTx(ctx, fn)
	})
}

func (d *DB) runTx(ctx context.Context, fn func(*Tx) error) (err error) {
	sqlTx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	tx := &Tx{Tx: sqlTx, db: d}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = sqlTx.Rollback()
			return
		}
		if cerr := sqlTx.Commit(); cerr != nil {
			err = fmt.Errorf("commit: %w", cerr)
		}
	}()

	return fn(tx)
}
