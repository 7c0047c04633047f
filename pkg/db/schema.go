package db

import (
	"context"
	_ "embed"
	"fmt"
)

//go:embed schema/sqlite.sql
var sqliteSchema string

//go:embed schema/postgres.sql
var postgresSchema string

// Schema returns the DDL for the dialect.
func (d *DB) Schema() string {
	if d.Dialect == Postgres {
		return postgresSchema
	}
	return sqliteSchema
}

// Migrate creates any missing tables and indexes.
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.ExecContext(ctx, d.Schema()); err != nil {
		return fmt.Errorf("migrate %s: %w", d.Dialect, err)
	}
	return nil
}
