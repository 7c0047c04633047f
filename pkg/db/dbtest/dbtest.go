// Package dbtest opens migrated throwaway databases for tests.
package dbtest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mahaj/roomchat/pkg/db"
)

// Open returns a migrated SQLite database in the test's temp dir.
func Open(t testing.TB) *db.DB {
	t.Helper()
	d, err := db.Open(context.Background(), db.Options{
		Driver:        "sqlite",
		DSN:           filepath.Join(t.TempDir(), "roomchat.db"),
		RetryAttempts: 10,
	})
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	require.NoError(t, d.Migrate(context.Background()))
	return d
}
