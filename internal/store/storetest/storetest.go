// Package storetest opens throwaway local stores for tests.
package storetest

import (
	"path/filepath"
	"testing"

	"fieldsync/internal/config"
	"fieldsync/internal/database"
	"fieldsync/internal/observability"
	"fieldsync/internal/store"

	"github.com/stretchr/testify/require"
)

// Logger returns a logger that discards everything
func Logger() *observability.Logger {
	return observability.NewLogger(&config.OpenTelemetryConfig{EnableLogging: false})
}

// Open creates a migrated local store in a temp dir, closed when the test ends
func Open(t testing.TB) *store.Store {
	t.Helper()
	s, _ := OpenAt(t, filepath.Join(t.TempDir(), "fieldsync.db"))
	return s
}

// OpenAt opens the store at path and returns it with a func that closes it early,
// as a process exit would
func OpenAt(t testing.TB, path string) (*store.Store, func()) {
	t.Helper()
	logger := Logger()
	db, err := database.NewManager(logger).OpenLocal(config.DatabaseConfig{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return store.New(db, logger), func() { require.NoError(t, db.Close()) }
}
