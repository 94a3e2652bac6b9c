package database

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"fieldsync/internal/config"
	"fieldsync/internal/observability"
	contextutils "fieldsync/internal/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager() *Manager {
	return NewManager(observability.NewLogger(&config.OpenTelemetryConfig{EnableLogging: false}))
}

func openTestStore(t *testing.T) (*sql.DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fieldsync.db")
	db, err := newTestManager().OpenLocal(config.DatabaseConfig{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, path
}

func TestOpenLocal_CreatesSchema(t *testing.T) {
	db, _ := openTestStore(t)

	for _, table := range []string{"responses", "sync_queue", "sync_queue_counters", "file_references"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		require.NoError(t, err, table)
		assert.Equal(t, table, name)
	}

	var fk int
	require.NoError(t, db.QueryRow(`PRAGMA foreign_keys`).Scan(&fk))
	assert.Equal(t, 1, fk)
}

func TestOpenLocal_ReopenIsIdempotent(t *testing.T) {
	_, path := openTestStore(t)

	db, err := newTestManager().OpenLocal(config.DatabaseConfig{Path: path})
	require.NoError(t, err)
	defer db.Close()

	var version int
	require.NoError(t, db.QueryRow(`SELECT version FROM schema_migrations`).Scan(&version))
	assert.Equal(t, 3, version)
}

func TestOpenLocal_EmptyPath(t *testing.T) {
	db, err := newTestManager().OpenLocal(config.DatabaseConfig{})
	assert.Nil(t, db)
	assert.Equal(t, contextutils.ErrorCodeInvalidInput, contextutils.GetErrorCode(err))
}

func TestOpenLocal_UnwritableDirectory(t *testing.T) {
	db, err := newTestManager().OpenLocal(config.DatabaseConfig{Path: "/nonexistent/dir/fieldsync.db"})
	assert.Nil(t, db)
	assert.Equal(t, contextutils.ErrorCodeStorageFailure, contextutils.GetErrorCode(err))
}

func TestQueueCounterTriggers(t *testing.T) {
	db, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	counts := func() map[string]int {
		rows, err := db.QueryContext(ctx, `SELECT status, count FROM sync_queue_counters`)
		require.NoError(t, err)
		defer rows.Close()
		out := map[string]int{}
		for rows.Next() {
			var status string
			var n int
			require.NoError(t, rows.Scan(&status, &n))
			out[status] = n
		}
		require.NoError(t, rows.Err())
		return out
	}

	insert := `INSERT INTO sync_queue (operation, entity_type, entity_id, payload, priority, created_at, updated_at)
		VALUES ('create_response', 'response', ?, '{}', 1, ?, ?)`
	_, err := db.ExecContext(ctx, insert, "a", now, now)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, insert, "b", now, now)
	require.NoError(t, err)
	assert.Equal(t, 2, counts()["pending"])

	_, err = db.ExecContext(ctx, `UPDATE sync_queue SET status = 'processing' WHERE entity_id = 'a'`)
	require.NoError(t, err)
	c := counts()
	assert.Equal(t, 1, c["pending"])
	assert.Equal(t, 1, c["processing"])

	// attempts-only updates must not move counters
	_, err = db.ExecContext(ctx, `UPDATE sync_queue SET attempts = attempts + 1 WHERE entity_id = 'b'`)
	require.NoError(t, err)
	assert.Equal(t, 1, counts()["pending"])

	_, err = db.ExecContext(ctx, `DELETE FROM sync_queue WHERE entity_id = 'a'`)
	require.NoError(t, err)
	assert.Equal(t, 0, counts()["processing"])
}

func TestOpenDraftUniqueness(t *testing.T) {
	db, _ := openTestStore(t)
	now := time.Now().UTC()

	insert := `INSERT INTO responses (id, survey_id, survey_version, submitter_user_id, status, started_at, updated_at)
		VALUES (?, 'survey-1', 'v1', 'user-1', ?, ?, ?)`

	_, err := db.Exec(insert, "r1", "draft", now, now)
	require.NoError(t, err)
	_, err = db.Exec(insert, "r2", "draft", now, now)
	assert.Error(t, err, "second open draft for the same survey and submitter must be rejected")

	_, err = db.Exec(insert, "r3", "completed", now, now)
	assert.NoError(t, err, "completed responses do not take part in draft uniqueness")
}

func TestLocalDSN(t *testing.T) {
	dsn := LocalDSN("/data/fieldsync.db", 2*time.Second)
	assert.Contains(t, dsn, "file:/data/fieldsync.db?")
	assert.Contains(t, dsn, "_txlock=immediate")
	assert.Contains(t, dsn, "_busy_timeout=2000")
	assert.Contains(t, dsn, "_foreign_keys=on")

	assert.Contains(t, LocalDSN("x.db", 0), "_busy_timeout=5000")
}

func TestExtractDatabaseName(t *testing.T) {
	tests := []struct {
		url      string
		expected string
	}{
		{"postgres://u:p@localhost:5432/ingest?sslmode=disable", "ingest"},
		{"host=localhost dbname=fieldsync sslmode=disable", "fieldsync"},
		{"host=db user=u password=secret sslmode=disable", "fieldsync_ingest"},
		{"postgres://u:p@localhost:5432", "fieldsync_ingest"},
		{"", "fieldsync_ingest"},
	}
	for _, tt := range tests {
		got := extractDatabaseName(tt.url)
		assert.Equal(t, tt.expected, got, tt.url)
		assert.NotContains(t, got, "password")
	}
}
