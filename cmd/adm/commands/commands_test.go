package commands

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"fieldsync/internal/config"
	"fieldsync/internal/ingest"
	"fieldsync/internal/models"
	"fieldsync/internal/observability"
	"fieldsync/internal/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestEnv(t *testing.T) *Env {
	t.Helper()
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "agent.db")
	cfg.Sync.RemoteBaseURL = "http://127.0.0.1:1"
	cfg.Sync.StartPaused = true
	cfg.Auth.TokenSecret = "adm-test-secret"

	env := &Env{Config: cfg, Logger: &observability.Logger{Logger: zap.NewNop()}}
	t.Cleanup(func() { _ = env.Close(context.Background()) })
	return env
}

func execute(t *testing.T, env *Env, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCommand(env)
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestQueueCommands(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sc, err := env.Container(ctx)
	require.NoError(t, err)
	queue, err := sc.GetSyncQueueService()
	require.NoError(t, err)
	entry, err := queue.Enqueue(ctx, models.OperationCreateResponse, models.EntityResponse, "r-1", map[string]string{"id": "r-1"}, 0)
	require.NoError(t, err)
	_, err = queue.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	_, err = queue.MarkFailed(ctx, entry.ID, assert.AnError)
	require.NoError(t, err)

	out, err := execute(t, env, "queue", "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "outstanding")
	assert.Contains(t, out, "0 responses awaiting sync")

	t.Run("list", func(t *testing.T) {
		out, err := execute(t, env, "queue", "list", "--status", "pending")
		require.NoError(t, err)
		assert.Contains(t, out, "r-1")

		_, err = execute(t, env, "queue", "list", "--status", "lost")
		assert.Error(t, err)
	})

	t.Run("retry needs exactly one target", func(t *testing.T) {
		_, err := execute(t, env, "queue", "retry")
		assert.Error(t, err)
		_, err = execute(t, env, "queue", "retry", "--all", "7")
		assert.Error(t, err)
		_, err = execute(t, env, "queue", "retry", "abc")
		assert.Error(t, err)
	})

	t.Run("retry all", func(t *testing.T) {
		out, err := execute(t, env, "queue", "retry", "--all")
		require.NoError(t, err)
		assert.Contains(t, out, "Re-armed")
	})

	t.Run("purge", func(t *testing.T) {
		out, err := execute(t, env, "queue", "purge", "--older-than", "1h")
		require.NoError(t, err)
		assert.Equal(t, "Purged 0 completed entries\n", out)
	})
}

func TestResponseCommands_Drafts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	out, err := execute(t, env, "responses", "drafts", "--user", "enum-1")
	require.NoError(t, err)
	assert.Equal(t, "No drafts for enum-1\n", out)

	sc, err := env.Container(ctx)
	require.NoError(t, err)
	responses, err := sc.GetResponseService()
	require.NoError(t, err)
	draft, err := responses.CreateDraft(ctx, services.DraftRequest{
		SurveyID:      "water-points",
		SurveyVersion: "v1",
		Submitter:     models.Submitter{UserID: "enum-1"},
	})
	require.NoError(t, err)

	out, err = execute(t, env, "responses", "drafts", "--user", "enum-1")
	require.NoError(t, err)
	assert.Contains(t, out, draft.ID)
	assert.Contains(t, out, "water-points")

	_, err = execute(t, env, "responses", "drafts")
	assert.Error(t, err, "--user is required")
}

func TestTokenCommands_Mint(t *testing.T) {
	env := newTestEnv(t)

	out, err := execute(t, env, "token", "mint", "--device", "tablet-9")
	require.NoError(t, err)

	authority, err := ingest.NewTokenAuthority(env.Config.Auth)
	require.NoError(t, err)
	device, err := authority.Verify(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "tablet-9", device)
}

func TestDatabaseCommands_MigrateLocal(t *testing.T) {
	env := newTestEnv(t)

	out, err := execute(t, env, "db", "migrate", "local")
	require.NoError(t, err)
	assert.Contains(t, out, "is up to date")

	// a second run finds nothing to apply
	_, err = execute(t, env, "db", "migrate", "local")
	assert.NoError(t, err)

	env.Config.Database.IngestURL = ""
	_, err = execute(t, env, "db", "migrate", "ingest")
	assert.Error(t, err)
}

func TestMaskDatabaseURL(t *testing.T) {
	assert.Equal(t, "postgres://***:***@db:5432/ingest", maskDatabaseURL("postgres://user:pw@db:5432/ingest"))
	assert.Equal(t, "postgres://db:5432/ingest", maskDatabaseURL("postgres://db:5432/ingest"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}
