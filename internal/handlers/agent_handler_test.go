package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"fieldsync/internal/config"
	"fieldsync/internal/models"
	"fieldsync/internal/services"
	"fieldsync/internal/store/storetest"
	contextutils "fieldsync/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	triggers atomic.Int32
	paused   atomic.Bool
}

func (r *fakeRunner) Trigger() { r.triggers.Add(1) }

func (r *fakeRunner) Pause(context.Context) { r.paused.Store(true) }

func (r *fakeRunner) Resume(context.Context) {
	r.paused.Store(false)
	r.Trigger()
}

func (r *fakeRunner) GetStatus() models.WorkerStatus {
	return models.WorkerStatus{WorkerInstance: "agent-test", IsRunning: true, IsPaused: r.paused.Load()}
}

func (r *fakeRunner) GetHistory() []models.RunRecord {
	return []models.RunRecord{{Trigger: "manual", Processed: 1, Completed: 1}}
}

type fakeTokens struct {
	mu    sync.Mutex
	token string
}

func (f *fakeTokens) SetToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = token
}

type agentEnv struct {
	router    *gin.Engine
	runner    *fakeRunner
	tokens    *fakeTokens
	session   *services.SessionService
	responses *services.ResponseService
	queue     *services.SyncQueueService
}

func newAgentEnv(t *testing.T) *agentEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s := storetest.Open(t)
	logger := storetest.Logger()
	env := &agentEnv{
		runner:    &fakeRunner{},
		tokens:    &fakeTokens{},
		session:   services.NewSessionService(logger),
		responses: services.NewResponseService(s, 3, nil, logger),
		queue:     services.NewSyncQueueService(s, 5, logger),
	}
	submissions := services.NewSubmissionService(s, env.runner, logger)
	handler := NewAgentHandler(env.responses, submissions, env.queue, env.session, env.runner, env.tokens, logger)
	env.router = NewAgentRouter(config.Default(), handler, logger)
	return env
}

func (e *agentEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func draftBody(surveyID, userID string) services.DraftRequest {
	return services.DraftRequest{
		SurveyID:      surveyID,
		SurveyVersion: "v1",
		Submitter:     models.Submitter{UserID: userID, DisplayName: "Ana"},
		Device:        models.DeviceInfo{Platform: "android", OSVersion: "15", AppVersion: "1.4.0"},
	}
}

func createDraft(t *testing.T, env *agentEnv, surveyID, userID string) string {
	t.Helper()
	w := env.do(t, http.MethodPost, "/v1/responses", draftBody(surveyID, userID))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	response := decode(t, w)["response"].(map[string]interface{})
	return response["id"].(string)
}

func TestAgentHandler_CreateOrResumeDraft(t *testing.T) {
	env := newAgentEnv(t)

	id := createDraft(t, env, "survey-1", "user-1")

	w := env.do(t, http.MethodPost, "/v1/responses", draftBody("survey-1", "user-1"))
	assert.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["resumed"])
	assert.Equal(t, id, body["response"].(map[string]interface{})["id"])

	w = env.do(t, http.MethodPost, "/v1/responses", services.DraftRequest{SurveyID: "survey-1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_INPUT", decode(t, w)["code"])
}

func TestAgentHandler_DraftsAndGet(t *testing.T) {
	env := newAgentEnv(t)
	id := createDraft(t, env, "survey-1", "user-1")
	createDraft(t, env, "survey-2", "user-1")

	w := env.do(t, http.MethodGet, "/v1/responses/drafts?user_id=user-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["drafts"], 2)

	w = env.do(t, http.MethodGet, "/v1/responses/drafts?user_id=nobody", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []interface{}{}, decode(t, w)["drafts"])

	w = env.do(t, http.MethodGet, "/v1/responses/drafts", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/v1/responses/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "draft", body["response"].(map[string]interface{})["status"])
	assert.Equal(t, []interface{}{}, body["files"])

	w = env.do(t, http.MethodGet, "/v1/responses/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "RECORD_NOT_FOUND", decode(t, w)["code"])
}

func TestAgentHandler_SaveAnswerAlwaysAccepted(t *testing.T) {
	env := newAgentEnv(t)
	id := createDraft(t, env, "survey-1", "user-1")

	w := env.do(t, http.MethodPut, "/v1/responses/"+id+"/answers/q1", models.TextAnswer("yes"))
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, true, decode(t, w)["saved"])

	got, err := env.responses.GetResponse(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.TextAnswer("yes"), got.Answers["q1"].Value)

	// a failed save still answers 202 so the UI never blocks
	w = env.do(t, http.MethodPut, "/v1/responses/missing/answers/q1", models.NumberAnswer(3))
	require.Equal(t, http.StatusAccepted, w.Code)
	body := decode(t, w)
	assert.Equal(t, false, body["saved"])
	assert.NotEmpty(t, body["error"])

	w = env.do(t, http.MethodPut, "/v1/responses/"+id+"/answers/q1", map[string]string{"type": "colour"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAgentHandler_SubmitEnqueuesAndTriggers(t *testing.T) {
	env := newAgentEnv(t)
	id := createDraft(t, env, "survey-1", "user-1")
	require.Equal(t, http.StatusAccepted, env.do(t, http.MethodPut, "/v1/responses/"+id+"/answers/q1", models.ChoiceAnswer("a")).Code)

	w := env.do(t, http.MethodPost, "/v1/responses/"+id+"/files", services.AttachFileRequest{
		QuestionID: "q2",
		LocalPath:  "/sdcard/photo.jpg",
		MimeType:   "image/jpeg",
		SizeBytes:  2048,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "pending", decode(t, w)["status"])

	w = env.do(t, http.MethodPost, "/v1/responses/"+id+"/submit?sync=immediate", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	receipt := decode(t, w)
	assert.Equal(t, id, receipt["response_id"])
	assert.Equal(t, float64(1), receipt["file_entries"])
	assert.Equal(t, true, receipt["sync_requested"])
	assert.Equal(t, int32(1), env.runner.triggers.Load())

	w = env.do(t, http.MethodGet, "/v1/sync/pending", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decode(t, w)["pending"])

	// submitting twice is an illegal transition
	w = env.do(t, http.MethodPost, "/v1/responses/"+id+"/submit", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INVALID_STATE", decode(t, w)["code"])
}

func TestAgentHandler_DiscardDraft(t *testing.T) {
	env := newAgentEnv(t)
	id := createDraft(t, env, "survey-1", "user-1")

	w := env.do(t, http.MethodDelete, "/v1/responses/"+id, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodGet, "/v1/responses/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// unknown ids are a no-op
	w = env.do(t, http.MethodDelete, "/v1/responses/"+id, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestAgentHandler_SyncEndpoints(t *testing.T) {
	env := newAgentEnv(t)
	ctx := context.Background()

	entry, err := env.queue.Enqueue(ctx, models.OperationCreateResponse, models.EntityResponse, "r-1", map[string]string{"id": "r-1"}, models.PriorityCreateResponse)
	require.NoError(t, err)
	_, err = env.queue.DequeueBatch(ctx, 1)
	require.NoError(t, err)
	// a terminal rejection fails the entry on the first attempt
	status, err := env.queue.MarkFailed(ctx, entry.ID, contextutils.ErrValidationFailed)
	require.NoError(t, err)
	require.Equal(t, models.QueueStatusFailed, status)

	w := env.do(t, http.MethodGet, "/v1/sync/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(1), body["stats"].(map[string]interface{})["failed"])
	assert.Len(t, body["history"], 1)

	w = env.do(t, http.MethodGet, "/v1/sync/entries", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["entries"], 1)

	w = env.do(t, http.MethodGet, "/v1/sync/entries?status=stuck", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = env.do(t, http.MethodGet, "/v1/sync/entries?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/v1/sync/retry?id=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/v1/sync/retry", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["retried"])
	assert.Equal(t, int32(1), env.runner.triggers.Load())

	w = env.do(t, http.MethodPost, "/v1/sync/trigger", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, int32(2), env.runner.triggers.Load())

	stats, err := env.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)
}

func TestAgentHandler_PauseResume(t *testing.T) {
	env := newAgentEnv(t)

	w := env.do(t, http.MethodPost, "/v1/sync/pause", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["worker"].(map[string]interface{})["is_paused"])
	assert.Equal(t, int32(0), env.runner.triggers.Load())

	w = env.do(t, http.MethodPost, "/v1/sync/resume", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["worker"].(map[string]interface{})["is_paused"])
	assert.Equal(t, int32(1), env.runner.triggers.Load())
}

func TestAgentHandler_StatusAndSession(t *testing.T) {
	env := newAgentEnv(t)
	env.session.SessionExpired(context.Background(), "token rejected")

	w := env.do(t, http.MethodGet, "/v1/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, false, body["degraded"])
	assert.Equal(t, true, body["session"].(map[string]interface{})["expired"])
	assert.Equal(t, "agent-test", body["worker"].(map[string]interface{})["worker_instance"])
	assert.Equal(t, float64(0), body["pending"])

	w = env.do(t, http.MethodPost, "/v1/session", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/v1/session", map[string]string{"token": "fresh"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["session"].(map[string]interface{})["expired"])
	assert.Equal(t, "fresh", env.tokens.token)
	assert.False(t, env.session.State().Expired)
	assert.Equal(t, int32(1), env.runner.triggers.Load())
}

func TestAgentRouter_HealthAndVersion(t *testing.T) {
	env := newAgentEnv(t)

	w := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, AgentServiceName, decode(t, w)["service"])

	w = env.do(t, http.MethodGet, "/v1/version", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, AgentServiceName, decode(t, w)["service"])

	w = env.do(t, http.MethodGet, "/v1/routes", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, decode(t, w)["routes"])
}
