package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"fieldsync/internal/models"
	"fieldsync/internal/store"
	"fieldsync/internal/store/storetest"
	contextutils "fieldsync/internal/utils"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newDraft(surveyID, userID string) *models.Response {
	return &models.Response{
		ID:            uuid.NewString(),
		SurveyID:      surveyID,
		SurveyVersion: "v1",
		Submitter:     models.Submitter{UserID: userID, DisplayName: "Ana", Role: "enumerator"},
		Device:        models.DeviceInfo{Platform: "android", OSVersion: "14", AppVersion: "2.3.0"},
		Answers:       models.Answers{},
		Status:        models.ResponseStatusDraft,
		StartedAt:     t0,
		UpdatedAt:     t0,
	}
}

func queueEntry(op models.OperationType, entityID string, priority int) *models.SyncQueueEntry {
	entity := models.EntityResponse
	if op == models.OperationUploadFile {
		entity = models.EntityFile
	}
	return &models.SyncQueueEntry{
		Operation:  op,
		EntityType: entity,
		EntityID:   entityID,
		Payload:    json.RawMessage(`{"id":"` + entityID + `"}`),
		Priority:   priority,
		Status:     models.QueueStatusPending,
		CreatedAt:  t0,
		UpdatedAt:  t0,
	}
}

func TestResponses_InsertAndGet(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)

	r := newDraft("survey-1", "user-1")
	r.Geo = &models.GeoPoint{Latitude: 19.43, Longitude: -99.13, Accuracy: 12}
	r.Answers.Set("q1", models.TextAnswer("hola"), t0)
	require.NoError(t, store.InsertResponse(ctx, s.DB(), r))

	got, err := store.GetResponse(ctx, s.DB(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.SurveyID, got.SurveyID)
	assert.Equal(t, r.Submitter, got.Submitter)
	assert.Equal(t, r.Device, got.Device)
	assert.Equal(t, r.Geo, got.Geo)
	assert.Equal(t, "hola", got.Answers["q1"].Value.Text)
	assert.True(t, got.StartedAt.Equal(t0))
	assert.False(t, got.CompletedAt.Valid)

	_, err = store.GetResponse(ctx, s.DB(), "missing")
	assert.True(t, contextutils.IsError(err, contextutils.ErrRecordNotFound))
}

func TestResponses_NoGeo(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)

	r := newDraft("survey-1", "user-1")
	require.NoError(t, store.InsertResponse(ctx, s.DB(), r))

	got, err := store.GetResponse(ctx, s.DB(), r.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Geo)
	assert.NotNil(t, got.Answers)
}

func TestResponses_OneOpenDraftPerSurveyAndSubmitter(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)

	first := newDraft("survey-1", "user-1")
	require.NoError(t, store.InsertResponse(ctx, s.DB(), first))

	err := store.InsertResponse(ctx, s.DB(), newDraft("survey-1", "user-1"))
	assert.True(t, contextutils.IsError(err, contextutils.ErrRecordExists), "got %v", err)

	// other survey or other submitter is fine
	require.NoError(t, store.InsertResponse(ctx, s.DB(), newDraft("survey-2", "user-1")))
	require.NoError(t, store.InsertResponse(ctx, s.DB(), newDraft("survey-1", "user-2")))

	// a retake is allowed once the first one is completed
	require.NoError(t, store.MarkResponseCompleted(ctx, s.DB(), first.ID, t0.Add(time.Hour)))
	require.NoError(t, store.InsertResponse(ctx, s.DB(), newDraft("survey-1", "user-1")))
}

func TestResponses_GetOpenDraft(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)

	r := newDraft("survey-1", "user-1")
	require.NoError(t, store.InsertResponse(ctx, s.DB(), r))

	got, err := store.GetOpenDraft(ctx, s.DB(), "survey-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)

	_, err = store.GetOpenDraft(ctx, s.DB(), "survey-1", "user-9")
	assert.True(t, contextutils.IsError(err, contextutils.ErrRecordNotFound))

	require.NoError(t, store.MarkResponseCompleted(ctx, s.DB(), r.ID, t0))
	_, err = store.GetOpenDraft(ctx, s.DB(), "survey-1", "user-1")
	assert.True(t, contextutils.IsError(err, contextutils.ErrRecordNotFound))
}

func TestResponses_StatusTransitions(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)

	r := newDraft("survey-1", "user-1")
	require.NoError(t, store.InsertResponse(ctx, s.DB(), r))

	// sync transitions need a completed response
	err := store.MarkResponseSynced(ctx, s.DB(), r.ID, t0)
	assert.True(t, contextutils.IsError(err, contextutils.ErrInvalidState))

	done := t0.Add(10 * time.Minute)
	require.NoError(t, store.MarkResponseCompleted(ctx, s.DB(), r.ID, done))
	err = store.MarkResponseCompleted(ctx, s.DB(), r.ID, done)
	assert.True(t, contextutils.IsError(err, contextutils.ErrInvalidState))

	err = store.UpdateDraftAnswers(ctx, s.DB(), r.ID, models.Answers{}, done)
	assert.True(t, contextutils.IsError(err, contextutils.ErrInvalidState))

	require.NoError(t, store.MarkResponseSyncError(ctx, s.DB(), r.ID, "server down", done))
	require.NoError(t, store.MarkResponseSyncError(ctx, s.DB(), r.ID, "still down", done))

	got, err := store.GetResponse(ctx, s.DB(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ResponseStatusSyncError, got.Status)
	assert.Equal(t, "still down", got.LastError)
	assert.Equal(t, 2, got.SyncFailCount)
	assert.True(t, got.CompletedAt.Time.Equal(done))

	n, err := store.CountAwaitingSync(ctx, s.DB())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, store.MarkResponseSynced(ctx, s.DB(), r.ID, done.Add(time.Minute)))
	got, err = store.GetResponse(ctx, s.DB(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ResponseStatusSynced, got.Status)
	assert.Empty(t, got.LastError)
	assert.True(t, got.SyncedAt.Valid)
}

func TestResponses_ListAndDelete(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)

	a := newDraft("survey-1", "user-1")
	b := newDraft("survey-2", "user-1")
	b.UpdatedAt = t0.Add(time.Minute)
	c := newDraft("survey-1", "user-2")
	for _, r := range []*models.Response{a, b, c} {
		require.NoError(t, store.InsertResponse(ctx, s.DB(), r))
	}

	drafts, err := store.ListResponses(ctx, s.DB(), "user-1", models.ResponseStatusDraft)
	require.NoError(t, err)
	require.Len(t, drafts, 2)
	assert.Equal(t, b.ID, drafts[0].ID)

	deleted, err := store.DeleteDraft(ctx, s.DB(), a.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = store.DeleteDraft(ctx, s.DB(), a.ID)
	require.NoError(t, err)
	assert.False(t, deleted)

	require.NoError(t, store.MarkResponseCompleted(ctx, s.DB(), b.ID, t0))
	deleted, err = store.DeleteDraft(ctx, s.DB(), b.ID)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestQueue_ClaimOrdersByPriorityThenFIFO(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)

	inserted := []*models.SyncQueueEntry{
		queueEntry(models.OperationUploadFile, "f1", models.PriorityUploadFile),
		queueEntry(models.OperationCreateResponse, "r1", models.PriorityCreateResponse),
		queueEntry(models.OperationUploadFile, "f2", models.PriorityUploadFile),
		queueEntry(models.OperationCreateResponse, "r2", models.PriorityCreateResponse),
	}
	for _, e := range inserted {
		require.NoError(t, store.InsertQueueEntry(ctx, s.DB(), e))
		assert.NotZero(t, e.ID)
	}

	var claimed []*models.SyncQueueEntry
	require.NoError(t, s.WithTx(ctx, func(q store.Querier) error {
		var err error
		claimed, err = store.ClaimPending(ctx, q, 10, t0)
		return err
	}))

	ids := make([]string, 0, len(claimed))
	for _, e := range claimed {
		ids = append(ids, e.EntityID)
		assert.Equal(t, models.QueueStatusProcessing, e.Status)
	}
	assert.Equal(t, []string{"r1", "r2", "f1", "f2"}, ids)
	assert.JSONEq(t, `{"id":"r1"}`, string(claimed[0].Payload))

	// nothing is pending anymore
	again, err := store.ClaimPending(ctx, s.DB(), 10, t0)
	require.NoError(t, err)
	assert.Empty(t, again)

	stats, err := store.GetQueueStats(ctx, s.DB())
	require.NoError(t, err)
	assert.Equal(t, models.QueueStats{Processing: 4}, stats)
}

func TestQueue_ClaimRespectsLimit(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.InsertQueueEntry(ctx, s.DB(),
			queueEntry(models.OperationCreateResponse, uuid.NewString(), models.PriorityCreateResponse)))
	}

	claimed, err := store.ClaimPending(ctx, s.DB(), 2, t0)
	require.NoError(t, err)
	assert.Len(t, claimed, 2)

	stats, err := store.GetQueueStats(ctx, s.DB())
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Pending)
	assert.Equal(t, int64(2), stats.Processing)
}

func TestQueue_FailureAndCompletion(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)

	e := queueEntry(models.OperationCreateResponse, "r1", models.PriorityCreateResponse)
	require.NoError(t, store.InsertQueueEntry(ctx, s.DB(), e))

	attempts, err := store.RecordQueueFailure(ctx, s.DB(), e.ID, "connection refused", models.QueueStatusPending, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)

	got, err := store.GetQueueEntry(ctx, s.DB(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusPending, got.Status)
	assert.Equal(t, "connection refused", got.LastError)
	assert.True(t, got.LastAttemptAt.Valid)

	attempts, err = store.RecordQueueFailure(ctx, s.DB(), e.ID, "rejected", models.QueueStatusFailed, t0)
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	// failed entries are not drained and cannot be completed
	claimed, err := store.ClaimPending(ctx, s.DB(), 10, t0)
	require.NoError(t, err)
	assert.Empty(t, claimed)
	err = store.CompleteQueueEntry(ctx, s.DB(), e.ID, t0)
	assert.True(t, contextutils.IsError(err, contextutils.ErrInvalidState))

	require.NoError(t, store.RearmFailed(ctx, s.DB(), e.ID, t0))
	got, err = store.GetQueueEntry(ctx, s.DB(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusPending, got.Status)
	assert.Zero(t, got.Attempts)

	err = store.RearmFailed(ctx, s.DB(), e.ID, t0)
	assert.True(t, contextutils.IsError(err, contextutils.ErrInvalidState))

	require.NoError(t, store.CompleteQueueEntry(ctx, s.DB(), e.ID, t0))
	stats, err := store.GetQueueStats(ctx, s.DB())
	require.NoError(t, err)
	assert.Equal(t, models.QueueStats{Completed: 1}, stats)

	err = store.CompleteQueueEntry(ctx, s.DB(), 9999, t0)
	assert.True(t, contextutils.IsError(err, contextutils.ErrRecordNotFound))
}

func TestQueue_Maintenance(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)

	entries := []*models.SyncQueueEntry{
		queueEntry(models.OperationCreateResponse, "r1", models.PriorityCreateResponse),
		queueEntry(models.OperationUploadFile, "f1", models.PriorityUploadFile),
		queueEntry(models.OperationUploadFile, "f2", models.PriorityUploadFile),
	}
	for _, e := range entries {
		require.NoError(t, store.InsertQueueEntry(ctx, s.DB(), e))
	}

	_, err := store.ClaimPending(ctx, s.DB(), 1, t0)
	require.NoError(t, err)
	n, err := store.ResetProcessing(ctx, s.DB(), t0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.RecordQueueFailure(ctx, s.DB(), entries[1].ID, "bad", models.QueueStatusFailed, t0)
	require.NoError(t, err)
	n, err = store.RearmAllFailed(ctx, s.DB(), t0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = store.DeletePendingForEntity(ctx, s.DB(), models.EntityFile, "f2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, store.CompleteQueueEntry(ctx, s.DB(), entries[0].ID, t0))
	n, err = store.PurgeCompleted(ctx, s.DB(), t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	listed, err := store.ListQueueEntries(ctx, s.DB(), "", 10)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "f1", listed[0].EntityID)

	stats, err := store.GetQueueStats(ctx, s.DB())
	require.NoError(t, err)
	assert.Equal(t, models.QueueStats{Pending: 1}, stats)
}

func TestFiles_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)

	r := newDraft("survey-1", "user-1")
	require.NoError(t, store.InsertResponse(ctx, s.DB(), r))

	f := &models.FileReference{
		ID:         uuid.NewString(),
		ResponseID: r.ID,
		QuestionID: "photo",
		LocalPath:  "/data/media/1.jpg",
		MimeType:   "image/jpeg",
		SizeBytes:  2048,
		Metadata:   map[string]string{"ocr_name": "ANA"},
		Status:     models.FileStatusPending,
		CreatedAt:  t0,
	}
	require.NoError(t, store.InsertFile(ctx, s.DB(), f))

	// pending files of drafts are not uploaded yet
	pending, err := store.ListPendingFiles(ctx, s.DB(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, store.MarkResponseCompleted(ctx, s.DB(), r.ID, t0))
	pending, err = store.ListPendingFiles(ctx, s.DB(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "ANA", pending[0].Metadata["ocr_name"])

	require.NoError(t, store.MarkFileFailed(ctx, s.DB(), f.ID, "timeout", false))
	got, err := store.GetFile(ctx, s.DB(), f.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FileStatusPending, got.Status)
	assert.Equal(t, "timeout", got.LastError)

	require.NoError(t, store.MarkFileUploaded(ctx, s.DB(), f.ID, "https://files.example.org/1", t0))
	files, err := store.ListFilesByResponse(ctx, s.DB(), r.ID)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, models.FileStatusUploaded, files[0].Status)
	assert.Equal(t, "https://files.example.org/1", files[0].RemoteURL)

	err = store.MarkFileFailed(ctx, s.DB(), f.ID, "late", true)
	assert.True(t, contextutils.IsError(err, contextutils.ErrInvalidState))
}

func TestFiles_CascadeOnDraftDelete(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)

	r := newDraft("survey-1", "user-1")
	require.NoError(t, store.InsertResponse(ctx, s.DB(), r))
	f := &models.FileReference{ID: uuid.NewString(), ResponseID: r.ID, QuestionID: "sig", LocalPath: "/x", MimeType: "image/png",
		Status: models.FileStatusPending, CreatedAt: t0}
	require.NoError(t, store.InsertFile(ctx, s.DB(), f))

	_, err := store.DeleteDraft(ctx, s.DB(), r.ID)
	require.NoError(t, err)

	_, err = store.GetFile(ctx, s.DB(), f.ID)
	assert.True(t, contextutils.IsError(err, contextutils.ErrRecordNotFound))
}

func TestFiles_UnknownResponseViolatesConstraint(t *testing.T) {
	s := storetest.Open(t)
	f := &models.FileReference{ID: uuid.NewString(), ResponseID: "nope", QuestionID: "q", LocalPath: "/x", MimeType: "image/png",
		Status: models.FileStatusPending, CreatedAt: t0}
	err := store.InsertFile(context.Background(), s.DB(), f)
	assert.Equal(t, contextutils.ErrorCodeInvalidInput, contextutils.GetErrorCode(err))
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	boom := errors.New("boom")

	r := newDraft("survey-1", "user-1")
	err := s.WithTx(ctx, func(q store.Querier) error {
		if err := store.InsertResponse(ctx, q, r); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = store.GetResponse(ctx, s.DB(), r.ID)
	assert.True(t, contextutils.IsError(err, contextutils.ErrRecordNotFound))
	require.NoError(t, s.Ping(ctx))
}
