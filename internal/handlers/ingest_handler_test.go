package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"fieldsync/internal/config"
	"fieldsync/internal/ingest"
	"fieldsync/internal/middleware"
	"fieldsync/internal/models"
	"fieldsync/internal/store/storetest"
	contextutils "fieldsync/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	testDevice   = "device-42"
	testClientID = "0b7e4c1a-5f2d-4a3b-9c8d-7e6f5a4b3c2d"
	testFileID   = "a1b2c3d4-e5f6-4a7b-8c9d-0e1f2a3b4c5d"
)

// mockIngestService is a testify mock of ingest.ServiceInterface
type mockIngestService struct {
	mock.Mock
}

func (m *mockIngestService) Submit(ctx context.Context, deviceID string, body []byte) (*models.SubmitResult, error) {
	args := m.Called(ctx, deviceID, body)
	if result := args.Get(0); result != nil {
		return result.(*models.SubmitResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockIngestService) StoreFile(ctx context.Context, deviceID string, upload ingest.FileUpload) (*models.UploadResult, error) {
	args := m.Called(ctx, deviceID, upload)
	if result := args.Get(0); result != nil {
		return result.(*models.UploadResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockIngestService) GetFile(ctx context.Context, fileID string) (*ingest.StoredFile, error) {
	args := m.Called(ctx, fileID)
	if result := args.Get(0); result != nil {
		return result.(*ingest.StoredFile), args.Error(1)
	}
	return nil, args.Error(1)
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

type ingestEnv struct {
	router  *gin.Engine
	service *mockIngestService
	token   string
}

func newIngestEnv(t *testing.T, db Pinger) *ingestEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	authority, err := ingest.NewTokenAuthority(config.AuthConfig{TokenSecret: "test-secret"})
	require.NoError(t, err)
	token, _, err := authority.Mint(testDevice)
	require.NoError(t, err)

	schemas := middleware.NewSchemaLoader()
	require.NoError(t, schemas.LoadFS(ingest.Schemas, ingest.SchemaDir))

	service := &mockIngestService{}
	t.Cleanup(func() { service.AssertExpectations(t) })

	logger := storetest.Logger()
	handler := NewIngestHandler(service, schemas, logger)
	return &ingestEnv{
		router:  NewIngestRouter(config.Default(), handler, authority, schemas, db, logger),
		service: service,
		token:   token,
	}
}

func (e *ingestEnv) serve(req *http.Request, authorized bool) *httptest.ResponseRecorder {
	if authorized {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func submissionBody(t *testing.T) []byte {
	t.Helper()
	started := time.Date(2026, 5, 4, 8, 30, 0, 0, time.UTC)
	body, err := json.Marshal(models.SubmitPayload{
		ClientID:      testClientID,
		SurveyID:      "water-points",
		SurveyVersion: "v2",
		Submitter:     models.Submitter{UserID: "enum-3"},
		StartedAt:     started,
		CompletedAt:   started.Add(15 * time.Minute),
		Answers: []models.PayloadAnswer{
			{QuestionID: "q1", Value: models.ChoiceAnswer("borehole"), AnsweredAt: started.Add(time.Minute)},
		},
	})
	require.NoError(t, err)
	return body
}

func TestIngestHandler_Submit(t *testing.T) {
	tests := []struct {
		name       string
		result     *models.SubmitResult
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "created",
			result:     &models.SubmitResult{ClientID: testClientID, Status: ingest.ResultCreated},
			wantStatus: http.StatusCreated,
		},
		{
			name:       "duplicate",
			result:     &models.SubmitResult{ClientID: testClientID, Status: ingest.ResultDuplicate, Duplicate: true},
			wantStatus: http.StatusOK,
		},
		{
			name:       "conflict",
			err:        contextutils.WrapError(contextutils.ErrConflict, "payload differs"),
			wantStatus: http.StatusConflict,
			wantCode:   "CONFLICT",
		},
		{
			name:       "storage failure",
			err:        contextutils.WrapError(contextutils.ErrStorageFailure, "insert"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   "STORAGE_FAILURE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newIngestEnv(t, nil)
			body := submissionBody(t)
			env.service.On("Submit", mock.Anything, testDevice, body).Return(tt.result, tt.err).Once()

			req := httptest.NewRequest(http.MethodPost, "/v1/submissions", bytes.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			w := env.serve(req, true)

			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			var got map[string]interface{}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, got["code"])
				return
			}
			assert.Equal(t, tt.result.Status, got["status"])
		})
	}
}

func TestIngestHandler_SubmitRejectedBeforeService(t *testing.T) {
	env := newIngestEnv(t, nil)

	// no token
	req := httptest.NewRequest(http.MethodPost, "/v1/submissions", bytes.NewReader(submissionBody(t)))
	w := env.serve(req, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// schema violation
	req = httptest.NewRequest(http.MethodPost, "/v1/submissions", bytes.NewReader([]byte(`{"client_id":"nope"}`)))
	w = env.serve(req, true)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	env.service.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything, mock.Anything)
}

func uploadRequest(t *testing.T, fields map[string]string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	for name, value := range fields {
		require.NoError(t, form.WriteField(name, value))
	}
	if content != nil {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", `form-data; name="file"; filename="photo.jpg"`)
		header.Set("Content-Type", "image/jpeg")
		part, err := form.CreatePart(header)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, form.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/files", &buf)
	req.Header.Set("Content-Type", form.FormDataContentType())
	return req
}

func TestIngestHandler_UploadFile(t *testing.T) {
	env := newIngestEnv(t, nil)
	content := []byte("\xff\xd8\xff\xe0 jpeg bytes")
	fields := map[string]string{"file_id": testFileID, "response_id": testClientID, "question_id": "q7"}

	want := ingest.FileUpload{
		FileID:     testFileID,
		ResponseID: testClientID,
		QuestionID: "q7",
		MimeType:   "image/jpeg",
		Content:    content,
	}
	env.service.On("StoreFile", mock.Anything, testDevice, want).
		Return(&models.UploadResult{FileID: testFileID, URL: "https://ingest.test/v1/files/" + testFileID}, nil).Once()

	w := env.serve(uploadRequest(t, fields, content), true)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var got models.UploadResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, testFileID, got.FileID)

	t.Run("invalid fields", func(t *testing.T) {
		w := env.serve(uploadRequest(t, map[string]string{"file_id": "x", "response_id": testClientID, "question_id": "q7"}, content), true)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})

	t.Run("missing file part", func(t *testing.T) {
		w := env.serve(uploadRequest(t, fields, nil), true)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestIngestHandler_GetFile(t *testing.T) {
	env := newIngestEnv(t, nil)
	received := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	env.service.On("GetFile", mock.Anything, testFileID).Return(&ingest.StoredFile{
		ID:         testFileID,
		MimeType:   "image/png",
		SHA256:     "abc123",
		Content:    []byte("png"),
		ReceivedAt: received,
	}, nil).Once()
	env.service.On("GetFile", mock.Anything, "missing").
		Return(nil, contextutils.WrapError(contextutils.ErrRecordNotFound, "file missing")).Once()

	w := env.serve(httptest.NewRequest(http.MethodGet, "/v1/files/"+testFileID, nil), true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.Equal(t, `"abc123"`, w.Header().Get("ETag"))
	assert.Equal(t, "png", w.Body.String())

	w = env.serve(httptest.NewRequest(http.MethodGet, "/v1/files/missing", nil), true)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestIngestRouter_Health(t *testing.T) {
	w := httptest.NewRecorder()
	newIngestEnv(t, stubPinger{}).router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	newIngestEnv(t, stubPinger{err: errors.New("connection refused")}).router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	// version is public
	w = httptest.NewRecorder()
	newIngestEnv(t, nil).router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/version", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
