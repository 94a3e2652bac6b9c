package services

import (
	"context"
	"sync/atomic"
	"time"

	"fieldsync/internal/config"
	"fieldsync/internal/models"
	"fieldsync/internal/observability"
	"fieldsync/internal/store"
	contextutils "fieldsync/internal/utils"

	"github.com/google/uuid"
)

// DraftRequest describes a survey being started
type DraftRequest struct {
	SurveyID      string            `json:"survey_id" validate:"required"`
	SurveyVersion string            `json:"survey_version" validate:"required"`
	Submitter     models.Submitter  `json:"submitter"`
	Device        models.DeviceInfo `json:"device"`
	Geo           *models.GeoPoint  `json:"geo,omitempty" validate:"omitempty"`
}

// AttachFileRequest describes a captured media asset
type AttachFileRequest struct {
	QuestionID string            `json:"question_id" validate:"required"`
	LocalPath  string            `json:"local_path" validate:"required"`
	MimeType   string            `json:"mime_type" validate:"required"`
	SizeBytes  int64             `json:"size_bytes" validate:"gte=0"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// SaveOutcome is what an auto-save reports back to the UI
type SaveOutcome struct {
	Saved    bool   `json:"saved"`
	Degraded bool   `json:"degraded"`
	Error    string `json:"error,omitempty"`
}

// ResponseServiceInterface defines the response lifecycle operations
type ResponseServiceInterface interface {
	CreateDraft(ctx context.Context, req DraftRequest) (*models.Response, error)
	ResumeDraft(ctx context.Context, userID, surveyID string) (*models.Response, error)
	CreateOrResumeDraft(ctx context.Context, req DraftRequest) (*models.Response, bool, error)
	GetResponse(ctx context.Context, responseID string) (*models.Response, error)
	GetDraftResponses(ctx context.Context, userID string) ([]*models.Response, error)
	MergeAnswer(ctx context.Context, responseID, questionID string, value models.AnswerValue) error
	SaveAnswer(ctx context.Context, responseID, questionID string, value models.AnswerValue) SaveOutcome
	Complete(ctx context.Context, responseID string) (*models.Response, error)
	MarkSynced(ctx context.Context, responseID string) error
	MarkSyncError(ctx context.Context, responseID, message string) error
	DiscardDraft(ctx context.Context, responseID string) error
	AttachFile(ctx context.Context, responseID string, req AttachFileRequest) (*models.FileReference, error)
	ListFiles(ctx context.Context, responseID string) ([]*models.FileReference, error)
	IsDegraded() bool
}

// ResponseService owns the state machine of a response
type ResponseService struct {
	store             *store.Store
	logger            *observability.Logger
	metrics           *observability.SyncMetrics
	degradedThreshold int32
	saveFailures      atomic.Int32
	now               func() time.Time
}

// NewResponseService creates a lifecycle manager. After degradedThreshold
// consecutive auto-save failures IsDegraded reports true until a save succeeds.
func NewResponseService(s *store.Store, degradedThreshold int, metrics *observability.SyncMetrics, logger *observability.Logger) *ResponseService {
	if degradedThreshold < 1 {
		degradedThreshold = config.DefaultDegradedThreshold
	}
	return &ResponseService{
		store:             s,
		logger:            logger,
		metrics:           metrics,
		degradedThreshold: int32(degradedThreshold),
		now:               utcNow,
	}
}

// CreateDraft persists a new draft with a fresh client id
func (s *ResponseService) CreateDraft(ctx context.Context, req DraftRequest) (result *models.Response, err error) {
	ctx, span := observability.TraceLifecycleFunction(ctx, "create_draft",
		observability.AttributeSurveyID(req.SurveyID),
		observability.AttributeUserID(req.Submitter.UserID),
	)
	defer observability.FinishSpan(span, &err)

	if err := contextutils.ValidateStruct(req); err != nil {
		return nil, err
	}

	now := s.now()
	r := &models.Response{
		ID:            uuid.NewString(),
		SurveyID:      req.SurveyID,
		SurveyVersion: req.SurveyVersion,
		Submitter:     req.Submitter,
		Device:        req.Device,
		Geo:           req.Geo,
		Answers:       models.Answers{},
		Status:        models.ResponseStatusDraft,
		StartedAt:     now,
		UpdatedAt:     now,
	}
	if err := store.InsertResponse(ctx, s.store.DB(), r); err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "Draft created", map[string]interface{}{
		"response_id": r.ID,
		"survey_id":   r.SurveyID,
		"user_id":     r.Submitter.UserID,
	})
	return r, nil
}

// ResumeDraft returns the open draft for this survey and submitter, or nil when there is none
func (s *ResponseService) ResumeDraft(ctx context.Context, userID, surveyID string) (result *models.Response, err error) {
	ctx, span := observability.TraceLifecycleFunction(ctx, "resume_draft",
		observability.AttributeSurveyID(surveyID),
		observability.AttributeUserID(userID),
	)
	defer observability.FinishSpan(span, &err)

	r, err := store.GetOpenDraft(ctx, s.store.DB(), surveyID, userID)
	if contextutils.IsError(err, contextutils.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// CreateOrResumeDraft resumes the open draft if there is one and creates it otherwise.
// The boolean reports whether an existing draft was resumed.
func (s *ResponseService) CreateOrResumeDraft(ctx context.Context, req DraftRequest) (*models.Response, bool, error) {
	if err := contextutils.ValidateStruct(req); err != nil {
		return nil, false, err
	}

	existing, err := s.ResumeDraft(ctx, req.Submitter.UserID, req.SurveyID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, true, nil
	}

	created, err := s.CreateDraft(ctx, req)
	if contextutils.IsError(err, contextutils.ErrRecordExists) {
		// lost a race with another create for the same pair
		winner, resumeErr := s.ResumeDraft(ctx, req.Submitter.UserID, req.SurveyID)
		if resumeErr == nil && winner != nil {
			return winner, true, nil
		}
	}
	if err != nil {
		return nil, false, err
	}
	return created, false, nil
}

// GetResponse loads a response
func (s *ResponseService) GetResponse(ctx context.Context, responseID string) (*models.Response, error) {
	return store.GetResponse(ctx, s.store.DB(), responseID)
}

// AwaitingSyncCount counts responses completed locally that the server has not accepted yet
func (s *ResponseService) AwaitingSyncCount(ctx context.Context) (int64, error) {
	return store.CountAwaitingSync(ctx, s.store.DB())
}

// GetDraftResponses lists a submitter's open drafts
func (s *ResponseService) GetDraftResponses(ctx context.Context, userID string) (result []*models.Response, err error) {
	ctx, span := observability.TraceLifecycleFunction(ctx, "get_draft_responses", observability.AttributeUserID(userID))
	defer observability.FinishSpan(span, &err)

	if userID == "" {
		return nil, contextutils.WrapError(contextutils.ErrInvalidInput, "user id is required")
	}
	return store.ListResponses(ctx, s.store.DB(), userID, models.ResponseStatusDraft)
}

// MergeAnswer sets the answer to one question and keeps every other answer.
// The read-modify-write runs in one transaction so concurrent edits to
// different questions never lose each other.
func (s *ResponseService) MergeAnswer(ctx context.Context, responseID, questionID string, value models.AnswerValue) (err error) {
	ctx, span := observability.TraceLifecycleFunction(ctx, "merge_answer",
		observability.AttributeResponseID(responseID),
		observability.AttributeQuestionID(questionID),
	)
	defer observability.FinishSpan(span, &err)

	if questionID == "" {
		return contextutils.WrapError(contextutils.ErrInvalidInput, "question id is required")
	}
	if err := value.Validate(); err != nil {
		return contextutils.WrapError(contextutils.ErrInvalidInput, err.Error())
	}

	return s.store.WithTx(ctx, func(q store.Querier) error {
		r, err := store.GetResponse(ctx, q, responseID)
		if err != nil {
			return err
		}
		if !r.IsDraft() {
			return contextutils.WrapErrorf(contextutils.ErrInvalidState, "response %s is %s", responseID, r.Status)
		}
		now := s.now()
		r.Answers.Set(questionID, value, now)
		return store.UpdateDraftAnswers(ctx, q, responseID, r.Answers, now)
	})
}

// SaveAnswer is the auto-save path. It never returns an error; failures are
// logged and counted toward the degraded-persistence signal.
func (s *ResponseService) SaveAnswer(ctx context.Context, responseID, questionID string, value models.AnswerValue) SaveOutcome {
	err := s.MergeAnswer(ctx, responseID, questionID, value)
	s.metrics.RecordAnswerSave(ctx, err == nil)

	if err == nil {
		if s.saveFailures.Swap(0) >= s.degradedThreshold {
			s.logger.Info(ctx, "Answer persistence recovered", map[string]interface{}{"response_id": responseID})
		}
		return SaveOutcome{Saved: true}
	}

	// a rejected value says nothing about the health of the store
	if contextutils.GetErrorCode(err) == contextutils.ErrorCodeInvalidInput {
		s.logger.Warn(ctx, "Answer rejected", map[string]interface{}{
			"response_id": responseID,
			"question_id": questionID,
			"error":       err.Error(),
		})
		return SaveOutcome{Degraded: s.IsDegraded(), Error: err.Error()}
	}

	failures := s.saveFailures.Add(1)
	s.logger.Error(ctx, "Failed to save answer", err, map[string]interface{}{
		"response_id":          responseID,
		"question_id":          questionID,
		"consecutive_failures": failures,
	})
	if failures == s.degradedThreshold {
		s.logger.Warn(ctx, "Answer persistence degraded", map[string]interface{}{"consecutive_failures": failures})
	}
	return SaveOutcome{Degraded: failures >= s.degradedThreshold, Error: err.Error()}
}

// IsDegraded reports the degraded-persistence signal
func (s *ResponseService) IsDegraded() bool {
	return s.saveFailures.Load() >= s.degradedThreshold
}

// completeTx moves a draft to completed inside q and returns the updated response
func completeTx(ctx context.Context, q store.Querier, responseID string, now time.Time) (*models.Response, error) {
	r, err := store.GetResponse(ctx, q, responseID)
	if err != nil {
		return nil, err
	}
	if !r.IsDraft() {
		return nil, contextutils.WrapErrorf(contextutils.ErrInvalidState, "response %s is already %s", responseID, r.Status)
	}
	if err := store.MarkResponseCompleted(ctx, q, responseID, now); err != nil {
		return nil, err
	}
	r.Status = models.ResponseStatusCompleted
	r.CompletedAt.Time, r.CompletedAt.Valid = now, true
	r.UpdatedAt = now
	return r, nil
}

// Complete moves a draft to completed and stamps the completion time
func (s *ResponseService) Complete(ctx context.Context, responseID string) (result *models.Response, err error) {
	ctx, span := observability.TraceLifecycleFunction(ctx, "complete", observability.AttributeResponseID(responseID))
	defer observability.FinishSpan(span, &err)

	err = s.store.WithTx(ctx, func(q store.Querier) error {
		var txErr error
		result, txErr = completeTx(ctx, q, responseID, s.now())
		return txErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// MarkSynced records that the server accepted the response
func (s *ResponseService) MarkSynced(ctx context.Context, responseID string) (err error) {
	ctx, span := observability.TraceLifecycleFunction(ctx, "mark_synced", observability.AttributeResponseID(responseID))
	defer observability.FinishSpan(span, &err)

	return store.MarkResponseSynced(ctx, s.store.DB(), responseID, s.now())
}

// MarkSyncError records a failed sync attempt, keeping the completed local copy
func (s *ResponseService) MarkSyncError(ctx context.Context, responseID, message string) (err error) {
	ctx, span := observability.TraceLifecycleFunction(ctx, "mark_sync_error", observability.AttributeResponseID(responseID))
	defer observability.FinishSpan(span, &err)

	return store.MarkResponseSyncError(ctx, s.store.DB(), responseID, message, s.now())
}

// DiscardDraft deletes a draft with its files and any queued uploads for them.
// Unknown or non-draft ids are a no-op.
func (s *ResponseService) DiscardDraft(ctx context.Context, responseID string) (err error) {
	ctx, span := observability.TraceLifecycleFunction(ctx, "discard_draft", observability.AttributeResponseID(responseID))
	defer observability.FinishSpan(span, &err)

	var deleted bool
	err = s.store.WithTx(ctx, func(q store.Querier) error {
		files, err := store.ListFilesByResponse(ctx, q, responseID)
		if err != nil {
			return err
		}
		deleted, err = store.DeleteDraft(ctx, q, responseID)
		if err != nil || !deleted {
			return err
		}
		for _, f := range files {
			if _, err := store.DeletePendingForEntity(ctx, q, models.EntityFile, f.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if deleted {
		s.logger.Info(ctx, "Draft discarded", map[string]interface{}{"response_id": responseID})
	}
	return nil
}

// AttachFile records a media asset for a question. Uploads for a draft are
// queued when it is submitted; for a response already submitted the upload is
// queued in the same transaction.
func (s *ResponseService) AttachFile(ctx context.Context, responseID string, req AttachFileRequest) (result *models.FileReference, err error) {
	ctx, span := observability.TraceLifecycleFunction(ctx, "attach_file",
		observability.AttributeResponseID(responseID),
		observability.AttributeQuestionID(req.QuestionID),
	)
	defer observability.FinishSpan(span, &err)

	if err := contextutils.ValidateStruct(req); err != nil {
		return nil, err
	}

	now := s.now()
	f := &models.FileReference{
		ID:         uuid.NewString(),
		ResponseID: responseID,
		QuestionID: req.QuestionID,
		LocalPath:  req.LocalPath,
		MimeType:   req.MimeType,
		SizeBytes:  req.SizeBytes,
		Metadata:   req.Metadata,
		Status:     models.FileStatusPending,
		CreatedAt:  now,
	}

	err = s.store.WithTx(ctx, func(q store.Querier) error {
		r, err := store.GetResponse(ctx, q, responseID)
		if err != nil {
			return err
		}
		if err := store.InsertFile(ctx, q, f); err != nil {
			return err
		}
		if r.IsDraft() {
			return nil
		}
		_, err = enqueueUploadTx(ctx, q, f, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// ListFiles lists the files attached to a response
func (s *ResponseService) ListFiles(ctx context.Context, responseID string) ([]*models.FileReference, error) {
	return store.ListFilesByResponse(ctx, s.store.DB(), responseID)
}

func enqueueUploadTx(ctx context.Context, q store.Querier, f *models.FileReference, now time.Time) (*models.SyncQueueEntry, error) {
	return enqueueTx(ctx, q, models.OperationUploadFile, models.EntityFile, f.ID, models.FileUploadPayload{
		FileID:     f.ID,
		ResponseID: f.ResponseID,
		QuestionID: f.QuestionID,
	}, models.PriorityUploadFile, now)
}
