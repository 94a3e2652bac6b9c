package handlers

import (
	"context"
	"net/http"
	"strconv"

	"fieldsync/internal/models"
	"fieldsync/internal/observability"
	"fieldsync/internal/services"
	contextutils "fieldsync/internal/utils"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
)

// defaultListLimit caps queue listings when no limit is given
const defaultListLimit = 100

// SyncRunner is the part of the sync orchestrator the agent API drives
type SyncRunner interface {
	Trigger()
	Pause(ctx context.Context)
	Resume(ctx context.Context)
	GetStatus() models.WorkerStatus
	GetHistory() []models.RunRecord
}

// SessionController exposes the device session state and clears it after re-authentication
type SessionController interface {
	State() services.SessionState
	SessionRestored(ctx context.Context)
}

// TokenSetter replaces the bearer token the remote clients send
type TokenSetter interface {
	SetToken(token string)
}

// AgentHandler serves the loopback API the survey UI talks to
type AgentHandler struct {
	responses   services.ResponseServiceInterface
	submissions services.SubmissionServiceInterface
	queue       services.SyncQueueServiceInterface
	session     SessionController
	runner      SyncRunner
	tokens      TokenSetter
	logger      *observability.Logger
}

// NewAgentHandler creates a new AgentHandler
func NewAgentHandler(
	responses services.ResponseServiceInterface,
	submissions services.SubmissionServiceInterface,
	queue services.SyncQueueServiceInterface,
	session SessionController,
	runner SyncRunner,
	tokens TokenSetter,
	logger *observability.Logger,
) *AgentHandler {
	return &AgentHandler{
		responses:   responses,
		submissions: submissions,
		queue:       queue,
		session:     session,
		runner:      runner,
		tokens:      tokens,
		logger:      logger,
	}
}

// CreateOrResumeDraft opens the submitter's draft for a survey, creating it when there is none
func (h *AgentHandler) CreateOrResumeDraft(c *gin.Context) {
	ctx, span := observability.TraceHandlerFunction(c.Request.Context(), "create_or_resume_draft")
	defer span.End()

	var req services.DraftRequest
	if !bindJSON(c, &req) {
		return
	}
	span.SetAttributes(observability.AttributeSurveyID(req.SurveyID), observability.AttributeUserID(req.Submitter.UserID))

	response, resumed, err := h.responses.CreateOrResumeDraft(ctx, req)
	if err != nil {
		HandleAppError(c, err)
		return
	}

	status := http.StatusCreated
	if resumed {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"response": response, "resumed": resumed})
}

// GetDraftResponses lists the open drafts of the user in ?user_id=
func (h *AgentHandler) GetDraftResponses(c *gin.Context) {
	ctx, span := observability.TraceHandlerFunction(c.Request.Context(), "get_draft_responses")
	defer span.End()

	userID := c.Query("user_id")
	if userID == "" {
		HandleValidationError(c, "user_id", userID, "is required")
		return
	}
	span.SetAttributes(observability.AttributeUserID(userID))

	drafts, err := h.responses.GetDraftResponses(ctx, userID)
	if err != nil {
		HandleAppError(c, err)
		return
	}
	if drafts == nil {
		drafts = []*models.Response{}
	}
	c.JSON(http.StatusOK, gin.H{"drafts": drafts})
}

// GetResponse returns one response with its attached files
func (h *AgentHandler) GetResponse(c *gin.Context) {
	ctx, span := observability.TraceHandlerFunction(c.Request.Context(), "get_response")
	defer span.End()

	id := c.Param("id")
	span.SetAttributes(observability.AttributeResponseID(id))

	response, err := h.responses.GetResponse(ctx, id)
	if err != nil {
		HandleAppError(c, err)
		return
	}
	files, err := h.responses.ListFiles(ctx, id)
	if err != nil {
		HandleAppError(c, err)
		return
	}
	if files == nil {
		files = []*models.FileReference{}
	}
	c.JSON(http.StatusOK, gin.H{"response": response, "files": files})
}

// SaveAnswer auto-saves one answer. The UI never blocks on this call, so the
// outcome is always returned with 202 and carries the degraded signal.
func (h *AgentHandler) SaveAnswer(c *gin.Context) {
	ctx, span := observability.TraceHandlerFunction(c.Request.Context(), "save_answer")
	defer span.End()

	id := c.Param("id")
	questionID := c.Param("question_id")
	span.SetAttributes(observability.AttributeResponseID(id), observability.AttributeQuestionID(questionID))

	var value models.AnswerValue
	if !bindJSON(c, &value) {
		return
	}

	outcome := h.responses.SaveAnswer(ctx, id, questionID, value)
	span.SetAttributes(attribute.Bool("answer.saved", outcome.Saved), attribute.Bool("persistence.degraded", outcome.Degraded))
	c.JSON(http.StatusAccepted, outcome)
}

// AttachFile records a captured media file for a question
func (h *AgentHandler) AttachFile(c *gin.Context) {
	ctx, span := observability.TraceHandlerFunction(c.Request.Context(), "attach_file")
	defer span.End()

	id := c.Param("id")
	span.SetAttributes(observability.AttributeResponseID(id))

	var req services.AttachFileRequest
	if !bindJSON(c, &req) {
		return
	}

	file, err := h.responses.AttachFile(ctx, id, req)
	if err != nil {
		HandleAppError(c, err)
		return
	}
	c.JSON(http.StatusCreated, file)
}

// SubmitResponse runs the two-phase submit. With ?sync=immediate a drain is
// requested right away; the local acknowledgement never waits for it.
func (h *AgentHandler) SubmitResponse(c *gin.Context) {
	ctx, span := observability.TraceHandlerFunction(c.Request.Context(), "submit_response")
	defer span.End()

	id := c.Param("id")
	immediate := c.Query("sync") == "immediate"
	span.SetAttributes(observability.AttributeResponseID(id), attribute.Bool("sync.immediate", immediate))

	receipt, err := h.submissions.SubmitResponseTwoPhase(ctx, id, immediate)
	if err != nil {
		HandleAppError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, receipt)
}

// DiscardDraft deletes a draft. Deleting an unknown or submitted response is a no-op.
func (h *AgentHandler) DiscardDraft(c *gin.Context) {
	ctx, span := observability.TraceHandlerFunction(c.Request.Context(), "discard_draft")
	defer span.End()

	id := c.Param("id")
	span.SetAttributes(observability.AttributeResponseID(id))

	if err := h.responses.DiscardDraft(ctx, id); err != nil {
		HandleAppError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetPendingSyncCount returns the number of queue entries not yet delivered
func (h *AgentHandler) GetPendingSyncCount(c *gin.Context) {
	ctx, span := observability.TraceHandlerFunction(c.Request.Context(), "get_pending_sync_count")
	defer span.End()

	count, err := h.queue.PendingCount(ctx)
	if err != nil {
		HandleAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending": count})
}

// GetSyncStats returns per-status queue counts and recent drain passes
func (h *AgentHandler) GetSyncStats(c *gin.Context) {
	ctx, span := observability.TraceHandlerFunction(c.Request.Context(), "get_sync_stats")
	defer span.End()

	stats, err := h.queue.Stats(ctx)
	if err != nil {
		HandleAppError(c, err)
		return
	}
	history := []models.RunRecord{}
	if h.runner != nil {
		history = h.runner.GetHistory()
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats, "history": history})
}

// GetSyncEntries lists queue entries in ?status= (default failed)
func (h *AgentHandler) GetSyncEntries(c *gin.Context) {
	ctx, span := observability.TraceHandlerFunction(c.Request.Context(), "get_sync_entries")
	defer span.End()

	status := models.QueueStatus(c.DefaultQuery("status", string(models.QueueStatusFailed)))
	switch status {
	case models.QueueStatusPending, models.QueueStatusProcessing, models.QueueStatusCompleted, models.QueueStatusFailed:
	default:
		HandleValidationError(c, "status", status, "must be pending, processing, completed or failed")
		return
	}
	limit, ok := queryInt(c, "limit", defaultListLimit)
	if !ok {
		return
	}
	span.SetAttributes(attribute.String("queue.status", string(status)), observability.AttributeLimit(limit))

	entries, err := h.queue.ListEntries(ctx, status, limit)
	if err != nil {
		HandleAppError(c, err)
		return
	}
	if entries == nil {
		entries = []*models.SyncQueueEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// TriggerSync requests an immediate drain pass
func (h *AgentHandler) TriggerSync(c *gin.Context) {
	_, span := observability.TraceHandlerFunction(c.Request.Context(), "trigger_sync")
	defer span.End()

	if h.runner == nil {
		HandleAppError(c, contextutils.WrapError(contextutils.ErrServiceUnavailable, "sync worker is not running"))
		return
	}
	h.runner.Trigger()
	c.JSON(http.StatusAccepted, gin.H{"triggered": true})
}

// PauseSync stops scheduled and triggered passes until ResumeSync
func (h *AgentHandler) PauseSync(c *gin.Context) {
	ctx, span := observability.TraceHandlerFunction(c.Request.Context(), "pause_sync")
	defer span.End()

	if h.runner == nil {
		HandleAppError(c, contextutils.WrapError(contextutils.ErrServiceUnavailable, "sync worker is not running"))
		return
	}
	h.runner.Pause(ctx)
	c.JSON(http.StatusOK, gin.H{"worker": h.runner.GetStatus()})
}

// ResumeSync re-enables passes and requests one immediately
func (h *AgentHandler) ResumeSync(c *gin.Context) {
	ctx, span := observability.TraceHandlerFunction(c.Request.Context(), "resume_sync")
	defer span.End()

	if h.runner == nil {
		HandleAppError(c, contextutils.WrapError(contextutils.ErrServiceUnavailable, "sync worker is not running"))
		return
	}
	h.runner.Resume(ctx)
	c.JSON(http.StatusOK, gin.H{"worker": h.runner.GetStatus()})
}

// RetrySync re-arms failed queue entries. With ?id= only that entry is re-armed.
func (h *AgentHandler) RetrySync(c *gin.Context) {
	ctx, span := observability.TraceHandlerFunction(c.Request.Context(), "retry_sync")
	defer span.End()

	if raw := c.Query("id"); raw != "" {
		queueID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || queueID <= 0 {
			HandleValidationError(c, "id", raw, "must be a positive integer")
			return
		}
		span.SetAttributes(observability.AttributeQueueEntryID(queueID))
		if err := h.queue.RetryFailed(ctx, queueID); err != nil {
			HandleAppError(c, err)
			return
		}
		h.triggerAfterRetry()
		c.JSON(http.StatusOK, gin.H{"retried": 1})
		return
	}

	n, err := h.queue.RetryAllFailed(ctx)
	if err != nil {
		HandleAppError(c, err)
		return
	}
	if n > 0 {
		h.triggerAfterRetry()
	}
	c.JSON(http.StatusOK, gin.H{"retried": n})
}

func (h *AgentHandler) triggerAfterRetry() {
	if h.runner != nil {
		h.runner.Trigger()
	}
}

// GetStatus reports the degraded-persistence signal, the session state and the worker status
func (h *AgentHandler) GetStatus(c *gin.Context) {
	ctx, span := observability.TraceHandlerFunction(c.Request.Context(), "get_status")
	defer span.End()

	body := gin.H{
		"degraded": h.responses.IsDegraded(),
		"session":  h.session.State(),
	}
	if h.runner != nil {
		body["worker"] = h.runner.GetStatus()
	}
	if pending, err := h.queue.PendingCount(ctx); err == nil {
		body["pending"] = pending
	} else {
		h.logger.Warn(ctx, "Failed to read pending sync count", map[string]interface{}{"error": err.Error()})
	}
	c.JSON(http.StatusOK, body)
}

type restoreSessionRequest struct {
	Token string `json:"token" binding:"required"`
}

// RestoreSession installs a fresh device token and clears the expired state.
// Entries held back by the expiry go out on the drain this triggers.
func (h *AgentHandler) RestoreSession(c *gin.Context) {
	ctx, span := observability.TraceHandlerFunction(c.Request.Context(), "restore_session")
	defer span.End()

	var req restoreSessionRequest
	if !bindJSON(c, &req) {
		return
	}

	h.tokens.SetToken(req.Token)
	h.session.SessionRestored(ctx)
	h.triggerAfterRetry()
	c.JSON(http.StatusOK, gin.H{"session": h.session.State()})
}
