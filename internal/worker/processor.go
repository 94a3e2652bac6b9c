package worker

import (
	"context"
	"encoding/json"

	"fieldsync/internal/models"
	"fieldsync/internal/observability"
	contextutils "fieldsync/internal/utils"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"
)

// Submitter is the Remote Submission Interface
type Submitter interface {
	SubmitBatch(ctx context.Context, payload json.RawMessage) (*models.SubmitResult, error)
}

// FileUploads is the file upload collaborator
type FileUploads interface {
	UploadFile(ctx context.Context, fileID string) (*models.FileReference, error)
}

// Queue is the part of the sync queue the orchestrator drives
type Queue interface {
	RecoverInFlight(ctx context.Context) (int64, error)
	DequeueBatch(ctx context.Context, maxCount int) ([]*models.SyncQueueEntry, error)
	MarkCompleted(ctx context.Context, queueID int64) error
	MarkFailed(ctx context.Context, queueID int64, cause error) (models.QueueStatus, error)
}

// Lifecycle receives sync outcomes for responses
type Lifecycle interface {
	MarkSynced(ctx context.Context, responseID string) error
	MarkSyncError(ctx context.Context, responseID, message string) error
}

// Entry outcomes, also used as metric labels
const (
	outcomeCompleted = "completed"
	outcomeRetried   = "retried"
	outcomeFailed    = "failed"
	outcomeDropped   = "dropped"
)

// PassResult counts what one drain pass did
type PassResult struct {
	Processed int
	Completed int // delivered and marked completed
	Retried   int // returned to pending
	Failed    int // marked failed, waiting for a manual retry
	Dropped   int // marked completed without delivery
}

func (r *PassResult) add(outcome string) {
	r.Processed++
	switch outcome {
	case outcomeCompleted:
		r.Completed++
	case outcomeRetried:
		r.Retried++
	case outcomeFailed:
		r.Failed++
	case outcomeDropped:
		r.Dropped++
	}
}

// ProcessQueue drains up to maxCount entries in priority order and returns what
// happened to them. Remote failures are recorded on the entries and never
// returned; the error only carries local bookkeeping failures.
func (w *Worker) ProcessQueue(ctx context.Context, maxCount int) (result PassResult, err error) {
	ctx, span := observability.TraceSyncFunction(ctx, "process_queue", observability.AttributeLimit(maxCount))
	defer func() {
		span.SetAttributes(
			attribute.Int("sync.processed", result.Processed),
			attribute.Int("sync.completed", result.Completed),
			attribute.Int("sync.retried", result.Retried),
			attribute.Int("sync.failed", result.Failed),
			attribute.Int("sync.dropped", result.Dropped),
		)
		observability.FinishSpan(span, &err)
	}()

	entries, err := w.queue.DequeueBatch(ctx, maxCount)
	if err != nil {
		return result, err
	}

	var errs error
	for _, entry := range entries {
		outcome, entryErr := w.processEntry(ctx, entry)
		if entryErr != nil {
			errs = multierr.Append(errs, entryErr)
		}
		if outcome != "" {
			result.add(outcome)
			w.metrics.RecordEntry(ctx, string(entry.Operation), outcome)
		}
	}
	return result, errs
}

func (w *Worker) processEntry(ctx context.Context, entry *models.SyncQueueEntry) (string, error) {
	switch entry.Operation {
	case models.OperationCreateResponse:
		return w.processCreateResponse(ctx, entry)
	case models.OperationUploadFile:
		return w.processUploadFile(ctx, entry)
	default:
		// an unknown operation can never succeed and must not block the queue
		w.logger.Warn(ctx, "Dropping queue entry with unknown operation", map[string]interface{}{
			"queue_id":  entry.ID,
			"operation": entry.Operation,
		})
		return w.complete(ctx, entry, outcomeDropped)
	}
}

func (w *Worker) processCreateResponse(ctx context.Context, entry *models.SyncQueueEntry) (string, error) {
	if !json.Valid(entry.Payload) {
		return w.fail(ctx, entry, contextutils.WrapErrorf(contextutils.ErrInvalidInput, "queue entry %d has malformed payload", entry.ID))
	}

	res, err := w.remote.SubmitBatch(ctx, entry.Payload)
	if err != nil {
		outcome, failErr := w.fail(ctx, entry, err)
		if syncErr := w.responses.MarkSyncError(ctx, entry.EntityID, err.Error()); syncErr != nil {
			failErr = multierr.Append(failErr, syncErr)
		}
		return outcome, failErr
	}

	outcome, err := w.complete(ctx, entry, outcomeCompleted)
	if err != nil {
		return outcome, err
	}
	if err := w.responses.MarkSynced(ctx, entry.EntityID); err != nil {
		// the entry is done either way; a response already synced is not an error
		if !contextutils.IsError(err, contextutils.ErrInvalidState) {
			return outcome, err
		}
	}
	w.logger.Info(ctx, "Response synced", map[string]interface{}{
		"queue_id":    entry.ID,
		"response_id": entry.EntityID,
		"duplicate":   res.Duplicate,
	})
	return outcome, nil
}

func (w *Worker) processUploadFile(ctx context.Context, entry *models.SyncQueueEntry) (string, error) {
	var payload models.FileUploadPayload
	if err := json.Unmarshal(entry.Payload, &payload); err != nil || payload.FileID == "" {
		return w.fail(ctx, entry, contextutils.WrapErrorf(contextutils.ErrInvalidInput, "queue entry %d has malformed payload", entry.ID))
	}

	if _, err := w.uploads.UploadFile(ctx, payload.FileID); err != nil {
		if contextutils.IsError(err, contextutils.ErrRecordNotFound) {
			w.logger.Warn(ctx, "Dropping upload for missing file", map[string]interface{}{
				"queue_id": entry.ID,
				"file_id":  payload.FileID,
				"error":    err.Error(),
			})
			return w.complete(ctx, entry, outcomeDropped)
		}
		return w.fail(ctx, entry, err)
	}
	return w.complete(ctx, entry, outcomeCompleted)
}

func (w *Worker) complete(ctx context.Context, entry *models.SyncQueueEntry, outcome string) (string, error) {
	if err := w.queue.MarkCompleted(ctx, entry.ID); err != nil {
		return "", contextutils.WrapErrorf(err, "failed to complete queue entry %d", entry.ID)
	}
	return outcome, nil
}

func (w *Worker) fail(ctx context.Context, entry *models.SyncQueueEntry, cause error) (string, error) {
	next, err := w.queue.MarkFailed(ctx, entry.ID, cause)
	if err != nil {
		return "", contextutils.WrapErrorf(err, "failed to record failure on queue entry %d", entry.ID)
	}
	if next == models.QueueStatusFailed {
		return outcomeFailed, nil
	}
	return outcomeRetried, nil
}
