package services

import (
	"context"
	"encoding/json"
	"time"

	"fieldsync/internal/config"
	"fieldsync/internal/models"
	"fieldsync/internal/observability"
	"fieldsync/internal/store"
	contextutils "fieldsync/internal/utils"
)

// SyncQueueServiceInterface defines the durable outbound operation queue
type SyncQueueServiceInterface interface {
	Enqueue(ctx context.Context, op models.OperationType, entityType models.EntityType, entityID string, payload interface{}, priority int) (*models.SyncQueueEntry, error)
	DequeueBatch(ctx context.Context, maxCount int) ([]*models.SyncQueueEntry, error)
	MarkCompleted(ctx context.Context, queueID int64) error
	MarkFailed(ctx context.Context, queueID int64, cause error) (models.QueueStatus, error)
	Stats(ctx context.Context) (models.QueueStats, error)
	PendingCount(ctx context.Context) (int64, error)
	RecoverInFlight(ctx context.Context) (int64, error)
	RetryFailed(ctx context.Context, queueID int64) error
	RetryAllFailed(ctx context.Context) (int64, error)
	ListEntries(ctx context.Context, status models.QueueStatus, limit int) ([]*models.SyncQueueEntry, error)
	PurgeCompleted(ctx context.Context, olderThan time.Duration) (int64, error)
}

// SyncQueueService implements the sync queue on the local store
type SyncQueueService struct {
	store       *store.Store
	maxAttempts int
	logger      *observability.Logger
	now         func() time.Time
}

// NewSyncQueueService creates a queue service. maxAttempts bounds automatic retries
// of retryable failures; values below 1 fall back to the default.
func NewSyncQueueService(s *store.Store, maxAttempts int, logger *observability.Logger) *SyncQueueService {
	if maxAttempts < 1 {
		maxAttempts = config.DefaultMaxAttempts
	}
	return &SyncQueueService{
		store:       s,
		maxAttempts: maxAttempts,
		logger:      logger,
		now:         utcNow,
	}
}

func utcNow() time.Time {
	return time.Now().UTC()
}

// encodePayload snapshots a payload at enqueue time
func encodePayload(payload interface{}) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, contextutils.WrapError(contextutils.ErrInvalidInput, "payload is not valid JSON")
		}
		return append(json.RawMessage(nil), p...), nil
	case []byte:
		if !json.Valid(p) {
			return nil, contextutils.WrapError(contextutils.ErrInvalidInput, "payload is not valid JSON")
		}
		return append(json.RawMessage(nil), p...), nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, contextutils.WrapErrorf(contextutils.ErrInvalidInput, "payload cannot be serialized: %v", err)
	}
	return data, nil
}

// enqueueTx appends a pending entry using q, so it can join a caller's transaction
func enqueueTx(ctx context.Context, q store.Querier, op models.OperationType, entityType models.EntityType, entityID string, payload interface{}, priority int, now time.Time) (*models.SyncQueueEntry, error) {
	if op == "" || entityType == "" || entityID == "" {
		return nil, contextutils.WrapError(contextutils.ErrInvalidInput, "operation, entity type and entity id are required")
	}
	data, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}
	entry := &models.SyncQueueEntry{
		Operation:  op,
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    data,
		Priority:   priority,
		Status:     models.QueueStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := store.InsertQueueEntry(ctx, q, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Enqueue appends an entry in pending status. The payload is serialized now and
// never re-derived.
func (s *SyncQueueService) Enqueue(ctx context.Context, op models.OperationType, entityType models.EntityType, entityID string, payload interface{}, priority int) (result *models.SyncQueueEntry, err error) {
	ctx, span := observability.TraceQueueFunction(ctx, "enqueue",
		observability.AttributeOperation(string(op)),
	)
	defer observability.FinishSpan(span, &err)

	entry, err := enqueueTx(ctx, s.store.DB(), op, entityType, entityID, payload, priority, s.now())
	if err != nil {
		return nil, contextutils.WrapErrorf(err, "failed to enqueue %s", op)
	}

	s.logger.Debug(ctx, "Enqueued sync operation", map[string]interface{}{
		"queue_id":  entry.ID,
		"operation": op,
		"entity_id": entityID,
		"priority":  priority,
	})
	return entry, nil
}

// DequeueBatch claims up to maxCount pending entries ordered by priority then
// enqueue order. Claimed entries are processing until completed or failed.
func (s *SyncQueueService) DequeueBatch(ctx context.Context, maxCount int) (result []*models.SyncQueueEntry, err error) {
	ctx, span := observability.TraceQueueFunction(ctx, "dequeue_batch", observability.AttributeLimit(maxCount))
	defer observability.FinishSpan(span, &err)

	if maxCount <= 0 {
		return []*models.SyncQueueEntry{}, nil
	}

	err = s.store.WithTx(ctx, func(q store.Querier) error {
		var claimErr error
		result, claimErr = store.ClaimPending(ctx, q, maxCount, s.now())
		return claimErr
	})
	if err != nil {
		return nil, contextutils.WrapError(err, "failed to dequeue batch")
	}
	return result, nil
}

// MarkCompleted flags the entry so it is excluded from future batches
func (s *SyncQueueService) MarkCompleted(ctx context.Context, queueID int64) (err error) {
	ctx, span := observability.TraceQueueFunction(ctx, "mark_completed", observability.AttributeQueueEntryID(queueID))
	defer observability.FinishSpan(span, &err)

	return store.CompleteQueueEntry(ctx, s.store.DB(), queueID, s.now())
}

// MarkFailed counts a failed attempt and stores the error. Retryable failures
// return the entry to pending until the attempt budget is spent; terminal
// failures and exhausted entries become failed and wait for a manual retry.
func (s *SyncQueueService) MarkFailed(ctx context.Context, queueID int64, cause error) (next models.QueueStatus, err error) {
	ctx, span := observability.TraceQueueFunction(ctx, "mark_failed", observability.AttributeQueueEntryID(queueID))
	defer observability.FinishSpan(span, &err)

	message := "unknown error"
	if cause != nil {
		message = cause.Error()
	}

	var attempts int
	err = s.store.WithTx(ctx, func(q store.Querier) error {
		entry, err := store.GetQueueEntry(ctx, q, queueID)
		if err != nil {
			return err
		}
		next = models.QueueStatusPending
		if contextutils.IsTerminal(cause) || entry.Attempts+1 >= s.maxAttempts {
			next = models.QueueStatusFailed
		}
		attempts, err = store.RecordQueueFailure(ctx, q, queueID, message, next, s.now())
		return err
	})
	if err != nil {
		return "", err
	}

	fields := map[string]interface{}{
		"queue_id":   queueID,
		"attempts":   attempts,
		"next":       next,
		"error_code": contextutils.GetErrorCode(cause),
	}
	if next == models.QueueStatusFailed {
		s.logger.Warn(ctx, "Sync operation needs manual retry", fields)
	} else {
		s.logger.Info(ctx, "Sync operation will be retried", fields)
	}
	return next, nil
}

// Stats returns the per-status counts from the counter table
func (s *SyncQueueService) Stats(ctx context.Context) (models.QueueStats, error) {
	return store.GetQueueStats(ctx, s.store.DB())
}

// PendingCount is the number of entries not yet delivered, including those
// waiting for a manual retry
func (s *SyncQueueService) PendingCount(ctx context.Context) (int64, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return 0, err
	}
	return stats.Outstanding() + stats.Failed, nil
}

// QueueDepth feeds the queue gauges
func (s *SyncQueueService) QueueDepth(ctx context.Context) (pending, failed int64, err error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return 0, 0, err
	}
	return stats.Outstanding(), stats.Failed, nil
}

// RecoverInFlight returns entries left processing by a previous process to pending
func (s *SyncQueueService) RecoverInFlight(ctx context.Context) (n int64, err error) {
	ctx, span := observability.TraceQueueFunction(ctx, "recover_in_flight")
	defer observability.FinishSpan(span, &err)

	n, err = store.ResetProcessing(ctx, s.store.DB(), s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info(ctx, "Recovered in-flight sync operations", map[string]interface{}{"count": n})
	}
	return n, nil
}

// RetryFailed re-arms one failed entry with a fresh attempt budget
func (s *SyncQueueService) RetryFailed(ctx context.Context, queueID int64) (err error) {
	ctx, span := observability.TraceQueueFunction(ctx, "retry_failed", observability.AttributeQueueEntryID(queueID))
	defer observability.FinishSpan(span, &err)

	return store.RearmFailed(ctx, s.store.DB(), queueID, s.now())
}

// RetryAllFailed re-arms every failed entry
func (s *SyncQueueService) RetryAllFailed(ctx context.Context) (n int64, err error) {
	ctx, span := observability.TraceQueueFunction(ctx, "retry_all_failed")
	defer observability.FinishSpan(span, &err)

	n, err = store.RearmAllFailed(ctx, s.store.DB(), s.now())
	if err != nil {
		return 0, err
	}
	s.logger.Info(ctx, "Re-armed failed sync operations", map[string]interface{}{"count": n})
	return n, nil
}

// ListEntries lists entries in drain order; an empty status lists all
func (s *SyncQueueService) ListEntries(ctx context.Context, status models.QueueStatus, limit int) ([]*models.SyncQueueEntry, error) {
	if limit <= 0 {
		limit = config.DefaultBatchSize
	}
	return store.ListQueueEntries(ctx, s.store.DB(), status, limit)
}

// PurgeCompleted deletes completed entries older than the given age
func (s *SyncQueueService) PurgeCompleted(ctx context.Context, olderThan time.Duration) (int64, error) {
	return store.PurgeCompleted(ctx, s.store.DB(), s.now().Add(-olderThan))
}
