package services

import (
	"context"
	"time"

	"fieldsync/internal/models"
	"fieldsync/internal/observability"
	"fieldsync/internal/store"
	contextutils "fieldsync/internal/utils"
)

// SyncTrigger requests a queue drain without waiting for it
type SyncTrigger interface {
	Trigger()
}

// SubmitReceipt is returned once a submission is durable on the device
type SubmitReceipt struct {
	ResponseID    string    `json:"response_id"`
	QueueEntryID  int64     `json:"queue_entry_id"`
	FileEntries   int       `json:"file_entries"`
	CompletedAt   time.Time `json:"completed_at"`
	SyncRequested bool      `json:"sync_requested"`
}

// SubmissionServiceInterface defines the two-phase submit
type SubmissionServiceInterface interface {
	SubmitResponseTwoPhase(ctx context.Context, responseID string, immediate bool) (*SubmitReceipt, error)
}

// SubmissionService decouples the local submit acknowledgement from remote delivery
type SubmissionService struct {
	store   *store.Store
	trigger SyncTrigger
	logger  *observability.Logger
	now     func() time.Time
}

// NewSubmissionService creates a submission service. trigger may be nil, in
// which case submissions wait for the next scheduled drain.
func NewSubmissionService(s *store.Store, trigger SyncTrigger, logger *observability.Logger) *SubmissionService {
	return &SubmissionService{
		store:   s,
		trigger: trigger,
		logger:  logger,
		now:     utcNow,
	}
}

// SubmitResponseTwoPhase completes the response and enqueues its create_response
// operation, plus uploads for its attached files, in a single transaction. If that
// transaction fails the response stays a draft and the caller must retry. When
// immediate is set a drain is requested afterwards; its outcome is not awaited.
func (s *SubmissionService) SubmitResponseTwoPhase(ctx context.Context, responseID string, immediate bool) (receipt *SubmitReceipt, err error) {
	ctx, span := observability.TraceLifecycleFunction(ctx, "submit_response_two_phase", observability.AttributeResponseID(responseID))
	defer observability.FinishSpan(span, &err)

	now := s.now()
	receipt = &SubmitReceipt{ResponseID: responseID, CompletedAt: now}

	err = s.store.WithTx(ctx, func(q store.Querier) error {
		r, err := completeTx(ctx, q, responseID, now)
		if err != nil {
			return err
		}

		payload := models.NewSubmitPayload(r)
		if err := contextutils.ValidateStruct(payload); err != nil {
			return err
		}
		entry, err := enqueueTx(ctx, q, models.OperationCreateResponse, models.EntityResponse, r.ID, payload, models.PriorityCreateResponse, now)
		if err != nil {
			return err
		}
		receipt.QueueEntryID = entry.ID

		files, err := store.ListFilesByResponse(ctx, q, r.ID)
		if err != nil {
			return err
		}
		for _, f := range files {
			if f.Status != models.FileStatusPending {
				continue
			}
			if _, err := enqueueUploadTx(ctx, q, f, now); err != nil {
				return err
			}
			receipt.FileEntries++
		}
		return nil
	})
	if err != nil {
		return nil, contextutils.WrapErrorf(err, "failed to submit response %s", responseID)
	}

	s.logger.Info(ctx, "Response submitted locally", map[string]interface{}{
		"response_id":  responseID,
		"queue_id":     receipt.QueueEntryID,
		"file_entries": receipt.FileEntries,
		"immediate":    immediate,
	})

	if immediate && s.trigger != nil {
		s.trigger.Trigger()
		receipt.SyncRequested = true
	}
	return receipt, nil
}
