package store

import (
	"context"
	"database/sql"
	"time"

	"fieldsync/internal/models"
	"fieldsync/internal/observability"
	contextutils "fieldsync/internal/utils"
)

const queueColumns = `id, operation, entity_type, entity_id, payload, priority, status,
	attempts, last_error, created_at, updated_at, last_attempt_at`

func scanQueueEntry(row rowScanner) (*models.SyncQueueEntry, error) {
	var (
		e       models.SyncQueueEntry
		payload []byte
	)
	if err := row.Scan(&e.ID, &e.Operation, &e.EntityType, &e.EntityID, &payload, &e.Priority, &e.Status,
		&e.Attempts, &e.LastError, &e.CreatedAt, &e.UpdatedAt, &e.LastAttemptAt); err != nil {
		return nil, err
	}
	e.Payload = payload
	return &e, nil
}

// InsertQueueEntry appends an entry and sets its id, which is also its FIFO sequence
func InsertQueueEntry(ctx context.Context, q Querier, e *models.SyncQueueEntry) (err error) {
	ctx, span := observability.TraceStoreFunction(ctx, "insert_queue_entry",
		observability.AttributeOperation(string(e.Operation)),
	)
	defer observability.FinishSpan(span, &err)

	res, err := q.ExecContext(ctx, `
		INSERT INTO sync_queue (operation, entity_type, entity_id, payload, priority, status, attempts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Operation, e.EntityType, e.EntityID, []byte(e.Payload), e.Priority, e.Status,
		e.Attempts, e.LastError, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return classify(err, "failed to enqueue %s for %s", e.Operation, e.EntityID)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return contextutils.StorageError(err, "failed to read queue id")
	}
	e.ID = id
	return nil
}

// ClaimPending selects up to limit pending entries by priority then id and marks
// them processing. It must run inside a transaction so no other pass can claim
// the same entries.
func ClaimPending(ctx context.Context, q Querier, limit int, now time.Time) (result []*models.SyncQueueEntry, err error) {
	ctx, span := observability.TraceStoreFunction(ctx, "claim_pending", observability.AttributeLimit(limit))
	defer observability.FinishSpan(span, &err)

	rows, err := q.QueryContext(ctx, `
		SELECT `+queueColumns+` FROM sync_queue
		WHERE status = 'pending'
		ORDER BY priority ASC, id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, classify(err, "failed to select pending entries")
	}

	entries := []*models.SyncQueueEntry{}
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			_ = rows.Close()
			return nil, classify(err, "failed to scan queue entry")
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, classify(err, "failed to select pending entries")
	}
	// the single connection must be released before the updates run
	if err := rows.Close(); err != nil {
		return nil, classify(err, "failed to select pending entries")
	}

	for _, e := range entries {
		if _, err := q.ExecContext(ctx, `
			UPDATE sync_queue SET status = 'processing', updated_at = ?
			WHERE id = ? AND status = 'pending'`, now, e.ID); err != nil {
			return nil, classify(err, "failed to claim queue entry %d", e.ID)
		}
		e.Status = models.QueueStatusProcessing
		e.UpdatedAt = now
	}
	return entries, nil
}

// GetQueueEntry loads a queue entry by id
func GetQueueEntry(ctx context.Context, q Querier, id int64) (result *models.SyncQueueEntry, err error) {
	ctx, span := observability.TraceStoreFunction(ctx, "get_queue_entry", observability.AttributeQueueEntryID(id))
	defer observability.FinishSpan(span, &err)

	e, err := scanQueueEntry(q.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE id = ?`, id))
	if err != nil {
		return nil, classify(err, "queue entry %d", id)
	}
	return e, nil
}

// transitionError explains why a conditional queue update matched nothing
func transitionError(ctx context.Context, q Querier, id int64, want string) error {
	e, err := GetQueueEntry(ctx, q, id)
	if err != nil {
		return err
	}
	return contextutils.WrapErrorf(contextutils.ErrInvalidState, "queue entry %d is %s, expected %s", id, e.Status, want)
}

// CompleteQueueEntry flags an open entry completed so it is never drained again
func CompleteQueueEntry(ctx context.Context, q Querier, id int64, now time.Time) (err error) {
	ctx, span := observability.TraceStoreFunction(ctx, "complete_queue_entry", observability.AttributeQueueEntryID(id))
	defer observability.FinishSpan(span, &err)

	res, err := q.ExecContext(ctx, `
		UPDATE sync_queue SET status = 'completed', last_error = '', updated_at = ?, last_attempt_at = ?
		WHERE id = ? AND status IN ('pending', 'processing')`, now, now, id)
	if err != nil {
		return classify(err, "failed to complete queue entry %d", id)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return transitionError(ctx, q, id, "pending or processing")
	}
	return nil
}

// RecordQueueFailure counts one failed attempt on an open entry and moves it to next
// (pending for another try, failed when it must not be retried automatically).
func RecordQueueFailure(ctx context.Context, q Querier, id int64, message string, next models.QueueStatus, now time.Time) (attempts int, err error) {
	ctx, span := observability.TraceStoreFunction(ctx, "record_queue_failure", observability.AttributeQueueEntryID(id))
	defer observability.FinishSpan(span, &err)

	res, err := q.ExecContext(ctx, `
		UPDATE sync_queue SET status = ?, attempts = attempts + 1, last_error = ?, updated_at = ?, last_attempt_at = ?
		WHERE id = ? AND status IN ('pending', 'processing')`, next, message, now, now, id)
	if err != nil {
		return 0, classify(err, "failed to record failure on queue entry %d", id)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, transitionError(ctx, q, id, "pending or processing")
	}

	if err := q.QueryRowContext(ctx, `SELECT attempts FROM sync_queue WHERE id = ?`, id).Scan(&attempts); err != nil {
		return 0, classify(err, "queue entry %d", id)
	}
	return attempts, nil
}

// GetQueueStats reads the trigger-maintained counters
func GetQueueStats(ctx context.Context, q Querier) (stats models.QueueStats, err error) {
	rows, err := q.QueryContext(ctx, `SELECT status, count FROM sync_queue_counters`)
	if err != nil {
		return stats, classify(err, "failed to read queue counters")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status models.QueueStatus
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return stats, classify(err, "failed to read queue counters")
		}
		switch status {
		case models.QueueStatusPending:
			stats.Pending = count
		case models.QueueStatusProcessing:
			stats.Processing = count
		case models.QueueStatusCompleted:
			stats.Completed = count
		case models.QueueStatusFailed:
			stats.Failed = count
		}
	}
	return stats, classify(rows.Err(), "failed to read queue counters")
}

// ListQueueEntries lists entries in drain order, optionally filtered by status
func ListQueueEntries(ctx context.Context, q Querier, status models.QueueStatus, limit int) (result []*models.SyncQueueEntry, err error) {
	ctx, span := observability.TraceStoreFunction(ctx, "list_queue_entries", observability.AttributeLimit(limit))
	defer observability.FinishSpan(span, &err)

	query := `SELECT ` + queueColumns + ` FROM sync_queue`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY priority ASC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err, "failed to list queue entries")
	}
	defer rows.Close()

	out := []*models.SyncQueueEntry{}
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, classify(err, "failed to scan queue entry")
		}
		out = append(out, e)
	}
	return out, classify(rows.Err(), "failed to list queue entries")
}

// ResetProcessing returns every processing entry to pending
func ResetProcessing(ctx context.Context, q Querier, now time.Time) (int64, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE sync_queue SET status = 'pending', updated_at = ? WHERE status = 'processing'`, now)
	if err != nil {
		return 0, classify(err, "failed to reset in-flight entries")
	}
	return rowsAffected(res)
}

// RearmFailed returns a failed entry to pending with a fresh attempt budget
func RearmFailed(ctx context.Context, q Querier, id int64, now time.Time) (err error) {
	ctx, span := observability.TraceStoreFunction(ctx, "rearm_failed", observability.AttributeQueueEntryID(id))
	defer observability.FinishSpan(span, &err)

	res, err := q.ExecContext(ctx, `
		UPDATE sync_queue SET status = 'pending', attempts = 0, updated_at = ?
		WHERE id = ? AND status = 'failed'`, now, id)
	if err != nil {
		return classify(err, "failed to re-arm queue entry %d", id)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return transitionError(ctx, q, id, "failed")
	}
	return nil
}

// RearmAllFailed returns every failed entry to pending
func RearmAllFailed(ctx context.Context, q Querier, now time.Time) (int64, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE sync_queue SET status = 'pending', attempts = 0, updated_at = ? WHERE status = 'failed'`, now)
	if err != nil {
		return 0, classify(err, "failed to re-arm failed entries")
	}
	return rowsAffected(res)
}

// DeletePendingForEntity drops not-yet-sent entries pointing at an entity
func DeletePendingForEntity(ctx context.Context, q Querier, entityType models.EntityType, entityID string) (int64, error) {
	res, err := q.ExecContext(ctx, `
		DELETE FROM sync_queue WHERE entity_type = ? AND entity_id = ? AND status IN ('pending', 'failed')`,
		entityType, entityID)
	if err != nil {
		return 0, classify(err, "failed to delete queue entries for %s", entityID)
	}
	return rowsAffected(res)
}

// PurgeCompleted deletes completed entries last updated before the cutoff
func PurgeCompleted(ctx context.Context, q Querier, before time.Time) (int64, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM sync_queue WHERE status = 'completed' AND updated_at < ?`, before)
	if err != nil {
		return 0, classify(err, "failed to purge completed entries")
	}
	return rowsAffected(res)
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, contextutils.StorageError(err, "failed to read affected rows")
	}
	return n, nil
}
