package store

import (
	"context"
	"encoding/json"
	"time"

	"fieldsync/internal/models"
	"fieldsync/internal/observability"
	contextutils "fieldsync/internal/utils"
)

const fileColumns = `id, response_id, question_id, local_path, mime_type, size_bytes, metadata,
	status, remote_url, last_error, created_at, uploaded_at`

func scanFile(row rowScanner) (*models.FileReference, error) {
	var (
		f            models.FileReference
		metadataJSON string
	)
	if err := row.Scan(&f.ID, &f.ResponseID, &f.QuestionID, &f.LocalPath, &f.MimeType, &f.SizeBytes, &metadataJSON,
		&f.Status, &f.RemoteURL, &f.LastError, &f.CreatedAt, &f.UploadedAt); err != nil {
		return nil, err
	}
	if metadataJSON != "" && metadataJSON != "{}" {
		if err := json.Unmarshal([]byte(metadataJSON), &f.Metadata); err != nil {
			return nil, contextutils.NewAppErrorWithCause(contextutils.ErrorCodeStorageFailure, contextutils.SeverityError,
				"Stored file metadata is unreadable", f.ID, err)
		}
	}
	return &f, nil
}

// InsertFile persists a file reference
func InsertFile(ctx context.Context, q Querier, f *models.FileReference) (err error) {
	ctx, span := observability.TraceStoreFunction(ctx, "insert_file",
		observability.AttributeResponseID(f.ResponseID),
		observability.AttributeQuestionID(f.QuestionID),
	)
	defer observability.FinishSpan(span, &err)

	metadata := "{}"
	if len(f.Metadata) > 0 {
		data, err := json.Marshal(f.Metadata)
		if err != nil {
			return contextutils.WrapError(contextutils.ErrInvalidInput, err.Error())
		}
		metadata = string(data)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO file_references (`+fileColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.ResponseID, f.QuestionID, f.LocalPath, f.MimeType, f.SizeBytes, metadata,
		f.Status, f.RemoteURL, f.LastError, f.CreatedAt, f.UploadedAt,
	)
	return classify(err, "failed to insert file reference %s", f.ID)
}

// GetFile loads a file reference by id
func GetFile(ctx context.Context, q Querier, id string) (*models.FileReference, error) {
	f, err := scanFile(q.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM file_references WHERE id = ?`, id))
	if err != nil {
		return nil, classify(err, "file reference %s", id)
	}
	return f, nil
}

// ListFilesByResponse lists the files attached to a response in capture order
func ListFilesByResponse(ctx context.Context, q Querier, responseID string) ([]*models.FileReference, error) {
	return listFiles(ctx, q, `WHERE response_id = ? ORDER BY created_at, id`, responseID)
}

// ListPendingFiles lists up to limit files that have not been uploaded, oldest first.
// Files of draft responses are skipped.
func ListPendingFiles(ctx context.Context, q Querier, limit int) ([]*models.FileReference, error) {
	return listFiles(ctx, q, `
		WHERE status = 'pending'
		AND response_id IN (SELECT id FROM responses WHERE status <> 'draft')
		ORDER BY created_at, id LIMIT ?`, limit)
}

func listFiles(ctx context.Context, q Querier, where string, args ...interface{}) ([]*models.FileReference, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+fileColumns+` FROM file_references `+where, args...)
	if err != nil {
		return nil, classify(err, "failed to list file references")
	}
	defer rows.Close()

	out := []*models.FileReference{}
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, classify(err, "failed to scan file reference")
		}
		out = append(out, f)
	}
	return out, classify(rows.Err(), "failed to list file references")
}

// MarkFileUploaded records the remote location of an uploaded file
func MarkFileUploaded(ctx context.Context, q Querier, id, remoteURL string, at time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE file_references SET status = 'uploaded', remote_url = ?, last_error = '', uploaded_at = ?
		WHERE id = ?`, remoteURL, at, id)
	if err != nil {
		return classify(err, "failed to mark file %s uploaded", id)
	}
	return expectOne(res, contextutils.WrapErrorf(contextutils.ErrRecordNotFound, "file reference %s", id))
}

// MarkFileFailed records an upload error. A retryable failure keeps the file
// pending; a terminal one marks it failed.
func MarkFileFailed(ctx context.Context, q Querier, id, message string, terminal bool) error {
	status := models.FileStatusPending
	if terminal {
		status = models.FileStatusFailed
	}
	res, err := q.ExecContext(ctx, `
		UPDATE file_references SET status = ?, last_error = ? WHERE id = ? AND status <> 'uploaded'`,
		status, message, id)
	if err != nil {
		return classify(err, "failed to mark file %s failed", id)
	}
	return expectOne(res, contextutils.WrapErrorf(contextutils.ErrInvalidState, "file reference %s is missing or uploaded", id))
}
