package ingest

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"fieldsync/internal/models"
	"fieldsync/internal/observability"
	contextutils "fieldsync/internal/utils"

	"github.com/lib/pq"
)

// Ingest results, also used as the metric label
const (
	ResultCreated   = "created"
	ResultDuplicate = "duplicate"
	ResultConflict  = "conflict"
	ResultInvalid   = "invalid"
)

// FilesPath is where stored attachments are served from
const FilesPath = "/v1/files/"

// ServiceInterface defines the ingest operations used by the handlers
type ServiceInterface interface {
	Submit(ctx context.Context, deviceID string, body []byte) (*models.SubmitResult, error)
	StoreFile(ctx context.Context, deviceID string, upload FileUpload) (*models.UploadResult, error)
	GetFile(ctx context.Context, fileID string) (*StoredFile, error)
}

// FileUpload is one attachment received from a device
type FileUpload struct {
	FileID     string `validate:"required,uuid"`
	ResponseID string `validate:"required,uuid"`
	QuestionID string `validate:"required"`
	MimeType   string `validate:"required"`
	Content    []byte
}

// StoredFile is an attachment read back for download
type StoredFile struct {
	ID         string
	ResponseID string
	MimeType   string
	SHA256     string
	Content    []byte
	ReceivedAt time.Time
}

// Service persists submissions and attachments in PostgreSQL
type Service struct {
	db        *sql.DB
	publicURL string
	metrics   *observability.SyncMetrics
	logger    *observability.Logger
	now       func() time.Time
}

// NewService creates an ingest service. publicURL prefixes the URLs returned for
// stored files.
func NewService(db *sql.DB, publicURL string, metrics *observability.SyncMetrics, logger *observability.Logger) *Service {
	return &Service{
		db:        db,
		publicURL: strings.TrimRight(publicURL, "/"),
		metrics:   metrics,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// PayloadHash fingerprints a submission in its canonical encoding, so a resend
// of the same response matches regardless of whitespace or key order.
func PayloadHash(p models.SubmitPayload) (canonical []byte, hash string, err error) {
	canonical, err = json.Marshal(p)
	if err != nil {
		return nil, "", contextutils.WrapError(contextutils.ErrValidationFailed, err.Error())
	}
	sum := sha256.Sum256(canonical)
	return canonical, hex.EncodeToString(sum[:]), nil
}

// Submit stores one submission. The client id is the idempotency key: a resend
// with the same content is reported as a duplicate, a different payload under
// an existing id is a CONFLICT.
func (s *Service) Submit(ctx context.Context, deviceID string, body []byte) (result *models.SubmitResult, err error) {
	ctx, span := observability.TraceIngestFunction(ctx, "submit", observability.AttributeDeviceID(deviceID))
	defer observability.FinishSpan(span, &err)

	var payload models.SubmitPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		s.metrics.RecordIngest(ctx, ResultInvalid)
		return nil, contextutils.NewAppErrorWithCause(contextutils.ErrorCodeValidationFailed, contextutils.SeverityWarn,
			"Malformed submission", err.Error(), err)
	}
	if err := contextutils.ValidateStruct(payload); err != nil {
		s.metrics.RecordIngest(ctx, ResultInvalid)
		return nil, contextutils.NewAppErrorWithCause(contextutils.ErrorCodeValidationFailed, contextutils.SeverityWarn,
			"Invalid submission", err.Error(), err)
	}
	span.SetAttributes(observability.AttributeResponseID(payload.ClientID), observability.AttributeSurveyID(payload.SurveyID))

	canonical, hash, err := PayloadHash(payload)
	if err != nil {
		return nil, err
	}

	result = &models.SubmitResult{ClientID: payload.ClientID, Status: ResultCreated}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO submissions (client_id, survey_id, survey_version, device_id, submitter_id,
				payload, payload_hash, started_at, completed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (client_id) DO NOTHING`,
			payload.ClientID, payload.SurveyID, payload.SurveyVersion, deviceID, payload.Submitter.UserID,
			canonical, hash, payload.StartedAt, payload.CompletedAt)
		if err != nil {
			return classify(err, "failed to insert submission %s", payload.ClientID)
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return contextutils.StorageError(err, "failed to read affected rows")
		}

		if inserted == 0 {
			var existing string
			if err := tx.QueryRowContext(ctx, `SELECT payload_hash FROM submissions WHERE client_id = $1`,
				payload.ClientID).Scan(&existing); err != nil {
				return classify(err, "failed to read submission %s", payload.ClientID)
			}
			if existing != hash {
				return contextutils.WrapErrorf(contextutils.ErrConflict, "submission %s already exists with different content", payload.ClientID)
			}
			result.Status, result.Duplicate = ResultDuplicate, true
			return nil
		}

		for _, a := range payload.Answers {
			value, err := json.Marshal(a.Value)
			if err != nil {
				return contextutils.WrapError(contextutils.ErrValidationFailed, err.Error())
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO submission_answers (client_id, question_id, value, answered_at, media_url)
				VALUES ($1, $2, $3, $4, $5)`,
				payload.ClientID, a.QuestionID, value, a.AnsweredAt, a.MediaURL); err != nil {
				return classify(err, "failed to insert answer %s", a.QuestionID)
			}
		}
		return nil
	})
	if err != nil {
		if contextutils.IsError(err, contextutils.ErrConflict) {
			s.metrics.RecordIngest(ctx, ResultConflict)
		}
		return nil, err
	}

	s.metrics.RecordIngest(ctx, result.Status)
	s.logger.Info(ctx, "Submission received", map[string]interface{}{
		"client_id": payload.ClientID,
		"survey_id": payload.SurveyID,
		"device_id": deviceID,
		"answers":   len(payload.Answers),
		"result":    result.Status,
	})
	return result, nil
}

// StoreFile stores an attachment by file id. Re-uploading identical bytes is a
// no-op; different bytes under an existing id are a CONFLICT.
func (s *Service) StoreFile(ctx context.Context, deviceID string, upload FileUpload) (result *models.UploadResult, err error) {
	ctx, span := observability.TraceIngestFunction(ctx, "store_file",
		observability.AttributeDeviceID(deviceID),
		observability.AttributeResponseID(upload.ResponseID),
	)
	defer observability.FinishSpan(span, &err)

	if err := contextutils.ValidateStruct(upload); err != nil {
		return nil, contextutils.NewAppErrorWithCause(contextutils.ErrorCodeValidationFailed, contextutils.SeverityWarn,
			"Invalid file upload", err.Error(), err)
	}

	sum := sha256.Sum256(upload.Content)
	digest := hex.EncodeToString(sum[:])

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO uploaded_files (id, response_id, question_id, mime_type, size_bytes, sha256, content, device_id, received_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO NOTHING`,
			upload.FileID, upload.ResponseID, upload.QuestionID, upload.MimeType,
			len(upload.Content), digest, upload.Content, deviceID, s.now())
		if err != nil {
			return classify(err, "failed to store file %s", upload.FileID)
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return contextutils.StorageError(err, "failed to read affected rows")
		}
		if inserted > 0 {
			return nil
		}

		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT sha256 FROM uploaded_files WHERE id = $1`, upload.FileID).Scan(&existing); err != nil {
			return classify(err, "failed to read file %s", upload.FileID)
		}
		if existing != digest {
			return contextutils.WrapErrorf(contextutils.ErrConflict, "file %s already exists with different content", upload.FileID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "File received", map[string]interface{}{
		"file_id":     upload.FileID,
		"response_id": upload.ResponseID,
		"size_bytes":  len(upload.Content),
	})
	return &models.UploadResult{FileID: upload.FileID, URL: s.publicURL + FilesPath + upload.FileID}, nil
}

// GetFile reads a stored attachment
func (s *Service) GetFile(ctx context.Context, fileID string) (result *StoredFile, err error) {
	ctx, span := observability.TraceIngestFunction(ctx, "get_file")
	defer observability.FinishSpan(span, &err)

	if !contextutils.IsValidUUID(fileID) {
		return nil, contextutils.WrapError(contextutils.ErrRecordNotFound, "unknown file")
	}

	f := &StoredFile{}
	err = s.db.QueryRowContext(ctx, `
		SELECT id, response_id, mime_type, sha256, content, received_at
		FROM uploaded_files WHERE id = $1`, fileID).
		Scan(&f.ID, &f.ResponseID, &f.MimeType, &f.SHA256, &f.Content, &f.ReceivedAt)
	if err != nil {
		return nil, classify(err, "file %s", fileID)
	}
	return f, nil
}

// Ping checks that the ingest database is reachable
func (s *Service) Ping(ctx context.Context) error {
	return contextutils.StorageError(s.db.PingContext(ctx), "ingest database unavailable")
}

func (s *Service) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return contextutils.StorageError(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
				s.logger.Error(ctx, "Failed to rollback transaction", rollbackErr)
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return contextutils.StorageError(err, "failed to commit transaction")
	}
	return nil
}

// classify maps PostgreSQL errors onto the error taxonomy
func classify(err error, format string, args ...interface{}) error {
	if errors.Is(err, sql.ErrNoRows) {
		return contextutils.WrapErrorf(contextutils.ErrRecordNotFound, format, args...)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "23505":
			return contextutils.NewAppErrorWithCause(contextutils.ErrorCodeConflict, contextutils.SeverityWarn,
				"Duplicate record", pqErr.Message, err)
		case pqErr.Code.Class() == "22", pqErr.Code.Class() == "23":
			// data exception or integrity violation: the payload itself is wrong
			return contextutils.NewAppErrorWithCause(contextutils.ErrorCodeValidationFailed, contextutils.SeverityWarn,
				"Rejected by database", pqErr.Message, err)
		}
	}
	return contextutils.StorageError(err, format, args...)
}
