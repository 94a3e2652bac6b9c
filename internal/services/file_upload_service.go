package services

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"time"

	"fieldsync/internal/models"
	"fieldsync/internal/observability"
	"fieldsync/internal/store"
	contextutils "fieldsync/internal/utils"

	"go.uber.org/multierr"
)

// FileUploader sends file content to the remote side
type FileUploader interface {
	UploadFile(ctx context.Context, file *models.FileReference, content io.Reader) (*models.UploadResult, error)
}

// FileUploadServiceInterface defines the file upload collaborator
type FileUploadServiceInterface interface {
	UploadFile(ctx context.Context, fileID string) (*models.FileReference, error)
	UploadPending(ctx context.Context, maxCount int) (int, error)
}

// FileUploadService uploads captured media referenced by file references
type FileUploadService struct {
	store    *store.Store
	uploader FileUploader
	logger   *observability.Logger
	now      func() time.Time
}

// NewFileUploadService creates a file upload service
func NewFileUploadService(s *store.Store, uploader FileUploader, logger *observability.Logger) *FileUploadService {
	return &FileUploadService{
		store:    s,
		uploader: uploader,
		logger:   logger,
		now:      utcNow,
	}
}

// UploadFile uploads one file reference. Already uploaded files are returned as is.
// A reference whose record or local file is gone yields RECORD_NOT_FOUND.
func (s *FileUploadService) UploadFile(ctx context.Context, fileID string) (result *models.FileReference, err error) {
	ctx, span := observability.TraceSyncFunction(ctx, "upload_file")
	defer observability.FinishSpan(span, &err)

	f, err := store.GetFile(ctx, s.store.DB(), fileID)
	if err != nil {
		return nil, err
	}
	if f.Status == models.FileStatusUploaded {
		return f, nil
	}

	content, err := os.Open(f.LocalPath)
	if errors.Is(err, fs.ErrNotExist) {
		missing := contextutils.WrapErrorf(contextutils.ErrRecordNotFound, "local file %s is missing", f.LocalPath)
		if markErr := store.MarkFileFailed(ctx, s.store.DB(), f.ID, missing.Error(), true); markErr != nil {
			s.logger.Error(ctx, "Failed to record missing file", markErr, map[string]interface{}{"file_id": f.ID})
		}
		return nil, missing
	}
	if err != nil {
		return nil, contextutils.StorageError(err, "failed to open %s", f.LocalPath)
	}
	defer func() {
		if closeErr := content.Close(); closeErr != nil {
			s.logger.Warn(ctx, "Failed to close uploaded file", map[string]interface{}{"file_id": f.ID, "error": closeErr.Error()})
		}
	}()

	uploaded, err := s.uploader.UploadFile(ctx, f, content)
	if err != nil {
		if markErr := store.MarkFileFailed(ctx, s.store.DB(), f.ID, err.Error(), contextutils.IsTerminal(err)); markErr != nil {
			s.logger.Error(ctx, "Failed to record upload failure", markErr, map[string]interface{}{"file_id": f.ID})
		}
		return nil, err
	}

	at := s.now()
	if err := store.MarkFileUploaded(ctx, s.store.DB(), f.ID, uploaded.URL, at); err != nil {
		return nil, err
	}
	f.Status = models.FileStatusUploaded
	f.RemoteURL = uploaded.URL
	f.LastError = ""
	f.UploadedAt.Time, f.UploadedAt.Valid = at, true

	s.logger.Info(ctx, "File uploaded", map[string]interface{}{
		"file_id":     f.ID,
		"response_id": f.ResponseID,
		"size_bytes":  f.SizeBytes,
	})
	return f, nil
}

// UploadPending uploads up to maxCount pending files of submitted responses and
// returns how many were uploaded. Individual failures are combined into the error.
func (s *FileUploadService) UploadPending(ctx context.Context, maxCount int) (uploaded int, err error) {
	ctx, span := observability.TraceSyncFunction(ctx, "upload_pending", observability.AttributeLimit(maxCount))
	defer observability.FinishSpan(span, &err)

	files, err := store.ListPendingFiles(ctx, s.store.DB(), maxCount)
	if err != nil {
		return 0, err
	}

	var errs error
	for _, f := range files {
		if _, uploadErr := s.UploadFile(ctx, f.ID); uploadErr != nil {
			errs = multierr.Append(errs, uploadErr)
			continue
		}
		uploaded++
	}
	return uploaded, errs
}
