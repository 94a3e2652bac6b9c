package handlers

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"

	"fieldsync/internal/config"
	"fieldsync/internal/ingest"
	"fieldsync/internal/middleware"
	"fieldsync/internal/observability"
	contextutils "fieldsync/internal/utils"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
)

// Pinger reports whether a backing store is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// IngestHandler serves the submission endpoints devices sync to
type IngestHandler struct {
	service ingest.ServiceInterface
	schemas *middleware.SchemaLoader
	logger  *observability.Logger
}

// NewIngestHandler creates a new IngestHandler
func NewIngestHandler(service ingest.ServiceInterface, schemas *middleware.SchemaLoader, logger *observability.Logger) *IngestHandler {
	return &IngestHandler{
		service: service,
		schemas: schemas,
		logger:  logger,
	}
}

// Submit stores one response payload. The body has already passed schema
// validation; a replay of the same payload answers 200 with status duplicate.
func (h *IngestHandler) Submit(c *gin.Context) {
	ctx, span := observability.TraceHandlerFunction(c.Request.Context(), "ingest_submit")
	defer span.End()

	body, err := c.GetRawData()
	if err != nil {
		HandleAppError(c, contextutils.NewAppErrorWithCause(contextutils.ErrorCodeInvalidInput, contextutils.SeverityWarn,
			"Request body could not be read", err.Error(), err))
		return
	}

	result, err := h.service.Submit(ctx, middleware.DeviceID(c), body)
	if err != nil {
		HandleAppError(c, err)
		return
	}
	span.SetAttributes(
		observability.AttributeResponseID(result.ClientID),
		attribute.Bool("submission.duplicate", result.Duplicate),
	)

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

// UploadFile stores one multipart attachment
func (h *IngestHandler) UploadFile(c *gin.Context) {
	ctx, span := observability.TraceHandlerFunction(c.Request.Context(), "ingest_upload_file")
	defer span.End()

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, config.MaxUploadBytes)
	if err := c.Request.ParseMultipartForm(config.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			HandleValidationError(c, "file", tooLarge.Limit, "exceeds the upload limit")
			return
		}
		HandleAppError(c, contextutils.NewAppErrorWithCause(contextutils.ErrorCodeInvalidInput, contextutils.SeverityWarn,
			"Invalid multipart form", err.Error(), err))
		return
	}

	fields := map[string]interface{}{
		"file_id":     c.PostForm("file_id"),
		"response_id": c.PostForm("response_id"),
		"question_id": c.PostForm("question_id"),
	}
	if err := h.schemas.ValidateData(fields, ingest.FileUploadSchema); err != nil {
		HandleAppError(c, err)
		return
	}

	header, err := c.FormFile("file")
	if err != nil {
		HandleValidationError(c, "file", "", "is required")
		return
	}
	content, err := readFormFile(header)
	if err != nil {
		HandleAppError(c, contextutils.NewAppErrorWithCause(contextutils.ErrorCodeInvalidInput, contextutils.SeverityWarn,
			"Uploaded file could not be read", err.Error(), err))
		return
	}

	upload := ingest.FileUpload{
		FileID:     c.PostForm("file_id"),
		ResponseID: c.PostForm("response_id"),
		QuestionID: c.PostForm("question_id"),
		MimeType:   header.Header.Get("Content-Type"),
		Content:    content,
	}
	span.SetAttributes(
		observability.AttributeResponseID(upload.ResponseID),
		observability.AttributeQuestionID(upload.QuestionID),
		attribute.Int("file.size", len(content)),
	)

	result, err := h.service.StoreFile(ctx, middleware.DeviceID(c), upload)
	if err != nil {
		HandleAppError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func readFormFile(header *multipart.FileHeader) (content []byte, err error) {
	f, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return io.ReadAll(f)
}

// GetFile downloads a stored attachment
func (h *IngestHandler) GetFile(c *gin.Context) {
	ctx, span := observability.TraceHandlerFunction(c.Request.Context(), "ingest_get_file")
	defer span.End()

	file, err := h.service.GetFile(ctx, c.Param("id"))
	if err != nil {
		HandleAppError(c, err)
		return
	}

	c.Header("ETag", `"`+file.SHA256+`"`)
	c.Header("Last-Modified", file.ReceivedAt.UTC().Format(http.TimeFormat))
	c.Data(http.StatusOK, file.MimeType, file.Content)
}
