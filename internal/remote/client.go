// Package remote implements the Remote Submission Interface and the file upload
// transport against the ingest service.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"fieldsync/internal/config"
	"fieldsync/internal/models"
	"fieldsync/internal/observability"
	"fieldsync/internal/version"
	contextutils "fieldsync/internal/utils"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Ingest API paths
const (
	SubmissionsPath = "/v1/submissions"
	FilesPath       = "/v1/files"
)

const maxErrorBody = 64 << 10

// SessionSink is notified when the ingest service rejects the device credentials
type SessionSink interface {
	SessionExpired(ctx context.Context, reason string)
}

// Client talks to the ingest service
type Client struct {
	baseURL      string
	submitClient *http.Client
	uploadClient *http.Client
	sink         SessionSink
	logger       *observability.Logger

	mu    sync.RWMutex
	token string
}

// NewClient creates a remote client. sink may be nil.
func NewClient(cfg config.SyncConfig, token string, sink SessionSink, logger *observability.Logger) *Client {
	submitTimeout := cfg.SubmitTimeout
	if submitTimeout <= 0 {
		submitTimeout = config.DefaultSubmitTimeout
	}
	uploadTimeout := cfg.UploadTimeout
	if uploadTimeout <= 0 {
		uploadTimeout = config.DefaultUploadTimeout
	}
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanOptions(trace.WithSpanKind(trace.SpanKindClient)),
	)
	return &Client{
		baseURL:      strings.TrimRight(cfg.RemoteBaseURL, "/"),
		submitClient: &http.Client{Timeout: submitTimeout, Transport: transport},
		uploadClient: &http.Client{Timeout: uploadTimeout, Transport: transport},
		sink:         sink,
		logger:       logger,
		token:        token,
	}
}

// SetToken replaces the device token after re-authentication
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	c.logger.Info(context.Background(), "Device token replaced", map[string]interface{}{
		"token": contextutils.MaskToken(token),
	})
}

func (c *Client) currentToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SubmitBatch sends a create_response payload verbatim. The server treats a
// repeated client id as the same submission, so resending after a timeout is safe.
func (c *Client) SubmitBatch(ctx context.Context, payload json.RawMessage) (result *models.SubmitResult, err error) {
	ctx, span := observability.TraceRemoteFunction(ctx, "submit_batch")
	defer observability.FinishSpan(span, &err)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+SubmissionsPath, bytes.NewReader(payload))
	if err != nil {
		return nil, contextutils.WrapError(contextutils.ErrInvalidInput, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	result = &models.SubmitResult{}
	if err := c.do(ctx, span, c.submitClient, req, result); err != nil {
		return nil, err
	}
	return result, nil
}

// UploadFile streams a file as multipart form data
func (c *Client) UploadFile(ctx context.Context, file *models.FileReference, content io.Reader) (result *models.UploadResult, err error) {
	ctx, span := observability.TraceRemoteFunction(ctx, "upload_file",
		observability.AttributeResponseID(file.ResponseID),
		observability.AttributeQuestionID(file.QuestionID),
	)
	defer observability.FinishSpan(span, &err)

	body, bodyWriter := io.Pipe()
	form := multipart.NewWriter(bodyWriter)
	go func() {
		bodyWriter.CloseWithError(writeUploadForm(form, file, content))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+FilesPath, body)
	if err != nil {
		_ = body.CloseWithError(err)
		return nil, contextutils.WrapError(contextutils.ErrInvalidInput, err.Error())
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	result = &models.UploadResult{}
	if err := c.do(ctx, span, c.uploadClient, req, result); err != nil {
		_ = body.CloseWithError(err)
		return nil, err
	}
	return result, nil
}

func writeUploadForm(form *multipart.Writer, file *models.FileReference, content io.Reader) error {
	fields := map[string]string{
		"file_id":     file.ID,
		"response_id": file.ResponseID,
		"question_id": file.QuestionID,
	}
	for name, value := range fields {
		if err := form.WriteField(name, value); err != nil {
			return err
		}
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, file.ID))
	header.Set("Content-Type", file.MimeType)
	part, err := form.CreatePart(header)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, content); err != nil {
		return err
	}
	return form.Close()
}

func (c *Client) do(ctx context.Context, span trace.Span, client *http.Client, req *http.Request, out interface{}) error {
	if token := c.currentToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("User-Agent", "fieldsync-agent/"+version.Version)

	start := time.Now()
	resp, err := client.Do(req)
	duration := time.Since(start)
	if err != nil {
		classified := classifyTransportError(ctx, err)
		c.logger.Warn(ctx, "Ingest request failed", map[string]interface{}{
			"url":        req.URL.Path,
			"duration":   duration.String(),
			"error_code": contextutils.GetErrorCode(classified),
			"error":      err.Error(),
		})
		return classified
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Warn(ctx, "Failed to close response body", map[string]interface{}{"error": cerr.Error()})
		}
	}()

	span.SetAttributes(
		attribute.Int("http.status_code", resp.StatusCode),
		attribute.String("duration", duration.String()),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		classified := classifyStatus(resp.StatusCode, body)
		if resp.StatusCode == http.StatusUnauthorized && c.sink != nil {
			c.sink.SessionExpired(ctx, classified.Error())
		}
		c.logger.Warn(ctx, "Ingest rejected request", map[string]interface{}{
			"url":         req.URL.Path,
			"status_code": resp.StatusCode,
			"error_code":  contextutils.GetErrorCode(classified),
		})
		return classified
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return contextutils.NewAppErrorWithCause(contextutils.ErrorCodeServerFailure, contextutils.SeverityError,
			"Unreadable ingest response", err.Error(), err)
	}
	return nil
}

// classifyTransportError maps a failed round trip onto retryable codes
func classifyTransportError(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return contextutils.NewAppErrorWithCause(contextutils.ErrorCodeNetworkFailure, contextutils.SeverityInfo,
			"Request cancelled", err.Error(), err)
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return contextutils.NewAppErrorWithCause(contextutils.ErrorCodeTimeout, contextutils.SeverityWarn,
			"Ingest request timed out", err.Error(), err)
	}
	return contextutils.NewAppErrorWithCause(contextutils.ErrorCodeNetworkFailure, contextutils.SeverityWarn,
		"Ingest service unreachable", err.Error(), err)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
}

// classifyStatus maps a non-2xx status onto the error taxonomy. 5xx, 408 and
// 429 are worth retrying; validation and conflict statuses are terminal.
func classifyStatus(status int, body []byte) *contextutils.AppError {
	details := strings.TrimSpace(string(body))
	var parsed errorBody
	if json.Unmarshal(body, &parsed) == nil && parsed.Message != "" {
		details = parsed.Message
		if parsed.Details != "" {
			details += ": " + parsed.Details
		}
	}
	message := fmt.Sprintf("Ingest returned %d", status)

	switch {
	case status == http.StatusUnauthorized:
		return contextutils.NewAppError(contextutils.ErrorCodeSessionExpired, contextutils.SeverityInfo, message, details)
	case status == http.StatusForbidden:
		return contextutils.NewAppError(contextutils.ErrorCodeUnauthorized, contextutils.SeverityWarn, message, details)
	case status == http.StatusConflict:
		return contextutils.NewAppError(contextutils.ErrorCodeConflict, contextutils.SeverityWarn, message, details)
	case status == http.StatusRequestTimeout:
		return contextutils.NewAppError(contextutils.ErrorCodeTimeout, contextutils.SeverityWarn, message, details)
	case status == http.StatusTooManyRequests, status == http.StatusServiceUnavailable:
		return contextutils.NewAppError(contextutils.ErrorCodeServiceUnavailable, contextutils.SeverityWarn, message, details)
	case status >= 500:
		return contextutils.NewAppError(contextutils.ErrorCodeServerFailure, contextutils.SeverityError, message, details)
	default:
		return contextutils.NewAppError(contextutils.ErrorCodeValidationFailed, contextutils.SeverityWarn, message, details)
	}
}
