package models

import (
	"database/sql"
	"time"
)

// FileStatus is the upload state of a file reference
type FileStatus string

// File reference status values
const (
	FileStatusPending  FileStatus = "pending"
	FileStatusUploaded FileStatus = "uploaded"
	FileStatusFailed   FileStatus = "failed"
)

// FileReference binds a locally captured media asset (photo, signature, ID scan)
// to a response and a question.
type FileReference struct {
	ID         string            `json:"id"`
	ResponseID string            `json:"response_id"`
	QuestionID string            `json:"question_id"`
	LocalPath  string            `json:"local_path"`
	MimeType   string            `json:"mime_type"`
	SizeBytes  int64             `json:"size_bytes"`
	Metadata   map[string]string `json:"metadata,omitempty"` // e.g. OCR-derived fields
	Status     FileStatus        `json:"status"`
	RemoteURL  string            `json:"remote_url,omitempty"`
	LastError  string            `json:"last_error,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UploadedAt sql.NullTime      `json:"-"`
}
