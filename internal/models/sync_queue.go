package models

import (
	"database/sql"
	"encoding/json"
	"time"
)

// OperationType names the remote operation a queue entry performs
type OperationType string

// Queue operation types
const (
	OperationCreateResponse OperationType = "create_response"
	OperationUploadFile     OperationType = "upload_file"
)

// EntityType names the local record a queue entry points back to
type EntityType string

// Queue entity types
const (
	EntityResponse EntityType = "response"
	EntityFile     EntityType = "file"
)

// Queue priorities; lower drains first
const (
	PriorityCreateResponse = 1
	PriorityUploadFile     = 2
)

// QueueStatus is the state of a sync queue entry
type QueueStatus string

// Queue status values
const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
)

// SyncQueueEntry is a durable unit of outbound work.
// Payload is captured at enqueue time and resent verbatim on every attempt.
type SyncQueueEntry struct {
	ID            int64           `json:"id"`
	Operation     OperationType   `json:"operation"`
	EntityType    EntityType      `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	Payload       json.RawMessage `json:"payload"`
	Priority      int             `json:"priority"`
	Status        QueueStatus     `json:"status"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	LastAttemptAt sql.NullTime    `json:"-"`
}

// QueueStats holds per-status entry counts
type QueueStats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}

// Outstanding is the number of entries that still need delivery
func (s QueueStats) Outstanding() int64 {
	return s.Pending + s.Processing
}
