package models

import (
	"database/sql"
	"encoding/json"
	"time"
)

// WorkerStatus represents sync orchestrator health and activity
type WorkerStatus struct {
	WorkerInstance      string         `json:"worker_instance"`
	IsRunning           bool           `json:"is_running"`
	IsPaused            bool           `json:"is_paused"`
	CurrentActivity     sql.NullString `json:"current_activity"`
	LastRunStart        sql.NullTime   `json:"last_run_start"`
	LastRunFinish       sql.NullTime   `json:"last_run_finish"`
	LastRunError        sql.NullString `json:"last_run_error"`
	NextRunAt           sql.NullTime   `json:"next_run_at"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	TotalRuns           int            `json:"total_runs"`
	TotalCompleted      int            `json:"total_completed"`
	TotalFailed         int            `json:"total_failed"`
}

// MarshalJSON customizes JSON marshaling for WorkerStatus to handle sql.NullString and sql.NullTime properly
func (ws WorkerStatus) MarshalJSON() (result0 []byte, err error) {
	return json.Marshal(&struct {
		WorkerInstance      string     `json:"worker_instance"`
		IsRunning           bool       `json:"is_running"`
		IsPaused            bool       `json:"is_paused"`
		CurrentActivity     *string    `json:"current_activity"`
		LastRunStart        *time.Time `json:"last_run_start"`
		LastRunFinish       *time.Time `json:"last_run_finish"`
		LastRunError        *string    `json:"last_run_error"`
		NextRunAt           *time.Time `json:"next_run_at"`
		ConsecutiveFailures int        `json:"consecutive_failures"`
		TotalRuns           int        `json:"total_runs"`
		TotalCompleted      int        `json:"total_completed"`
		TotalFailed         int        `json:"total_failed"`
	}{
		WorkerInstance:      ws.WorkerInstance,
		IsRunning:           ws.IsRunning,
		IsPaused:            ws.IsPaused,
		CurrentActivity:     nullStringToPointer(ws.CurrentActivity),
		LastRunStart:        nullTimeToPointer(ws.LastRunStart),
		LastRunFinish:       nullTimeToPointer(ws.LastRunFinish),
		LastRunError:        nullStringToPointer(ws.LastRunError),
		NextRunAt:           nullTimeToPointer(ws.NextRunAt),
		ConsecutiveFailures: ws.ConsecutiveFailures,
		TotalRuns:           ws.TotalRuns,
		TotalCompleted:      ws.TotalCompleted,
		TotalFailed:         ws.TotalFailed,
	})
}

// RunRecord summarizes one queue drain pass
type RunRecord struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Trigger    string    `json:"trigger"`
	Processed  int       `json:"processed"`
	Completed  int       `json:"completed"`
	Retried    int       `json:"retried"`
	Failed     int       `json:"failed"`
	Dropped    int       `json:"dropped"`
	Error      string    `json:"error,omitempty"`
}

func nullStringToPointer(ns sql.NullString) *string {
	if ns.Valid {
		return &ns.String
	}
	return nil
}
