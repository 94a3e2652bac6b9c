// Package models defines data structures used throughout the sync engine.
package models

import (
	"database/sql"
	"encoding/json"
	"time"
)

// ResponseStatus is the lifecycle state of a Response
type ResponseStatus string

// Response status values
const (
	ResponseStatusDraft     ResponseStatus = "draft"
	ResponseStatusCompleted ResponseStatus = "completed"
	ResponseStatusSynced    ResponseStatus = "synced"
	ResponseStatusSyncError ResponseStatus = "sync_error"
)

// IsValid reports whether s is a known response status
func (s ResponseStatus) IsValid() bool {
	switch s {
	case ResponseStatusDraft, ResponseStatusCompleted, ResponseStatusSynced, ResponseStatusSyncError:
		return true
	}
	return false
}

// Submitter identifies the person filling in a survey
type Submitter struct {
	UserID      string `json:"user_id" validate:"required"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

// DeviceInfo describes the device a response was captured on
type DeviceInfo struct {
	Platform   string `json:"platform"`
	OSVersion  string `json:"os_version"`
	AppVersion string `json:"app_version"`
}

// GeoPoint is an optional capture location
type GeoPoint struct {
	Latitude  float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"longitude" validate:"gte=-180,lte=180"`
	Accuracy  float64 `json:"accuracy" validate:"gte=0"`
}

// Response represents one survey submission in progress or completed.
// ID is generated on the device and doubles as the idempotency key on the server.
type Response struct {
	ID            string         `json:"id"`
	SurveyID      string         `json:"survey_id"`
	SurveyVersion string         `json:"survey_version"`
	Submitter     Submitter      `json:"submitter"`
	Device        DeviceInfo     `json:"device"`
	Geo           *GeoPoint      `json:"geo,omitempty"`
	Answers       Answers        `json:"answers"`
	Status        ResponseStatus `json:"status"`
	LastError     string         `json:"last_error"`
	SyncFailCount int            `json:"sync_fail_count"`
	StartedAt     time.Time      `json:"started_at"`
	CompletedAt   sql.NullTime   `json:"completed_at"`
	SyncedAt      sql.NullTime   `json:"synced_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// MarshalJSON customizes JSON marshaling for Response to handle sql.NullTime properly
func (r Response) MarshalJSON() (result0 []byte, err error) {
	return json.Marshal(&struct {
		ID            string         `json:"id"`
		SurveyID      string         `json:"survey_id"`
		SurveyVersion string         `json:"survey_version"`
		Submitter     Submitter      `json:"submitter"`
		Device        DeviceInfo     `json:"device"`
		Geo           *GeoPoint      `json:"geo,omitempty"`
		Answers       Answers        `json:"answers"`
		Status        ResponseStatus `json:"status"`
		LastError     *string        `json:"last_error"`
		SyncFailCount int            `json:"sync_fail_count"`
		StartedAt     time.Time      `json:"started_at"`
		CompletedAt   *time.Time     `json:"completed_at"`
		SyncedAt      *time.Time     `json:"synced_at"`
		UpdatedAt     time.Time      `json:"updated_at"`
	}{
		ID:            r.ID,
		SurveyID:      r.SurveyID,
		SurveyVersion: r.SurveyVersion,
		Submitter:     r.Submitter,
		Device:        r.Device,
		Geo:           r.Geo,
		Answers:       r.Answers,
		Status:        r.Status,
		LastError:     emptyStringToPointer(r.LastError),
		SyncFailCount: r.SyncFailCount,
		StartedAt:     r.StartedAt,
		CompletedAt:   nullTimeToPointer(r.CompletedAt),
		SyncedAt:      nullTimeToPointer(r.SyncedAt),
		UpdatedAt:     r.UpdatedAt,
	})
}

// IsDraft reports whether the response is still being filled in
func (r *Response) IsDraft() bool {
	return r.Status == ResponseStatusDraft
}

// AwaitingSync reports whether the response is finished locally but not yet accepted by the server
func (r *Response) AwaitingSync() bool {
	return r.Status == ResponseStatusCompleted || r.Status == ResponseStatusSyncError
}

// ResumePosition returns the index into questionOrder where the user should continue:
// the position right after the furthest answered question. Questions missing from
// questionOrder are ignored.
func (r *Response) ResumePosition(questionOrder []string) int {
	pos := 0
	for i, questionID := range questionOrder {
		if _, ok := r.Answers[questionID]; ok {
			pos = i + 1
		}
	}
	return pos
}

func nullTimeToPointer(nt sql.NullTime) *time.Time {
	if nt.Valid {
		return &nt.Time
	}
	return nil
}

func emptyStringToPointer(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
