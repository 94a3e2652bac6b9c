package models

import "time"

// PayloadAnswer is one answer as sent to the remote submission interface
type PayloadAnswer struct {
	QuestionID string      `json:"question_id"`
	Value      AnswerValue `json:"value"`
	AnsweredAt time.Time   `json:"answered_at"`
	MediaURL   string      `json:"media_url,omitempty"`
}

// SubmitPayload is the body of a create_response submission. ClientID is the
// idempotency key: the server treats a repeated ClientID as the same submission.
type SubmitPayload struct {
	ClientID      string          `json:"client_id" validate:"required,uuid"`
	SurveyID      string          `json:"survey_id" validate:"required"`
	SurveyVersion string          `json:"survey_version" validate:"required"`
	Submitter     Submitter       `json:"submitter"`
	Device        DeviceInfo      `json:"device"`
	Geo           *GeoPoint       `json:"geo,omitempty"`
	StartedAt     time.Time       `json:"started_at" validate:"required"`
	CompletedAt   time.Time       `json:"completed_at" validate:"required"`
	Answers       []PayloadAnswer `json:"answers"`
}

// NewSubmitPayload snapshots a completed response into its wire shape
func NewSubmitPayload(r *Response) SubmitPayload {
	return SubmitPayload{
		ClientID:      r.ID,
		SurveyID:      r.SurveyID,
		SurveyVersion: r.SurveyVersion,
		Submitter:     r.Submitter,
		Device:        r.Device,
		Geo:           r.Geo,
		StartedAt:     r.StartedAt,
		CompletedAt:   r.CompletedAt.Time,
		Answers:       r.Answers.Ordered(),
	}
}

// FileUploadPayload is the body of an upload_file queue entry
type FileUploadPayload struct {
	FileID     string `json:"file_id"`
	ResponseID string `json:"response_id"`
	QuestionID string `json:"question_id"`
}

// SubmitResult is the remote acknowledgement of a submission
type SubmitResult struct {
	ClientID  string `json:"client_id"`
	Status    string `json:"status"` // "created" or "duplicate"
	Duplicate bool   `json:"duplicate"`
}

// UploadResult is the remote acknowledgement of a file upload
type UploadResult struct {
	FileID string `json:"file_id"`
	URL    string `json:"url"`
}
