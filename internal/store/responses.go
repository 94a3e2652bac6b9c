package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"fieldsync/internal/models"
	"fieldsync/internal/observability"
	contextutils "fieldsync/internal/utils"
)

const responseColumns = `id, survey_id, survey_version,
	submitter_user_id, submitter_name, submitter_role,
	device_platform, device_os_version, device_app_version,
	geo_latitude, geo_longitude, geo_accuracy,
	answers, status, last_error, sync_fail_count,
	started_at, completed_at, synced_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanResponse(row rowScanner) (*models.Response, error) {
	var (
		r             models.Response
		lat, lng, acc sql.NullFloat64
		answersJSON   string
	)
	err := row.Scan(
		&r.ID, &r.SurveyID, &r.SurveyVersion,
		&r.Submitter.UserID, &r.Submitter.DisplayName, &r.Submitter.Role,
		&r.Device.Platform, &r.Device.OSVersion, &r.Device.AppVersion,
		&lat, &lng, &acc,
		&answersJSON, &r.Status, &r.LastError, &r.SyncFailCount,
		&r.StartedAt, &r.CompletedAt, &r.SyncedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if lat.Valid && lng.Valid {
		r.Geo = &models.GeoPoint{Latitude: lat.Float64, Longitude: lng.Float64, Accuracy: acc.Float64}
	}

	r.Answers = models.Answers{}
	if err := json.Unmarshal([]byte(answersJSON), &r.Answers); err != nil {
		return nil, contextutils.NewAppErrorWithCause(contextutils.ErrorCodeStorageFailure, contextutils.SeverityError,
			"Stored answers are unreadable", r.ID, err)
	}
	return &r, nil
}

func encodeAnswers(answers models.Answers) (string, error) {
	if answers == nil {
		answers = models.Answers{}
	}
	data, err := json.Marshal(answers)
	if err != nil {
		return "", contextutils.WrapError(contextutils.ErrInvalidInput, err.Error())
	}
	return string(data), nil
}

func geoArgs(g *models.GeoPoint) (lat, lng, acc interface{}) {
	if g == nil {
		return nil, nil, nil
	}
	return g.Latitude, g.Longitude, g.Accuracy
}

// InsertResponse persists a new response row
func InsertResponse(ctx context.Context, q Querier, r *models.Response) (err error) {
	ctx, span := observability.TraceStoreFunction(ctx, "insert_response",
		observability.AttributeResponseID(r.ID),
		observability.AttributeSurveyID(r.SurveyID),
	)
	defer observability.FinishSpan(span, &err)

	answersJSON, err := encodeAnswers(r.Answers)
	if err != nil {
		return err
	}
	lat, lng, acc := geoArgs(r.Geo)

	_, err = q.ExecContext(ctx, `
		INSERT INTO responses (`+responseColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SurveyID, r.SurveyVersion,
		r.Submitter.UserID, r.Submitter.DisplayName, r.Submitter.Role,
		r.Device.Platform, r.Device.OSVersion, r.Device.AppVersion,
		lat, lng, acc,
		answersJSON, r.Status, r.LastError, r.SyncFailCount,
		r.StartedAt, r.CompletedAt, r.SyncedAt, r.UpdatedAt,
	)
	return classify(err, "failed to insert response %s", r.ID)
}

// GetResponse loads a response by id
func GetResponse(ctx context.Context, q Querier, id string) (result *models.Response, err error) {
	ctx, span := observability.TraceStoreFunction(ctx, "get_response", observability.AttributeResponseID(id))
	defer observability.FinishSpan(span, &err)

	r, err := scanResponse(q.QueryRowContext(ctx, `SELECT `+responseColumns+` FROM responses WHERE id = ?`, id))
	if err != nil {
		return nil, classify(err, "response %s", id)
	}
	return r, nil
}

// GetOpenDraft returns the draft for a survey and submitter, or RECORD_NOT_FOUND
func GetOpenDraft(ctx context.Context, q Querier, surveyID, userID string) (result *models.Response, err error) {
	ctx, span := observability.TraceStoreFunction(ctx, "get_open_draft",
		observability.AttributeSurveyID(surveyID),
		observability.AttributeUserID(userID),
	)
	defer observability.FinishSpan(span, &err)

	r, err := scanResponse(q.QueryRowContext(ctx, `
		SELECT `+responseColumns+` FROM responses
		WHERE survey_id = ? AND submitter_user_id = ? AND status = 'draft'`, surveyID, userID))
	if err != nil {
		return nil, classify(err, "no draft for survey %s", surveyID)
	}
	return r, nil
}

// ListResponses returns a submitter's responses with the given status, newest first
func ListResponses(ctx context.Context, q Querier, userID string, status models.ResponseStatus) (result []*models.Response, err error) {
	ctx, span := observability.TraceStoreFunction(ctx, "list_responses", observability.AttributeUserID(userID))
	defer observability.FinishSpan(span, &err)

	rows, err := q.QueryContext(ctx, `
		SELECT `+responseColumns+` FROM responses
		WHERE submitter_user_id = ? AND status = ?
		ORDER BY updated_at DESC, id`, userID, status)
	if err != nil {
		return nil, classify(err, "failed to list responses")
	}
	defer rows.Close()

	out := []*models.Response{}
	for rows.Next() {
		r, err := scanResponse(rows)
		if err != nil {
			return nil, classify(err, "failed to scan response")
		}
		out = append(out, r)
	}
	return out, classify(rows.Err(), "failed to list responses")
}

// CountAwaitingSync counts responses that are completed locally but not yet synced
func CountAwaitingSync(ctx context.Context, q Querier) (int64, error) {
	var n int64
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM responses WHERE status IN ('completed', 'sync_error')`).Scan(&n)
	return n, classify(err, "failed to count responses awaiting sync")
}

// UpdateDraftAnswers writes the full answer mapping of a draft
func UpdateDraftAnswers(ctx context.Context, q Querier, id string, answers models.Answers, now time.Time) (err error) {
	ctx, span := observability.TraceStoreFunction(ctx, "update_draft_answers", observability.AttributeResponseID(id))
	defer observability.FinishSpan(span, &err)

	answersJSON, err := encodeAnswers(answers)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, `
		UPDATE responses SET answers = ?, updated_at = ?
		WHERE id = ? AND status = 'draft'`, answersJSON, now, id)
	if err != nil {
		return classify(err, "failed to save answers for %s", id)
	}
	return expectOne(res, contextutils.WrapErrorf(contextutils.ErrInvalidState, "response %s is not a draft", id))
}

// MarkResponseCompleted moves a draft to completed
func MarkResponseCompleted(ctx context.Context, q Querier, id string, at time.Time) (err error) {
	ctx, span := observability.TraceStoreFunction(ctx, "mark_response_completed", observability.AttributeResponseID(id))
	defer observability.FinishSpan(span, &err)

	res, err := q.ExecContext(ctx, `
		UPDATE responses SET status = 'completed', completed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'draft'`, at, at, id)
	if err != nil {
		return classify(err, "failed to complete response %s", id)
	}
	return expectOne(res, contextutils.WrapErrorf(contextutils.ErrInvalidState, "response %s is not a draft", id))
}

// MarkResponseSynced moves a completed or sync_error response to synced
func MarkResponseSynced(ctx context.Context, q Querier, id string, at time.Time) (err error) {
	ctx, span := observability.TraceStoreFunction(ctx, "mark_response_synced", observability.AttributeResponseID(id))
	defer observability.FinishSpan(span, &err)

	res, err := q.ExecContext(ctx, `
		UPDATE responses SET status = 'synced', synced_at = ?, last_error = '', updated_at = ?
		WHERE id = ? AND status IN ('completed', 'sync_error')`, at, at, id)
	if err != nil {
		return classify(err, "failed to mark response %s synced", id)
	}
	return expectOne(res, contextutils.WrapErrorf(contextutils.ErrInvalidState, "response %s is not awaiting sync", id))
}

// MarkResponseSyncError records a failed delivery attempt on a completed or sync_error response
func MarkResponseSyncError(ctx context.Context, q Querier, id, message string, at time.Time) (err error) {
	ctx, span := observability.TraceStoreFunction(ctx, "mark_response_sync_error", observability.AttributeResponseID(id))
	defer observability.FinishSpan(span, &err)

	res, err := q.ExecContext(ctx, `
		UPDATE responses SET status = 'sync_error', last_error = ?, sync_fail_count = sync_fail_count + 1, updated_at = ?
		WHERE id = ? AND status IN ('completed', 'sync_error')`, message, at, id)
	if err != nil {
		return classify(err, "failed to mark response %s sync error", id)
	}
	return expectOne(res, contextutils.WrapErrorf(contextutils.ErrInvalidState, "response %s is not awaiting sync", id))
}

// DeleteDraft removes a draft and reports whether a row was deleted
func DeleteDraft(ctx context.Context, q Querier, id string) (deleted bool, err error) {
	ctx, span := observability.TraceStoreFunction(ctx, "delete_draft", observability.AttributeResponseID(id))
	defer observability.FinishSpan(span, &err)

	res, err := q.ExecContext(ctx, `DELETE FROM responses WHERE id = ? AND status = 'draft'`, id)
	if err != nil {
		return false, classify(err, "failed to delete draft %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, contextutils.StorageError(err, "failed to read affected rows")
	}
	return n > 0, nil
}
