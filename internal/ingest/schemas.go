// Package ingest is the reference Remote Submission service: it stores
// submissions idempotently by client id and keeps uploaded attachments.
package ingest

import "embed"

// Schemas holds the JSON schemas for ingest request bodies
//
//go:embed schemas/*.json
var Schemas embed.FS

// Schema names within Schemas
const (
	SchemaDir        = "schemas"
	SubmissionSchema = "submission"
	FileUploadSchema = "file_upload"
)
