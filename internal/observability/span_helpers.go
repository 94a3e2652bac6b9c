package observability

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	contextutils "fieldsync/internal/utils"
)

// FinishSpan ends a span and records any error pointed to by errPtr, tagged
// with its error code and whether the sync queue would retry it.
// Use with a named error return: `defer observability.FinishSpan(span, &err)`
func FinishSpan(span trace.Span, errPtr *error) {
	if span == nil {
		return
	}
	if errPtr != nil && *errPtr != nil {
		err := *errPtr
		span.RecordError(err, trace.WithStackTrace(true))
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(
			attribute.String("error.code", string(contextutils.GetErrorCode(err))),
			attribute.Bool("error.retryable", contextutils.IsRetryable(err)),
			attribute.Bool("error.terminal", contextutils.IsTerminal(err)),
		)
	}
	span.End()
}
