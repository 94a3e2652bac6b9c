package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "fieldsync"

var globalTracer trace.Tracer

// InitGlobalTracer initializes the global tracer for the application.
func InitGlobalTracer() {
	globalTracer = otel.Tracer(tracerName)
}

// GetGlobalTracer returns the global tracer instance for the application.
func GetGlobalTracer() trace.Tracer {
	if globalTracer == nil {
		globalTracer = otel.Tracer(tracerName)
	}
	return globalTracer
}

// TraceFunction starts a new span with a descriptive name for the given service and function.
func TraceFunction(ctx context.Context, serviceName, functionName string, attributes ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := GetGlobalTracer()
	spanName := fmt.Sprintf("%s.%s", serviceName, functionName)
	return tracer.Start(ctx, spanName, trace.WithAttributes(attributes...))
}

// TraceStoreFunction starts a new span for a durable store function.
func TraceStoreFunction(ctx context.Context, functionName string, attributes ...attribute.KeyValue) (context.Context, trace.Span) {
	return TraceFunction(ctx, "store", functionName, attributes...)
}

// TraceLifecycleFunction starts a new span for a response lifecycle function.
func TraceLifecycleFunction(ctx context.Context, functionName string, attributes ...attribute.KeyValue) (context.Context, trace.Span) {
	return TraceFunction(ctx, "lifecycle", functionName, attributes...)
}

// TraceQueueFunction starts a new span for a sync queue function.
func TraceQueueFunction(ctx context.Context, functionName string, attributes ...attribute.KeyValue) (context.Context, trace.Span) {
	return TraceFunction(ctx, "queue", functionName, attributes...)
}

// TraceSyncFunction starts a new span for a sync orchestrator function.
func TraceSyncFunction(ctx context.Context, functionName string, attributes ...attribute.KeyValue) (context.Context, trace.Span) {
	return TraceFunction(ctx, "sync", functionName, attributes...)
}

// TraceRemoteFunction starts a new span for a remote client call.
func TraceRemoteFunction(ctx context.Context, functionName string, attributes ...attribute.KeyValue) (context.Context, trace.Span) {
	return TraceFunction(ctx, "remote", functionName, attributes...)
}

// TraceIngestFunction starts a new span for an ingest service function.
func TraceIngestFunction(ctx context.Context, functionName string, attributes ...attribute.KeyValue) (context.Context, trace.Span) {
	return TraceFunction(ctx, "ingest", functionName, attributes...)
}

// TraceHandlerFunction starts a new span for a handler function.
func TraceHandlerFunction(ctx context.Context, functionName string, attributes ...attribute.KeyValue) (context.Context, trace.Span) {
	return TraceFunction(ctx, "handler", functionName, attributes...)
}

// TraceDatabaseFunction starts a new span for a database function.
func TraceDatabaseFunction(ctx context.Context, functionName string, attributes ...attribute.KeyValue) (context.Context, trace.Span) {
	return TraceFunction(ctx, "database", functionName, attributes...)
}

// AttributeResponseID returns a tracing attribute for a response ID.
func AttributeResponseID(id string) attribute.KeyValue {
	return attribute.String("response.id", id)
}

// AttributeSurveyID returns a tracing attribute for a survey ID.
func AttributeSurveyID(id string) attribute.KeyValue {
	return attribute.String("survey.id", id)
}

// AttributeQuestionID returns a tracing attribute for a question ID.
func AttributeQuestionID(id string) attribute.KeyValue {
	return attribute.String("question.id", id)
}

// AttributeUserID returns a tracing attribute for a submitter's user ID.
func AttributeUserID(id string) attribute.KeyValue {
	return attribute.String("user.id", id)
}

// AttributeQueueEntryID returns a tracing attribute for a sync queue entry.
func AttributeQueueEntryID(id int64) attribute.KeyValue {
	return attribute.Int64("queue.entry_id", id)
}

// AttributeOperation returns a tracing attribute for a queued operation kind.
func AttributeOperation(op string) attribute.KeyValue {
	return attribute.String("queue.operation", op)
}

// AttributeLimit returns a tracing attribute for a limit value.
func AttributeLimit(limit int) attribute.KeyValue {
	return attribute.Int("limit", limit)
}

// AttributeDeviceID returns a tracing attribute for the submitting device.
func AttributeDeviceID(id string) attribute.KeyValue {
	return attribute.String("device.id", id)
}
