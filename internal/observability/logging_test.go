package observability

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"fieldsync/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogWithContextAddsTraceInfo(t *testing.T) {
	// Setup OpenTelemetry
	tp := trace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	tracer := tp.Tracer("test-tracer")

	// Setup Zap observer
	core, observedLogs := observer.New(zap.InfoLevel)
	zapLogger := zap.New(core)
	logger := &Logger{Logger: zapLogger}

	// Start a span
	ctx, span := tracer.Start(context.Background(), "test-span")
	defer span.End()

	// Log something with the context
	logger.Info(ctx, "test message", nil)

	// Verify log entry
	requireLogs := observedLogs.All()
	assert.Equal(t, 1, len(requireLogs), "Expected 1 log entry")

	entry := requireLogs[0]
	assert.Equal(t, "test message", entry.Message)

	// Check for trace_id and span_id fields
	fields := entry.ContextMap()
	assert.Contains(t, fields, "trace_id", "Log should contain trace_id")
	assert.Contains(t, fields, "span_id", "Log should contain span_id")

	// Verify values match the span
	spanContext := span.SpanContext()
	assert.Equal(t, spanContext.TraceID().String(), fields["trace_id"])
	assert.Equal(t, spanContext.SpanID().String(), fields["span_id"])
}

func TestLogWithContextNoSpan(t *testing.T) {
	// Setup Zap observer
	core, observedLogs := observer.New(zap.InfoLevel)
	zapLogger := zap.New(core)
	logger := &Logger{Logger: zapLogger}

	// Log without a span
	logger.Info(context.Background(), "test message", nil)

	// Verify log entry
	requireLogs := observedLogs.All()
	assert.Equal(t, 1, len(requireLogs), "Expected 1 log entry")

	entry := requireLogs[0]
	fields := entry.ContextMap()

	// Should not contain trace info
	assert.NotContains(t, fields, "trace_id")
	assert.NotContains(t, fields, "span_id")
}

func TestNewLoggerWithFile_WritesToRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.log")
	logger := NewLoggerWithFile(nil, &config.LoggingConfig{FilePath: path, MaxSizeMB: 1}, zap.InfoLevel)

	logger.Info(context.Background(), "queue drained", map[string]interface{}{"processed": 3})
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "queue drained")
	assert.Contains(t, string(data), `"processed":3`)
}

func TestNewLoggerWithFile_DisabledIsNop(t *testing.T) {
	logger := NewLoggerWithFile(&config.OpenTelemetryConfig{}, &config.LoggingConfig{}, zap.InfoLevel)
	assert.False(t, logger.Core().Enabled(zap.ErrorLevel))
}

func TestErrorAddsErrorField(t *testing.T) {
	core, observedLogs := observer.New(zap.InfoLevel)
	logger := &Logger{Logger: zap.New(core)}

	fields := map[string]interface{}{"entry_id": 7}
	logger.Error(context.Background(), "submit failed", errors.New("timeout"), fields)

	entries := observedLogs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "timeout", entries[0].ContextMap()["error"])
	// caller's map is left untouched
	assert.NotContains(t, fields, "error")
}
