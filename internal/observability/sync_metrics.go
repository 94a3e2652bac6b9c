package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// QueueDepthFunc reports the current pending and failed sync queue counts
type QueueDepthFunc func(ctx context.Context) (pending, failed int64, err error)

// SyncMetrics groups the sync engine instruments. The zero value is not usable; build with NewSyncMetrics.
type SyncMetrics struct {
	entries       metric.Int64Counter
	passes        metric.Int64Counter
	passDuration  metric.Float64Histogram
	answerSaves   metric.Int64Counter
	ingestResults metric.Int64Counter
}

// NewSyncMetrics creates the instruments on the global meter provider.
// When metrics are disabled the global provider is a no-op and recording costs nothing.
func NewSyncMetrics() (*SyncMetrics, error) {
	return NewSyncMetricsWithMeter(otel.Meter(tracerName))
}

// NewSyncMetricsWithMeter creates the instruments on the given meter
func NewSyncMetricsWithMeter(meter metric.Meter) (*SyncMetrics, error) {
	m := &SyncMetrics{}
	var err error

	if m.entries, err = meter.Int64Counter("fieldsync.queue.entries",
		metric.WithDescription("Sync queue entries processed, by operation and outcome")); err != nil {
		return nil, err
	}
	if m.passes, err = meter.Int64Counter("fieldsync.sync.passes",
		metric.WithDescription("Queue drain passes, by trigger")); err != nil {
		return nil, err
	}
	if m.passDuration, err = meter.Float64Histogram("fieldsync.sync.pass_duration",
		metric.WithDescription("Duration of a queue drain pass"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.answerSaves, err = meter.Int64Counter("fieldsync.answers.saves",
		metric.WithDescription("Background answer saves, by outcome")); err != nil {
		return nil, err
	}
	if m.ingestResults, err = meter.Int64Counter("fieldsync.ingest.submissions",
		metric.WithDescription("Ingest submissions, by result")); err != nil {
		return nil, err
	}
	return m, nil
}

// RegisterQueueDepth exposes pending and failed queue counts as observable gauges
func (m *SyncMetrics) RegisterQueueDepth(fn QueueDepthFunc) error {
	if m == nil {
		return nil
	}
	return m.RegisterQueueDepthWithMeter(otel.Meter(tracerName), fn)
}

// RegisterQueueDepthWithMeter is RegisterQueueDepth on an explicit meter
func (m *SyncMetrics) RegisterQueueDepthWithMeter(meter metric.Meter, fn QueueDepthFunc) error {
	pending, err := meter.Int64ObservableGauge("fieldsync.queue.pending",
		metric.WithDescription("Sync queue entries waiting to be sent"))
	if err != nil {
		return err
	}
	failed, err := meter.Int64ObservableGauge("fieldsync.queue.failed",
		metric.WithDescription("Sync queue entries that exhausted their attempts"))
	if err != nil {
		return err
	}

	_, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		p, f, err := fn(ctx)
		if err != nil {
			return err
		}
		o.ObserveInt64(pending, p)
		o.ObserveInt64(failed, f)
		return nil
	}, pending, failed)
	return err
}

// RecordEntry counts a processed queue entry
func (m *SyncMetrics) RecordEntry(ctx context.Context, operation, outcome string) {
	if m == nil {
		return
	}
	m.entries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	))
}

// RecordPass records one drain pass
func (m *SyncMetrics) RecordPass(ctx context.Context, trigger string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("trigger", trigger))
	m.passes.Add(ctx, 1, attrs)
	m.passDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordAnswerSave counts a background answer save
func (m *SyncMetrics) RecordAnswerSave(ctx context.Context, ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.answerSaves.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordIngest counts an ingest submission result such as "created" or "duplicate"
func (m *SyncMetrics) RecordIngest(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.ingestResults.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
