// Package worker contains the sync orchestrator: the queue drain pass and the
// background task that schedules it. Passes run on a ticker, on explicit
// triggers (network restored, UI request, two-phase submit) and never overlap.
// Consecutive failing passes back off the ticker; explicit triggers always run.
package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"fieldsync/internal/config"
	"fieldsync/internal/models"
	"fieldsync/internal/observability"

	"go.opentelemetry.io/otel/attribute"
)

// Pass triggers, also used as metric labels
const (
	TriggerStartup = "startup"
	TriggerTicker  = "ticker"
	TriggerManual  = "manual"
)

// Worker schedules queue drain passes
type Worker struct {
	queue     Queue
	responses Lifecycle
	uploads   FileUploads
	remote    Submitter
	cfg       config.SyncConfig
	instance  string
	metrics   *observability.SyncMetrics
	logger    *observability.Logger

	// passMu serializes passes; only one drain may talk to the remote side at a time
	passMu  sync.Mutex
	trigger chan struct{}

	mu                  sync.RWMutex
	status              models.WorkerStatus
	history             []models.RunRecord
	consecutiveFailures int
	nextAllowed         time.Time

	cancel context.CancelFunc
	done   chan struct{}

	// Time function for testing - defaults to time.Now
	timeNow func() time.Time
}

// NewWorker creates a worker. Zero sync settings fall back to the defaults.
func NewWorker(queue Queue, responses Lifecycle, uploads FileUploads, remote Submitter, cfg config.SyncConfig, instance string, metrics *observability.SyncMetrics, logger *observability.Logger) *Worker {
	if instance == "" {
		instance = "default"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = config.DefaultBatchSize
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = config.DefaultDrainInterval
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = config.DefaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = config.DefaultBackoffMax
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = config.DefaultMaxHistory
	}

	return &Worker{
		queue:     queue,
		responses: responses,
		uploads:   uploads,
		remote:    remote,
		cfg:       cfg,
		instance:  instance,
		metrics:   metrics,
		logger:    logger,
		trigger:   make(chan struct{}, 1),
		status: models.WorkerStatus{
			WorkerInstance:  instance,
			IsPaused:        cfg.StartPaused,
			CurrentActivity: sql.NullString{String: "Initialized", Valid: true},
		},
		history: make([]models.RunRecord, 0, cfg.MaxHistory),
		timeNow: time.Now,
	}
}

// Start runs the scheduling loop until ctx is cancelled or Shutdown is called.
// In-flight entries left by a previous process are returned to pending first.
func (w *Worker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	w.mu.Lock()
	w.cancel = cancel
	w.done = done
	w.status.IsRunning = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.status.IsRunning = false
		w.status.NextRunAt = sql.NullTime{}
		w.mu.Unlock()
		close(done)
	}()

	if _, err := w.queue.RecoverInFlight(ctx); err != nil {
		w.logger.Error(ctx, "Failed to recover in-flight sync operations", err, map[string]interface{}{
			"instance": w.instance,
		})
	}

	ticker := time.NewTicker(w.cfg.DrainInterval)
	defer ticker.Stop()

	w.logger.Info(ctx, "Sync worker started", map[string]interface{}{
		"instance":       w.instance,
		"drain_interval": w.cfg.DrainInterval.String(),
		"paused":         w.IsPaused(),
	})

	w.runScheduled(ctx, TriggerStartup)

	for {
		w.setNextRun(w.timeNow().Add(w.cfg.DrainInterval))

		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "Sync worker shutting down", map[string]interface{}{
				"instance": w.instance,
			})
			return

		case <-ticker.C:
			w.runScheduled(ctx, TriggerTicker)

		case <-w.trigger:
			w.runScheduled(ctx, TriggerManual)
		}
	}
}

// Trigger requests a pass without waiting for it. Triggers arriving while a
// pass is running collapse into one follow-up pass.
func (w *Worker) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// runScheduled applies pause and backoff rules before running a pass
func (w *Worker) runScheduled(ctx context.Context, trigger string) {
	if w.IsPaused() {
		w.updateActivity("Paused")
		return
	}
	if trigger == TriggerTicker {
		w.mu.RLock()
		wait := w.nextAllowed.Sub(w.timeNow())
		w.mu.RUnlock()
		if wait > 0 {
			w.updateActivity(fmt.Sprintf("Backing off for %s", wait.Round(time.Second)))
			return
		}
	}
	if _, err := w.RunOnce(ctx, trigger); err != nil && !errors.Is(err, context.Canceled) {
		w.logger.Error(ctx, "Sync pass failed", err, map[string]interface{}{
			"instance": w.instance,
			"trigger":  trigger,
		})
	}
}

// RunOnce runs a single drain pass now, waiting for any pass already running
func (w *Worker) RunOnce(ctx context.Context, trigger string) (record models.RunRecord, err error) {
	w.passMu.Lock()
	defer w.passMu.Unlock()

	ctx, span := observability.TraceSyncFunction(ctx, "run",
		attribute.String("worker.instance", w.instance),
		attribute.String("sync.trigger", trigger),
	)
	defer observability.FinishSpan(span, &err)

	start := w.timeNow()
	w.mu.Lock()
	w.status.LastRunStart = sql.NullTime{Time: start, Valid: true}
	w.status.CurrentActivity = sql.NullString{String: "Draining sync queue", Valid: true}
	w.mu.Unlock()

	// passes never overlap, so anything still processing was stranded by a
	// pass whose bookkeeping write failed
	if n, recoverErr := w.queue.RecoverInFlight(ctx); recoverErr != nil {
		w.logger.Error(ctx, "Failed to recover in-flight sync operations", recoverErr, map[string]interface{}{
			"instance": w.instance,
		})
	} else if n > 0 {
		w.logger.Warn(ctx, "Re-queued stranded sync operations", map[string]interface{}{
			"instance": w.instance,
			"count":    n,
		})
	}

	result, err := w.ProcessQueue(ctx, w.cfg.BatchSize)

	finish := w.timeNow()
	record = models.RunRecord{
		StartedAt:  start,
		FinishedAt: finish,
		Trigger:    trigger,
		Processed:  result.Processed,
		Completed:  result.Completed,
		Retried:    result.Retried,
		Failed:     result.Failed,
		Dropped:    result.Dropped,
	}
	if err != nil {
		record.Error = err.Error()
	}
	w.metrics.RecordPass(ctx, trigger, finish.Sub(start))
	w.recordRun(ctx, record, passFailed(result, err))

	if result.Processed > 0 {
		w.logger.Info(ctx, "Sync pass finished", map[string]interface{}{
			"instance":  w.instance,
			"trigger":   trigger,
			"processed": result.Processed,
			"completed": result.Completed,
			"retried":   result.Retried,
			"failed":    result.Failed,
			"dropped":   result.Dropped,
			"duration":  finish.Sub(start).String(),
		})
	}
	return record, err
}

// passFailed reports whether a pass made no progress because of failures
func passFailed(result PassResult, err error) bool {
	if err != nil {
		return true
	}
	return result.Retried+result.Failed > 0 && result.Completed == 0
}

// backoffFor returns the ticker delay after n consecutive failing passes
func (w *Worker) backoffFor(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	delay := w.cfg.BackoffBase
	for i := 1; i < n; i++ {
		delay *= 2
		if delay >= w.cfg.BackoffMax {
			return w.cfg.BackoffMax
		}
	}
	if delay > w.cfg.BackoffMax {
		return w.cfg.BackoffMax
	}
	return delay
}

// recordRun updates status, backoff and the bounded run history
func (w *Worker) recordRun(ctx context.Context, record models.RunRecord, failed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.status.LastRunFinish = sql.NullTime{Time: record.FinishedAt, Valid: true}
	w.status.TotalRuns++
	w.status.TotalCompleted += record.Completed
	w.status.TotalFailed += record.Failed
	w.status.CurrentActivity = sql.NullString{String: "Idle", Valid: true}
	if record.Error != "" {
		w.status.LastRunError = sql.NullString{String: record.Error, Valid: true}
	} else {
		w.status.LastRunError = sql.NullString{}
	}

	if failed {
		w.consecutiveFailures++
		delay := w.backoffFor(w.consecutiveFailures)
		w.nextAllowed = record.FinishedAt.Add(delay)
		w.logger.Info(ctx, "Sync pass made no progress, backing off", map[string]interface{}{
			"instance":             w.instance,
			"consecutive_failures": w.consecutiveFailures,
			"backoff":              delay.String(),
		})
	} else {
		w.consecutiveFailures = 0
		w.nextAllowed = time.Time{}
	}
	w.status.ConsecutiveFailures = w.consecutiveFailures

	w.history = append(w.history, record)
	if len(w.history) > w.cfg.MaxHistory {
		w.history = w.history[len(w.history)-w.cfg.MaxHistory:]
	}
}

func (w *Worker) setNextRun(at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.nextAllowed.After(at) {
		at = w.nextAllowed
	}
	w.status.NextRunAt = sql.NullTime{Time: at, Valid: true}
}

func (w *Worker) updateActivity(activity string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status.CurrentActivity = sql.NullString{String: activity, Valid: true}
}

// Pause stops scheduled and triggered passes; RunOnce still works
func (w *Worker) Pause(ctx context.Context) {
	w.mu.Lock()
	w.status.IsPaused = true
	w.mu.Unlock()
	w.logger.Info(ctx, "Sync worker paused", map[string]interface{}{"instance": w.instance})
}

// Resume re-enables passes and requests one immediately
func (w *Worker) Resume(ctx context.Context) {
	w.mu.Lock()
	w.status.IsPaused = false
	w.mu.Unlock()
	w.logger.Info(ctx, "Sync worker resumed", map[string]interface{}{"instance": w.instance})
	w.Trigger()
}

// IsPaused reports whether passes are paused
func (w *Worker) IsPaused() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status.IsPaused
}

// GetStatus returns the current worker status
func (w *Worker) GetStatus() models.WorkerStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

// GetHistory returns the worker's run history
func (w *Worker) GetHistory() []models.RunRecord {
	w.mu.RLock()
	defer w.mu.RUnlock()
	history := make([]models.RunRecord, len(w.history))
	copy(history, w.history)
	return history
}

// Shutdown stops the loop and waits for the current pass to finish or ctx to expire
func (w *Worker) Shutdown(ctx context.Context) error {
	w.mu.RLock()
	cancel, done := w.cancel, w.done
	w.mu.RUnlock()

	if cancel == nil {
		return nil
	}
	w.logger.Info(ctx, "Sync worker starting shutdown", map[string]interface{}{"instance": w.instance})
	cancel()

	select {
	case <-done:
		w.logger.Info(ctx, "Sync worker shutdown completed", map[string]interface{}{"instance": w.instance})
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
