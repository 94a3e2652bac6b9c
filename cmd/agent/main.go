// Package main provides the entry point for the on-device sync agent.
// It opens the local store, runs the sync worker and serves the loopback API
// the survey UI talks to.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fieldsync/internal/config"
	"fieldsync/internal/di"
	"fieldsync/internal/handlers"
	"fieldsync/internal/observability"
	contextutils "fieldsync/internal/utils"
	"fieldsync/internal/version"
	"fieldsync/internal/worker"
)

// Application encapsulates the agent wiring and can be tested
type Application struct {
	container di.ServiceContainerInterface
	worker    *worker.Worker
	server    *http.Server
	logger    *observability.Logger
}

// NewApplication creates a new application instance
func NewApplication(container di.ServiceContainerInterface) (*Application, error) {
	responses, err := container.GetResponseService()
	if err != nil {
		return nil, contextutils.WrapError(err, "failed to get response service")
	}
	submissions, err := container.GetSubmissionService()
	if err != nil {
		return nil, contextutils.WrapError(err, "failed to get submission service")
	}
	queue, err := container.GetSyncQueueService()
	if err != nil {
		return nil, contextutils.WrapError(err, "failed to get sync queue service")
	}
	session, err := container.GetSessionService()
	if err != nil {
		return nil, contextutils.WrapError(err, "failed to get session service")
	}
	client, err := container.GetRemoteClient()
	if err != nil {
		return nil, contextutils.WrapError(err, "failed to get remote client")
	}
	w, err := container.GetWorker()
	if err != nil {
		return nil, contextutils.WrapError(err, "failed to get sync worker")
	}

	cfg := container.GetConfig()
	logger := container.GetLogger()
	handler := handlers.NewAgentHandler(responses, submissions, queue, session, w, client, logger)
	router := handlers.NewAgentRouter(cfg, handler, logger)

	return &Application{
		container: container,
		worker:    w,
		server: &http.Server{
			Addr:              cfg.Server.AgentAddr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}, nil
}

// Run starts the worker and the API and blocks until ctx is cancelled or the server fails
func (a *Application) Run(ctx context.Context) error {
	go a.worker.Start(ctx)

	serverErr := make(chan error, 1)
	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-serverErr:
		return contextutils.WrapError(err, "agent API failed")
	}
}

// Shutdown stops the API, then the worker, then closes the store
func (a *Application) Shutdown(ctx context.Context) error {
	serverCtx, cancel := context.WithTimeout(ctx, config.ServerShutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(serverCtx); err != nil {
		a.logger.Warn(ctx, "Agent API did not shut down cleanly", map[string]interface{}{"error": err.Error()})
	}
	return a.container.Shutdown(ctx)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.NewConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg.OpenTelemetry.ServiceVersion = version.Version

	tp, mp, logger, err := observability.SetupObservability(&cfg.OpenTelemetry, &cfg.Logging, handlers.AgentServiceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize observability: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if provider, ok := tp.(interface{ Shutdown(context.Context) error }); ok {
			if err := provider.Shutdown(shutdownCtx); err != nil {
				logger.Warn(shutdownCtx, "Error shutting down tracer provider", map[string]interface{}{"error": err.Error(), "provider": "tracer"})
			}
		}
		if mp != nil {
			if err := mp.Shutdown(shutdownCtx); err != nil {
				logger.Warn(shutdownCtx, "Error shutting down meter provider", map[string]interface{}{"error": err.Error(), "provider": "meter"})
			}
		}
		_ = logger.Sync()
	}()

	logger.Info(ctx, "Starting sync agent", map[string]interface{}{
		"addr":           cfg.Server.AgentAddr,
		"database":       cfg.Database.Path,
		"remote":         cfg.Sync.RemoteBaseURL,
		"drain_interval": cfg.Sync.DrainInterval.String(),
		"version":        version.Version,
	})

	metrics, err := observability.NewSyncMetrics()
	if err != nil {
		logger.Warn(ctx, "Sync metrics unavailable", map[string]interface{}{"error": err.Error()})
		metrics = nil
	}

	container := di.NewServiceContainer(cfg, metrics, logger)
	if err := container.Initialize(ctx); err != nil {
		logger.Error(ctx, "Failed to initialize services", err)
		os.Exit(1)
	}

	app, err := NewApplication(container)
	if err != nil {
		logger.Error(ctx, "Failed to create application", err)
		_ = container.Shutdown(context.Background())
		os.Exit(1)
	}

	runErr := app.Run(ctx)
	if runErr != nil {
		logger.Error(ctx, "Application failed", runErr)
	} else {
		logger.Info(context.Background(), "Received shutdown signal, shutting down gracefully")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.WorkerShutdownTimeout)
	defer shutdownCancel()
	if err := app.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "Error during application shutdown", err)
		os.Exit(1)
	}
	if runErr != nil {
		os.Exit(1)
	}

	logger.Info(shutdownCtx, "Shutdown completed successfully")
}
