// Package main provides the entry point for the ingest service devices sync to.
// It persists submissions and attachments in PostgreSQL.
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
	"fieldsync/internal/database"
	"fieldsync/internal/handlers"
	"fieldsync/internal/ingest"
	"fieldsync/internal/middleware"
	"fieldsync/internal/observability"
	"fieldsync/internal/version"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.NewConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg.OpenTelemetry.ServiceVersion = version.Version

	tp, mp, logger, err := observability.SetupObservability(&cfg.OpenTelemetry, &cfg.Logging, handlers.IngestServiceName)
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

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error(context.Background(), "Ingest service failed", err)
		os.Exit(1)
	}
	logger.Info(context.Background(), "Shutdown completed successfully")
}

func run(ctx context.Context, cfg *config.Config, logger *observability.Logger) error {
	authority, err := ingest.NewTokenAuthority(cfg.Auth)
	if err != nil {
		return err
	}

	schemas := middleware.NewSchemaLoader()
	if err := schemas.LoadFS(ingest.Schemas, ingest.SchemaDir); err != nil {
		return err
	}

	db, err := database.NewManager(logger).OpenIngest(cfg.Database)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warn(context.Background(), "Failed to close ingest database", map[string]interface{}{"error": err.Error()})
		}
	}()

	metrics, err := observability.NewSyncMetrics()
	if err != nil {
		logger.Warn(ctx, "Ingest metrics unavailable", map[string]interface{}{"error": err.Error()})
		metrics = nil
	}

	service := ingest.NewService(db, cfg.Server.PublicURL, metrics, logger)
	handler := handlers.NewIngestHandler(service, schemas, logger)
	router := handlers.NewIngestRouter(cfg, handler, authority, schemas, service, logger)

	server := &http.Server{
		Addr:              ":" + cfg.Server.IngestPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info(ctx, "Starting ingest service", map[string]interface{}{
		"port":    cfg.Server.IngestPort,
		"schemas": schemas.Names(),
		"version": version.Version,
	})

	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info(context.Background(), "Received shutdown signal, shutting down gracefully")
	case err := <-serverErr:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
