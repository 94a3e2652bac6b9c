// Package main provides the entry point for the adm operator CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"fieldsync/cmd/adm/commands"
	"fieldsync/internal/config"
	"fieldsync/internal/observability"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Load configuration
	cfg, err := config.NewConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Override log level for admin tool
	cfg.Server.LogLevel = "error"

	// Disable all OpenTelemetry features for admin CLI to avoid connection errors
	cfg.OpenTelemetry.EnableTracing = false
	cfg.OpenTelemetry.EnableMetrics = false
	cfg.OpenTelemetry.EnableLogging = false

	_, _, logger, err := observability.SetupObservability(&cfg.OpenTelemetry, &cfg.Logging, "fieldsync-adm")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize observability: %v\n", err)
		os.Exit(1)
	}

	env := &commands.Env{Config: cfg, Logger: logger}
	rootCmd := commands.NewRootCommand(env)

	execErr := rootCmd.ExecuteContext(ctx)
	if err := env.Close(context.Background()); err != nil {
		logger.Warn(ctx, "Failed to close local store", map[string]interface{}{"error": err.Error()})
	}
	_ = logger.Sync()
	if execErr != nil {
		os.Exit(1)
	}
}
