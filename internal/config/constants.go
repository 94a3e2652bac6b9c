package config

import "time"

// Listener defaults
const (
	DefaultAgentAddr  = "127.0.0.1:7311"
	DefaultIngestPort = "8080"
)

// Storage defaults
const (
	DefaultDatabasePath     = "fieldsync.db"
	DatabaseConnMaxLifetime = 5 * time.Minute
	DatabaseBusyTimeout     = 5 * time.Second
)

// Sync engine defaults
const (
	DefaultSubmitTimeout     = 30 * time.Second
	DefaultUploadTimeout     = 2 * time.Minute
	DefaultDrainInterval     = 60 * time.Second
	DefaultBackoffBase       = 5 * time.Second
	DefaultBackoffMax        = 15 * time.Minute
	DefaultBatchSize         = 20
	DefaultMaxAttempts       = 10
	DefaultDegradedThreshold = 3
	DefaultMaxHistory        = 50
)

// Timeout constants
const (
	DefaultHTTPTimeout    = 60 * time.Second
	WorkerShutdownTimeout = 30 * time.Second
	ServerShutdownTimeout = 10 * time.Second
	TestTimeout           = 100 * time.Millisecond
)

// Auth defaults
const (
	DefaultTokenIssuer = "fieldsync-ingest"
	DefaultTokenTTL    = 30 * 24 * time.Hour
)

// Upload limits
const (
	MaxUploadBytes = 32 << 20
)
