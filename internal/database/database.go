// Package database provides database connection and migration functionality
// for the on-device SQLite store and the ingest PostgreSQL database.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"fieldsync/internal/config"
	"fieldsync/internal/observability"
	contextutils "fieldsync/internal/utils"

	// Import PostgreSQL and SQLite drivers for database/sql
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	// OpenTelemetry SQL instrumentation
	"go.nhat.io/otelsql"

	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// Manager handles database operations with proper logging
type Manager struct {
	logger *observability.Logger
}

type registeredDriver struct {
	once sync.Once
	name string
	err  error
}

var (
	sqliteDriver   registeredDriver
	postgresDriver registeredDriver
)

// NewManager creates a new database manager with the provided logger
func NewManager(logger *observability.Logger) *Manager {
	return &Manager{
		logger: logger,
	}
}

// LocalDSN builds the go-sqlite3 DSN for the on-device store. Write transactions take
// the RESERVED lock at BEGIN so a read-modify-write never upgrades mid-transaction.
func LocalDSN(path string, busyTimeout time.Duration) string {
	if busyTimeout <= 0 {
		busyTimeout = config.DatabaseBusyTimeout
	}
	params := url.Values{}
	params.Set("_txlock", "immediate")
	params.Set("_busy_timeout", fmt.Sprintf("%d", busyTimeout.Milliseconds()))
	params.Set("_foreign_keys", "on")
	params.Set("_journal_mode", "WAL")
	params.Set("_synchronous", "FULL")
	return fmt.Sprintf("file:%s?%s", path, params.Encode())
}

// OpenLocal opens the on-device durable store and applies the embedded migrations
func (dm *Manager) OpenLocal(cfg config.DatabaseConfig) (result0 *sql.DB, err error) {
	ctx, span := observability.TraceDatabaseFunction(context.Background(), "OpenLocal",
		attribute.String("db.system", "sqlite"),
		attribute.String("db.path", cfg.Path),
	)
	defer observability.FinishSpan(span, &err)

	if cfg.Path == "" {
		return nil, contextutils.WrapError(contextutils.ErrInvalidInput, "database path is required")
	}

	sqliteDriver.once.Do(func() {
		sqliteDriver.name, sqliteDriver.err = otelsql.Register("sqlite3",
			otelsql.WithDatabaseName("fieldsync"),
			otelsql.WithSystem(semconv.DBSystemSqlite),
			otelsql.TraceRowsAffected(),
		)
	})
	if sqliteDriver.err != nil {
		return nil, contextutils.StorageError(sqliteDriver.err, "failed to register otelsql driver")
	}

	db, err := sql.Open(sqliteDriver.name, LocalDSN(cfg.Path, cfg.BusyTimeout))
	if err != nil {
		return nil, contextutils.StorageError(err, "failed to open local store")
	}

	// single writer: every mutation is serialized through one connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		dm.closeQuietly(ctx, db)
		return nil, contextutils.StorageError(err, "failed to ping local store")
	}

	if err := dm.MigrateLocal(ctx, db); err != nil {
		dm.closeQuietly(ctx, db)
		return nil, err
	}

	dm.logger.Info(ctx, "Local store opened", map[string]interface{}{
		"path": cfg.Path,
	})

	return db, nil
}

// OpenIngest opens the ingest PostgreSQL database and applies the embedded migrations
func (dm *Manager) OpenIngest(cfg config.DatabaseConfig) (result0 *sql.DB, err error) {
	dbName := extractDatabaseName(cfg.IngestURL)
	ctx, span := observability.TraceDatabaseFunction(context.Background(), "OpenIngest",
		attribute.String("db.system", "postgresql"),
		attribute.String("db.name", dbName),
		attribute.Int("db.max_open_conns", cfg.MaxOpenConns),
		attribute.Int("db.max_idle_conns", cfg.MaxIdleConns),
		attribute.String("db.conn_max_lifetime", cfg.ConnMaxLifetime.String()),
	)
	defer observability.FinishSpan(span, &err)

	db, err := dm.OpenIngestWithoutMigrations(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := dm.MigrateIngest(ctx, cfg.IngestURL); err != nil {
		dm.closeQuietly(ctx, db)
		return nil, err
	}

	return db, nil
}

// OpenIngestWithoutMigrations opens the ingest database without touching the schema
func (dm *Manager) OpenIngestWithoutMigrations(ctx context.Context, cfg config.DatabaseConfig) (result0 *sql.DB, err error) {
	if cfg.IngestURL == "" {
		return nil, contextutils.WrapError(contextutils.ErrInvalidInput, "ingest database url is required")
	}

	postgresDriver.once.Do(func() {
		postgresDriver.name, postgresDriver.err = otelsql.Register("postgres",
			otelsql.WithDatabaseName(extractDatabaseName(cfg.IngestURL)),
			otelsql.TraceQueryWithArgs(),
			otelsql.WithSystem(semconv.DBSystemPostgreSQL),
			otelsql.TraceRowsAffected(),
		)
	})
	if postgresDriver.err != nil {
		return nil, contextutils.StorageError(postgresDriver.err, "failed to register otelsql driver")
	}

	db, err := sql.Open(postgresDriver.name, cfg.IngestURL)
	if err != nil {
		return nil, contextutils.StorageError(err, "failed to open database connection")
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		dm.closeQuietly(ctx, db)
		return nil, contextutils.StorageError(err, "failed to ping database")
	}

	dm.logger.Info(ctx, "Ingest database connection established", map[string]interface{}{
		"db_name":           extractDatabaseName(cfg.IngestURL),
		"max_open_conns":    cfg.MaxOpenConns,
		"max_idle_conns":    cfg.MaxIdleConns,
		"conn_max_lifetime": cfg.ConnMaxLifetime,
	})

	return db, nil
}

func (dm *Manager) closeQuietly(ctx context.Context, db *sql.DB) {
	if closeErr := db.Close(); closeErr != nil {
		dm.logger.Error(ctx, "Failed to close database connection", closeErr)
	}
}

// extractDatabaseName extracts the database name from a PostgreSQL connection string
func extractDatabaseName(databaseURL string) string {
	if u, err := url.Parse(databaseURL); err == nil && u.Scheme != "" && u.Path != "" {
		if dbName := strings.TrimPrefix(u.Path, "/"); dbName != "" {
			return dbName
		}
	}

	// key=value form: "host=... dbname=ingest sslmode=disable"
	for _, field := range strings.Fields(databaseURL) {
		if name, ok := strings.CutPrefix(field, "dbname="); ok && name != "" {
			return name
		}
	}

	return "fieldsync_ingest"
}
