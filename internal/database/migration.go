package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"

	"fieldsync/internal/observability"
	contextutils "fieldsync/internal/utils"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres" // registers the postgres:// scheme
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.opentelemetry.io/otel/attribute"
)

//go:embed migrations
var migrationsFS embed.FS

const (
	localMigrationsDir  = "migrations/local"
	ingestMigrationsDir = "migrations/ingest"
)

// MigrateLocal applies the embedded SQLite migrations to an open local store
func (dm *Manager) MigrateLocal(ctx context.Context, db *sql.DB) (err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "MigrateLocal",
		attribute.String("db.system", "sqlite"),
		attribute.String("migration.path", localMigrationsDir),
	)
	defer observability.FinishSpan(span, &err)

	src, err := iofs.New(migrationsFS, localMigrationsDir)
	if err != nil {
		return contextutils.WrapError(err, "failed to read embedded local migrations")
	}

	dst, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return contextutils.StorageError(err, "failed to prepare local store for migration")
	}

	// the migrator is not closed: sqlite3.Close would close the shared *sql.DB
	migrator, err := migrate.NewWithInstance("iofs", src, "sqlite3", dst)
	if err != nil {
		return contextutils.StorageError(err, "failed to initialize golang-migrate")
	}

	return dm.up(ctx, migrator, "local")
}

// MigrateIngest applies the embedded PostgreSQL migrations using a dedicated connection
func (dm *Manager) MigrateIngest(ctx context.Context, databaseURL string) (err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "MigrateIngest",
		attribute.String("db.system", "postgresql"),
		attribute.String("migration.path", ingestMigrationsDir),
	)
	defer observability.FinishSpan(span, &err)

	src, err := iofs.New(migrationsFS, ingestMigrationsDir)
	if err != nil {
		return contextutils.WrapError(err, "failed to read embedded ingest migrations")
	}

	migrator, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return contextutils.StorageError(err, "failed to initialize golang-migrate")
	}
	defer func() {
		if srcErr, dbErr := migrator.Close(); srcErr != nil || dbErr != nil {
			dm.logger.Error(ctx, "Error closing migration", errors.Join(srcErr, dbErr))
		}
	}()

	return dm.up(ctx, migrator, "ingest")
}

func (dm *Manager) up(ctx context.Context, migrator *migrate.Migrate, store string) error {
	err := migrator.Up()
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		dm.logger.Debug(ctx, "No new migrations to apply", map[string]interface{}{"store": store})
		return nil
	case err != nil:
		return contextutils.StorageError(err, "%s migrations failed", store)
	}

	fields := map[string]interface{}{"store": store}
	if version, dirty, verr := migrator.Version(); verr == nil {
		fields["version"] = version
		fields["dirty"] = dirty
	}
	dm.logger.Info(ctx, "Migrations applied", fields)
	return nil
}
