// Package store is the durable store of the sync engine: row-level access to
// responses, file references and sync queue entries on the local SQLite database.
//
// Every row function takes a Querier so it can run either directly on the
// database or inside a transaction opened with Store.WithTx. The local database
// uses a single connection, so code running inside WithTx must only use the
// Querier it was given.
package store

import (
	"context"
	"database/sql"
	"errors"

	"fieldsync/internal/observability"
	contextutils "fieldsync/internal/utils"

	"github.com/mattn/go-sqlite3"
)

// Querier is the subset of *sql.DB and *sql.Tx used by the row functions
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store owns the local database handle
type Store struct {
	db     *sql.DB
	logger *observability.Logger
}

// New creates a store over an opened, migrated local database
func New(db *sql.DB, logger *observability.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// DB returns the underlying handle for non-transactional reads
func (s *Store) DB() Querier {
	return s.db
}

// Ping checks that the local database is reachable
func (s *Store) Ping(ctx context.Context) error {
	return contextutils.StorageError(s.db.PingContext(ctx), "local store unavailable")
}

// WithTx runs fn in a transaction, committing if it returns nil and rolling back otherwise
func (s *Store) WithTx(ctx context.Context, fn func(q Querier) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return contextutils.StorageError(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
				s.logger.Error(ctx, "Failed to rollback transaction", rollbackErr)
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return contextutils.StorageError(err, "failed to commit transaction")
	}
	return nil
}

// classify maps driver errors onto the error taxonomy
func classify(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return contextutils.WrapErrorf(contextutils.ErrRecordNotFound, format, args...)
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		if sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return contextutils.NewAppErrorWithCause(contextutils.ErrorCodeRecordExists, contextutils.SeverityInfo,
				"Record already exists", sqliteErr.Error(), err)
		}
		return contextutils.NewAppErrorWithCause(contextutils.ErrorCodeInvalidInput, contextutils.SeverityWarn,
			"Constraint violation", sqliteErr.Error(), err)
	}
	return contextutils.StorageError(err, format, args...)
}

// expectOne turns a zero-row update into RECORD_NOT_FOUND or the given state error
func expectOne(res sql.Result, notMatched error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return contextutils.StorageError(err, "failed to read affected rows")
	}
	if n == 0 {
		return notMatched
	}
	return nil
}
