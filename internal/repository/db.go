package repository

import (
	"context"
	"database/sql"

	"github.com/jackc/pgconn"
	"github.com/lib/pq"

	"atomic-transfers/internal/errors"
)

// SQLExecutor represents both sql.DB and sql.Tx
type SQLExecutor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// DB represents a database that can begin transactions
type DB interface {
	SQLExecutor
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Ensure sql.DB and sql.Tx implement the interfaces
var (
	_ DB          = (*sql.DB)(nil)
	_ SQLExecutor = (*sql.Tx)(nil)
)

// runInTx executes fn within a database transaction, rolling back on error or panic.
func runInTx(ctx context.Context, executor SQLExecutor, fn func(SQLExecutor) error) error {
	// Only a DB can begin transactions; nested calls reuse the open one.
	db, ok := executor.(DB)
	if !ok {
		return fn(executor)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Internal("failed to begin transaction", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Internal("failed to commit transaction", err)
	}
	return nil
}

const uniqueViolation = "23505"

// isUniqueViolation recognises duplicate-key errors from both lib/pq and pgx.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolation
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	return false
}
