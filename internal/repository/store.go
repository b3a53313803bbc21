package repository

import (
	"context"
	"database/sql"
	"log/slog"

	"atomic-transfers/internal/domain"
)

// Store hands out repositories sharing one database handle.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore creates a new Store instance
func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
	}
}

// Accounts returns the account store. It implements domain.Transactor.
func (s *Store) Accounts() *AccountRepository {
	return NewAccountRepository(s.db, s.logger)
}

// TransferRequests returns the Postgres idempotency ledger.
func (s *Store) TransferRequests() domain.IdempotencyLedger {
	return NewTransferRequestRepository(s.db, s.logger)
}

// Alarms returns the consistency alarm repository.
func (s *Store) Alarms() domain.AlarmRepository {
	return NewAlarmRepository(s.db, s.logger)
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
