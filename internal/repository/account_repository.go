package repository

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"atomic-transfers/internal/domain"
	"atomic-transfers/internal/errors"
)

// AccountRepository is the Postgres account store.
type AccountRepository struct {
	db     SQLExecutor
	logger *slog.Logger
}

func NewAccountRepository(db SQLExecutor, logger *slog.Logger) *AccountRepository {
	return &AccountRepository{
		db:     db,
		logger: logger,
	}
}

func (r *AccountRepository) CreateAccount(ctx context.Context, account *domain.Account) error {
	if account.Balance < 0 {
		return errors.ErrInvalidAmount
	}

	query := `
		INSERT INTO accounts (id, balance, version, created_at, updated_at)
		VALUES ($1, $2, 0, $3, $3)
	`

	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, query, account.ID, account.Balance, now)
	if err != nil {
		if isUniqueViolation(err) {
			r.logger.Warn("Duplicate account creation attempt", "account_id", account.ID)
			return errors.ErrDuplicateAccount
		}
		r.logger.Error("Failed to create account", "account_id", account.ID, "error", err)
		return errors.Internal("failed to create account", err)
	}

	account.Version = 0
	account.CreatedAt = now
	account.UpdatedAt = now
	r.logger.Info("Account created successfully", "account_id", account.ID)
	return nil
}

func (r *AccountRepository) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	query := `
		SELECT id, balance, version, created_at, updated_at
		FROM accounts WHERE id = $1
	`

	var account domain.Account
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&account.ID,
		&account.Balance,
		&account.Version,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.ErrAccountNotFound
		}
		r.logger.Error("Failed to get account", "account_id", id, "error", err)
		return nil, errors.Internal("failed to get account", err)
	}

	return &account, nil
}

func (r *AccountRepository) CompareAndSwap(ctx context.Context, id string, expectedVersion, newBalance int64) (int64, error) {
	if newBalance < 0 {
		return 0, errors.ErrInvalidAmount
	}

	query := `
		UPDATE accounts
		SET balance = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4
		RETURNING version
	`

	var version int64
	err := r.db.QueryRowContext(ctx, query, newBalance, time.Now().UTC(), id, expectedVersion).Scan(&version)
	if err == nil {
		r.logger.Debug("Account balance swapped", "account_id", id, "version", version, "new_balance", newBalance)
		return version, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		r.logger.Error("Failed to update account balance", "account_id", id, "error", err)
		return 0, errors.Internal("failed to update account balance", err)
	}

	// No row matched: either the account is gone or its version moved on.
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, id).Scan(&exists); err != nil {
		return 0, errors.Internal("failed to check account existence", err)
	}
	if !exists {
		return 0, errors.ErrAccountNotFound
	}
	return 0, errors.ErrVersionConflict
}

func (r *AccountRepository) TotalBalance(ctx context.Context) (int64, error) {
	var total int64
	if err := r.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(balance), 0) FROM accounts`).Scan(&total); err != nil {
		return 0, errors.Internal("failed to sum balances", err)
	}
	return total, nil
}

// WithinTransaction runs fn against a repository bound to a single database
// transaction. Writes inside fn commit together or not at all.
func (r *AccountRepository) WithinTransaction(ctx context.Context, fn func(domain.AccountStore) error) error {
	return runInTx(ctx, r.db, func(tx SQLExecutor) error {
		return fn(NewAccountRepository(tx, r.logger))
	})
}

var (
	_ domain.AccountStore = (*AccountRepository)(nil)
	_ domain.Transactor   = (*AccountRepository)(nil)
)
