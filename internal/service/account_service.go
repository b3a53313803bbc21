package service

import (
	"context"
	"log/slog"
	"strings"

	"atomic-transfers/internal/domain"
	"atomic-transfers/internal/errors"
)

const maxAccountIDLength = 64

type AccountService struct {
	accounts domain.AccountStore
	logger   *slog.Logger
}

func NewAccountService(accounts domain.AccountStore, logger *slog.Logger) *AccountService {
	return &AccountService{
		accounts: accounts,
		logger:   logger,
	}
}

func (s *AccountService) CreateAccount(ctx context.Context, accountID string, initialBalance int64) (*domain.Account, error) {
	s.logger.Info("Creating account", "account_id", accountID, "initial_balance", initialBalance)

	if err := validateAccountID(accountID); err != nil {
		return nil, err
	}
	if initialBalance < 0 {
		return nil, errors.ErrInvalidAmount.WithDetails("initial balance must not be negative")
	}

	account := &domain.Account{
		ID:      accountID,
		Balance: initialBalance,
	}

	if err := s.accounts.CreateAccount(ctx, account); err != nil {
		return nil, err
	}

	s.logger.Info("Account created successfully", "account_id", account.ID)
	return account, nil
}

func (s *AccountService) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	s.logger.Debug("Getting account", "account_id", accountID)

	if err := validateAccountID(accountID); err != nil {
		return nil, err
	}

	return s.accounts.GetAccount(ctx, accountID)
}

// TotalBalance sums every balance. Outside of in-flight transfers it equals
// the sum of all initial balances.
func (s *AccountService) TotalBalance(ctx context.Context) (int64, error) {
	return s.accounts.TotalBalance(ctx)
}

func validateAccountID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.ErrInvalidAccountID.WithDetails("account id is required")
	}
	if len(id) > maxAccountIDLength {
		return errors.ErrInvalidAccountID.WithDetails("account id is too long")
	}
	return nil
}
