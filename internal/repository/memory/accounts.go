// Package memory holds process-local implementations of the stores. They
// are safe for concurrent use and lose their data on restart.
package memory

import (
	"context"
	"sync"
	"time"

	"atomic-transfers/internal/domain"
	"atomic-transfers/internal/errors"
)

// AccountStore keeps accounts in a map. Each call is atomic on its own; it
// offers no multi-record transactions, so the transfer engine drives it with
// compensation.
type AccountStore struct {
	mu       sync.RWMutex
	accounts map[string]*domain.Account
	now      func() time.Time
}

func NewAccountStore() *AccountStore {
	return &AccountStore{
		accounts: make(map[string]*domain.Account),
		now:      time.Now,
	}
}

func (s *AccountStore) CreateAccount(ctx context.Context, account *domain.Account) error {
	if account.Balance < 0 {
		return errors.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[account.ID]; exists {
		return errors.ErrDuplicateAccount
	}

	now := s.now()
	account.Version = 0
	account.CreatedAt = now
	account.UpdatedAt = now

	stored := *account
	s.accounts[account.ID] = &stored
	return nil
}

func (s *AccountStore) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	account, exists := s.accounts[id]
	if !exists {
		return nil, errors.ErrAccountNotFound
	}

	cp := *account
	return &cp, nil
}

func (s *AccountStore) CompareAndSwap(ctx context.Context, id string, expectedVersion, newBalance int64) (int64, error) {
	if newBalance < 0 {
		return 0, errors.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	account, exists := s.accounts[id]
	if !exists {
		return 0, errors.ErrAccountNotFound
	}
	if account.Version != expectedVersion {
		return 0, errors.ErrVersionConflict
	}

	account.Balance = newBalance
	account.Version++
	account.UpdatedAt = s.now()
	return account.Version, nil
}

func (s *AccountStore) TotalBalance(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, account := range s.accounts {
		total += account.Balance
	}
	return total, nil
}

var _ domain.AccountStore = (*AccountStore)(nil)
