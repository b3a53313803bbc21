package domain

import (
	"context"
	"time"
)

// Account balances are held in the smallest currency unit.
type Account struct {
	ID        string    `json:"account_id"`
	Balance   int64     `json:"balance"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AccountStore persists account balances. CompareAndSwap is the only way a
// balance changes after creation.
type AccountStore interface {
	CreateAccount(ctx context.Context, account *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	// CompareAndSwap sets the balance only if the stored version equals
	// expectedVersion and returns the new version (expectedVersion+1).
	CompareAndSwap(ctx context.Context, id string, expectedVersion, newBalance int64) (int64, error)
	TotalBalance(ctx context.Context) (int64, error)
}

// Transactor is implemented by account stores able to apply several
// compare-and-swap operations as one atomic unit. A non-nil error from fn
// discards every change made through the store passed to it.
type Transactor interface {
	WithinTransaction(ctx context.Context, fn func(store AccountStore) error) error
}
