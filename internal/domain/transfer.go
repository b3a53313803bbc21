package domain

import (
	"context"
	"time"

	"atomic-transfers/internal/errors"
)

type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferCommitted TransferStatus = "committed"
	TransferFailed    TransferStatus = "failed"
)

func (s TransferStatus) IsTerminal() bool {
	return s == TransferCommitted || s == TransferFailed
}

// TransferRequest is the idempotency record of one logical transfer. Attempt
// identifies the current owner of a pending request and changes only on
// takeover.
type TransferRequest struct {
	RequestID      string           `json:"request_id"`
	FromAccount    string           `json:"from_account"`
	ToAccount      string           `json:"to_account"`
	Amount         int64            `json:"amount"`
	Status         TransferStatus   `json:"status"`
	FailureReason  errors.ErrorCode `json:"failure_reason,omitempty"`
	Attempt        int              `json:"attempt"`
	LeaseExpiresAt time.Time        `json:"lease_expires_at"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Matches reports whether a retried submission carries the same parameters.
func (r *TransferRequest) Matches(from, to string, amount int64) bool {
	return r.FromAccount == from && r.ToAccount == to && r.Amount == amount
}

func (r *TransferRequest) LeaseExpired(now time.Time) bool {
	return !now.Before(r.LeaseExpiresAt)
}

// Complete moves a pending request owned by attempt into a terminal status.
// It returns false with no error when the same outcome was already recorded.
func (r *TransferRequest) Complete(attempt int, status TransferStatus, reason errors.ErrorCode, now time.Time) (bool, error) {
	if !status.IsTerminal() {
		return false, errors.NewAppErrorf(errors.InvalidInput, "status %q is not terminal", status)
	}

	if r.Status.IsTerminal() {
		if r.Status == status && r.FailureReason == reason {
			return false, nil
		}
		return false, errors.ErrTransferStateConflict
	}

	if r.Attempt != attempt {
		return false, errors.ErrTransferStateConflict
	}

	r.Status = status
	r.FailureReason = reason
	r.UpdatedAt = now
	return true, nil
}

// TakeOver claims a pending request whose lease has lapsed.
func (r *TransferRequest) TakeOver(attempt int, lease time.Duration, now time.Time) error {
	if r.Status != TransferPending || r.Attempt != attempt || !r.LeaseExpired(now) {
		return errors.ErrVersionConflict
	}

	r.Attempt++
	r.LeaseExpiresAt = now.Add(lease)
	r.UpdatedAt = now
	return nil
}

// Release expires the lease held by attempt so a retry can take over at once.
func (r *TransferRequest) Release(attempt int, now time.Time) error {
	if r.Status != TransferPending || r.Attempt != attempt {
		return errors.ErrTransferStateConflict
	}

	r.LeaseExpiresAt = now
	r.UpdatedAt = now
	return nil
}

// IdempotencyLedger records transfer requests so each request id executes at
// most once.
type IdempotencyLedger interface {
	// Reserve inserts req if its id is unused. Otherwise it returns the stored
	// record and false.
	Reserve(ctx context.Context, req *TransferRequest) (*TransferRequest, bool, error)
	GetTransferRequest(ctx context.Context, requestID string) (*TransferRequest, error)
	Complete(ctx context.Context, requestID string, attempt int, status TransferStatus, reason errors.ErrorCode) error
	TakeOver(ctx context.Context, requestID string, attempt int, lease time.Duration) (*TransferRequest, error)
	Release(ctx context.Context, requestID string, attempt int) error
}
