package memory

import (
	"context"
	"sync"
	"time"

	"atomic-transfers/internal/domain"
	"atomic-transfers/internal/errors"
)

// Ledger is an in-memory IdempotencyLedger.
type Ledger struct {
	mu       sync.Mutex
	requests map[string]*domain.TransferRequest
	now      func() time.Time
}

func NewLedger() *Ledger {
	return &Ledger{
		requests: make(map[string]*domain.TransferRequest),
		now:      time.Now,
	}
}

func (l *Ledger) Reserve(ctx context.Context, req *domain.TransferRequest) (*domain.TransferRequest, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.requests[req.RequestID]; ok {
		cp := *existing
		return &cp, false, nil
	}

	now := l.now()
	stored := *req
	stored.Status = domain.TransferPending
	stored.CreatedAt = now
	stored.UpdatedAt = now
	l.requests[req.RequestID] = &stored

	cp := stored
	return &cp, true, nil
}

func (l *Ledger) GetTransferRequest(ctx context.Context, requestID string) (*domain.TransferRequest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	req, ok := l.requests[requestID]
	if !ok {
		return nil, errors.ErrTransferNotFound
	}

	cp := *req
	return &cp, nil
}

func (l *Ledger) Complete(ctx context.Context, requestID string, attempt int, status domain.TransferStatus, reason errors.ErrorCode) error {
	return l.update(requestID, func(req *domain.TransferRequest) error {
		_, err := req.Complete(attempt, status, reason, l.now())
		return err
	})
}

func (l *Ledger) TakeOver(ctx context.Context, requestID string, attempt int, lease time.Duration) (*domain.TransferRequest, error) {
	var taken domain.TransferRequest
	err := l.update(requestID, func(req *domain.TransferRequest) error {
		if err := req.TakeOver(attempt, lease, l.now()); err != nil {
			return err
		}
		taken = *req
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &taken, nil
}

func (l *Ledger) Release(ctx context.Context, requestID string, attempt int) error {
	return l.update(requestID, func(req *domain.TransferRequest) error {
		return req.Release(attempt, l.now())
	})
}

// update applies fn to a copy and stores it only if fn succeeds.
func (l *Ledger) update(requestID string, fn func(*domain.TransferRequest) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	req, ok := l.requests[requestID]
	if !ok {
		return errors.ErrTransferNotFound
	}

	cp := *req
	if err := fn(&cp); err != nil {
		return err
	}
	l.requests[requestID] = &cp
	return nil
}

var _ domain.IdempotencyLedger = (*Ledger)(nil)
