// Package redis stores transfer requests in Redis, one JSON document per
// request id. Reservation uses SETNX; every later transition runs inside a
// WATCH/MULTI optimistic transaction on the request key. Records carry no
// TTL: an expired key would let a reused request id execute again.
package redis

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"atomic-transfers/internal/domain"
	"atomic-transfers/internal/errors"
)

const (
	// KeyPrefix namespaces transfer request keys.
	KeyPrefix = "transfer_request:"

	// maxWatchRetries bounds optimistic transaction retries on a hot key.
	maxWatchRetries = 16
)

type Ledger struct {
	client *redis.Client
	logger *slog.Logger
	now    func() time.Time
}

func NewLedger(client *redis.Client, logger *slog.Logger) *Ledger {
	return &Ledger{
		client: client,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func key(requestID string) string {
	return KeyPrefix + requestID
}

func (l *Ledger) Reserve(ctx context.Context, req *domain.TransferRequest) (*domain.TransferRequest, bool, error) {
	now := l.now()
	record := *req
	record.Status = domain.TransferPending
	record.CreatedAt = now
	record.UpdatedAt = now

	payload, err := json.Marshal(&record)
	if err != nil {
		return nil, false, errors.Internal("failed to encode transfer request", err)
	}

	reserved, err := l.client.SetNX(ctx, key(req.RequestID), payload, 0).Result()
	if err != nil {
		l.logger.Error("Failed to reserve transfer request", "request_id", req.RequestID, "error", err)
		return nil, false, errors.Internal("failed to reserve transfer request", err)
	}
	if reserved {
		l.logger.Info("Transfer request reserved", "request_id", req.RequestID)
		return &record, true, nil
	}

	existing, err := l.GetTransferRequest(ctx, req.RequestID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (l *Ledger) GetTransferRequest(ctx context.Context, requestID string) (*domain.TransferRequest, error) {
	raw, err := l.client.Get(ctx, key(requestID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errors.ErrTransferNotFound
		}
		return nil, errors.Internal("failed to read transfer request", err)
	}
	return decode(raw)
}

func (l *Ledger) Complete(ctx context.Context, requestID string, attempt int, status domain.TransferStatus, reason errors.ErrorCode) error {
	return l.update(ctx, requestID, func(req *domain.TransferRequest) (bool, error) {
		return req.Complete(attempt, status, reason, l.now())
	})
}

func (l *Ledger) TakeOver(ctx context.Context, requestID string, attempt int, lease time.Duration) (*domain.TransferRequest, error) {
	var taken domain.TransferRequest
	err := l.update(ctx, requestID, func(req *domain.TransferRequest) (bool, error) {
		if err := req.TakeOver(attempt, lease, l.now()); err != nil {
			return false, err
		}
		taken = *req
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return &taken, nil
}

func (l *Ledger) Release(ctx context.Context, requestID string, attempt int) error {
	return l.update(ctx, requestID, func(req *domain.TransferRequest) (bool, error) {
		return true, req.Release(attempt, l.now())
	})
}

// update reads the record under WATCH, applies fn and writes the result back
// only if the key was not modified in between. fn reports whether anything
// changed; unchanged records are not rewritten.
func (l *Ledger) update(ctx context.Context, requestID string, fn func(*domain.TransferRequest) (bool, error)) error {
	k := key(requestID)

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, k).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return errors.ErrTransferNotFound
			}
			return errors.Internal("failed to read transfer request", err)
		}

		req, err := decode(raw)
		if err != nil {
			return err
		}

		changed, err := fn(req)
		if err != nil || !changed {
			return err
		}

		payload, err := json.Marshal(req)
		if err != nil {
			return errors.Internal("failed to encode transfer request", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, payload, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := l.client.Watch(ctx, txf, k)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		var appErr *errors.AppError
		if err != nil && !errors.As(err, &appErr) {
			l.logger.Error("Failed to update transfer request", "request_id", requestID, "error", err)
			return errors.Internal("failed to update transfer request", err)
		}
		return err
	}

	l.logger.Warn("Transfer request update kept conflicting", "request_id", requestID)
	return errors.ErrVersionConflict
}

func decode(raw []byte) (*domain.TransferRequest, error) {
	var req domain.TransferRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, errors.Internal("failed to decode transfer request", err)
	}
	return &req, nil
}

var _ domain.IdempotencyLedger = (*Ledger)(nil)
