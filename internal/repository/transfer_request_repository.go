package repository

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"atomic-transfers/internal/domain"
	"atomic-transfers/internal/errors"
)

const transferRequestColumns = `request_id, from_account, to_account, amount, status, failure_reason, attempt, lease_expires_at, created_at, updated_at`

type transferRequestRepository struct {
	db     SQLExecutor
	logger *slog.Logger
	now    func() time.Time
}

func NewTransferRequestRepository(db SQLExecutor, logger *slog.Logger) domain.IdempotencyLedger {
	return &transferRequestRepository{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (r *transferRequestRepository) Reserve(ctx context.Context, req *domain.TransferRequest) (*domain.TransferRequest, bool, error) {
	query := `
		INSERT INTO transfer_requests (` + transferRequestColumns + `)
		VALUES ($1, $2, $3, $4, $5, '', $6, $7, $8, $8)
		ON CONFLICT (request_id) DO NOTHING
		RETURNING ` + transferRequestColumns

	now := r.now()
	reserved, err := r.scan(r.db.QueryRowContext(ctx, query,
		req.RequestID,
		req.FromAccount,
		req.ToAccount,
		req.Amount,
		domain.TransferPending,
		req.Attempt,
		req.LeaseExpiresAt.UTC(),
		now,
	))
	if err == nil {
		r.logger.Info("Transfer request reserved", "request_id", req.RequestID)
		return reserved, true, nil
	}
	if !errors.Is(err, errors.ErrTransferNotFound) {
		r.logger.Error("Failed to reserve transfer request", "request_id", req.RequestID, "error", err)
		return nil, false, err
	}

	// Another caller inserted the row first.
	existing, err := r.GetTransferRequest(ctx, req.RequestID)
	if err != nil {
		return nil, false, err
	}
	r.logger.Info("Transfer request already reserved", "request_id", req.RequestID, "status", existing.Status)
	return existing, false, nil
}

func (r *transferRequestRepository) GetTransferRequest(ctx context.Context, requestID string) (*domain.TransferRequest, error) {
	query := `SELECT ` + transferRequestColumns + ` FROM transfer_requests WHERE request_id = $1`
	return r.scan(r.db.QueryRowContext(ctx, query, requestID))
}

func (r *transferRequestRepository) Complete(ctx context.Context, requestID string, attempt int, status domain.TransferStatus, reason errors.ErrorCode) error {
	if !status.IsTerminal() {
		return errors.NewAppErrorf(errors.InvalidInput, "status %q is not terminal", status)
	}

	query := `
		UPDATE transfer_requests
		SET status = $1, failure_reason = $2, updated_at = $3
		WHERE request_id = $4 AND status = $5 AND attempt = $6
	`

	result, err := r.db.ExecContext(ctx, query, status, string(reason), r.now(), requestID, domain.TransferPending, attempt)
	if err != nil {
		r.logger.Error("Failed to complete transfer request", "request_id", requestID, "status", status, "error", err)
		return errors.Internal("failed to complete transfer request", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.Internal("failed to get rows affected", err)
	}
	if rowsAffected == 1 {
		r.logger.Info("Transfer request completed", "request_id", requestID, "status", status)
		return nil
	}

	// Nothing matched; accept a repeat of the recorded outcome.
	existing, err := r.GetTransferRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if existing.Status == status && existing.FailureReason == reason {
		return nil
	}

	r.logger.Warn("Transfer request state conflict",
		"request_id", requestID,
		"recorded_status", existing.Status,
		"requested_status", status,
		"attempt", attempt)
	return errors.ErrTransferStateConflict
}

func (r *transferRequestRepository) TakeOver(ctx context.Context, requestID string, attempt int, lease time.Duration) (*domain.TransferRequest, error) {
	query := `
		UPDATE transfer_requests
		SET attempt = attempt + 1, lease_expires_at = $1, updated_at = $2
		WHERE request_id = $3 AND status = $4 AND attempt = $5 AND lease_expires_at <= $2
		RETURNING ` + transferRequestColumns

	now := r.now()
	taken, err := r.scan(r.db.QueryRowContext(ctx, query, now.Add(lease), now, requestID, domain.TransferPending, attempt))
	if err != nil {
		if errors.Is(err, errors.ErrTransferNotFound) {
			return nil, errors.ErrVersionConflict
		}
		return nil, err
	}

	r.logger.Warn("Transfer request taken over", "request_id", requestID, "attempt", taken.Attempt)
	return taken, nil
}

func (r *transferRequestRepository) Release(ctx context.Context, requestID string, attempt int) error {
	query := `
		UPDATE transfer_requests
		SET lease_expires_at = $1, updated_at = $1
		WHERE request_id = $2 AND status = $3 AND attempt = $4
	`

	result, err := r.db.ExecContext(ctx, query, r.now(), requestID, domain.TransferPending, attempt)
	if err != nil {
		return errors.Internal("failed to release transfer request", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.Internal("failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return errors.ErrTransferStateConflict
	}
	return nil
}

func (r *transferRequestRepository) scan(row *sql.Row) (*domain.TransferRequest, error) {
	var req domain.TransferRequest
	var reason string

	err := row.Scan(
		&req.RequestID,
		&req.FromAccount,
		&req.ToAccount,
		&req.Amount,
		&req.Status,
		&reason,
		&req.Attempt,
		&req.LeaseExpiresAt,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.ErrTransferNotFound
		}
		r.logger.Error("Failed to read transfer request", "error", err)
		return nil, errors.Internal("failed to read transfer request", err)
	}

	req.FailureReason = errors.ErrorCode(reason)
	return &req, nil
}
