package service

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"atomic-transfers/internal/domain"
	"atomic-transfers/internal/errors"
)

const maxRequestIDLength = 128

// TransferConfig bounds the retry loops of the engine.
type TransferConfig struct {
	// MaxAttempts bounds optimistic retries of the debit and of the credit.
	MaxAttempts int
	// CompensationAttempts bounds retries of the compensating credit.
	CompensationAttempts int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	// Lease is how long a reservation belongs to its executor before another
	// caller with the same request id may take it over.
	Lease time.Duration
	// PendingWait is how long a duplicate submission waits for the owner of a
	// live reservation to finish.
	PendingWait time.Duration
}

func DefaultTransferConfig() TransferConfig {
	return TransferConfig{
		MaxAttempts:          8,
		CompensationAttempts: 32,
		RetryInitialInterval: 5 * time.Millisecond,
		RetryMaxInterval:     250 * time.Millisecond,
		Lease:                30 * time.Second,
		PendingWait:          5 * time.Second,
	}
}

// TransferService moves funds between accounts using compare-and-swap on the
// account version. Stores implementing domain.Transactor get both writes in
// one transaction; other stores get a debit, a credit and a compensating
// credit when the second step fails.
type TransferService struct {
	accounts domain.AccountStore
	ledger   domain.IdempotencyLedger
	alarms   domain.AlarmRepository
	cfg      TransferConfig
	logger   *slog.Logger
	now      func() time.Time
}

func NewTransferService(
	accounts domain.AccountStore,
	ledger domain.IdempotencyLedger,
	alarms domain.AlarmRepository,
	cfg TransferConfig,
	logger *slog.Logger,
) *TransferService {
	return &TransferService{
		accounts: accounts,
		ledger:   ledger,
		alarms:   alarms,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type TransferInput struct {
	RequestID   string
	FromAccount string
	ToAccount   string
	Amount      int64
}

// TransferResult is the ledger record of a finished transfer. Replayed is set
// when the outcome was recorded by an earlier submission.
type TransferResult struct {
	Request  *domain.TransferRequest
	Replayed bool
}

// Transfer executes the request at most once per request id. A failed outcome
// is returned as a result together with its error so callers can tell a
// replayed failure from a fresh one.
func (s *TransferService) Transfer(ctx context.Context, in *TransferInput) (*TransferResult, error) {
	s.logger.Info("Processing transfer",
		"request_id", in.RequestID,
		"from_account", in.FromAccount,
		"to_account", in.ToAccount,
		"amount", in.Amount)

	if err := s.validate(in); err != nil {
		return nil, err
	}

	existing, err := s.ledger.GetTransferRequest(ctx, in.RequestID)
	if err != nil && !errors.Is(err, errors.ErrTransferNotFound) {
		return nil, err
	}
	if existing != nil {
		return s.resolveExisting(ctx, existing, in)
	}

	if err := s.checkHalted(ctx, in.FromAccount, in.ToAccount); err != nil {
		return nil, err
	}

	now := s.now()
	record, reserved, err := s.ledger.Reserve(ctx, &domain.TransferRequest{
		RequestID:      in.RequestID,
		FromAccount:    in.FromAccount,
		ToAccount:      in.ToAccount,
		Amount:         in.Amount,
		Status:         domain.TransferPending,
		Attempt:        1,
		LeaseExpiresAt: now.Add(s.cfg.Lease),
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return nil, err
	}
	if !reserved {
		return s.resolveExisting(ctx, record, in)
	}

	return s.execute(ctx, record)
}

// GetTransfer returns the ledger record for requestID.
func (s *TransferService) GetTransfer(ctx context.Context, requestID string) (*domain.TransferRequest, error) {
	if strings.TrimSpace(requestID) == "" {
		return nil, errors.ErrInvalidInput.WithDetails("request id is required")
	}
	return s.ledger.GetTransferRequest(ctx, requestID)
}

func (s *TransferService) validate(in *TransferInput) error {
	if strings.TrimSpace(in.RequestID) == "" {
		return errors.ErrInvalidInput.WithDetails("request id is required")
	}
	if len(in.RequestID) > maxRequestIDLength {
		return errors.ErrInvalidInput.WithDetails("request id is too long")
	}
	if err := validateAccountID(in.FromAccount); err != nil {
		return err
	}
	if err := validateAccountID(in.ToAccount); err != nil {
		return err
	}
	if in.Amount <= 0 {
		return errors.ErrInvalidAmount
	}
	if in.FromAccount == in.ToAccount {
		return errors.ErrSameAccountTransfer
	}
	return nil
}

func (s *TransferService) resolveExisting(ctx context.Context, record *domain.TransferRequest, in *TransferInput) (*TransferResult, error) {
	if !record.Matches(in.FromAccount, in.ToAccount, in.Amount) {
		s.logger.Warn("Request id reused with different parameters", "request_id", in.RequestID)
		return nil, errors.ErrRequestMismatch
	}
	if record.Status.IsTerminal() {
		return s.replay(record)
	}
	return s.awaitOutcome(ctx, in)
}

// replay returns a recorded outcome without executing anything.
func (s *TransferService) replay(record *domain.TransferRequest) (*TransferResult, error) {
	s.logger.Info("Returning recorded transfer outcome",
		"request_id", record.RequestID,
		"status", record.Status,
		"failure_reason", record.FailureReason)

	result := &TransferResult{Request: record, Replayed: true}
	if record.Status == domain.TransferFailed {
		return result, errors.Lookup(record.FailureReason)
	}
	return result, nil
}

var errStillPending = errors.NewAppError(errors.TransferInProgress, "reservation still held")

// awaitOutcome polls a pending record until it reaches a terminal status or
// its lease lapses, in which case this caller takes the execution over.
func (s *TransferService) awaitOutcome(ctx context.Context, in *TransferInput) (*TransferResult, error) {
	var (
		recorded *domain.TransferRequest
		owned    *domain.TransferRequest
	)

	poll := func() error {
		record, err := s.ledger.GetTransferRequest(ctx, in.RequestID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if record.Status.IsTerminal() {
			recorded = record
			return nil
		}
		if !record.LeaseExpired(s.now()) {
			return errStillPending
		}

		if err := s.checkHalted(ctx, record.FromAccount, record.ToAccount); err != nil {
			return backoff.Permanent(err)
		}
		taken, err := s.ledger.TakeOver(ctx, record.RequestID, record.Attempt, s.cfg.Lease)
		if errors.Is(err, errors.ErrVersionConflict) {
			// Another caller took it over or finished it first.
			return errStillPending
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		owned = taken
		return nil
	}

	var policy backoff.BackOff = &backoff.StopBackOff{}
	if s.cfg.PendingWait > 0 {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = s.cfg.RetryInitialInterval
		b.MaxInterval = s.cfg.RetryMaxInterval
		b.MaxElapsedTime = s.cfg.PendingWait
		b.Reset()
		policy = b
	}

	if err := backoff.Retry(poll, backoff.WithContext(policy, ctx)); err != nil {
		if errors.Is(err, errStillPending) {
			s.logger.Info("Transfer still in progress", "request_id", in.RequestID)
			return nil, errors.ErrTransferInProgress
		}
		return nil, err
	}

	if owned != nil {
		s.logger.Warn("Taking over expired reservation", "request_id", owned.RequestID, "attempt", owned.Attempt)
		return s.execute(ctx, owned)
	}
	return s.replay(recorded)
}

// execute applies a reserved request and records its outcome. It runs to
// completion even if the caller goes away.
func (s *TransferService) execute(ctx context.Context, record *domain.TransferRequest) (*TransferResult, error) {
	ctx = context.WithoutCancel(ctx)
	logger := s.logger.With("request_id", record.RequestID, "attempt", record.Attempt)

	// An alarm may have been raised on either account since the last check.
	if err := s.checkHalted(ctx, record.FromAccount, record.ToAccount); err != nil {
		if rerr := s.ledger.Release(ctx, record.RequestID, record.Attempt); rerr != nil {
			logger.Error("Failed to release transfer reservation", "error", rerr)
		}
		return nil, err
	}

	var err error
	if tx, ok := s.accounts.(domain.Transactor); ok {
		err = s.applyAtomic(ctx, tx, record)
	} else {
		err = s.applySaga(ctx, record, logger)
	}

	switch {
	case err == nil:
		if err := s.complete(ctx, record, domain.TransferCommitted, ""); err != nil {
			logger.Error("Failed to record committed transfer", "error", err)
			return nil, s.raiseAlarm(ctx, record, fmt.Sprintf("transfer applied but its outcome could not be recorded: %v", err))
		}
		record.Status = domain.TransferCommitted
		logger.Info("Transfer committed",
			"from_account", record.FromAccount,
			"to_account", record.ToAccount,
			"amount", record.Amount)
		return &TransferResult{Request: record}, nil

	case isFinalFailure(err):
		reason := errors.From(err).Code
		if cerr := s.complete(ctx, record, domain.TransferFailed, reason); cerr != nil {
			// The lease lapses on its own and a retry re-evaluates the request.
			logger.Error("Failed to record failed transfer", "reason", reason, "error", cerr)
			return nil, err
		}
		record.Status = domain.TransferFailed
		record.FailureReason = reason
		logger.Info("Transfer failed", "reason", reason)
		return &TransferResult{Request: record}, err

	case errors.Is(err, errors.ErrConsistencyAlarm):
		// Left pending; resolving the alarm settles the request.
		return nil, err

	default:
		if rerr := s.ledger.Release(ctx, record.RequestID, record.Attempt); rerr != nil {
			logger.Error("Failed to release transfer reservation", "error", rerr)
		}
		logger.Warn("Transfer not applied, reservation released", "error", err)
		return nil, err
	}
}

// isFinalFailure reports whether err is a business outcome that a retry with
// the same request id could not change.
func isFinalFailure(err error) bool {
	switch errors.From(err).Code {
	case errors.InsufficientFunds, errors.AccountNotFound, errors.InvalidAmount:
		return true
	}
	return false
}

func (s *TransferService) applyAtomic(ctx context.Context, tx domain.Transactor, record *domain.TransferRequest) error {
	return s.retry(ctx, s.cfg.MaxAttempts, isConflict, func() error {
		return tx.WithinTransaction(ctx, func(store domain.AccountStore) error {
			from, to, err := loadPair(ctx, store, record.FromAccount, record.ToAccount)
			if err != nil {
				return err
			}
			if err := checkFunds(from, to, record.Amount); err != nil {
				return err
			}

			writes := []struct {
				account *domain.Account
				balance int64
			}{
				{from, from.Balance - record.Amount},
				{to, to.Balance + record.Amount},
			}
			// Row locks are taken in id order so opposite transfers cannot deadlock.
			sort.Slice(writes, func(i, j int) bool { return writes[i].account.ID < writes[j].account.ID })

			for _, w := range writes {
				if _, err := store.CompareAndSwap(ctx, w.account.ID, w.account.Version, w.balance); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// applySaga debits first so that undoing a half-applied transfer is always a
// credit, which cannot fail for lack of funds.
func (s *TransferService) applySaga(ctx context.Context, record *domain.TransferRequest, logger *slog.Logger) error {
	err := s.retry(ctx, s.cfg.MaxAttempts, isConflict, func() error {
		from, to, err := loadPair(ctx, s.accounts, record.FromAccount, record.ToAccount)
		if err != nil {
			return err
		}
		if err := checkFunds(from, to, record.Amount); err != nil {
			return err
		}
		_, err = s.accounts.CompareAndSwap(ctx, from.ID, from.Version, from.Balance-record.Amount)
		return err
	})
	if err != nil {
		return err
	}

	creditErr := s.credit(ctx, record.ToAccount, record.Amount, s.cfg.MaxAttempts, isConflict)
	if creditErr == nil {
		return nil
	}

	logger.Warn("Credit failed, compensating debit", "to_account", record.ToAccount, "error", creditErr)
	if err := s.credit(ctx, record.FromAccount, record.Amount, s.cfg.CompensationAttempts, isTransient); err != nil {
		logger.Error("Compensation failed", "from_account", record.FromAccount, "error", err)
		return s.raiseAlarm(ctx, record, fmt.Sprintf("credit of %s failed (%v) and compensation of %s failed (%v)",
			record.ToAccount, creditErr, record.FromAccount, err))
	}

	logger.Info("Debit compensated", "from_account", record.FromAccount)
	return creditErr
}

func (s *TransferService) credit(ctx context.Context, accountID string, amount int64, attempts int, retryable func(error) bool) error {
	return s.retry(ctx, attempts, retryable, func() error {
		account, err := s.accounts.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if account.Balance > math.MaxInt64-amount {
			return errBalanceOverflow
		}
		_, err = s.accounts.CompareAndSwap(ctx, accountID, account.Version, account.Balance+amount)
		return err
	})
}

func (s *TransferService) complete(ctx context.Context, record *domain.TransferRequest, status domain.TransferStatus, reason errors.ErrorCode) error {
	return s.retry(ctx, s.cfg.MaxAttempts, isInternal, func() error {
		return s.ledger.Complete(ctx, record.RequestID, record.Attempt, status, reason)
	})
}

// retry runs op with exponential backoff while retryable accepts its error.
// Running out of attempts on a version conflict yields ErrRetryExhausted.
func (s *TransferService) retry(ctx context.Context, attempts int, retryable func(error) bool, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryInitialInterval
	b.MaxInterval = s.cfg.RetryMaxInterval
	b.MaxElapsedTime = 0
	b.Reset()

	if attempts < 1 {
		attempts = 1
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)

	err := backoff.Retry(func() error {
		err := op()
		if err == nil || retryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)

	if errors.Is(err, errors.ErrVersionConflict) {
		return errors.ErrRetryExhausted
	}
	return err
}

func isConflict(err error) bool {
	return errors.Is(err, errors.ErrVersionConflict)
}

func isInternal(err error) bool {
	return errors.From(err).Code == errors.InternalError
}

func isTransient(err error) bool {
	return isConflict(err) || isInternal(err)
}

var errBalanceOverflow = errors.ErrInvalidAmount.WithDetails("credit would overflow the destination balance")

func checkFunds(from, to *domain.Account, amount int64) error {
	if from.Balance < amount {
		return errors.ErrInsufficientFunds
	}
	if to.Balance > math.MaxInt64-amount {
		return errBalanceOverflow
	}
	return nil
}

// loadPair reads both accounts in ascending id order.
func loadPair(ctx context.Context, store domain.AccountStore, fromID, toID string) (*domain.Account, *domain.Account, error) {
	ids := []string{fromID, toID}
	sort.Strings(ids)

	loaded := make(map[string]*domain.Account, 2)
	for _, id := range ids {
		account, err := store.GetAccount(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		loaded[id] = account
	}
	return loaded[fromID], loaded[toID], nil
}

func (s *TransferService) checkHalted(ctx context.Context, accountIDs ...string) error {
	active, err := s.alarms.ActiveAlarms(ctx, accountIDs...)
	if err != nil {
		return err
	}
	if len(active) > 0 {
		s.logger.Warn("Transfer refused by consistency alarm", "alarm_id", active[0].ID, "accounts", accountIDs)
		return errors.ErrConsistencyAlarm.WithDetails("alarm " + active[0].ID.String())
	}
	return nil
}

func (s *TransferService) raiseAlarm(ctx context.Context, record *domain.TransferRequest, reason string) error {
	alarm := &domain.ConsistencyAlarm{
		ID:          uuid.New(),
		RequestID:   record.RequestID,
		FromAccount: record.FromAccount,
		ToAccount:   record.ToAccount,
		Amount:      record.Amount,
		Reason:      reason,
		CreatedAt:   s.now(),
	}

	s.logger.Error("Consistency alarm raised",
		"alarm_id", alarm.ID,
		"request_id", alarm.RequestID,
		"from_account", alarm.FromAccount,
		"to_account", alarm.ToAccount,
		"amount", alarm.Amount,
		"reason", reason)

	err := s.retry(ctx, s.cfg.CompensationAttempts, isInternal, func() error {
		return s.alarms.RaiseAlarm(ctx, alarm)
	})
	if err != nil {
		s.logger.Error("Failed to persist consistency alarm", "alarm_id", alarm.ID, "error", err)
	}
	return errors.ErrConsistencyAlarm.WithDetails("alarm " + alarm.ID.String())
}
