package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"atomic-transfers/internal/domain"
	"atomic-transfers/internal/errors"
)

// AlarmService exposes consistency alarms to operators. Resolving an alarm
// settles the transfer request it left pending, then lifts the halt on its
// accounts; balances must be repaired beforehand.
type AlarmService struct {
	alarms domain.AlarmRepository
	ledger domain.IdempotencyLedger
	lease  time.Duration
	logger *slog.Logger
}

func NewAlarmService(alarms domain.AlarmRepository, ledger domain.IdempotencyLedger, lease time.Duration, logger *slog.Logger) *AlarmService {
	return &AlarmService{
		alarms: alarms,
		ledger: ledger,
		lease:  lease,
		logger: logger,
	}
}

func (s *AlarmService) ActiveAlarms(ctx context.Context) ([]*domain.ConsistencyAlarm, error) {
	alarms, err := s.alarms.ActiveAlarms(ctx)
	if err != nil {
		return nil, err
	}
	if alarms == nil {
		alarms = []*domain.ConsistencyAlarm{}
	}
	return alarms, nil
}

// ResolveAlarm records outcome for the alarm's transfer request and marks the
// alarm resolved. Outcome is what the operator established while repairing
// balances: committed when the transfer stands, failed when it was reversed.
// The request is settled before the halt is lifted, so a retry with the same
// request id replays the outcome instead of executing again.
func (s *AlarmService) ResolveAlarm(ctx context.Context, alarmID string, outcome domain.TransferStatus) (*domain.TransferRequest, error) {
	id, err := uuid.Parse(alarmID)
	if err != nil {
		return nil, errors.ErrInvalidInput.WithDetails("alarm id must be a uuid")
	}
	if !outcome.IsTerminal() {
		return nil, errors.ErrInvalidInput.WithDetails(`outcome must be "committed" or "failed"`)
	}

	alarm, err := s.alarms.GetAlarm(ctx, id)
	if err != nil {
		return nil, err
	}

	record, err := s.settle(ctx, alarm.RequestID, outcome)
	if err != nil {
		s.logger.Error("Failed to settle alarmed transfer", "alarm_id", id, "request_id", alarm.RequestID, "error", err)
		return nil, err
	}

	if err := s.alarms.ResolveAlarm(ctx, id); err != nil {
		return nil, err
	}

	s.logger.Warn("Consistency alarm resolved by operator",
		"alarm_id", id,
		"request_id", alarm.RequestID,
		"outcome", outcome)
	return record, nil
}

func (s *AlarmService) settle(ctx context.Context, requestID string, outcome domain.TransferStatus) (*domain.TransferRequest, error) {
	var reason errors.ErrorCode
	if outcome == domain.TransferFailed {
		reason = errors.TransferReversed
	}

	record, err := s.ledger.GetTransferRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if record.Status.IsTerminal() {
		if record.Status != outcome {
			return nil, errors.ErrTransferStateConflict.WithDetails("request already recorded as " + string(record.Status))
		}
		return record, nil
	}

	// The executor abandoned the request when it raised the alarm, and the
	// unresolved alarm keeps every other caller from taking it over.
	if err := s.ledger.Release(ctx, requestID, record.Attempt); err != nil {
		return nil, err
	}
	taken, err := s.ledger.TakeOver(ctx, requestID, record.Attempt, s.lease)
	if err != nil {
		return nil, err
	}
	if err := s.ledger.Complete(ctx, requestID, taken.Attempt, outcome, reason); err != nil {
		return nil, err
	}

	taken.Status = outcome
	taken.FailureReason = reason
	return taken, nil
}
