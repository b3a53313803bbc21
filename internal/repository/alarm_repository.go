package repository

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"atomic-transfers/internal/domain"
	"atomic-transfers/internal/errors"
)

type alarmRepository struct {
	db     SQLExecutor
	logger *slog.Logger
}

func NewAlarmRepository(db SQLExecutor, logger *slog.Logger) domain.AlarmRepository {
	return &alarmRepository{
		db:     db,
		logger: logger,
	}
}

func (r *alarmRepository) RaiseAlarm(ctx context.Context, alarm *domain.ConsistencyAlarm) error {
	if alarm.ID == uuid.Nil {
		alarm.ID = uuid.New()
	}
	if alarm.CreatedAt.IsZero() {
		alarm.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO consistency_alarms (id, request_id, from_account, to_account, amount, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.ExecContext(ctx, query,
		alarm.ID,
		alarm.RequestID,
		alarm.FromAccount,
		alarm.ToAccount,
		alarm.Amount,
		alarm.Reason,
		alarm.CreatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to persist consistency alarm", "alarm_id", alarm.ID, "request_id", alarm.RequestID, "error", err)
		return errors.Internal("failed to persist consistency alarm", err)
	}
	return nil
}

const alarmColumns = `id, request_id, from_account, to_account, amount, reason, created_at, resolved_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAlarm(row scanner) (*domain.ConsistencyAlarm, error) {
	var alarm domain.ConsistencyAlarm
	var resolvedAt sql.NullTime
	if err := row.Scan(
		&alarm.ID,
		&alarm.RequestID,
		&alarm.FromAccount,
		&alarm.ToAccount,
		&alarm.Amount,
		&alarm.Reason,
		&alarm.CreatedAt,
		&resolvedAt,
	); err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		alarm.ResolvedAt = &resolvedAt.Time
	}
	return &alarm, nil
}

func (r *alarmRepository) GetAlarm(ctx context.Context, id uuid.UUID) (*domain.ConsistencyAlarm, error) {
	query := `SELECT ` + alarmColumns + ` FROM consistency_alarms WHERE id = $1`

	alarm, err := scanAlarm(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.ErrAlarmNotFound
		}
		return nil, errors.Internal("failed to get consistency alarm", err)
	}
	return alarm, nil
}

func (r *alarmRepository) ActiveAlarms(ctx context.Context, accountIDs ...string) ([]*domain.ConsistencyAlarm, error) {
	query := `SELECT ` + alarmColumns + ` FROM consistency_alarms WHERE resolved_at IS NULL`
	var args []interface{}
	if len(accountIDs) > 0 {
		query += ` AND (from_account = ANY($1) OR to_account = ANY($1))`
		args = append(args, pq.Array(accountIDs))
	}
	query += ` ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Internal("failed to list consistency alarms", err)
	}
	defer rows.Close()

	var alarms []*domain.ConsistencyAlarm
	for rows.Next() {
		alarm, err := scanAlarm(rows)
		if err != nil {
			return nil, errors.Internal("failed to scan consistency alarm", err)
		}
		alarms = append(alarms, alarm)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Internal("failed to list consistency alarms", err)
	}

	return alarms, nil
}

func (r *alarmRepository) ResolveAlarm(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE consistency_alarms SET resolved_at = COALESCE(resolved_at, $1) WHERE id = $2`

	result, err := r.db.ExecContext(ctx, query, time.Now().UTC(), id)
	if err != nil {
		return errors.Internal("failed to resolve consistency alarm", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.Internal("failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return errors.ErrAlarmNotFound
	}

	r.logger.Info("Consistency alarm resolved", "alarm_id", id)
	return nil
}
