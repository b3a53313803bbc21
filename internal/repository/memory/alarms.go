package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"atomic-transfers/internal/domain"
	"atomic-transfers/internal/errors"
)

type AlarmRepository struct {
	mu     sync.RWMutex
	alarms map[uuid.UUID]*domain.ConsistencyAlarm
	now    func() time.Time
}

func NewAlarmRepository() *AlarmRepository {
	return &AlarmRepository{
		alarms: make(map[uuid.UUID]*domain.ConsistencyAlarm),
		now:    time.Now,
	}
}

func (r *AlarmRepository) RaiseAlarm(ctx context.Context, alarm *domain.ConsistencyAlarm) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if alarm.ID == uuid.Nil {
		alarm.ID = uuid.New()
	}
	if alarm.CreatedAt.IsZero() {
		alarm.CreatedAt = r.now()
	}

	stored := *alarm
	r.alarms[alarm.ID] = &stored
	return nil
}

func (r *AlarmRepository) GetAlarm(ctx context.Context, id uuid.UUID) (*domain.ConsistencyAlarm, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	alarm, ok := r.alarms[id]
	if !ok {
		return nil, errors.ErrAlarmNotFound
	}
	cp := *alarm
	return &cp, nil
}

func (r *AlarmRepository) ActiveAlarms(ctx context.Context, accountIDs ...string) ([]*domain.ConsistencyAlarm, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*domain.ConsistencyAlarm
	for _, alarm := range r.alarms {
		if alarm.ResolvedAt != nil || !involvesAny(alarm, accountIDs) {
			continue
		}
		cp := *alarm
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (r *AlarmRepository) ResolveAlarm(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	alarm, ok := r.alarms[id]
	if !ok {
		return errors.ErrAlarmNotFound
	}
	if alarm.ResolvedAt == nil {
		now := r.now()
		alarm.ResolvedAt = &now
	}
	return nil
}

func involvesAny(alarm *domain.ConsistencyAlarm, accountIDs []string) bool {
	if len(accountIDs) == 0 {
		return true
	}
	for _, id := range accountIDs {
		if alarm.Involves(id) {
			return true
		}
	}
	return false
}

var _ domain.AlarmRepository = (*AlarmRepository)(nil)
