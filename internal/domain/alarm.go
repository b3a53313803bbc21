package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ConsistencyAlarm records a transfer left in an unknown state: its debit
// could be neither completed nor compensated, or it was applied but its
// outcome could not be recorded. While unresolved it halts transfers on both
// accounts.
type ConsistencyAlarm struct {
	ID          uuid.UUID  `json:"id"`
	RequestID   string     `json:"request_id"`
	FromAccount string     `json:"from_account"`
	ToAccount   string     `json:"to_account"`
	Amount      int64      `json:"amount"`
	Reason      string     `json:"reason"`
	CreatedAt   time.Time  `json:"created_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

func (a *ConsistencyAlarm) Involves(accountID string) bool {
	return a.FromAccount == accountID || a.ToAccount == accountID
}

type AlarmRepository interface {
	RaiseAlarm(ctx context.Context, alarm *ConsistencyAlarm) error
	GetAlarm(ctx context.Context, id uuid.UUID) (*ConsistencyAlarm, error)
	// ActiveAlarms lists unresolved alarms touching any of accountIDs, or all
	// unresolved alarms when none are given.
	ActiveAlarms(ctx context.Context, accountIDs ...string) ([]*ConsistencyAlarm, error)
	ResolveAlarm(ctx context.Context, id uuid.UUID) error
}
