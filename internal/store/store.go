package store

import (
	"context"
	"time"

	"github.com/rendis/ensemble/pkg/schema"
)

// ExecutionStore persists executions, their event log and their step results.
// All implementations must be safe for concurrent use.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)

	// AppendEvent assigns the next per-execution sequence to event and stores it.
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)

	UpsertStepResult(ctx context.Context, executionID string, result *schema.StepResult) error
	ListStepResults(ctx context.Context, executionID string) ([]*schema.StepResult, error)
}

// TokenStore persists resumption tokens. ConsumeToken is the single
// compare-and-set that decides every resume race.
type TokenStore interface {
	CreateToken(ctx context.Context, rec *TokenRecord) error
	GetToken(ctx context.Context, token string) (*TokenRecord, error)

	// ConsumeToken atomically moves a pending, unexpired token to consumed and
	// returns it with its state. Failures are TOKEN_NOT_FOUND,
	// ALREADY_CONSUMED or EXPIRED_TOKEN.
	ConsumeToken(ctx context.Context, token string, now time.Time) (*TokenRecord, error)

	// ExpireToken moves a pending token to expired; false when it was not pending.
	ExpireToken(ctx context.Context, token string, now time.Time) (bool, error)

	// CancelToken moves a pending token to cancelled; false when it was not pending.
	CancelToken(ctx context.Context, token string) (bool, error)
}

// AlarmStore persists scheduled callbacks.
type AlarmStore interface {
	PutAlarm(ctx context.Context, alarm *Alarm) error
	DueAlarms(ctx context.Context, now time.Time, limit int) ([]*Alarm, error)
	DeleteAlarm(ctx context.Context, id string) error
}

// Store is the full persistence contract.
type Store interface {
	ExecutionStore
	TokenStore
	AlarmStore

	Migrate(ctx context.Context) error
	Close() error
}
