package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/ensemble/pkg/schema"
)

// Execution is the persisted record of one run of an ensemble.
type Execution struct {
	ID          string                 `json:"id"`
	Ensemble    string                 `json:"ensemble"`
	Status      schema.ExecutionStatus `json:"status"`
	Input       json.RawMessage        `json:"input,omitempty"`
	Output      json.RawMessage        `json:"output,omitempty"`
	Error       json.RawMessage        `json:"error,omitempty"`
	Token       string                 `json:"token,omitempty"`
	SuspendedAt string                 `json:"suspended_at,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// ExecutionUpdate holds the fields to change; nil fields are left untouched.
type ExecutionUpdate struct {
	Status      *schema.ExecutionStatus
	Output      json.RawMessage
	Error       json.RawMessage
	Token       *string
	SuspendedAt *string
	CompletedAt *time.Time
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	Status   *schema.ExecutionStatus
	Ensemble string
	Limit    int
}

// Event is one entry of an execution's append-only log.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	NodePath    string          `json:"node_path,omitempty"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Sequence    int64           `json:"sequence"`
	Timestamp   time.Time       `json:"timestamp"`
}

// TokenRecord is the stored form of a resumption token.
// State holds the sealed snapshot and is cleared once the token leaves pending.
type TokenRecord struct {
	Token       string             `json:"token"`
	ExecutionID string             `json:"execution_id"`
	Ensemble    string             `json:"ensemble,omitempty"`
	NodePath    string             `json:"node_path"`
	Status      schema.TokenStatus `json:"status"`
	State       []byte             `json:"-"`
	Metadata    json.RawMessage    `json:"metadata,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	ExpiresAt   time.Time          `json:"expires_at"`
	ConsumedAt  *time.Time         `json:"consumed_at,omitempty"`
}

// Alarm is a durable callback due at FireAt.
type Alarm struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Key       string          `json:"key"`
	FireAt    time.Time       `json:"fire_at"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
