package schema

import (
	"encoding/json"
	"time"
)

// TokenStatus is the lifecycle state of a resumption token.
type TokenStatus string

const (
	TokenPending   TokenStatus = "pending"
	TokenConsumed  TokenStatus = "consumed"
	TokenExpired   TokenStatus = "expired"
	TokenCancelled TokenStatus = "cancelled"
)

// SuspendedExecution is everything needed to continue an execution from its suspension point.
type SuspendedExecution struct {
	ExecutionID string                 `json:"execution_id"`
	Ensemble    string                 `json:"ensemble"`
	Definition  json.RawMessage        `json:"definition"`
	Input       any                    `json:"input,omitempty"`
	Context     map[string]any         `json:"context"`
	NodePath    string                 `json:"node_path"`
	NodeName    string                 `json:"node_name"`
	Completed   map[string]*StepResult `json:"completed,omitempty"`
	Message     map[string]any         `json:"message,omitempty"`
	Notify      []string               `json:"notify,omitempty"`
	SuspendedAt time.Time              `json:"suspended_at"`
}

// ResumptionToken is the handle given out to whoever may resume a suspended execution.
type ResumptionToken struct {
	Token       string    `json:"token"`
	ExecutionID string    `json:"execution_id"`
	NodePath    string    `json:"node_path"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// TokenMetadata is the non-consuming view of a token used by approval UIs.
type TokenMetadata struct {
	Token       string         `json:"token"`
	ExecutionID string         `json:"execution_id"`
	Ensemble    string         `json:"ensemble"`
	NodePath    string         `json:"node_path"`
	Status      TokenStatus    `json:"status"`
	Message     map[string]any `json:"message,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	ExpiresAt   time.Time      `json:"expires_at"`
	ConsumedAt  *time.Time     `json:"consumed_at,omitempty"`
}
