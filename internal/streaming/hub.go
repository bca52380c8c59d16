package streaming

import (
	"context"
	"time"
)

// StreamEvent is a real-time event emitted during an execution.
type StreamEvent struct {
	ExecutionID string    `json:"execution_id"`
	NodePath    string    `json:"node_path,omitempty"`
	Type        string    `json:"type"`
	Sequence    int64     `json:"sequence"`
	Payload     any       `json:"payload,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for real-time execution events.
// Publish delivers in call order; callers serialize publishes per execution.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
