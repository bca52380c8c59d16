package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rendis/ensemble/internal/store"
	"github.com/rendis/ensemble/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(ctx context.Context, executionID string, from, to schema.ExecutionStatus) error

// EventAppender receives the events emitted on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// --- Execution FSM ---

type executionHookKey struct {
	from, to schema.ExecutionStatus
}

// ExecutionFSM validates execution lifecycle transitions and emits their events.
type ExecutionFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[executionHookKey][]TransitionHook
	after    map[executionHookKey][]TransitionHook
}

// NewExecutionFSM creates an ExecutionFSM that emits events via the given appender.
func NewExecutionFSM(appender EventAppender) *ExecutionFSM {
	return &ExecutionFSM{
		appender: appender,
		before:   make(map[executionHookKey][]TransitionHook),
		after:    make(map[executionHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition. A hook error aborts it.
func (f *ExecutionFSM) OnBefore(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := executionHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition.
func (f *ExecutionFSM) OnAfter(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := executionHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates from -> to, runs hooks and appends the matching event
// carrying payload. The caller persists the new status.
func (f *ExecutionFSM) Transition(ctx context.Context, executionID string, from, to schema.ExecutionStatus, payload any) error {
	if !IsValidExecutionTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}

	f.mu.Lock()
	key := executionHookKey{from, to}
	before := append([]TransitionHook(nil), f.before[key]...)
	after := append([]TransitionHook(nil), f.after[key]...)
	f.mu.Unlock()

	for _, hook := range before {
		if err := hook(ctx, executionID, from, to); err != nil {
			return err
		}
	}

	if eventType := executionEventType(from, to); eventType != "" && f.appender != nil {
		event := &store.Event{
			ExecutionID: executionID,
			Type:        eventType,
			Payload:     marshalPayload(payload),
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit execution event: %s", err.Error()).WithCause(err)
		}
	}

	for _, hook := range after {
		if err := hook(ctx, executionID, from, to); err != nil {
			return err
		}
	}
	return nil
}

// IsValidExecutionTransition reports whether from -> to is allowed.
func IsValidExecutionTransition(from, to schema.ExecutionStatus) bool {
	for _, a := range ValidExecutionTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func executionEventType(from, to schema.ExecutionStatus) string {
	switch to {
	case schema.ExecutionRunning:
		if from == schema.ExecutionSuspended {
			return schema.EventExecutionResumed
		}
		return schema.EventExecutionStarted
	case schema.ExecutionSucceeded:
		return schema.EventExecutionCompleted
	case schema.ExecutionFailed:
		return schema.EventExecutionFailed
	case schema.ExecutionCancelled:
		return schema.EventExecutionCancelled
	case schema.ExecutionSuspended:
		return schema.EventExecutionSuspended
	case schema.ExecutionExpired:
		return schema.EventExecutionExpired
	default:
		return ""
	}
}

// --- Node FSM ---

// NodeFSM validates node lifecycle transitions and emits their events.
// It holds no per-node state; callers track the current status.
type NodeFSM struct {
	appender EventAppender
}

// NewNodeFSM creates a NodeFSM that emits events via the given appender.
func NewNodeFSM(appender EventAppender) *NodeFSM {
	return &NodeFSM{appender: appender}
}

// Transition validates from -> to for the node at path and appends the event.
func (f *NodeFSM) Transition(ctx context.Context, executionID, path string, from, to schema.NodeStatus, payload map[string]any) error {
	if !IsValidNodeTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid node transition: %s -> %s", from, to).
			WithNode(path).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}
	if f.appender == nil {
		return nil
	}

	eventType := nodeEventType(to)
	if eventType == "" {
		return nil
	}
	event := &store.Event{
		ExecutionID: executionID,
		NodePath:    path,
		Type:        eventType,
		Payload:     marshalPayload(payload),
	}
	if err := f.appender.AppendEvent(ctx, event); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit node event: %s", err.Error()).
			WithNode(path).WithCause(err)
	}
	return nil
}

// IsValidNodeTransition reports whether from -> to is allowed.
func IsValidNodeTransition(from, to schema.NodeStatus) bool {
	for _, a := range ValidNodeTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func nodeEventType(to schema.NodeStatus) string {
	switch to {
	case schema.NodeRunning:
		return schema.EventNodeStarted
	case schema.NodeSucceeded:
		return schema.EventNodeSucceeded
	case schema.NodeFailed:
		return schema.EventNodeFailed
	case schema.NodeSkipped:
		return schema.EventNodeSkipped
	case schema.NodeRetrying:
		return schema.EventNodeRetrying
	case schema.NodeSuspended:
		return schema.EventNodeSuspended
	default:
		return ""
	}
}

func marshalPayload(payload any) json.RawMessage {
	if payload == nil {
		return nil
	}
	if m, ok := payload.(map[string]any); ok && len(m) == 0 {
		return nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return b
}

// --- Transition tables ---

// ValidExecutionTransitions defines the allowed state transitions for executions.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionRunning:   {schema.ExecutionSucceeded, schema.ExecutionFailed, schema.ExecutionCancelled, schema.ExecutionSuspended},
	schema.ExecutionSuspended: {schema.ExecutionRunning, schema.ExecutionExpired, schema.ExecutionCancelled, schema.ExecutionFailed},
	schema.ExecutionSucceeded: {},
	schema.ExecutionFailed:    {},
	schema.ExecutionCancelled: {},
	schema.ExecutionExpired:   {},
}

// ValidNodeTransitions defines the allowed state transitions for nodes.
var ValidNodeTransitions = map[schema.NodeStatus][]schema.NodeStatus{
	schema.NodePending:   {schema.NodeRunning, schema.NodeSkipped, schema.NodeFailed},
	schema.NodeRunning:   {schema.NodeSucceeded, schema.NodeFailed, schema.NodeRetrying, schema.NodeSuspended, schema.NodeSkipped},
	schema.NodeRetrying:  {schema.NodeRunning, schema.NodeFailed},
	schema.NodeSuspended: {schema.NodeRunning, schema.NodeFailed},
	schema.NodeSucceeded: {},
	schema.NodeFailed:    {},
	schema.NodeSkipped:   {},
}
