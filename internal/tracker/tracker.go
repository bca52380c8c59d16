package tracker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/ensemble/internal/engine"
	"github.com/rendis/ensemble/internal/logging"
	"github.com/rendis/ensemble/internal/store"
	"github.com/rendis/ensemble/internal/streaming"
	"github.com/rendis/ensemble/pkg/schema"
)

// Status is the cumulative view of one execution.
type Status struct {
	ExecutionID  string                 `json:"execution_id"`
	Ensemble     string                 `json:"ensemble"`
	Status       schema.ExecutionStatus `json:"status"`
	Input        any                    `json:"input,omitempty"`
	Output       any                    `json:"output,omitempty"`
	Error        *schema.EngineError    `json:"error,omitempty"`
	Steps        []*schema.StepResult   `json:"steps"`
	Token        string                 `json:"token,omitempty"`
	SuspendedAt  string                 `json:"suspended_at,omitempty"`
	LastSequence int64                  `json:"last_sequence"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
}

// Tracker records execution state durably and streams every event live.
// Mutations of one execution are linearized by a per-execution lock: each
// event is sequenced, persisted, then published before the next one starts.
type Tracker struct {
	store  store.ExecutionStore
	hub    streaming.EventHub
	fsm    *engine.ExecutionFSM
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*execLock
}

type execLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a Tracker. hub may be nil when nobody streams.
func New(st store.ExecutionStore, hub streaming.EventHub, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = logging.Discard()
	}
	t := &Tracker{
		store:  st,
		hub:    hub,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		locks:  make(map[string]*execLock),
	}
	t.fsm = engine.NewExecutionFSM(lockedAppender{t})
	t.fsm.OnAfter(schema.ExecutionRunning, schema.ExecutionSuspended, t.logTransition)
	t.fsm.OnAfter(schema.ExecutionSuspended, schema.ExecutionRunning, t.logTransition)
	t.fsm.OnAfter(schema.ExecutionSuspended, schema.ExecutionExpired, t.logTransition)
	return t
}

// Start registers a new running execution and emits execution_started.
func (t *Tracker) Start(ctx context.Context, executionID, ensemble string, input any) error {
	unlock := t.lock(executionID)
	defer unlock()

	rawInput, err := marshalField(input)
	if err != nil {
		return err
	}
	exec := &store.Execution{
		ID:       executionID,
		Ensemble: ensemble,
		Status:   schema.ExecutionRunning,
		Input:    rawInput,
	}
	if err := t.store.CreateExecution(ctx, exec); err != nil {
		return err
	}
	return t.appendLocked(ctx, &store.Event{
		ExecutionID: executionID,
		Type:        schema.EventExecutionStarted,
		Payload:     mustJSON(map[string]any{"ensemble": ensemble}),
	})
}

// AppendEvent sequences, persists and publishes one event.
func (t *Tracker) AppendEvent(ctx context.Context, event *store.Event) error {
	unlock := t.lock(event.ExecutionID)
	defer unlock()
	return t.appendLocked(ctx, event)
}

// RecordProgress stores a step result and emits a progress event carrying it.
func (t *Tracker) RecordProgress(ctx context.Context, executionID string, result *schema.StepResult) error {
	unlock := t.lock(executionID)
	defer unlock()

	if err := t.store.UpsertStepResult(ctx, executionID, result); err != nil {
		return err
	}
	return t.appendLocked(ctx, &store.Event{
		ExecutionID: executionID,
		NodePath:    result.Path,
		Type:        schema.EventProgress,
		Payload:     mustJSON(result),
	})
}

// Complete records the final outcome of a run. A nil err means succeeded, a
// CANCELLED error means cancelled, anything else failed. Completing twice with
// the same outcome is a no-op.
func (t *Tracker) Complete(ctx context.Context, executionID string, output any, runErr error) error {
	to := schema.ExecutionSucceeded
	var ee *schema.EngineError
	if runErr != nil {
		ee = schema.AsEngineError(runErr, schema.ErrCodeInternal)
		to = schema.ExecutionFailed
		if ee.Code == schema.ErrCodeCancelled {
			to = schema.ExecutionCancelled
		}
	}

	update := store.ExecutionUpdate{}
	var payload map[string]any
	if ee != nil {
		raw, err := marshalField(ee)
		if err != nil {
			return err
		}
		update.Error = raw
		payload = map[string]any{"error": ee}
	} else {
		raw, err := marshalField(output)
		if err != nil {
			return err
		}
		update.Output = raw
	}
	return t.transition(ctx, executionID, to, payload, update)
}

// MarkSuspended records that the execution waits at nodePath for token.
func (t *Tracker) MarkSuspended(ctx context.Context, executionID, token, nodePath string) error {
	return t.transition(ctx, executionID, schema.ExecutionSuspended,
		map[string]any{"node_path": nodePath},
		store.ExecutionUpdate{Token: &token, SuspendedAt: &nodePath})
}

// MarkResumed moves a suspended execution back to running.
func (t *Tracker) MarkResumed(ctx context.Context, executionID string) error {
	empty := ""
	return t.transition(ctx, executionID, schema.ExecutionRunning, nil,
		store.ExecutionUpdate{Token: &empty, SuspendedAt: &empty})
}

// MarkExpired records that a suspension timed out without being resumed.
func (t *Tracker) MarkExpired(ctx context.Context, executionID string) error {
	return t.transition(ctx, executionID, schema.ExecutionExpired, nil, store.ExecutionUpdate{})
}

// MarkCancelled records a caller cancellation.
func (t *Tracker) MarkCancelled(ctx context.Context, executionID, reason string) error {
	var payload map[string]any
	if reason != "" {
		payload = map[string]any{"reason": reason}
	}
	return t.transition(ctx, executionID, schema.ExecutionCancelled, payload, store.ExecutionUpdate{})
}

// GetStatus returns the cumulative status of an execution.
func (t *Tracker) GetStatus(ctx context.Context, executionID string) (*Status, error) {
	unlock := t.lock(executionID)
	defer unlock()
	return t.statusLocked(ctx, executionID)
}

// Events returns the persisted events with a sequence greater than since.
func (t *Tracker) Events(ctx context.Context, executionID string, since int64) ([]*store.Event, error) {
	if _, err := t.store.GetExecution(ctx, executionID); err != nil {
		return nil, err
	}
	return t.store.GetEvents(ctx, executionID, since)
}

// Subscribe returns the current status together with a channel of every
// later event. The snapshot and the subscription are taken atomically, so the
// first streamed event has sequence LastSequence+1. The channel is closed by
// cancel, or early when the subscriber falls behind.
func (t *Tracker) Subscribe(ctx context.Context, executionID string) (*Status, <-chan streaming.StreamEvent, func(), error) {
	if t.hub == nil {
		return nil, nil, nil, schema.NewError(schema.ErrCodeInternal, "event streaming is not configured")
	}
	unlock := t.lock(executionID)
	defer unlock()

	status, err := t.statusLocked(ctx, executionID)
	if err != nil {
		return nil, nil, nil, err
	}
	ch, cancel, err := t.hub.Subscribe(ctx, streaming.EventFilter{ExecutionID: executionID})
	if err != nil {
		return nil, nil, nil, err
	}
	return status, ch, cancel, nil
}

// --- internals ---

func (t *Tracker) transition(ctx context.Context, executionID string, to schema.ExecutionStatus, payload map[string]any, update store.ExecutionUpdate) error {
	unlock := t.lock(executionID)
	defer unlock()

	exec, err := t.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status == to && to.Terminal() {
		return nil
	}
	if err := t.fsm.Transition(ctx, executionID, exec.Status, to, payload); err != nil {
		return err
	}

	update.Status = &to
	if to.Terminal() {
		now := t.now()
		update.CompletedAt = &now
	}
	return t.store.UpdateExecution(ctx, executionID, update)
}

// appendLocked must be called with the execution's lock held.
func (t *Tracker) appendLocked(ctx context.Context, event *store.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = t.now()
	}
	if err := t.store.AppendEvent(ctx, event); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "append event: %s", err.Error()).WithCause(err)
	}
	if t.hub == nil {
		return nil
	}

	var payload any
	if len(event.Payload) > 0 {
		payload = event.Payload
	}
	// Publishing must not fail because the run that produced the event was cancelled.
	err := t.hub.Publish(context.WithoutCancel(ctx), streaming.StreamEvent{
		ExecutionID: event.ExecutionID,
		NodePath:    event.NodePath,
		Type:        event.Type,
		Sequence:    event.Sequence,
		Payload:     payload,
		Timestamp:   event.Timestamp,
	})
	if err != nil {
		t.logger.WarnContext(ctx, "event not published", "execution_id", event.ExecutionID, "error", err)
	}
	return nil
}

func (t *Tracker) statusLocked(ctx context.Context, executionID string) (*Status, error) {
	exec, err := t.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	steps, err := t.store.ListStepResults(ctx, executionID)
	if err != nil {
		return nil, err
	}
	events, err := t.store.GetEvents(ctx, executionID, 0)
	if err != nil {
		return nil, err
	}

	st := &Status{
		ExecutionID: exec.ID,
		Ensemble:    exec.Ensemble,
		Status:      exec.Status,
		Steps:       steps,
		Token:       exec.Token,
		SuspendedAt: exec.SuspendedAt,
		CreatedAt:   exec.CreatedAt,
		UpdatedAt:   exec.UpdatedAt,
		CompletedAt: exec.CompletedAt,
	}
	if n := len(events); n > 0 {
		st.LastSequence = events[n-1].Sequence
	}
	if len(exec.Input) > 0 {
		_ = json.Unmarshal(exec.Input, &st.Input)
	}
	if len(exec.Output) > 0 {
		_ = json.Unmarshal(exec.Output, &st.Output)
	}
	if len(exec.Error) > 0 {
		var ee schema.EngineError
		if err := json.Unmarshal(exec.Error, &ee); err == nil {
			st.Error = &ee
		}
	}
	return st, nil
}

func (t *Tracker) lock(executionID string) func() {
	t.mu.Lock()
	l, ok := t.locks[executionID]
	if !ok {
		l = &execLock{}
		t.locks[executionID] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.locks, executionID)
		}
		t.mu.Unlock()
	}
}

func (t *Tracker) logTransition(ctx context.Context, executionID string, from, to schema.ExecutionStatus) error {
	t.logger.InfoContext(ctx, "execution status changed",
		"execution_id", executionID, "from", string(from), "to", string(to))
	return nil
}

// lockedAppender lets the FSM emit events while the tracker already holds
// the execution's lock.
type lockedAppender struct{ t *Tracker }

func (a lockedAppender) AppendEvent(ctx context.Context, event *store.Event) error {
	return a.t.appendLocked(ctx, event)
}

func marshalField(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "value is not JSON-serializable").WithCause(err)
	}
	return b, nil
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

var _ engine.Recorder = (*Tracker)(nil)
