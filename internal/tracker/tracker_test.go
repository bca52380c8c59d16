package tracker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/ensemble/internal/store"
	"github.com/rendis/ensemble/internal/streaming"
	"github.com/rendis/ensemble/pkg/schema"
)

func newTracker(t *testing.T, buffer int) (*Tracker, *store.MemoryStore, *streaming.MemoryHub) {
	t.Helper()
	st := store.NewMemoryStore()
	hub := streaming.NewMemoryHubWithBuffer(buffer)
	return New(st, hub, nil), st, hub
}

func eventTypes(events []*store.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

// --- Lifecycle ---

func TestTracker_StartAndStatus(t *testing.T) {
	tr, _, _ := newTracker(t, 0)
	ctx := context.Background()

	require.NoError(t, tr.Start(ctx, "exec-1", "billing", map[string]any{"amount": 10}))

	st, err := tr.GetStatus(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionRunning, st.Status)
	assert.Equal(t, "billing", st.Ensemble)
	assert.Equal(t, map[string]any{"amount": float64(10)}, st.Input)
	assert.Equal(t, int64(1), st.LastSequence)
	assert.Nil(t, st.CompletedAt)
}

func TestTracker_StartTwiceConflicts(t *testing.T) {
	tr, _, _ := newTracker(t, 0)
	ctx := context.Background()
	require.NoError(t, tr.Start(ctx, "exec-1", "e", nil))
	err := tr.Start(ctx, "exec-1", "e", nil)
	assert.Equal(t, schema.ErrCodeConflict, schema.ErrorCode(err))
}

func TestTracker_UnknownExecution(t *testing.T) {
	tr, _, _ := newTracker(t, 0)
	_, err := tr.GetStatus(context.Background(), "missing")
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))

	_, err = tr.Events(context.Background(), "missing", 0)
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))
}

func TestTracker_RecordProgress(t *testing.T) {
	tr, _, _ := newTracker(t, 0)
	ctx := context.Background()
	require.NoError(t, tr.Start(ctx, "exec-1", "e", nil))

	res := &schema.StepResult{Node: "fetch", Path: "fetch", Type: schema.TypeStep, Status: schema.NodeSucceeded, Output: "ok", Attempts: 1}
	require.NoError(t, tr.RecordProgress(ctx, "exec-1", res))

	st, err := tr.GetStatus(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, st.Steps, 1)
	assert.Equal(t, "fetch", st.Steps[0].Path)
	assert.Equal(t, schema.NodeSucceeded, st.Steps[0].Status)

	events, err := tr.Events(ctx, "exec-1", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{schema.EventExecutionStarted, schema.EventProgress}, eventTypes(events))
	assert.Equal(t, "fetch", events[1].NodePath)
}

func TestTracker_CompleteOutcomes(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status schema.ExecutionStatus
		event  string
	}{
		{"succeeded", nil, schema.ExecutionSucceeded, schema.EventExecutionCompleted},
		{"failed", schema.NewError(schema.ErrCodeAgentExecution, "boom").WithNode("a"), schema.ExecutionFailed, schema.EventExecutionFailed},
		{"cancelled", schema.NewError(schema.ErrCodeCancelled, "stop"), schema.ExecutionCancelled, schema.EventExecutionCancelled},
		{"plain error", fmt.Errorf("raw"), schema.ExecutionFailed, schema.EventExecutionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, _, _ := newTracker(t, 0)
			ctx := context.Background()
			require.NoError(t, tr.Start(ctx, "exec-1", "e", nil))
			require.NoError(t, tr.Complete(ctx, "exec-1", map[string]any{"total": 3}, tt.err))

			st, err := tr.GetStatus(ctx, "exec-1")
			require.NoError(t, err)
			assert.Equal(t, tt.status, st.Status)
			assert.NotNil(t, st.CompletedAt)
			if tt.err == nil {
				assert.Equal(t, map[string]any{"total": float64(3)}, st.Output)
				assert.Nil(t, st.Error)
			} else {
				require.NotNil(t, st.Error)
				assert.Equal(t, schema.ErrorCode(schema.AsEngineError(tt.err, schema.ErrCodeInternal)), st.Error.Code)
			}

			events, err := tr.Events(ctx, "exec-1", 1)
			require.NoError(t, err)
			assert.Equal(t, []string{tt.event}, eventTypes(events))
		})
	}
}

func TestTracker_CompleteIsIdempotentPerOutcome(t *testing.T) {
	tr, _, _ := newTracker(t, 0)
	ctx := context.Background()
	require.NoError(t, tr.Start(ctx, "exec-1", "e", nil))
	require.NoError(t, tr.Complete(ctx, "exec-1", "out", nil))
	require.NoError(t, tr.Complete(ctx, "exec-1", "out", nil))

	err := tr.Complete(ctx, "exec-1", nil, schema.NewError(schema.ErrCodeInternal, "late"))
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.ErrorCode(err))
}

func TestTracker_SuspendResumeExpire(t *testing.T) {
	tr, _, _ := newTracker(t, 0)
	ctx := context.Background()
	require.NoError(t, tr.Start(ctx, "exec-1", "e", nil))

	require.NoError(t, tr.MarkSuspended(ctx, "exec-1", "tok-1", "review"))
	st, err := tr.GetStatus(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionSuspended, st.Status)
	assert.Equal(t, "tok-1", st.Token)
	assert.Equal(t, "review", st.SuspendedAt)

	require.NoError(t, tr.MarkResumed(ctx, "exec-1"))
	st, err = tr.GetStatus(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionRunning, st.Status)
	assert.Empty(t, st.Token)
	assert.Empty(t, st.SuspendedAt)

	require.NoError(t, tr.MarkSuspended(ctx, "exec-1", "tok-2", "review"))
	require.NoError(t, tr.MarkExpired(ctx, "exec-1"))

	err = tr.MarkResumed(ctx, "exec-1")
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.ErrorCode(err))

	events, err := tr.Events(ctx, "exec-1", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{
		schema.EventExecutionStarted,
		schema.EventExecutionSuspended,
		schema.EventExecutionResumed,
		schema.EventExecutionSuspended,
		schema.EventExecutionExpired,
	}, eventTypes(events))
}

func TestTracker_CancelSuspended(t *testing.T) {
	tr, _, _ := newTracker(t, 0)
	ctx := context.Background()
	require.NoError(t, tr.Start(ctx, "exec-1", "e", nil))
	require.NoError(t, tr.MarkSuspended(ctx, "exec-1", "tok", "gate"))
	require.NoError(t, tr.MarkCancelled(ctx, "exec-1", "operator"))

	st, err := tr.GetStatus(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCancelled, st.Status)
}

func TestTracker_StatusSurvivesRestart(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	first := New(st, nil, nil)
	require.NoError(t, first.Start(ctx, "exec-1", "e", nil))
	require.NoError(t, first.Complete(ctx, "exec-1", 42, nil))

	second := New(st, nil, nil)
	status, err := second.GetStatus(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionSucceeded, status.Status)
	assert.Equal(t, float64(42), status.Output)
}

// --- Streaming ---

func TestTracker_SubscribeSnapshotThenOrderedEvents(t *testing.T) {
	tr, _, _ := newTracker(t, 1024)
	ctx := context.Background()
	require.NoError(t, tr.Start(ctx, "exec-1", "e", nil))
	require.NoError(t, tr.AppendEvent(ctx, &store.Event{ExecutionID: "exec-1", Type: schema.EventNodeStarted, NodePath: "a"}))

	snap, ch, cancel, err := tr.Subscribe(ctx, "exec-1")
	require.NoError(t, err)
	defer cancel()
	assert.Equal(t, int64(2), snap.LastSequence)

	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_ = tr.AppendEvent(ctx, &store.Event{
					ExecutionID: "exec-1",
					NodePath:    fmt.Sprintf("w%d", w),
					Type:        schema.EventNodeSucceeded,
				})
			}
		}(w)
	}

	next := snap.LastSequence + 1
	for n := 0; n < writers*perWriter; n++ {
		select {
		case evt, ok := <-ch:
			require.True(t, ok, "subscriber disconnected")
			require.Equal(t, next, evt.Sequence)
			next++
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d events", n)
		}
	}
	wg.Wait()
}

func TestTracker_SubscribeOtherExecutionsFiltered(t *testing.T) {
	tr, _, _ := newTracker(t, 16)
	ctx := context.Background()
	require.NoError(t, tr.Start(ctx, "exec-1", "e", nil))
	require.NoError(t, tr.Start(ctx, "exec-2", "e", nil))

	_, ch, cancel, err := tr.Subscribe(ctx, "exec-1")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, tr.AppendEvent(ctx, &store.Event{ExecutionID: "exec-2", Type: schema.EventNodeStarted}))
	require.NoError(t, tr.Complete(ctx, "exec-1", nil, nil))

	evt := <-ch
	assert.Equal(t, "exec-1", evt.ExecutionID)
	assert.Equal(t, schema.EventExecutionCompleted, evt.Type)
}

func TestTracker_LateSubscriberGetsFinalSnapshot(t *testing.T) {
	tr, _, _ := newTracker(t, 16)
	ctx := context.Background()
	require.NoError(t, tr.Start(ctx, "exec-1", "e", nil))
	require.NoError(t, tr.Complete(ctx, "exec-1", "done", nil))

	snap, ch, cancel, err := tr.Subscribe(ctx, "exec-1")
	require.NoError(t, err)
	defer cancel()

	assert.Equal(t, schema.ExecutionSucceeded, snap.Status)
	assert.Equal(t, "done", snap.Output)
	assert.Equal(t, int64(2), snap.LastSequence)

	select {
	case evt := <-ch:
		t.Fatalf("unexpected event %+v", evt)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestTracker_SlowSubscriberIsDisconnected(t *testing.T) {
	tr, _, hub := newTracker(t, 2)
	ctx := context.Background()
	require.NoError(t, tr.Start(ctx, "exec-1", "e", nil))

	_, ch, cancel, err := tr.Subscribe(ctx, "exec-1")
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < 5; i++ {
		require.NoError(t, tr.AppendEvent(ctx, &store.Event{ExecutionID: "exec-1", Type: schema.EventNodeStarted}))
	}

	var seqs []int64
	for evt := range ch {
		seqs = append(seqs, evt.Sequence)
	}
	assert.Equal(t, []int64{2, 3}, seqs)
	assert.Equal(t, uint64(1), hub.Disconnected())

	// Nothing was lost from the durable log.
	events, err := tr.Events(ctx, "exec-1", 0)
	require.NoError(t, err)
	assert.Len(t, events, 6)
}

func TestTracker_SubscribeWithoutHub(t *testing.T) {
	tr := New(store.NewMemoryStore(), nil, nil)
	_, _, _, err := tr.Subscribe(context.Background(), "exec-1")
	assert.Error(t, err)
}

func TestTracker_PublishSurvivesCancelledContext(t *testing.T) {
	tr, _, _ := newTracker(t, 16)
	require.NoError(t, tr.Start(context.Background(), "exec-1", "e", nil))
	_, ch, cancel, err := tr.Subscribe(context.Background(), "exec-1")
	require.NoError(t, err)
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	stop()
	require.NoError(t, tr.Complete(ctx, "exec-1", nil, schema.NewError(schema.ErrCodeCancelled, "stop")))

	evt := <-ch
	assert.Equal(t, schema.EventExecutionCancelled, evt.Type)
}

func TestTracker_LocksReleased(t *testing.T) {
	tr, _, _ := newTracker(t, 0)
	ctx := context.Background()
	require.NoError(t, tr.Start(ctx, "exec-1", "e", nil))
	_, _ = tr.GetStatus(ctx, "exec-1")

	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Empty(t, tr.locks)
}
