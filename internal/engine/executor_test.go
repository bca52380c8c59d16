package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/ensemble/internal/store"
	"github.com/rendis/ensemble/pkg/schema"
)

// --- Test doubles ---

type agentFunc func(ctx context.Context, input map[string]any) (any, error)

type mockInvoker struct {
	mu     sync.Mutex
	agents map[string]agentFunc
	calls  []string
	counts map[string]int
}

func newMockInvoker() *mockInvoker {
	m := &mockInvoker{agents: map[string]agentFunc{}, counts: map[string]int{}}
	m.on("echo", func(_ context.Context, input map[string]any) (any, error) {
		return input, nil
	})
	return m
}

func (m *mockInvoker) on(name string, fn agentFunc) *mockInvoker {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[name] = fn
	return m
}

func (m *mockInvoker) Invoke(ctx context.Context, agent string, input map[string]any) (any, error) {
	m.mu.Lock()
	m.calls = append(m.calls, agent)
	m.counts[agent]++
	fn := m.agents[agent]
	m.mu.Unlock()
	if fn == nil {
		return nil, schema.NewErrorf(schema.ErrCodeAgentNotFound, "agent %q not found", agent)
	}
	return fn(ctx, input)
}

func (m *mockInvoker) count(agent string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[agent]
}

func (m *mockInvoker) callOrder() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

type memRecorder struct {
	mu      sync.Mutex
	events  []*store.Event
	results []*schema.StepResult
}

func (r *memRecorder) AppendEvent(_ context.Context, e *store.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *e
	r.events = append(r.events, &cp)
	return nil
}

func (r *memRecorder) RecordProgress(_ context.Context, _ string, res *schema.StepResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
	return nil
}

func (r *memRecorder) eventTypes(path string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.NodePath == path {
			out = append(out, e.Type)
		}
	}
	return out
}

func mustGraph(t *testing.T, flowYAML string) *Graph {
	t.Helper()
	def, err := schema.ParseDefinition([]byte("name: test\nflow:\n" + flowYAML))
	require.NoError(t, err)
	g, err := Build(def.Flow)
	require.NoError(t, err)
	return g
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	}
	return 0
}

func sleepAgent(d time.Duration) agentFunc {
	return func(ctx context.Context, input map[string]any) (any, error) {
		select {
		case <-time.After(d):
			return input, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func blockAgent(ctx context.Context, _ map[string]any) (any, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func run(input any) Run {
	return Run{ExecutionID: "exec-1", Ensemble: "test", Input: input}
}

// --- Ordering and concurrency ---

func TestExecute_DependentStepsRunInOrder(t *testing.T) {
	inv := newMockInvoker().on("double", func(_ context.Context, in map[string]any) (any, error) {
		return toFloat(in["value"]) * 2, nil
	})
	rec := &memRecorder{}
	g := mustGraph(t, `
  - type: step
    name: fetch
    agent: echo
    input:
      value: "${{ input.n }}"
  - type: step
    name: double
    agent: double
    input:
      value: "${{ fetch.output.value }}"
`)

	res, err := NewExecutor(inv, rec, Config{}).Execute(context.Background(), g, run(map[string]any{"n": 21}))
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionSucceeded, res.Status)
	assert.Equal(t, 42.0, res.Output)
	assert.Equal(t, []string{"echo", "double"}, inv.callOrder())
	assert.Equal(t, []string{schema.EventNodeStarted, schema.EventNodeSucceeded}, rec.eventTypes("fetch"))
	require.Len(t, res.Steps, 2)
	assert.Equal(t, "fetch", res.Steps[0].Path)
	assert.Contains(t, res.Context, "fetch")
	assert.Len(t, rec.results, 2)
}

func TestExecute_ReadyNodesStartInDeclarationOrder(t *testing.T) {
	inv := newMockInvoker()
	for _, name := range []string{"first", "second", "third"} {
		inv.on(name, sleepAgent(time.Millisecond))
	}
	g := mustGraph(t, `
  - {type: step, name: c, agent: first}
  - {type: step, name: a, agent: second}
  - {type: step, name: b, agent: third}
`)

	_, err := NewExecutor(inv, nil, Config{MaxConcurrency: 1}).Execute(context.Background(), g, run(nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, inv.callOrder())
}

func TestExecute_IndependentStepsRunConcurrently(t *testing.T) {
	inv := newMockInvoker().on("slow", sleepAgent(100*time.Millisecond))
	g := mustGraph(t, `
  - {type: step, name: a, agent: slow}
  - {type: step, name: b, agent: slow}
  - {type: step, name: c, agent: slow}
  - type: step
    name: join
    agent: echo
    input:
      all: ["${{ a.output }}", "${{ b.output }}", "${{ c.output }}"]
`)

	start := time.Now()
	res, err := NewExecutor(inv, nil, Config{}).Execute(context.Background(), g, run(nil))
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 250*time.Millisecond)
	assert.Equal(t, 3, inv.count("slow"))
	out := res.Output.(map[string]any)
	assert.Len(t, out["all"], 3)
}

// --- Retry, timeout, cancellation ---

func TestExecute_RetryThenSucceed(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	inv := newMockInvoker().on("flaky", func(_ context.Context, _ map[string]any) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return nil, errors.New("transient failure")
		}
		return "ok", nil
	})
	rec := &memRecorder{}
	g := mustGraph(t, `
  - type: step
    name: flaky
    agent: flaky
    retry: {max_attempts: 3, initial_delay: 1ms}
`)

	res, err := NewExecutor(inv, rec, Config{}).Execute(context.Background(), g, run(nil))
	require.NoError(t, err)

	assert.Equal(t, "ok", res.Output)
	assert.Equal(t, 3, inv.count("flaky"))
	require.Len(t, res.Steps, 1)
	assert.Equal(t, 3, res.Steps[0].Attempts)
	assert.Equal(t, []string{
		schema.EventNodeStarted, schema.EventNodeRetrying,
		schema.EventNodeStarted, schema.EventNodeRetrying,
		schema.EventNodeStarted, schema.EventNodeSucceeded,
	}, rec.eventTypes("flaky"))
}

func TestExecute_RetryExhausted(t *testing.T) {
	inv := newMockInvoker().on("broken", func(_ context.Context, _ map[string]any) (any, error) {
		return nil, errors.New("still broken")
	})
	g := mustGraph(t, `
  - type: step
    name: call
    agent: broken
    retry: {max_attempts: 2}
`)

	res, err := NewExecutor(inv, nil, Config{}).Execute(context.Background(), g, run(nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, schema.ErrAgentExecution)
	assert.Equal(t, schema.ExecutionFailed, res.Status)
	assert.Equal(t, "call", res.Error.Node)
	assert.Equal(t, 2, inv.count("broken"))
}

func TestExecute_NonRetryableErrorIsNotRetried(t *testing.T) {
	inv := newMockInvoker().on("strict", func(_ context.Context, _ map[string]any) (any, error) {
		return nil, schema.NewError(schema.ErrCodeValidation, "amount is required")
	})
	g := mustGraph(t, `
  - type: step
    name: call
    agent: strict
    retry: {max_attempts: 5}
`)

	_, err := NewExecutor(inv, nil, Config{}).Execute(context.Background(), g, run(nil))
	assert.ErrorIs(t, err, schema.ErrValidation)
	assert.Equal(t, 1, inv.count("strict"))
}

func TestExecute_StepTimeout(t *testing.T) {
	inv := newMockInvoker().on("hang", blockAgent)
	g := mustGraph(t, `
  - type: step
    name: wait
    agent: hang
    timeout: 100ms
`)

	start := time.Now()
	res, err := NewExecutor(inv, nil, Config{}).Execute(context.Background(), g, run(nil))
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, schema.ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, "wait", res.Error.Node)
	assert.Equal(t, "100ms", res.Error.Details["timeout"])
}

func TestExecute_CancelledContext(t *testing.T) {
	inv := newMockInvoker().on("hang", blockAgent)
	g := mustGraph(t, `
  - {type: step, name: wait, agent: hang}
`)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	res, err := NewExecutor(inv, nil, Config{}).Execute(ctx, g, run(nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, schema.ErrCancelled)
	assert.Equal(t, schema.ExecutionCancelled, res.Status)
}

func TestExecute_FailFastCancelsSiblings(t *testing.T) {
	inv := newMockInvoker().
		on("hang", blockAgent).
		on("boom", func(_ context.Context, _ map[string]any) (any, error) {
			return nil, schema.NewError(schema.ErrCodeValidation, "boom")
		})
	g := mustGraph(t, `
  - {type: step, name: slow, agent: hang}
  - {type: step, name: bad, agent: boom}
`)

	start := time.Now()
	res, err := NewExecutor(inv, nil, Config{}).Execute(context.Background(), g, run(nil))
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, "bad", res.Error.Node)
	assert.Equal(t, schema.ExecutionFailed, res.Status)
}

func TestExecute_CircuitBreakerRejectsAfterThreshold(t *testing.T) {
	inv := newMockInvoker().on("down", func(_ context.Context, _ map[string]any) (any, error) {
		return nil, errors.New("unavailable")
	})
	cfg := CircuitBreakerConfig{FailureThreshold: 2, Cooldown: time.Hour, HalfOpenMax: 1}
	g := mustGraph(t, `
  - type: step
    name: call
    agent: down
    retry: {max_attempts: 5}
`)

	_, err := NewExecutor(inv, nil, Config{CircuitBreaker: &cfg}).Execute(context.Background(), g, run(nil))
	assert.ErrorIs(t, err, schema.ErrCircuitOpen)
	assert.Equal(t, 2, inv.count("down"))
}

// --- Guards ---

func TestExecute_WhenFalseSkipsNode(t *testing.T) {
	inv := newMockInvoker()
	rec := &memRecorder{}
	g := mustGraph(t, `
  - type: step
    name: maybe
    agent: echo
    when: "input.enabled == true"
  - type: step
    name: after
    agent: echo
    input:
      prev: "${{ maybe.output }}"
`)

	res, err := NewExecutor(inv, rec, Config{}).Execute(context.Background(), g, run(map[string]any{"enabled": false}))
	require.NoError(t, err)
	assert.Equal(t, []string{schema.EventNodeSkipped}, rec.eventTypes("maybe"))
	assert.Equal(t, map[string]any{"prev": nil}, res.Output)
	assert.Equal(t, 1, inv.count("echo"))
}

func TestExecute_SkipCascade(t *testing.T) {
	inv := newMockInvoker()
	g := mustGraph(t, `
  - {type: step, name: maybe, agent: echo, when: "false"}
  - type: step
    name: after
    agent: echo
    input:
      prev: "${{ maybe.output }}"
`)

	res, err := NewExecutor(inv, nil, Config{SkipCascade: true}).Execute(context.Background(), g, run(nil))
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionSucceeded, res.Status)
	assert.Nil(t, res.Output)
	assert.Equal(t, 0, inv.count("echo"))
}

func TestExecute_GuardErrorFailsNode(t *testing.T) {
	g := mustGraph(t, `
  - {type: step, name: s, agent: echo, when: "'yes'"}
`)
	_, err := NewExecutor(newMockInvoker(), nil, Config{}).Execute(context.Background(), g, run(nil))
	assert.ErrorIs(t, err, schema.ErrExpression)
}

// --- Suspension and resumption ---

func TestExecute_ApprovalSuspendAndResume(t *testing.T) {
	inv := newMockInvoker()
	rec := &memRecorder{}
	ex := NewExecutor(inv, rec, Config{})
	g := mustGraph(t, `
  - type: step
    name: fetch
    agent: echo
    input:
      amount: "${{ input.amount }}"
  - type: approval
    name: review
    ttl: 1h
    notify: ["log:approvals"]
    message:
      text: "Approve ${{ fetch.output.amount }}?"
  - type: step
    name: pay
    agent: echo
    input:
      approved: "${{ review.output.approved }}"
`)

	res, err := ex.Execute(context.Background(), g, run(map[string]any{"amount": 50}))
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionSuspended, res.Status)
	s := res.Suspension
	require.NotNil(t, s)
	assert.Equal(t, "review", s.NodePath)
	assert.Equal(t, "Approve 50?", s.Message["text"])
	assert.Equal(t, time.Hour, s.TTL)
	assert.Equal(t, []string{"log:approvals"}, s.Notify)
	assert.Contains(t, s.Completed, "fetch")
	assert.NotContains(t, s.Completed, "review")
	assert.Contains(t, s.Context, "fetch")
	assert.Equal(t, 1, inv.count("echo"))

	resumed, err := ex.ResumeAt(context.Background(), g, ResumePoint{
		NodePath:  s.NodePath,
		Payload:   map[string]any{"approved": true},
		Context:   s.Context,
		Completed: s.Completed,
	}, run(map[string]any{"amount": 50}))
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionSucceeded, resumed.Status)
	assert.Equal(t, map[string]any{"approved": true}, resumed.Output)
	assert.Equal(t, 2, inv.count("echo"), "fetch is not invoked again")
	assert.Equal(t, []string{
		schema.EventNodeStarted, schema.EventNodeSuspended,
		schema.EventNodeStarted, schema.EventNodeSucceeded,
	}, rec.eventTypes("review"))
}

func TestExecute_AgentSuspensionInsideBranch(t *testing.T) {
	inv := newMockInvoker().on("human", func(_ context.Context, _ map[string]any) (any, error) {
		return nil, &schema.SuspendRequest{Message: map[string]any{"q": "ok?"}}
	})
	ex := NewExecutor(inv, nil, Config{})
	g := mustGraph(t, `
  - type: branch
    name: gate
    if: "input.needs_review"
    then:
      - {type: step, name: ask, agent: human}
    else:
      - {type: step, name: auto, agent: echo}
  - type: step
    name: after
    agent: echo
    input:
      v: "${{ gate.output }}"
`)

	res, err := ex.Execute(context.Background(), g, run(map[string]any{"needs_review": true}))
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionSuspended, res.Status)
	assert.Equal(t, "gate.then.ask", res.Suspension.NodePath)
	assert.Equal(t, "ask", res.Suspension.NodeName)
	assert.Equal(t, 0, inv.count("echo"))

	resumed, err := ex.ResumeAt(context.Background(), g, ResumePoint{
		NodePath:  res.Suspension.NodePath,
		Payload:   "yes",
		Context:   res.Suspension.Context,
		Completed: res.Suspension.Completed,
	}, run(map[string]any{"needs_review": true}))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"v": "yes"}, resumed.Output)
	assert.Equal(t, 1, inv.count("human"))
}

func TestResumeAt_RequiresNodePath(t *testing.T) {
	g := mustGraph(t, `
  - {type: step, name: s, agent: echo}
`)
	_, err := NewExecutor(newMockInvoker(), nil, Config{}).ResumeAt(context.Background(), g, ResumePoint{}, run(nil))
	assert.ErrorIs(t, err, schema.ErrValidation)
}

// --- Control structures ---

func TestExecute_ParallelOutputsInBranchOrder(t *testing.T) {
	inv := newMockInvoker().on("slow", sleepAgent(30*time.Millisecond))
	g := mustGraph(t, `
  - type: parallel
    name: fan
    branches:
      - - {type: step, name: a, agent: slow, input: {v: 1}}
      - - {type: step, name: b, agent: echo, input: {v: 2}}
`)

	res, err := NewExecutor(inv, nil, Config{}).Execute(context.Background(), g, run(nil))
	require.NoError(t, err)
	assert.Equal(t, []any{map[string]any{"v": 1.0}, map[string]any{"v": 2.0}}, res.Output)
}

func TestExecute_ParallelContinueCollectsErrors(t *testing.T) {
	inv := newMockInvoker().on("boom", func(_ context.Context, _ map[string]any) (any, error) {
		return nil, schema.NewError(schema.ErrCodeValidation, "nope")
	})
	g := mustGraph(t, `
  - type: parallel
    name: fan
    on_error: continue
    branches:
      - - {type: step, name: good, agent: echo, input: {v: 1}}
      - - {type: step, name: bad, agent: boom}
`)

	res, err := NewExecutor(inv, nil, Config{}).Execute(context.Background(), g, run(nil))
	require.NoError(t, err)
	out := res.Output.([]any)
	require.Len(t, out, 2)
	slot := out[1].(map[string]any)["error"].(map[string]any)
	assert.Equal(t, schema.ErrCodeValidation, slot["code"])
	assert.Equal(t, "fan.branch_1.bad", slot["node"])
}

func TestExecute_ForEachConcurrentKeepsItemOrder(t *testing.T) {
	inv := newMockInvoker().on("square", func(ctx context.Context, in map[string]any) (any, error) {
		x := toFloat(in["x"])
		time.Sleep(time.Duration(40-10*x) * time.Millisecond)
		return x * x, nil
	})
	g := mustGraph(t, `
  - type: for_each
    name: loop
    over: "input.items"
    concurrent: true
    body:
      - type: step
        name: sq
        agent: square
        input:
          x: "${{ item }}"
`)

	res, err := NewExecutor(inv, nil, Config{}).Execute(context.Background(), g, run(map[string]any{"items": []any{1, 2, 3}}))
	require.NoError(t, err)
	assert.Equal(t, []any{1.0, 4.0, 9.0}, res.Output)

	var paths []string
	for _, s := range res.Steps {
		paths = append(paths, s.Path)
	}
	assert.Contains(t, paths, "loop.iter_2.sq")
}

func TestExecute_ForEachSequentialAndEmpty(t *testing.T) {
	inv := newMockInvoker()
	g := mustGraph(t, `
  - type: for_each
    name: loop
    over: "input.items"
    as: name
    body:
      - type: step
        name: greet
        agent: echo
        input:
          text: "hi ${{ name }} #${{ index }}"
`)

	ex := NewExecutor(inv, nil, Config{})
	res, err := ex.Execute(context.Background(), g, run(map[string]any{"items": []any{"ann", "bo"}}))
	require.NoError(t, err)
	assert.Equal(t, []any{
		map[string]any{"text": "hi ann #0"},
		map[string]any{"text": "hi bo #1"},
	}, res.Output)

	res, err = ex.Execute(context.Background(), g, run(map[string]any{"items": []any{}}))
	require.NoError(t, err)
	assert.Equal(t, []any{}, res.Output)

	_, err = ex.Execute(context.Background(), g, run(map[string]any{"items": "nope"}))
	assert.ErrorIs(t, err, schema.ErrExpression)
}

func TestExecute_WhileCarriesBodyOutputs(t *testing.T) {
	inv := newMockInvoker().on("inc", func(_ context.Context, in map[string]any) (any, error) {
		return toFloat(in["n"]) + 1, nil
	})
	g := mustGraph(t, `
  - type: while
    name: loop
    condition: "(bump?.output ?? 0) < 3"
    body:
      - type: step
        name: bump
        agent: inc
        input:
          n: "${{ iteration }}"
`)

	res, err := NewExecutor(inv, nil, Config{}).Execute(context.Background(), g, run(nil))
	require.NoError(t, err)
	assert.Equal(t, 3.0, res.Output)
	assert.Equal(t, 3, inv.count("inc"))
}

func TestExecute_WhileMaxIterations(t *testing.T) {
	inv := newMockInvoker()
	g := mustGraph(t, `
  - type: while
    name: spin
    condition: "true"
    max_iterations: 50
    body:
      - {type: step, name: tick, agent: echo}
`)

	res, err := NewExecutor(inv, nil, Config{}).Execute(context.Background(), g, run(nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, schema.ErrMaxIterations)
	assert.Equal(t, 50, inv.count("echo"))
	assert.Equal(t, "spin", res.Error.Node)
	assert.Equal(t, 50, res.Error.Details["max_iterations"])
}

func TestExecute_WhileFalseInitiallyOutputsNil(t *testing.T) {
	g := mustGraph(t, `
  - type: while
    name: never
    condition: "false"
    body:
      - {type: step, name: tick, agent: echo}
`)
	res, err := NewExecutor(newMockInvoker(), nil, Config{}).Execute(context.Background(), g, run(nil))
	require.NoError(t, err)
	assert.Nil(t, res.Output)
}

const tryFlow = `
  - type: try
    name: guard
    error_as: err
    try:
      - {type: step, name: risky, agent: %s}
    catch:
      - type: step
        name: recover
        agent: %s
        input:
          msg: "${{ err.message }}"
          code: "${{ err.code }}"
    finally:
      - {type: step, name: cleanup, agent: %s}
`

func failWith(code, msg string) agentFunc {
	return func(_ context.Context, _ map[string]any) (any, error) {
		return nil, schema.NewError(code, msg)
	}
}

func TestExecute_TryCatchFinally(t *testing.T) {
	inv := newMockInvoker().on("fail", failWith(schema.ErrCodeValidation, "bad data"))
	g := mustGraph(t, fmt.Sprintf(tryFlow, "fail", "echo", "echo"))

	res, err := NewExecutor(inv, nil, Config{}).Execute(context.Background(), g, run(nil))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"msg": "bad data", "code": schema.ErrCodeValidation}, res.Output)
	assert.Equal(t, 2, inv.count("echo"), "catch and finally both ran")
}

func TestExecute_TrySuccessSkipsCatch(t *testing.T) {
	inv := newMockInvoker().on("ok", func(_ context.Context, _ map[string]any) (any, error) {
		return "fine", nil
	})
	g := mustGraph(t, fmt.Sprintf(tryFlow, "ok", "echo", "ok"))

	res, err := NewExecutor(inv, nil, Config{}).Execute(context.Background(), g, run(nil))
	require.NoError(t, err)
	assert.Equal(t, "fine", res.Output)
	assert.Equal(t, 0, inv.count("echo"))
	assert.Equal(t, 2, inv.count("ok"))
}

func TestExecute_TryAndCatchBothFail(t *testing.T) {
	inv := newMockInvoker().
		on("fail", failWith(schema.ErrCodeValidation, "bad data")).
		on("fail_again", failWith(schema.ErrCodeValidation, "recovery failed"))
	g := mustGraph(t, fmt.Sprintf(tryFlow, "fail", "fail_again", "echo"))

	res, err := NewExecutor(inv, nil, Config{}).Execute(context.Background(), g, run(nil))
	require.Error(t, err)
	assert.Equal(t, "guard.catch.recover", res.Error.Node)
	assert.Equal(t, 1, inv.count("echo"), "finally runs even when catch fails")
}

func TestExecute_FinallyFailureOverrides(t *testing.T) {
	inv := newMockInvoker().on("fail", failWith(schema.ErrCodeValidation, "cleanup failed"))
	g := mustGraph(t, fmt.Sprintf(tryFlow, "echo", "echo", "fail"))

	res, err := NewExecutor(inv, nil, Config{}).Execute(context.Background(), g, run(nil))
	require.Error(t, err)
	assert.Equal(t, "guard.finally.cleanup", res.Error.Node)
}

func TestExecute_SwitchMatchesCaseOrDefault(t *testing.T) {
	g := mustGraph(t, `
  - type: switch
    name: route
    value: "${{ input.kind }}"
    cases:
      - value: 1
        flow:
          - {type: step, name: one, agent: echo, input: {picked: one}}
      - value: two
        flow:
          - {type: step, name: two, agent: echo, input: {picked: two}}
    default:
      - {type: step, name: other, agent: echo, input: {picked: other}}
`)
	ex := NewExecutor(newMockInvoker(), nil, Config{})

	for kind, want := range map[any]string{1.0: "one", "two": "two", "zzz": "other"} {
		res, err := ex.Execute(context.Background(), g, run(map[string]any{"kind": kind}))
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"picked": want}, res.Output, "kind %v", kind)
	}
}

func TestExecute_SwitchWithoutMatchSkips(t *testing.T) {
	rec := &memRecorder{}
	g := mustGraph(t, `
  - type: switch
    name: route
    value: "input.kind"
    cases:
      - value: a
        flow:
          - {type: step, name: one, agent: echo}
`)
	res, err := NewExecutor(newMockInvoker(), rec, Config{}).Execute(context.Background(), g, run(map[string]any{"kind": "b"}))
	require.NoError(t, err)
	assert.Nil(t, res.Output)
	assert.Equal(t, []string{schema.EventNodeStarted, schema.EventNodeSkipped}, rec.eventTypes("route"))
}

func TestExecute_MapReduce(t *testing.T) {
	inv := newMockInvoker().on("square", func(_ context.Context, in map[string]any) (any, error) {
		x := toFloat(in["x"])
		return x * x, nil
	})
	g := mustGraph(t, `
  - type: map_reduce
    name: total
    over: "input.items"
    map:
      - type: step
        name: sq
        agent: square
        input:
          x: "${{ item }}"
    reduce: "acc + value"
    initial: 0
`)

	res, err := NewExecutor(inv, nil, Config{}).Execute(context.Background(), g, run(map[string]any{"items": []any{1, 2, 3}}))
	require.NoError(t, err)
	assert.Equal(t, 14.0, toFloat(res.Output))
}

func TestExecute_PanickingAgentFailsNode(t *testing.T) {
	inv := newMockInvoker().on("panic", func(_ context.Context, _ map[string]any) (any, error) {
		panic("kaboom")
	})
	g := mustGraph(t, `
  - {type: step, name: p, agent: panic}
`)
	res, err := NewExecutor(inv, nil, Config{}).Execute(context.Background(), g, run(nil))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeAgentExecution, res.Error.Code)
	assert.Contains(t, res.Error.Message, "kaboom")
}
