package engine

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/ensemble/internal/agents"
	"github.com/rendis/ensemble/internal/expressions"
	"github.com/rendis/ensemble/internal/logging"
	"github.com/rendis/ensemble/pkg/schema"
)

// Recorder receives node events and step results as an execution progresses.
// The state tracker implements it; a nil Recorder discards everything.
type Recorder interface {
	EventAppender
	RecordProgress(ctx context.Context, executionID string, result *schema.StepResult) error
}

// Config tunes an Executor.
type Config struct {
	// MaxConcurrency bounds how many nodes of one graph run at once. Zero or
	// less means unbounded.
	MaxConcurrency int

	// SkipCascade skips every node whose dependency was skipped instead of
	// treating the skipped dependency as satisfied.
	SkipCascade bool

	// CircuitBreaker configures per-agent breakers. Nil disables them.
	CircuitBreaker *CircuitBreakerConfig

	Logger *slog.Logger
}

// Run identifies one execution.
type Run struct {
	ExecutionID string
	Ensemble    string
	Input       any
}

// ResumePoint is where a suspended execution continues.
type ResumePoint struct {
	NodePath  string
	Payload   any
	Context   map[string]any
	Completed map[string]*schema.StepResult
}

// Suspension describes why and where an execution paused.
type Suspension struct {
	NodePath  string                        `json:"node_path"`
	NodeName  string                        `json:"node_name"`
	Message   map[string]any                `json:"message,omitempty"`
	TTL       time.Duration                 `json:"ttl,omitempty"`
	Notify    []string                      `json:"notify,omitempty"`
	Context   map[string]any                `json:"context"`
	Completed map[string]*schema.StepResult `json:"completed"`
}

// Result is the outcome of Execute or ResumeAt.
type Result struct {
	Status     schema.ExecutionStatus `json:"status"`
	Output     any                    `json:"output,omitempty"`
	Error      *schema.EngineError    `json:"error,omitempty"`
	Context    map[string]any         `json:"context,omitempty"`
	Steps      []*schema.StepResult   `json:"steps,omitempty"`
	Suspension *Suspension            `json:"suspension,omitempty"`
}

// Executor runs execution graphs. It is safe for concurrent use; every call
// owns its own state.
type Executor struct {
	invoker  agents.Invoker
	resolver *expressions.Resolver
	recorder Recorder
	nodeFSM  *NodeFSM
	breakers *CircuitBreakerRegistry
	config   Config
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewExecutor creates an Executor. recorder may be nil.
func NewExecutor(invoker agents.Invoker, recorder Recorder, cfg Config) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	var breakers *CircuitBreakerRegistry
	if cfg.CircuitBreaker != nil {
		breakers = NewCircuitBreakerRegistry(*cfg.CircuitBreaker)
	}
	var appender EventAppender
	if recorder != nil {
		appender = recorder
	}
	return &Executor{
		invoker:  invoker,
		resolver: expressions.NewResolver(),
		recorder: recorder,
		nodeFSM:  NewNodeFSM(appender),
		breakers: breakers,
		config:   cfg,
		logger:   logger,
		tracer:   newTracer(),
	}
}

// Resolver returns the expression resolver shared by every run.
func (e *Executor) Resolver() *expressions.Resolver { return e.resolver }

// Breakers returns the circuit breaker registry, or nil when disabled.
func (e *Executor) Breakers() *CircuitBreakerRegistry { return e.breakers }

// Execute runs g from the start with run.Input bound as `input`. The error is
// the Result's error for failed or cancelled executions; a suspension is not an error.
func (e *Executor) Execute(ctx context.Context, g *Graph, run Run) (*Result, error) {
	scope := expressions.NewScope(map[string]any{InputVar: run.Input})
	return e.newExecution(run, nil).finish(ctx, g, scope)
}

// ResumeAt continues a suspended execution. Nodes found in point.Completed are
// replayed without running again; the node at point.NodePath outputs point.Payload.
func (e *Executor) ResumeAt(ctx context.Context, g *Graph, point ResumePoint, run Run) (*Result, error) {
	if point.NodePath == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "resume point has no node path")
	}
	initial := make(map[string]any, len(point.Context)+1)
	for k, v := range point.Context {
		initial[k] = v
	}
	if _, ok := initial[InputVar]; !ok {
		initial[InputVar] = run.Input
	}
	scope := expressions.NewScope(initial)
	return e.newExecution(run, &point).finish(ctx, g, scope)
}

// execution is the state of one Execute or ResumeAt call.
type execution struct {
	*Executor
	run Run

	memo          map[string]*schema.StepResult
	resumePath    string
	resumePayload any
	resumed       atomic.Bool

	halted atomic.Bool

	mu         sync.Mutex
	steps      []*schema.StepResult
	completed  map[string]*schema.StepResult
	suspension *Suspension
}

func (e *Executor) newExecution(run Run, point *ResumePoint) *execution {
	x := &execution{
		Executor:  e,
		run:       run,
		memo:      map[string]*schema.StepResult{},
		completed: map[string]*schema.StepResult{},
	}
	if point != nil {
		for path, r := range point.Completed {
			if r != nil && r.Status.Terminal() {
				x.memo[path] = r
				x.completed[path] = r
			}
		}
		x.resumePath = point.NodePath
		x.resumePayload = point.Payload
	}
	return x
}

func (x *execution) finish(ctx context.Context, g *Graph, scope *expressions.Scope) (*Result, error) {
	ctx = logging.WithIDs(ctx, x.run.ExecutionID, x.run.Ensemble)
	ctx, span := x.startExecutionSpan(ctx)

	gr := x.runGraph(ctx, g, scope, "", x.config.MaxConcurrency)

	x.mu.Lock()
	res := &Result{
		Context: scope.Bindings(),
		Steps:   append([]*schema.StepResult(nil), x.steps...),
	}
	x.mu.Unlock()

	switch gr.status {
	case schema.NodeSucceeded, schema.NodeSkipped:
		res.Status = schema.ExecutionSucceeded
		res.Output = gr.output
		if x.resumePath != "" && !x.resumed.Load() {
			x.logger.WarnContext(ctx, "resume point was never reached", "node", x.resumePath)
		}
	case schema.NodeSuspended:
		x.mu.Lock()
		s := x.suspension
		x.mu.Unlock()
		if s == nil {
			res.Status = schema.ExecutionFailed
			res.Error = schema.NewError(schema.ErrCodeInternal, "execution stopped without a suspension point")
			break
		}
		s.Context = res.Context
		s.Completed = x.completedSnapshot()
		res.Status = schema.ExecutionSuspended
		res.Suspension = s
	default:
		res.Error = gr.err
		if res.Error == nil {
			res.Error = schema.NewError(schema.ErrCodeInternal, "graph failed without an error")
		}
		res.Status = schema.ExecutionFailed
		if res.Error.Code == schema.ErrCodeCancelled {
			res.Status = schema.ExecutionCancelled
		}
	}

	x.endSpan(span, string(res.Status), errOrNil(res.Error))
	if res.Error != nil {
		return res, res.Error
	}
	return res, nil
}

func (x *execution) completedSnapshot() map[string]*schema.StepResult {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make(map[string]*schema.StepResult, len(x.completed))
	for k, v := range x.completed {
		out[k] = v
	}
	return out
}

// suspend records the first suspension point and stops new scheduling everywhere.
func (x *execution) suspend(s *Suspension) {
	x.mu.Lock()
	if x.suspension == nil {
		x.suspension = s
	}
	x.mu.Unlock()
	x.halted.Store(true)
}

// takeResume reports whether path is the resume point; true at most once.
func (x *execution) takeResume(path string) (any, bool) {
	if x.resumePath == "" || path != x.resumePath {
		return nil, false
	}
	if !x.resumed.CompareAndSwap(false, true) {
		return nil, false
	}
	return x.resumePayload, true
}

// --- Graph scheduling ---

// graphResult is the outcome of running one graph. status is succeeded,
// failed or suspended.
type graphResult struct {
	status schema.NodeStatus
	output any
	err    *schema.EngineError
}

// nodeResult is the outcome of one node.
type nodeResult struct {
	status   schema.NodeStatus
	output   any
	err      *schema.EngineError
	attempts int
	replayed bool
}

type nodeOutcome struct {
	name   string
	result nodeResult
}

// runGraph runs every node of g as soon as its dependencies are settled.
// This goroutine is the only writer of scope's layer and of the status map;
// node tasks report back over outcomes.
func (x *execution) runGraph(ctx context.Context, g *Graph, scope *expressions.Scope, prefix string, limit int) graphResult {
	if len(g.Nodes) == 0 {
		return graphResult{status: schema.NodeSucceeded}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pool := NewWorkerPool(limit)
	outcomes := make(chan nodeOutcome, len(g.Nodes))
	status := make(map[string]schema.NodeStatus, len(g.Nodes))
	waiting := make(map[string]int, len(g.Nodes))
	for name, n := range g.Nodes {
		status[name] = schema.NodePending
		waiting[name] = len(n.Deps)
	}

	ready := append([]string(nil), g.Roots...)
	enqueue := func(name string) {
		idx := g.Nodes[name].Index
		i := sort.Search(len(ready), func(i int) bool { return g.Nodes[ready[i]].Index > idx })
		ready = append(ready, "")
		copy(ready[i+1:], ready[i:])
		ready[i] = name
	}
	settle := func(name string, st schema.NodeStatus) {
		status[name] = st
		for _, dep := range g.Nodes[name].Dependents {
			waiting[dep]--
			if waiting[dep] == 0 {
				enqueue(dep)
			}
		}
	}

	var failure *schema.EngineError
	inflight := 0

	for {
		for len(ready) > 0 && failure == nil && !x.halted.Load() && runCtx.Err() == nil {
			name := ready[0]
			ready = ready[1:]
			node := g.Nodes[name]
			path := joinPath(prefix, name)

			if x.config.SkipCascade && x.memo[path] == nil && anySkipped(node.Deps, status) {
				x.skipNode(ctx, node, path, "dependency skipped")
				_ = bindOutput(scope, name, nil)
				settle(name, schema.NodeSkipped)
				continue
			}

			inflight++
			err := pool.Submit(runCtx, func(taskCtx context.Context) error {
				res := x.runNode(taskCtx, node, scope, path)
				outcomes <- nodeOutcome{name: name, result: res}
				if res.err != nil {
					return res.err
				}
				return nil
			}, func(perr error) {
				outcomes <- nodeOutcome{name: name, result: nodeResult{
					status: schema.NodeFailed,
					err:    schema.NewErrorf(schema.ErrCodeInternal, "node %s panicked: %s", path, perr.Error()).WithNode(path).WithCause(perr),
				}}
			})
			if err != nil {
				inflight--
				failure = cancelledError(path, err)
			}
		}

		if inflight == 0 {
			break
		}

		o := <-outcomes
		inflight--
		switch o.result.status {
		case schema.NodeSucceeded, schema.NodeSkipped:
			if err := bindOutput(scope, o.name, o.result.output); err != nil && failure == nil {
				failure = schema.AsEngineError(err, schema.ErrCodeInternal).WithNode(joinPath(prefix, o.name))
				cancel()
			}
			settle(o.name, o.result.status)
		case schema.NodeSuspended:
			status[o.name] = schema.NodeSuspended
		default:
			status[o.name] = schema.NodeFailed
			if failure == nil {
				failure = o.result.err
				cancel()
			}
		}
	}
	pool.Wait()

	if failure != nil {
		if ctx.Err() != nil {
			failure = cancelledError(prefix, ctx.Err())
		}
		return graphResult{status: schema.NodeFailed, err: failure}
	}
	if ctx.Err() != nil {
		return graphResult{status: schema.NodeFailed, err: cancelledError(prefix, ctx.Err())}
	}
	for _, name := range g.Order {
		if !status[name].Terminal() {
			return graphResult{status: schema.NodeSuspended}
		}
	}

	last := g.Last()
	if status[last] != schema.NodeSucceeded {
		return graphResult{status: schema.NodeSucceeded}
	}
	return graphResult{status: schema.NodeSucceeded, output: outputOf(scope, last)}
}

// runNode drives one node through its lifecycle and records the result.
func (x *execution) runNode(ctx context.Context, node *Node, scope *expressions.Scope, path string) nodeResult {
	if memo, ok := x.memo[path]; ok {
		return nodeResult{status: memo.Status, output: memo.Output, err: memo.Error, attempts: memo.Attempts, replayed: true}
	}

	ctx = logging.WithNode(ctx, path)
	started := time.Now().UTC()
	el := node.Element
	_, resuming := x.resumeTarget(path)

	if guard := el.Guard(); guard != "" && !resuming {
		ok, err := x.resolver.EvaluateCondition(ctx, guard, scope)
		if err != nil {
			ee := nodeError(err, path, schema.ErrCodeExpression)
			x.transition(ctx, path, schema.NodePending, schema.NodeFailed, errorPayload(ee))
			res := nodeResult{status: schema.NodeFailed, err: ee}
			x.record(ctx, node, path, res, started)
			return res
		}
		if !ok {
			x.skipNode(ctx, node, path, "when condition is false")
			return nodeResult{status: schema.NodeSkipped}
		}
	}

	from := schema.NodePending
	if resuming {
		from = schema.NodeSuspended
	}
	x.transition(ctx, path, from, schema.NodeRunning, map[string]any{"type": string(el.ElementType())})

	ctx, span := x.startNodeSpan(ctx, node, path)
	var res nodeResult
	switch e := el.(type) {
	case *schema.Step:
		res = x.runStep(ctx, node, e, scope, path)
	case *schema.Approval:
		res = x.runApproval(ctx, node, e, scope, path)
	case *schema.Parallel:
		res = x.runParallel(ctx, node, e, scope, path)
	case *schema.Branch:
		res = x.runBranch(ctx, node, e, scope, path)
	case *schema.ForEach:
		res = x.runForEach(ctx, node, e, scope, path)
	case *schema.While:
		res = x.runWhile(ctx, node, e, scope, path)
	case *schema.TryCatchFinally:
		res = x.runTry(ctx, node, e, scope, path)
	case *schema.Switch:
		res = x.runSwitch(ctx, node, e, scope, path)
	case *schema.MapReduce:
		res = x.runMapReduce(ctx, node, e, scope, path)
	default:
		res = nodeResult{status: schema.NodeFailed,
			err: schema.NewErrorf(schema.ErrCodeInternal, "unsupported element type %T", el).WithNode(path)}
	}
	x.endSpan(span, string(res.status), errOrNil(res.err))

	payload := map[string]any{}
	if res.err != nil {
		payload = errorPayload(res.err)
	}
	if res.attempts > 1 {
		payload["attempts"] = res.attempts
	}
	x.transition(ctx, path, schema.NodeRunning, res.status, payload)
	x.record(ctx, node, path, res, started)

	switch res.status {
	case schema.NodeFailed:
		x.logger.WarnContext(ctx, "node failed", "error", res.err)
	case schema.NodeSuspended:
		x.logger.InfoContext(ctx, "node suspended")
	default:
		x.logger.DebugContext(ctx, "node finished", "status", res.status, "duration", time.Since(started))
	}
	return res
}

// resumeTarget peeks at whether path is the pending resume point.
func (x *execution) resumeTarget(path string) (any, bool) {
	if x.resumePath == "" || path != x.resumePath || x.resumed.Load() {
		return nil, false
	}
	return x.resumePayload, true
}

func (x *execution) skipNode(ctx context.Context, node *Node, path, reason string) {
	x.transition(ctx, path, schema.NodePending, schema.NodeSkipped, map[string]any{"reason": reason})
	x.record(ctx, node, path, nodeResult{status: schema.NodeSkipped}, time.Now().UTC())
}

func (x *execution) transition(ctx context.Context, path string, from, to schema.NodeStatus, payload map[string]any) {
	if err := x.nodeFSM.Transition(ctx, x.run.ExecutionID, path, from, to, payload); err != nil {
		x.logger.WarnContext(ctx, "node transition not recorded", "from", from, "to", to, "error", err)
	}
}

// record stores the node's result; terminal results also join the replay memo.
func (x *execution) record(ctx context.Context, node *Node, path string, res nodeResult, started time.Time) {
	sr := &schema.StepResult{
		Node:      node.Name,
		Path:      path,
		Type:      node.Element.ElementType(),
		Status:    res.status,
		Output:    res.output,
		Error:     res.err,
		StartedAt: started,
		EndedAt:   time.Now().UTC(),
		Attempts:  res.attempts,
	}
	if res.status == schema.NodeSuspended {
		sr.EndedAt = time.Time{}
	}

	x.mu.Lock()
	x.steps = append(x.steps, sr)
	if res.status.Terminal() {
		x.completed[path] = sr
	}
	x.mu.Unlock()

	if x.recorder != nil {
		if err := x.recorder.RecordProgress(ctx, x.run.ExecutionID, sr); err != nil {
			x.logger.WarnContext(ctx, "step result not recorded", "error", err)
		}
	}
}

// --- Helpers ---

// bindOutput exposes a finished node as `<name>.output`. Skipped nodes bind a
// nil output. Names restored from a resumed context are left alone.
func bindOutput(scope *expressions.Scope, name string, output any) error {
	if scope.Has(name) {
		return nil
	}
	return scope.Bind(name, expressions.OutputBinding(output))
}

func outputOf(scope *expressions.Scope, name string) any {
	v, ok := scope.Lookup(name)
	if !ok {
		return nil
	}
	if m, ok := v.(map[string]any); ok {
		return m["output"]
	}
	return nil
}

func anySkipped(deps []string, status map[string]schema.NodeStatus) bool {
	for _, d := range deps {
		if status[d] == schema.NodeSkipped {
			return true
		}
	}
	return false
}

// nodeError converts err into an EngineError attributed to path. The input
// error is never mutated.
func nodeError(err error, path, fallback string) *schema.EngineError {
	ee := schema.AsEngineError(err, fallback)
	if ee == nil {
		return nil
	}
	cp := *ee
	if cp.Node == "" {
		cp.Node = path
	}
	if cp.Cause == nil && error(ee) != err {
		cp.Cause = err
	}
	return &cp
}

func cancelledError(path string, cause error) *schema.EngineError {
	ee := schema.NewError(schema.ErrCodeCancelled, "execution cancelled").WithCause(cause)
	if errors.Is(cause, context.DeadlineExceeded) {
		ee.Message = "execution deadline exceeded"
	}
	if path != "" {
		ee.Node = path
	}
	return ee
}

func errorPayload(ee *schema.EngineError) map[string]any {
	if ee == nil {
		return map[string]any{}
	}
	return map[string]any{"error": map[string]any{"code": ee.Code, "message": ee.Message, "node": ee.Node}}
}

func errOrNil(ee *schema.EngineError) error {
	if ee == nil {
		return nil
	}
	return ee
}
