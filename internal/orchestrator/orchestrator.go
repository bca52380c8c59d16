package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/ensemble/internal/engine"
	"github.com/rendis/ensemble/internal/logging"
	"github.com/rendis/ensemble/internal/notify"
	"github.com/rendis/ensemble/internal/resume"
	"github.com/rendis/ensemble/internal/store"
	"github.com/rendis/ensemble/internal/streaming"
	"github.com/rendis/ensemble/internal/tracker"
	"github.com/rendis/ensemble/pkg/schema"
)

// Validator checks definitions and execution input.
type Validator interface {
	ValidateDefinition(def *schema.Definition) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// Notifier fans an approval request out to its destinations.
type Notifier interface {
	Notify(ctx context.Context, dests []string, msg *notify.Message) error
}

// TriggerRegistrar schedules cron triggers. scheduler.Scheduler implements it.
type TriggerRegistrar interface {
	AddTrigger(ensemble, spec string, input map[string]any) (cron.EntryID, error)
	RemoveTrigger(id cron.EntryID)
}

// Deps holds the collaborators of an Orchestrator.
type Deps struct {
	Executor  *engine.Executor
	Tracker   *tracker.Tracker
	Resumes   *resume.Manager
	Validator Validator        // optional
	Notifier  Notifier         // optional
	Triggers  TriggerRegistrar // optional
	Logger    *slog.Logger
}

// ExecutionResult is what callers get back from running or resuming an execution.
type ExecutionResult struct {
	ExecutionID string                  `json:"execution_id"`
	Ensemble    string                  `json:"ensemble"`
	Status      schema.ExecutionStatus  `json:"status"`
	Output      any                     `json:"output,omitempty"`
	Error       *schema.EngineError     `json:"error,omitempty"`
	Token       *schema.ResumptionToken `json:"token,omitempty"`
	Steps       []*schema.StepResult    `json:"steps,omitempty"`
}

// Orchestrator is the caller-facing API: it runs definitions through the
// executor, records them with the tracker, and suspends and resumes them
// through the resumption manager.
type Orchestrator struct {
	executor  *engine.Executor
	tracker   *tracker.Tracker
	resumes   *resume.Manager
	validator Validator
	notifier  Notifier
	triggers  TriggerRegistrar
	logger    *slog.Logger
	newID     func() string

	catalogMu sync.RWMutex
	catalog   map[string]*entry

	runsMu sync.Mutex
	runs   map[string]context.CancelFunc
}

type entry struct {
	def      *schema.Definition
	triggers []cron.EntryID
}

// New creates an Orchestrator.
func New(deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Orchestrator{
		executor:  deps.Executor,
		tracker:   deps.Tracker,
		resumes:   deps.Resumes,
		validator: deps.Validator,
		notifier:  deps.Notifier,
		triggers:  deps.Triggers,
		logger:    logger,
		newID:     uuid.NewString,
		catalog:   make(map[string]*entry),
		runs:      make(map[string]context.CancelFunc),
	}
}

// --- Catalog ---

// Register validates def and adds it to the catalog under its name, replacing
// an earlier version together with its cron triggers.
func (o *Orchestrator) Register(def *schema.Definition) error {
	if err := o.validate(def); err != nil {
		return err
	}

	e := &entry{def: def}
	if o.triggers != nil {
		for i, tr := range def.Triggers {
			id, err := o.triggers.AddTrigger(def.Name, tr.Cron, tr.Input)
			if err != nil {
				o.removeTriggers(e.triggers)
				return schema.NewErrorf(schema.ErrCodeValidation, "trigger %d: %s", i, err.Error()).WithCause(err)
			}
			e.triggers = append(e.triggers, id)
		}
	}

	o.catalogMu.Lock()
	prev := o.catalog[def.Name]
	o.catalog[def.Name] = e
	o.catalogMu.Unlock()

	if prev != nil {
		o.removeTriggers(prev.triggers)
	}
	o.logger.Info("ensemble registered", "ensemble", def.Name, "version", def.Version, "triggers", len(e.triggers))
	return nil
}

// Definition returns the catalog entry named name.
func (o *Orchestrator) Definition(name string) (*schema.Definition, bool) {
	o.catalogMu.RLock()
	defer o.catalogMu.RUnlock()
	e, ok := o.catalog[name]
	if !ok {
		return nil, false
	}
	return e.def, true
}

// Definitions lists the catalog sorted by name.
func (o *Orchestrator) Definitions() []*schema.Definition {
	o.catalogMu.RLock()
	defer o.catalogMu.RUnlock()
	out := make([]*schema.Definition, 0, len(o.catalog))
	for _, e := range o.catalog {
		out = append(out, e.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (o *Orchestrator) removeTriggers(ids []cron.EntryID) {
	for _, id := range ids {
		o.triggers.RemoveTrigger(id)
	}
}

// --- Executions ---

// Run executes the catalog definition named ensemble.
func (o *Orchestrator) Run(ctx context.Context, ensemble string, input map[string]any) (*ExecutionResult, error) {
	def, ok := o.Definition(ensemble)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "ensemble %q is not registered", ensemble)
	}
	return o.ExecuteGraph(ctx, def, input)
}

// RunScheduled runs a catalog definition on behalf of a cron trigger. A
// suspension is a normal outcome; only failures are errors.
func (o *Orchestrator) RunScheduled(ctx context.Context, ensemble string, input map[string]any) error {
	res, err := o.Run(ctx, ensemble, input)
	if err != nil {
		return err
	}
	o.logger.InfoContext(ctx, "scheduled execution finished",
		"ensemble", ensemble, "execution_id", res.ExecutionID, "status", string(res.Status))
	return nil
}

// ExecuteGraph validates def and input, then runs def to completion or to its
// first suspension point. The error is non-nil when the execution failed or
// was cancelled; the result is still returned whenever the execution started.
func (o *Orchestrator) ExecuteGraph(ctx context.Context, def *schema.Definition, input map[string]any) (*ExecutionResult, error) {
	if err := o.validate(def); err != nil {
		return nil, err
	}
	if o.validator != nil && len(def.InputSchema) > 0 {
		if err := o.validator.ValidateInput(input, def.InputSchema); err != nil {
			return nil, err
		}
	}
	g, err := engine.Build(def.Flow)
	if err != nil {
		return nil, err
	}

	id := o.newID()
	ctx = logging.WithIDs(ctx, id, def.Name)
	if err := o.tracker.Start(ctx, id, def.Name, input); err != nil {
		return nil, err
	}

	runCtx, done := o.track(ctx, id)
	res, runErr := o.executor.Execute(runCtx, g, engine.Run{ExecutionID: id, Ensemble: def.Name, Input: input})
	done()

	return o.finish(ctx, id, def, input, res, runErr)
}

// Resume consumes token and continues the suspended execution with payload
// bound as the output of the suspension node. Token errors are final.
func (o *Orchestrator) Resume(ctx context.Context, token string, payload any) (*ExecutionResult, error) {
	snap, payload, err := o.resumes.Resume(ctx, token, payload)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithIDs(ctx, snap.ExecutionID, snap.Ensemble)

	var def schema.Definition
	if err := json.Unmarshal(snap.Definition, &def); err != nil {
		return o.abort(ctx, snap.ExecutionID, snap.Ensemble,
			schema.NewError(schema.ErrCodeStore, "suspended definition is corrupt").WithCause(err))
	}
	g, err := engine.Build(def.Flow)
	if err != nil {
		return o.abort(ctx, snap.ExecutionID, snap.Ensemble, err)
	}

	// Tracked before MarkResumed so a concurrent Cancel finds the run.
	runCtx, done := o.track(ctx, snap.ExecutionID)
	if err := o.tracker.MarkResumed(ctx, snap.ExecutionID); err != nil {
		done()
		return nil, err
	}

	res, runErr := o.executor.ResumeAt(runCtx, g, engine.ResumePoint{
		NodePath:  snap.NodePath,
		Payload:   payload,
		Context:   snap.Context,
		Completed: snap.Completed,
	}, engine.Run{ExecutionID: snap.ExecutionID, Ensemble: snap.Ensemble, Input: snap.Input})
	done()

	input, _ := snap.Input.(map[string]any)
	return o.finish(ctx, snap.ExecutionID, &def, input, res, runErr)
}

// GetExecutionStatus returns the cumulative status of an execution.
func (o *Orchestrator) GetExecutionStatus(ctx context.Context, executionID string) (*tracker.Status, error) {
	return o.tracker.GetStatus(ctx, executionID)
}

// StreamExecutionEvents returns the current status and a channel of every
// later event. cancel releases the subscription.
func (o *Orchestrator) StreamExecutionEvents(ctx context.Context, executionID string) (*tracker.Status, <-chan streaming.StreamEvent, func(), error) {
	return o.tracker.Subscribe(ctx, executionID)
}

// Events returns persisted events after sequence since.
func (o *Orchestrator) Events(ctx context.Context, executionID string, since int64) ([]*store.Event, error) {
	return o.tracker.Events(ctx, executionID, since)
}

// Approval describes a pending approval without consuming its token.
func (o *Orchestrator) Approval(ctx context.Context, token string) (*schema.TokenMetadata, error) {
	return o.resumes.GetMetadata(ctx, token)
}

// Cancel stops an execution. A run in this process is interrupted and records
// itself as cancelled; a suspended execution has its token withdrawn. When a
// concurrent Resume consumed the token first, the resume wins and Cancel
// reports CONFLICT.
func (o *Orchestrator) Cancel(ctx context.Context, executionID, reason string) error {
	if o.stopRun(ctx, executionID, reason) {
		return nil
	}

	status, err := o.tracker.GetStatus(ctx, executionID)
	if err != nil {
		return err
	}
	// A resume in this process may have started since the first check.
	if o.stopRun(ctx, executionID, reason) {
		return nil
	}
	if status.Status == schema.ExecutionSuspended && status.Token != "" {
		cancelled, err := o.resumes.Cancel(ctx, status.Token)
		if err != nil {
			return err
		}
		if !cancelled {
			return o.cancelConflict(ctx, executionID, status.Token)
		}
	}
	return o.tracker.MarkCancelled(ctx, executionID, reason)
}

func (o *Orchestrator) stopRun(ctx context.Context, executionID, reason string) bool {
	o.runsMu.Lock()
	stop, running := o.runs[executionID]
	o.runsMu.Unlock()
	if !running {
		return false
	}
	o.logger.InfoContext(ctx, "cancelling running execution", "execution_id", executionID, "reason", reason)
	stop()
	return true
}

// cancelConflict reports why a suspended execution's token could not be
// withdrawn.
func (o *Orchestrator) cancelConflict(ctx context.Context, executionID, token string) error {
	details := map[string]any{"execution_id": executionID}
	if md, err := o.resumes.GetMetadata(ctx, token); err == nil {
		details["token_status"] = string(md.Status)
	}
	if status, err := o.tracker.GetStatus(ctx, executionID); err == nil {
		details["status"] = string(status.Status)
	}
	return schema.NewErrorf(schema.ErrCodeConflict,
		"execution %s can no longer be cancelled: its resumption token was already closed", executionID).
		WithDetails(details)
}

// HandleAlarm processes scheduler alarms. A token_expiry alarm expires the
// token and, when it was still pending, the execution.
func (o *Orchestrator) HandleAlarm(ctx context.Context, alarm *store.Alarm) error {
	if alarm.Kind != resume.AlarmKindTokenExpiry {
		o.logger.WarnContext(ctx, "ignoring alarm", "kind", alarm.Kind, "key", alarm.Key)
		return nil
	}
	executionID, expired, err := o.resumes.Expire(ctx, alarm.Key)
	if err != nil {
		if schema.ErrorCode(err) == schema.ErrCodeTokenNotFound {
			return nil
		}
		return err
	}
	if !expired {
		// A resume attempt after the deadline may have closed the token first.
		md, err := o.resumes.GetMetadata(ctx, alarm.Key)
		if err != nil || md.Status != schema.TokenExpired {
			return nil
		}
	}
	if err := o.tracker.MarkExpired(ctx, executionID); err != nil {
		if schema.ErrorCode(err) == schema.ErrCodeInvalidTransition {
			o.logger.InfoContext(ctx, "execution no longer suspended at expiry", "execution_id", executionID)
			return nil
		}
		return err
	}
	return nil
}

// Running reports how many executions are in flight in this process.
func (o *Orchestrator) Running() int {
	o.runsMu.Lock()
	defer o.runsMu.Unlock()
	return len(o.runs)
}

// --- internals ---

func (o *Orchestrator) validate(def *schema.Definition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "definition is nil")
	}
	if o.validator == nil {
		return nil
	}
	return o.validator.ValidateDefinition(def)
}

// track registers a cancellable context for executionID.
func (o *Orchestrator) track(ctx context.Context, executionID string) (context.Context, func()) {
	runCtx, cancel := context.WithCancel(ctx)
	o.runsMu.Lock()
	o.runs[executionID] = cancel
	o.runsMu.Unlock()
	return runCtx, func() {
		o.runsMu.Lock()
		delete(o.runs, executionID)
		o.runsMu.Unlock()
		cancel()
	}
}

// finish records the outcome of Execute or ResumeAt.
func (o *Orchestrator) finish(ctx context.Context, executionID string, def *schema.Definition, input map[string]any, res *engine.Result, runErr error) (*ExecutionResult, error) {
	// Outcomes are recorded even when the caller's context is gone.
	ctx = context.WithoutCancel(ctx)

	if res == nil {
		ee := schema.AsEngineError(runErr, schema.ErrCodeInternal)
		if ee == nil {
			ee = schema.NewError(schema.ErrCodeInternal, "executor returned no result")
		}
		return o.abort(ctx, executionID, def.Name, ee)
	}

	out := &ExecutionResult{
		ExecutionID: executionID,
		Ensemble:    def.Name,
		Status:      res.Status,
		Output:      res.Output,
		Error:       res.Error,
		Steps:       res.Steps,
	}

	if res.Status == schema.ExecutionSuspended {
		tok, err := o.suspend(ctx, executionID, def, input, res.Suspension)
		if err != nil {
			return o.abort(ctx, executionID, def.Name, err)
		}
		out.Token = tok
		return out, nil
	}

	var recErr error
	if res.Status != schema.ExecutionSucceeded {
		recErr = res.Error
		if recErr == nil {
			recErr = runErr
		}
	}
	if err := o.tracker.Complete(ctx, executionID, res.Output, recErr); err != nil {
		o.logger.ErrorContext(ctx, "failed to record completion", "error", err)
		return out, err
	}
	if res.Error != nil {
		return out, res.Error
	}
	return out, nil
}

// suspend persists the snapshot, marks the execution suspended, and sends the
// approval notification. Notification failures are only logged.
func (o *Orchestrator) suspend(ctx context.Context, executionID string, def *schema.Definition, input map[string]any, s *engine.Suspension) (*schema.ResumptionToken, error) {
	if s == nil {
		return nil, schema.NewError(schema.ErrCodeInternal, "suspended without a suspension point")
	}
	rawDef, err := json.Marshal(def)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeInternal, "definition is not serializable").WithCause(err)
	}

	snap := &schema.SuspendedExecution{
		ExecutionID: executionID,
		Ensemble:    def.Name,
		Definition:  rawDef,
		Context:     s.Context,
		NodePath:    s.NodePath,
		NodeName:    s.NodeName,
		Completed:   s.Completed,
		Message:     s.Message,
		Notify:      s.Notify,
	}
	if input != nil {
		snap.Input = input
	}

	tok, err := o.resumes.Suspend(ctx, snap, s.TTL)
	if err != nil {
		return nil, err
	}
	if err := o.tracker.MarkSuspended(ctx, executionID, tok.Token, s.NodePath); err != nil {
		if _, cerr := o.resumes.Cancel(ctx, tok.Token); cerr != nil {
			o.logger.WarnContext(ctx, "token left pending", "error", cerr)
		}
		return nil, err
	}

	if o.notifier != nil && len(s.Notify) > 0 {
		msg := &notify.Message{
			ExecutionID: executionID,
			Ensemble:    def.Name,
			NodePath:    s.NodePath,
			NodeName:    s.NodeName,
			Token:       tok.Token,
			ExpiresAt:   tok.ExpiresAt,
			Message:     s.Message,
		}
		if err := o.notifier.Notify(ctx, s.Notify, msg); err != nil {
			o.logger.WarnContext(ctx, "approval notification failed", "node", s.NodePath, "error", err)
		}
	}
	return tok, nil
}

// abort records a failure that happened outside the executor.
func (o *Orchestrator) abort(ctx context.Context, executionID, ensemble string, cause error) (*ExecutionResult, error) {
	ee := schema.AsEngineError(cause, schema.ErrCodeInternal)
	if err := o.tracker.Complete(context.WithoutCancel(ctx), executionID, nil, ee); err != nil {
		o.logger.ErrorContext(ctx, "failed to record failure", "error", err)
	}
	status := schema.ExecutionFailed
	if ee.Code == schema.ErrCodeCancelled {
		status = schema.ExecutionCancelled
	}
	return &ExecutionResult{ExecutionID: executionID, Ensemble: ensemble, Status: status, Error: ee}, ee
}

var _ interface {
	RunScheduled(ctx context.Context, ensemble string, input map[string]any) error
} = (*Orchestrator)(nil)
