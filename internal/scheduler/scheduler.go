package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/ensemble/internal/logging"
	"github.com/rendis/ensemble/internal/store"
)

const (
	defaultPollInterval = 30 * time.Second
	defaultBatchSize    = 100
)

// Handler processes a fired alarm. Returning an error keeps the alarm so the
// next poll retries it.
type Handler func(ctx context.Context, alarm *store.Alarm) error

// TriggerRunner starts an execution of a catalog definition on a cron trigger.
// Satisfied by the orchestrator (avoids import cycle).
type TriggerRunner interface {
	RunScheduled(ctx context.Context, ensemble string, input map[string]any) error
}

// Config tunes the scheduler.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	Logger       *slog.Logger
}

// TriggerInfo describes a registered cron trigger.
type TriggerInfo struct {
	ID       cron.EntryID `json:"id"`
	Ensemble string       `json:"ensemble"`
	Spec     string       `json:"spec"`
	Next     time.Time    `json:"next"`
}

// Scheduler fires durable alarms and cron triggers.
//
// Alarms are persisted first, then armed with an in-process timer that wakes
// the loop at FireAt. A ticker polls the store as well, so alarms written by
// another process, or whose timer was lost in a restart, still fire.
type Scheduler struct {
	store        store.AlarmStore
	runner       TriggerRunner
	parser       cron.Parser
	cron         *cron.Cron
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int
	now          func() time.Time

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	runCtx context.Context
	wake   chan struct{}

	timersMu sync.Mutex
	timers   map[string]*time.Timer

	inflightMu sync.Mutex
	inflight   map[string]struct{} // alarm IDs currently firing (dedup)

	triggersMu sync.Mutex
	triggers   map[cron.EntryID]TriggerInfo
}

// NewScheduler creates a Scheduler. runner may be nil when no cron triggers are used.
func NewScheduler(s store.AlarmStore, runner TriggerRunner, cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	cl := cronLogger{logger}
	return &Scheduler{
		store:  s,
		runner: runner,
		parser: parser,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger:       logger,
		pollInterval: poll,
		batchSize:    batch,
		now:          func() time.Time { return time.Now().UTC() },
		handlers:     make(map[string]Handler),
		wake:         make(chan struct{}, 1),
		timers:       make(map[string]*time.Timer),
		inflight:     make(map[string]struct{}),
		triggers:     make(map[cron.EntryID]TriggerInfo),
	}
}

// Handle registers the handler for alarms of kind.
func (s *Scheduler) Handle(kind string, h Handler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[kind] = h
}

// ScheduleAt persists an alarm that fires at `at` and arms its timer.
func (s *Scheduler) ScheduleAt(ctx context.Context, at time.Time, kind, key string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal alarm payload: %w", err)
		}
		raw = b
	}
	alarm := &store.Alarm{
		ID:      uuid.NewString(),
		Kind:    kind,
		Key:     key,
		FireAt:  at.UTC(),
		Payload: raw,
	}
	if err := s.store.PutAlarm(ctx, alarm); err != nil {
		return fmt.Errorf("put alarm: %w", err)
	}
	s.arm(alarm)
	return nil
}

// Start recovers missed alarms, then launches the polling loop and the cron runner.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.runCtx = schedCtx
	s.done = make(chan struct{})
	s.mu.Unlock()

	if _, err := s.RecoverMissed(schedCtx); err != nil {
		s.logger.Error("failed to recover missed alarms", slog.String("error", err.Error()))
	}

	go s.loop(schedCtx)
	s.cron.Start()
	s.logger.Info("scheduler started", slog.Duration("poll_interval", s.pollInterval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fireDue(ctx)
		case <-s.wake:
			s.fireDue(ctx)
		}
	}
}

// RecoverMissed fires every alarm already due and returns how many fired.
func (s *Scheduler) RecoverMissed(ctx context.Context) (int, error) {
	due, err := s.store.DueAlarms(ctx, s.now(), 0)
	if err != nil {
		return 0, fmt.Errorf("list missed alarms: %w", err)
	}
	fired := 0
	for _, alarm := range due {
		if s.fire(ctx, alarm) {
			fired++
		}
	}
	if fired > 0 {
		s.logger.Info("recovered missed alarms", slog.Int("count", fired))
	}
	return fired, nil
}

// fireDue runs every alarm due now.
func (s *Scheduler) fireDue(ctx context.Context) {
	due, err := s.store.DueAlarms(ctx, s.now(), s.batchSize)
	if err != nil {
		s.logger.Error("failed to list due alarms", slog.String("error", err.Error()))
		return
	}
	for _, alarm := range due {
		if ctx.Err() != nil {
			return
		}
		s.fire(ctx, alarm)
	}
	// A full batch may hide more due alarms.
	if len(due) == s.batchSize {
		s.poke()
	}
}

// fire runs one alarm's handler and deletes the alarm on success.
func (s *Scheduler) fire(ctx context.Context, alarm *store.Alarm) bool {
	if !s.tryAcquire(alarm.ID) {
		return false
	}
	defer s.release(alarm.ID)
	s.disarm(alarm.ID)

	s.handlersMu.RLock()
	h, ok := s.handlers[alarm.Kind]
	s.handlersMu.RUnlock()

	if !ok {
		s.logger.Warn("dropping alarm with no handler",
			slog.String("alarm_id", alarm.ID), slog.String("kind", alarm.Kind))
	} else if err := h(ctx, alarm); err != nil {
		s.logger.Error("alarm handler failed",
			slog.String("alarm_id", alarm.ID),
			slog.String("kind", alarm.Kind),
			slog.String("key", alarm.Key),
			slog.String("error", err.Error()),
		)
		return false
	}

	if err := s.store.DeleteAlarm(ctx, alarm.ID); err != nil {
		s.logger.Error("failed to delete fired alarm",
			slog.String("alarm_id", alarm.ID), slog.String("error", err.Error()))
	}
	return ok
}

// arm schedules a wake-up at the alarm's fire time.
func (s *Scheduler) arm(alarm *store.Alarm) {
	delay := alarm.FireAt.Sub(s.now())
	if delay <= 0 {
		s.poke()
		return
	}
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	s.timers[alarm.ID] = time.AfterFunc(delay, s.poke)
}

func (s *Scheduler) disarm(id string) {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// --- Cron triggers ---

// SetRunner sets the runner for cron triggers. Call it before AddTrigger.
func (s *Scheduler) SetRunner(r TriggerRunner) {
	s.runner = r
}

// AddTrigger runs ensemble with input on every tick of spec.
func (s *Scheduler) AddTrigger(ensemble, spec string, input map[string]any) (cron.EntryID, error) {
	if s.runner == nil {
		return 0, fmt.Errorf("no trigger runner configured")
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return 0, fmt.Errorf("parse cron expression %q: %w", spec, err)
	}
	id := s.cron.Schedule(sched, cron.FuncJob(func() {
		ctx := s.baseContext()
		if err := s.runner.RunScheduled(ctx, ensemble, input); err != nil {
			s.logger.Error("scheduled execution failed",
				slog.String("ensemble", ensemble), slog.String("error", err.Error()))
		}
	}))

	s.triggersMu.Lock()
	s.triggers[id] = TriggerInfo{ID: id, Ensemble: ensemble, Spec: spec}
	s.triggersMu.Unlock()
	return id, nil
}

// RemoveTrigger unregisters a cron trigger.
func (s *Scheduler) RemoveTrigger(id cron.EntryID) {
	s.cron.Remove(id)
	s.triggersMu.Lock()
	delete(s.triggers, id)
	s.triggersMu.Unlock()
}

// Triggers lists the registered cron triggers with their next fire time.
func (s *Scheduler) Triggers() []TriggerInfo {
	s.triggersMu.Lock()
	defer s.triggersMu.Unlock()
	out := make([]TriggerInfo, 0, len(s.triggers))
	for _, entry := range s.cron.Entries() {
		info, ok := s.triggers[entry.ID]
		if !ok {
			continue
		}
		info.Next = entry.Next
		if info.Next.IsZero() {
			info.Next = entry.Schedule.Next(s.now())
		}
		out = append(out, info)
	}
	return out
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

func (s *Scheduler) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx != nil {
		return s.runCtx
	}
	return context.Background()
}

// Stop shuts down the loop, waits for running cron jobs and disarms timers.
func (s *Scheduler) Stop() error {
	s.timersMu.Lock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.timersMu.Unlock()

	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	done := s.done
	s.mu.Unlock()

	<-done
	<-s.cron.Stop().Done()

	s.mu.Lock()
	s.cancel = nil
	s.done = nil
	s.runCtx = nil
	s.mu.Unlock()

	s.logger.Info("scheduler stopped")
	return nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
