package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rendis/ensemble/internal/agents"
	"github.com/rendis/ensemble/internal/engine"
	"github.com/rendis/ensemble/internal/logging"
	"github.com/rendis/ensemble/internal/notify"
	"github.com/rendis/ensemble/internal/orchestrator"
	"github.com/rendis/ensemble/internal/plugins"
	"github.com/rendis/ensemble/internal/resume"
	"github.com/rendis/ensemble/internal/scheduler"
	"github.com/rendis/ensemble/internal/sealing"
	"github.com/rendis/ensemble/internal/store"
	"github.com/rendis/ensemble/internal/streaming"
	"github.com/rendis/ensemble/internal/tracker"
	"github.com/rendis/ensemble/internal/validation"
	"github.com/rendis/ensemble/pkg/schema"
)

const redisRetention = 24 * time.Hour

// app is the wired engine shared by every command.
type app struct {
	cfg       Config
	logger    *slog.Logger
	store     store.Store
	registry  *agents.Registry
	plugins   *plugins.Manager
	validator *validation.DefinitionValidator
	scheduler *scheduler.Scheduler
	router    *notify.Router
	orch      *orchestrator.Orchestrator
	closers   []func() error
}

// newApp opens the stores and builds the orchestrator. Cron triggers need a
// running scheduler, so only serve registers definitions from DefinitionsDir.
func newApp(ctx context.Context, cfg Config, logOut io.Writer) (*app, error) {
	a := &app{
		cfg:    cfg,
		logger: logging.New(logOut, cfg.LogLevel),
		router: notify.NewRouter(),
	}

	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}

	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.registry = agents.NewRegistry(validator)
	if err := agents.RegisterBuiltins(a.registry); err != nil {
		a.Close()
		return nil, err
	}
	if len(cfg.AgentServers) > 0 {
		a.plugins = plugins.NewManager(a.registry, a.logger)
		a.closers = append(a.closers, a.plugins.Close)
		for _, srv := range cfg.AgentServers {
			if _, err := a.plugins.Launch(ctx, srv); err != nil {
				a.Close()
				return nil, err
			}
		}
	}
	a.validator, err = validation.NewDefinitionValidator(a.registry)
	if err != nil {
		a.Close()
		return nil, err
	}

	sealer, err := sealing.New(sealing.Config{
		Passphrase: cfg.SealingPassphrase,
		Salt:       []byte(cfg.SealingSalt),
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.router.Register("log", notify.NewLogChannel(a.logger))
	if cfg.NATSURL != "" {
		ch, err := notify.DialNATS(cfg.NATSURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.router.Register("nats", ch)
		a.closers = append(a.closers, ch.Close)
	}

	a.scheduler = scheduler.NewScheduler(a.store, nil, scheduler.Config{
		PollInterval: time.Duration(cfg.AlarmPollInterval),
		Logger:       a.logger,
	})
	a.closers = append(a.closers, a.scheduler.Stop)

	cb := engine.DefaultCircuitBreakerConfig()
	tr := tracker.New(a.store, streaming.NewMemoryHub(), a.logger)
	a.orch = orchestrator.New(orchestrator.Deps{
		Executor: engine.NewExecutor(a.registry, tr, engine.Config{
			MaxConcurrency: cfg.MaxConcurrency,
			CircuitBreaker: &cb,
			Logger:         a.logger,
		}),
		Tracker: tr,
		Resumes: resume.NewManager(a.store,
			resume.WithSealer(sealer),
			resume.WithScheduler(a.scheduler),
			resume.WithDefaultTTL(time.Duration(cfg.ApprovalTTL)),
			resume.WithLogger(a.logger),
		),
		Validator: a.validator,
		Notifier:  a.router,
		Triggers:  a.scheduler,
		Logger:    a.logger,
	})
	a.scheduler.SetRunner(a.orch)
	a.scheduler.Handle(resume.AlarmKindTokenExpiry, a.orch.HandleAlarm)
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	if dir := filepath.Dir(a.cfg.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	base, err := store.NewLibSQLStore("file:" + a.cfg.DBPath)
	if err != nil {
		return err
	}
	a.store = base
	if err := base.Migrate(ctx); err != nil {
		_ = base.Close()
		a.store = nil
		return err
	}

	if a.cfg.RedisURL != "" {
		tokens, err := store.NewRedisTokenStore(ctx, a.cfg.RedisURL, redisRetention)
		if err != nil {
			_ = base.Close()
			a.store = nil
			return err
		}
		a.store = store.WithTokenStore(base, tokens)
	}
	a.closers = append(a.closers, a.store.Close)
	return nil
}

// loadDefinitions registers every definition file found in dir.
func (a *app) loadDefinitions(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() || !isDefinitionFile(e.Name()) {
			continue
		}
		def, err := readDefinition(filepath.Join(dir, e.Name()))
		if err != nil {
			return n, err
		}
		if err := a.orch.Register(def); err != nil {
			return n, fmt.Errorf("%s: %w", e.Name(), err)
		}
		n++
	}
	return n, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("shutdown", "error", err)
		}
	}
	a.closers = nil
}

func isDefinitionFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

func readDefinition(path string) (*schema.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	def, err := schema.ParseDefinition(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}
