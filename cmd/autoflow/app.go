package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rendis/autoflow/internal/automation"
	"github.com/rendis/autoflow/internal/engine"
	"github.com/rendis/autoflow/internal/expressions"
	"github.com/rendis/autoflow/internal/integrations"
	"github.com/rendis/autoflow/internal/scheduler"
	"github.com/rendis/autoflow/internal/steps"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/internal/streaming"
	"github.com/rendis/autoflow/internal/telemetry"
	"github.com/rendis/autoflow/internal/trigger"
	"github.com/rendis/autoflow/internal/validation"
)

// engineApp is the fully wired engine shared by the serve and mcp commands.
type engineApp struct {
	cfg        Config
	logger     *slog.Logger
	store      store.Store
	hub        *streaming.WatermillHub
	dispatcher *trigger.Dispatcher
	scheduler  *scheduler.Scheduler
	service    *automation.Service

	stopTracing telemetry.ShutdownFunc
}

// openStore opens and migrates the configured database.
func openStore(ctx context.Context, cfg Config) (store.Store, error) {
	var (
		s   store.Store
		err error
	)
	switch cfg.DBDriver {
	case "memory":
		s = store.NewMemoryStore()
	case "postgres":
		s, err = store.NewPostgresStore(ctx, cfg.DatabaseURL)
	default:
		if path := strings.TrimPrefix(cfg.DBPath, "file:"); !strings.Contains(path, "://") {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("create database dir: %w", err)
			}
		}
		s, err = store.NewLibSQLStore(libSQLURI(cfg.DBPath))
	}
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// buildEngine wires storage, steps, validation, events, execution, triggers
// and the scheduler. Nothing runs until start is called.
func buildEngine(ctx context.Context, cfg Config, logger *slog.Logger) (*engineApp, error) {
	tracer, stopTracing, err := telemetry.Setup(ctx, "autoflow", version, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		_ = stopTracing(ctx)
		return nil, err
	}
	a := &engineApp{cfg: cfg, logger: logger, store: st, stopTracing: stopTracing}

	deps, err := integrations.Dependencies(cfg.integrations(), st, logger)
	if err != nil {
		a.closeStore()
		return nil, fmt.Errorf("integrations: %w", err)
	}
	reg, err := steps.NewBuiltinRegistry(deps)
	if err != nil {
		a.closeStore()
		return nil, err
	}
	filters, err := expressions.NewFilterEngine()
	if err != nil {
		a.closeStore()
		return nil, err
	}
	validator, err := validation.NewWorkflowValidator(reg, filters)
	if err != nil {
		a.closeStore()
		return nil, err
	}

	a.hub = streaming.NewWatermillHub(logger)
	executor := engine.NewRunExecutor(engine.ExecutorConfig{
		Steps:     reg,
		Runs:      st,
		Workflows: st,
		Hub:       a.hub,
		Tracer:    tracer,
		Logger:    logger,
	})
	a.dispatcher = trigger.NewDispatcher(trigger.Config{
		Workflows: st,
		Runs:      st,
		Executor:  executor,
		Pool:      engine.NewWorkerPool(cfg.MaxConcurrentRuns),
		Filters:   filters,
		Hub:       a.hub,
		Logger:    logger,
	})
	a.scheduler = scheduler.New(st, a.dispatcher, scheduler.Options{
		Interval: time.Duration(cfg.SchedulerInterval),
		CatchUp:  cfg.SchedulerCatchUp,
		Logger:   logger,
	})
	a.service = automation.New(automation.Config{
		Workflows:  st,
		Runs:       st,
		Validator:  validator,
		Dispatcher: a.dispatcher,
		Scheduler:  a.scheduler,
		Steps:      reg,
		Hub:        a.hub,
		Logger:     logger,
	})
	return a, nil
}

// start resumes interrupted runs and starts the scheduler.
func (a *engineApp) start(ctx context.Context) error {
	n, err := a.dispatcher.RecoverRuns(ctx)
	if err != nil {
		return fmt.Errorf("recover runs: %w", err)
	}
	if n > 0 {
		a.logger.Info("resumed interrupted runs", slog.Int("count", n))
	}
	return a.scheduler.Start(ctx)
}

// ready reports whether the store answers queries.
func (a *engineApp) ready(ctx context.Context) bool {
	_, err := a.store.ListWorkflows(ctx, store.WorkflowFilter{Limit: 1})
	return err == nil
}

// shutdown stops the scheduler, drains in-flight runs for up to the
// configured grace period, then releases the hub, tracer and store.
func (a *engineApp) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(a.cfg.ShutdownTimeout))
	defer cancel()

	var errs []error
	if err := a.scheduler.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("scheduler: %w", err))
	}
	if err := a.dispatcher.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("runs: %w", err))
	}
	if err := a.hub.Close(); err != nil {
		errs = append(errs, fmt.Errorf("event hub: %w", err))
	}
	if err := a.stopTracing(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracing: %w", err))
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown incomplete", slog.String("error", err.Error()))
		return
	}
	a.logger.Info("shutdown complete")
}

func (a *engineApp) closeStore() {
	_ = a.store.Close()
	_ = a.stopTracing(context.Background())
}
