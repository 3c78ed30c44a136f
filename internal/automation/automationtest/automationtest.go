// Package automationtest builds an in-memory automation.Service for tests.
package automationtest

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rendis/autoflow/internal/automation"
	"github.com/rendis/autoflow/internal/engine"
	"github.com/rendis/autoflow/internal/expressions"
	"github.com/rendis/autoflow/internal/integrations"
	"github.com/rendis/autoflow/internal/scheduler"
	"github.com/rendis/autoflow/internal/steps"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/internal/streaming"
	"github.com/rendis/autoflow/internal/trigger"
	"github.com/rendis/autoflow/internal/validation"
	"github.com/rendis/autoflow/pkg/schema"
)

// Env is a fully wired service backed by a MemoryStore.
type Env struct {
	Service    *automation.Service
	Store      *store.MemoryStore
	Dispatcher *trigger.Dispatcher
	Scheduler  *scheduler.Scheduler
	Hub        streaming.EventHub
}

// New wires the builtin step registry, validator, event hub, executor,
// dispatcher and scheduler around a fresh MemoryStore. Everything is shut
// down when the test ends. The scheduler is not started.
func New(t testing.TB) *Env {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	s := store.NewMemoryStore()
	reg, err := steps.NewBuiltinRegistry(steps.Dependencies{Commands: &integrations.ExecRunner{}, Tasks: s})
	require.NoError(t, err)
	filters, err := expressions.NewFilterEngine()
	require.NoError(t, err)
	validator, err := validation.NewWorkflowValidator(reg, filters)
	require.NoError(t, err)

	hub := streaming.NewWatermillHub(logger)
	exec := engine.NewRunExecutor(engine.ExecutorConfig{
		Steps: reg, Runs: s, Workflows: s, Hub: hub, Logger: logger,
	})
	dispatcher := trigger.NewDispatcher(trigger.Config{
		Workflows: s,
		Runs:      s,
		Executor:  exec,
		Pool:      engine.NewWorkerPool(8),
		Filters:   filters,
		Hub:       hub,
		Logger:    logger,
	})
	sched := scheduler.New(s, dispatcher, scheduler.Options{Logger: logger})

	svc := automation.New(automation.Config{
		Workflows:  s,
		Runs:       s,
		Validator:  validator,
		Dispatcher: dispatcher,
		Scheduler:  sched,
		Steps:      reg,
		Hub:        hub,
		Logger:     logger,
	})

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = dispatcher.Shutdown(ctx)
		_ = hub.Close()
	})
	return &Env{Service: svc, Store: s, Dispatcher: dispatcher, Scheduler: sched, Hub: hub}
}

// EchoWorkflow is a valid manual workflow with one command step.
func EchoWorkflow(name string) automation.CreateWorkflowInput {
	return automation.CreateWorkflowInput{
		Name:    name,
		Trigger: schema.Trigger{Type: schema.TriggerManual},
		Steps: []schema.Step{
			{Kind: schema.StepCommand, Name: "echo", Config: map[string]any{"command": "echo", "args": []any{"{{greeting}}"}}},
		},
	}
}

// WaitTerminal polls until the run reaches a terminal status.
func (e *Env) WaitTerminal(t testing.TB, runID string) *schema.Run {
	t.Helper()
	var run *schema.Run
	require.Eventually(t, func() bool {
		r, err := e.Store.GetRun(context.Background(), runID)
		if err != nil {
			return false
		}
		run = r
		return r.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)
	return run
}
