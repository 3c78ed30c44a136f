package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/autoflow/internal/expressions"
	"github.com/rendis/autoflow/internal/logging"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/internal/streaming"
	"github.com/rendis/autoflow/internal/telemetry"
	"github.com/rendis/autoflow/pkg/schema"
)

// StepRunner executes one step. Satisfied by *steps.Registry.
type StepRunner interface {
	Execute(ctx context.Context, kind schema.StepKind, config map[string]any, rc *schema.RunContext) schema.StepOutcome
}

// ExecutorConfig holds the dependencies of a RunExecutor.
type ExecutorConfig struct {
	Steps     StepRunner
	Runs      store.RunStore
	Workflows store.WorkflowStore
	Hub       streaming.EventHub // optional
	Tracer    trace.Tracer       // optional
	Logger    *slog.Logger       // optional
}

// RunExecutor drives a single run through its steps, one at a time, and
// records every step result before starting the next one.
type RunExecutor struct {
	steps     StepRunner
	runs      store.RunStore
	workflows store.WorkflowStore
	fsm       *RunFSM
	tracer    trace.Tracer
	logger    *slog.Logger

	// mu guards active.
	mu     sync.Mutex
	active map[string]*activeRun
}

// activeRun is the in-memory handle of a run being executed.
type activeRun struct {
	cancelled atomic.Bool
}

// NewRunExecutor creates a RunExecutor.
func NewRunExecutor(cfg ExecutorConfig) *RunExecutor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.Noop()
	}
	e := &RunExecutor{
		steps:     cfg.Steps,
		runs:      cfg.Runs,
		workflows: cfg.Workflows,
		fsm:       NewRunFSM(cfg.Runs, cfg.Hub, cfg.Logger),
		tracer:    cfg.Tracer,
		logger:    cfg.Logger,
		active:    make(map[string]*activeRun),
	}
	if cfg.Workflows != nil {
		e.fsm.OnEnter(schema.RunStatusFailed, e.recordFailure)
	}
	return e
}

// FSM returns the state machine used for all run transitions.
func (e *RunExecutor) FSM() *RunFSM { return e.fsm }

// Execute runs wf's steps for run, starting after the results the run
// already holds. A pending run is moved to running first; a run that has
// already left pending or running is left untouched.
//
// Step failures never surface as errors; they end up in the run record.
// Execute returns an error only when the run could not be driven at all.
// If ctx ends between steps the run is left running so that it can be
// resumed later.
func (e *RunExecutor) Execute(ctx context.Context, run *schema.Run, wf *schema.Workflow) error {
	ctx = logging.WithRun(ctx, wf.ID, run.ID)
	log := logging.LogWith(ctx, e.logger)

	handle, err := e.register(run.ID)
	if err != nil {
		return err
	}
	defer e.unregister(run.ID)

	ctx, span := e.tracer.Start(ctx, "run "+wf.Name, trace.WithAttributes(
		telemetry.WorkflowIDKey.String(wf.ID),
		telemetry.RunIDKey.String(run.ID),
		telemetry.TriggeredByKey.String(run.TriggeredBy),
	))
	defer span.End()

	ref := RunRef{WorkflowID: wf.ID, RunID: run.ID}
	switch run.Status {
	case schema.RunStatusPending:
		ok, err := e.fsm.Transition(ctx, ref, []schema.RunStatus{schema.RunStatusPending}, schema.RunStatusRunning, TransitionFields{})
		if err != nil {
			telemetry.SetError(span, err)
			return err
		}
		if !ok {
			log.Info("run left pending before it started")
			return nil
		}
	case schema.RunStatusRunning:
		log.Info("resuming run", slog.Int("from_step", len(run.StepResults)))
	default:
		return nil
	}

	rc := schema.NewRunContext(wf.ID, run.ID, run.TriggerData)
	for _, r := range run.StepResults {
		if r.Outcome.Success {
			rc.Merge(r.Outcome.Output)
		}
	}

	for i := len(run.StepResults); i < len(wf.Steps); i++ {
		if err := ctx.Err(); err != nil {
			log.Warn("run interrupted", slog.Int("next_step", i))
			return err
		}
		if e.cancelRequested(ctx, handle, run.ID) {
			log.Info("run cancelled", slog.Int("next_step", i))
			span.SetAttributes(telemetry.RunStatusKey.String(string(schema.RunStatusCancelled)))
			return nil
		}

		step := wf.Steps[i]
		outcome := e.runStep(ctx, i, step, rc)
		if err := ctx.Err(); err != nil {
			// Interrupted mid-step: the step is re-run on resume.
			log.Warn("run interrupted during step", slog.Int("step_index", i))
			return err
		}

		result := schema.StepResult{
			StepIndex: i,
			StepKind:  step.Kind,
			StepName:  step.Name,
			Outcome:   outcome,
			Timestamp: time.Now().UTC(),
		}
		if err := e.runs.AppendStepResult(ctx, run.ID, result); err != nil {
			msg := fmt.Sprintf("record result of step %d: %v", i, err)
			e.finish(ctx, ref, run.StartedAt, schema.RunStatusFailed, &msg)
			telemetry.SetError(span, err)
			return err
		}
		e.publishStep(ctx, ref, result)

		if outcome.Success {
			rc.Merge(outcome.Output)
			continue
		}
		if step.ContinueOnError {
			log.Warn("step failed, continuing",
				slog.Int("step_index", i), slog.String("error", outcome.Error))
			continue
		}

		msg := fmt.Sprintf("step %d (%s) failed: %s", i, stepLabel(step), outcome.Error)
		e.finish(ctx, ref, run.StartedAt, schema.RunStatusFailed, &msg)
		span.SetAttributes(telemetry.RunStatusKey.String(string(schema.RunStatusFailed)))
		return nil
	}

	e.finish(ctx, ref, run.StartedAt, schema.RunStatusCompleted, nil)
	span.SetAttributes(telemetry.RunStatusKey.String(string(schema.RunStatusCompleted)))
	return nil
}

// SignalCancel flags an executing run so that it stops at the next step
// boundary. It reports whether the run was executing in this process.
func (e *RunExecutor) SignalCancel(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.active[runID]
	if ok {
		h.cancelled.Store(true)
	}
	return ok
}

// Active returns the number of runs currently executing.
func (e *RunExecutor) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

func (e *RunExecutor) register(runID string) (*activeRun, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.active[runID]; ok {
		return nil, schema.NewError(schema.ErrCodeConflict, "run is already executing").WithRun(runID)
	}
	h := &activeRun{}
	e.active[runID] = h
	return h, nil
}

func (e *RunExecutor) unregister(runID string) {
	e.mu.Lock()
	delete(e.active, runID)
	e.mu.Unlock()
}

// cancelRequested checks the in-memory flag first and then the stored
// status, which catches cancels issued by another process.
func (e *RunExecutor) cancelRequested(ctx context.Context, h *activeRun, runID string) bool {
	if h.cancelled.Load() {
		return true
	}
	current, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		logging.LogWith(ctx, e.logger).Warn("read run status", slog.String("error", err.Error()))
		return false
	}
	return current.Status != schema.RunStatusRunning
}

func (e *RunExecutor) runStep(ctx context.Context, index int, step schema.Step, rc *schema.RunContext) schema.StepOutcome {
	ctx = logging.WithStepIndex(ctx, index)
	ctx, span := e.tracer.Start(ctx, "step "+string(step.Kind), trace.WithAttributes(
		telemetry.StepIndexKey.Int(index),
		telemetry.StepKindKey.String(string(step.Kind)),
		telemetry.StepNameKey.String(step.Name),
	))
	defer span.End()

	start := time.Now()
	config := expressions.Interpolate(step.Config, rc.Variables)
	if config == nil {
		config = map[string]any{}
	}
	outcome := e.safeExecute(ctx, step.Kind, config, rc)

	log := logging.LogWith(ctx, e.logger)
	if outcome.Success {
		log.Debug("step completed", slog.String("kind", string(step.Kind)), slog.Duration("took", time.Since(start)))
	} else {
		telemetry.SetError(span, schema.NewError(schema.ErrCodeStepExecution, outcome.Error),
			attribute.Bool("autoflow.step.continue_on_error", step.ContinueOnError))
		log.Info("step failed", slog.String("kind", string(step.Kind)), slog.String("error", outcome.Error))
	}
	return outcome
}

// safeExecute converts a panicking step runner into a failed outcome.
func (e *RunExecutor) safeExecute(ctx context.Context, kind schema.StepKind, config map[string]any, rc *schema.RunContext) (outcome schema.StepOutcome) {
	defer func() {
		if p := recover(); p != nil {
			outcome = schema.Failed(fmt.Sprintf("step %s panicked: %v", kind, p))
		}
	}()
	return e.steps.Execute(ctx, kind, config, rc)
}

// finish moves the run from running to a terminal status. Storage is
// reached even when ctx has been cancelled.
func (e *RunExecutor) finish(ctx context.Context, ref RunRef, startedAt time.Time, to schema.RunStatus, errMsg *string) {
	ctx = context.WithoutCancel(ctx)
	now := time.Now().UTC()
	duration := now.Sub(startedAt).Seconds()
	applied, err := e.fsm.Transition(ctx, ref, []schema.RunStatus{schema.RunStatusRunning}, to, TransitionFields{
		CompletedAt:     &now,
		DurationSeconds: &duration,
		Error:           errMsg,
	})
	log := logging.LogWith(ctx, e.logger)
	switch {
	case err != nil:
		log.Error("finish run", slog.String("status", string(to)), slog.String("error", err.Error()))
	case !applied:
		log.Info("run already finished elsewhere", slog.String("wanted", string(to)))
	default:
		log.Info("run finished", slog.String("status", string(to)), slog.Float64("duration_seconds", duration))
	}
}

func (e *RunExecutor) publishStep(ctx context.Context, ref RunRef, result schema.StepResult) {
	eventType := schema.EventStepCompleted
	payload := map[string]any{"stepKind": string(result.StepKind), "stepName": result.StepName}
	if !result.Outcome.Success {
		eventType = schema.EventStepFailed
		payload["error"] = result.Outcome.Error
	}
	index := result.StepIndex
	e.fsm.publish(ctx, streaming.RunEvent{
		Type:       eventType,
		WorkflowID: ref.WorkflowID,
		RunID:      ref.RunID,
		Status:     schema.RunStatusRunning,
		StepIndex:  &index,
		Payload:    payload,
		Timestamp:  result.Timestamp,
	})
}

func (e *RunExecutor) recordFailure(ctx context.Context, ref RunRef, _ schema.RunStatus) error {
	return e.workflows.RecordWorkflowStats(ctx, ref.WorkflowID, store.WorkflowStats{Errors: 1})
}

func stepLabel(step schema.Step) string {
	if step.Name != "" {
		return step.Name
	}
	return string(step.Kind)
}
