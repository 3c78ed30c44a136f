// Package trigger turns trigger deliveries into runs: it creates the run
// record, hands it to the worker pool and handles cancellation and restart
// recovery.
package trigger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/autoflow/internal/engine"
	"github.com/rendis/autoflow/internal/logging"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/internal/streaming"
	"github.com/rendis/autoflow/pkg/schema"
)

// TriggeredBySchedule and TriggeredByManual are the triggeredBy values of
// scheduled and direct runs.
const (
	TriggeredByManual   = "manual"
	TriggeredBySchedule = "schedule"
)

// FilterMatcher evaluates a trigger filter against one delivery.
type FilterMatcher interface {
	Match(ctx context.Context, expression string, data map[string]any, headers map[string]string, source string) (bool, error)
}

// Config holds the dependencies of a Dispatcher.
type Config struct {
	Workflows store.WorkflowStore
	Runs      store.RunStore
	Executor  *engine.RunExecutor
	Pool      *engine.WorkerPool
	Filters   FilterMatcher      // optional; filters are ignored when nil
	Hub       streaming.EventHub // optional
	Logger    *slog.Logger       // optional
}

// Dispatcher starts runs for triggers and routes cancel requests.
type Dispatcher struct {
	workflows store.WorkflowStore
	runs      store.RunStore
	executor  *engine.RunExecutor
	pool      *engine.WorkerPool
	filters   FilterMatcher
	hub       streaming.EventHub
	logger    *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Pool == nil {
		cfg.Pool = engine.NewWorkerPool(engine.DefaultPoolSize)
	}
	return &Dispatcher{
		workflows: cfg.Workflows,
		runs:      cfg.Runs,
		executor:  cfg.Executor,
		pool:      cfg.Pool,
		filters:   cfg.Filters,
		hub:       cfg.Hub,
		logger:    cfg.Logger,
	}
}

// StartRun creates a pending run of an enabled workflow and schedules its
// execution. It returns as soon as the run is stored; the returned record is
// the pending snapshot.
func (d *Dispatcher) StartRun(ctx context.Context, workflowID string, triggerData map[string]any, triggeredBy string) (*schema.Run, error) {
	wf, err := d.workflows.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if triggeredBy == "" {
		triggeredBy = TriggeredByManual
	}
	return d.start(ctx, wf, triggerData, triggeredBy, nil)
}

func (d *Dispatcher) start(ctx context.Context, wf *schema.Workflow, triggerData map[string]any, triggeredBy string, metadata map[string]any) (*schema.Run, error) {
	if !wf.Enabled {
		return nil, schema.NewErrorf(schema.ErrCodeWorkflowDisabled, "workflow %q is disabled", wf.ID).
			WithDetails(map[string]any{"workflow_id": wf.ID})
	}
	if triggerData == nil {
		triggerData = map[string]any{}
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata[stepsDigestKey] = stepsDigest(wf.Steps)

	now := time.Now().UTC()
	run := &schema.Run{
		ID:          uuid.NewString(),
		WorkflowID:  wf.ID,
		TriggeredBy: triggeredBy,
		TriggerData: triggerData,
		Status:      schema.RunStatusPending,
		StartedAt:   now,
		StepResults: []schema.StepResult{},
		Metadata:    metadata,
	}
	if err := d.runs.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	ctx = logging.WithRun(ctx, wf.ID, run.ID)
	log := logging.LogWith(ctx, d.logger)
	if err := d.workflows.RecordWorkflowStats(ctx, wf.ID, store.WorkflowStats{Runs: 1, LastRun: &now}); err != nil {
		log.Warn("record workflow stats", slog.String("error", err.Error()))
	}
	d.publish(ctx, streaming.RunEvent{
		Type:       schema.EventRunCreated,
		WorkflowID: wf.ID,
		RunID:      run.ID,
		Status:     schema.RunStatusPending,
		Payload:    map[string]any{"triggeredBy": triggeredBy},
		Timestamp:  now,
	})

	if err := d.submit(run, wf); err != nil {
		msg := "run could not be scheduled: " + err.Error()
		d.fail(ctx, run, msg)
		return nil, schema.NewError(schema.ErrCodeConflict, msg).WithRun(run.ID).WithCause(err)
	}
	log.Info("run started", slog.String("triggered_by", triggeredBy))

	snapshot := *run
	return &snapshot, nil
}

func (d *Dispatcher) submit(run *schema.Run, wf *schema.Workflow) error {
	execRun := *run
	return d.pool.Submit(func(ctx context.Context) error {
		return d.executor.Execute(ctx, &execRun, wf)
	})
}

// TriggerWebhook starts one run for every enabled webhook workflow listening
// on webhookID whose filter accepts the delivery. Workflows that fail to
// start are logged and skipped.
func (d *Dispatcher) TriggerWebhook(ctx context.Context, webhookID string, data map[string]any, headers map[string]string) ([]string, error) {
	webhook := schema.TriggerWebhook
	enabled := true
	workflows, err := d.workflows.ListWorkflows(ctx, store.WorkflowFilter{
		Enabled:     &enabled,
		TriggerType: &webhook,
		WebhookID:   webhookID,
	})
	if err != nil {
		return nil, err
	}

	source := "webhook:" + webhookID
	metadata := map[string]any{"webhookId": webhookID}
	if kept := storableHeaders(headers); len(kept) > 0 {
		metadata["headers"] = kept
	}
	return d.fanOut(ctx, workflows, data, headers, source, metadata), nil
}

// credentialHeaderParts mark headers that carry caller credentials.
var credentialHeaderParts = []string{
	"authorization", "cookie", "token", "secret", "password", "signature", "api-key", "apikey", "session",
}

// storableHeaders is the copy of a delivery's headers kept in run metadata.
// Credential-bearing headers stay visible to the trigger filter but are not
// persisted.
func storableHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for name, value := range headers {
		lower := strings.ToLower(name)
		secret := false
		for _, part := range credentialHeaderParts {
			if strings.Contains(lower, part) {
				secret = true
				break
			}
		}
		if !secret {
			out[name] = value
		}
	}
	return out
}

// TriggerEvent starts one run for every enabled workflow whose trigger type
// is triggerType. It serves the event-driven trigger types; manual, schedule
// and webhook triggers have their own entry points.
func (d *Dispatcher) TriggerEvent(ctx context.Context, triggerType schema.TriggerType, data map[string]any, source string) ([]string, error) {
	switch {
	case !triggerType.Valid():
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTrigger, "unknown trigger type %q", triggerType)
	case triggerType == schema.TriggerManual, triggerType == schema.TriggerSchedule, triggerType == schema.TriggerWebhook:
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTrigger, "trigger type %q cannot be fired as an event", triggerType)
	}

	enabled := true
	workflows, err := d.workflows.ListWorkflows(ctx, store.WorkflowFilter{Enabled: &enabled, TriggerType: &triggerType})
	if err != nil {
		return nil, err
	}
	if source == "" {
		source = string(triggerType)
	}
	metadata := map[string]any{"triggerType": string(triggerType), "source": source}
	return d.fanOut(ctx, workflows, data, nil, source, metadata), nil
}

func (d *Dispatcher) fanOut(ctx context.Context, workflows []*schema.Workflow, data map[string]any, headers map[string]string, source string, metadata map[string]any) []string {
	ids := []string{}
	for _, wf := range workflows {
		log := d.logger.With(slog.String("workflow_id", wf.ID), slog.String("source", source))
		if wf.Trigger.Filter != "" && d.filters != nil {
			ok, err := d.filters.Match(ctx, wf.Trigger.Filter, data, headers, source)
			if err != nil {
				log.Warn("trigger filter failed, skipping workflow", slog.String("error", err.Error()))
				continue
			}
			if !ok {
				log.Debug("trigger filter rejected delivery")
				continue
			}
		}
		run, err := d.start(ctx, wf, cloneData(data), source, metadata)
		if err != nil {
			log.Warn("start run", slog.String("error", err.Error()))
			continue
		}
		ids = append(ids, run.ID)
	}
	return ids
}

// CancelRun cancels a pending or running run. The stored status changes
// immediately; an executing run stops at its next step boundary.
func (d *Dispatcher) CancelRun(ctx context.Context, runID string) (bool, error) {
	run, err := d.runs.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	if run.Status.IsTerminal() {
		return false, notCancellable(run)
	}

	now := time.Now().UTC()
	duration := now.Sub(run.StartedAt).Seconds()
	applied, err := d.executor.FSM().Transition(ctx,
		engine.RunRef{WorkflowID: run.WorkflowID, RunID: run.ID},
		[]schema.RunStatus{schema.RunStatusPending, schema.RunStatusRunning},
		schema.RunStatusCancelled,
		engine.TransitionFields{CompletedAt: &now, DurationSeconds: &duration},
	)
	if err != nil {
		return false, err
	}
	if !applied {
		// Finished between the read and the update.
		if current, err := d.runs.GetRun(ctx, runID); err == nil {
			run = current
		}
		return false, notCancellable(run)
	}

	d.executor.SignalCancel(runID)
	logging.LogWith(logging.WithRun(ctx, run.WorkflowID, run.ID), d.logger).Info("run cancelled")
	return true, nil
}

// RecoverRuns resumes every run left pending or running by a previous
// process. Runs whose workflow no longer exists are failed.
func (d *Dispatcher) RecoverRuns(ctx context.Context) (int, error) {
	runs, err := d.runs.ListRuns(ctx, store.RunFilter{
		Statuses: []schema.RunStatus{schema.RunStatusPending, schema.RunStatusRunning},
	})
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, run := range runs {
		rctx := logging.WithRun(ctx, run.WorkflowID, run.ID)
		log := logging.LogWith(rctx, d.logger)

		wf, err := d.workflows.GetWorkflow(rctx, run.WorkflowID)
		if schema.IsCode(err, schema.ErrCodeWorkflowNotFound) {
			d.fail(rctx, run, "workflow was deleted before the run finished")
			continue
		}
		if err != nil {
			log.Error("load workflow for recovery", slog.String("error", err.Error()))
			continue
		}
		if stepsChanged(run, wf) {
			d.fail(rctx, run, "workflow steps changed before the run finished")
			continue
		}
		if err := d.submit(run, wf); err != nil {
			return resumed, fmt.Errorf("resume run %s: %w", run.ID, err)
		}
		log.Info("run recovered", slog.String("status", string(run.Status)), slog.Int("completed_steps", len(run.StepResults)))
		resumed++
	}
	return resumed, nil
}

// stepsDigestKey names the run metadata entry fingerprinting the step list
// the run was started with.
const stepsDigestKey = "stepsDigest"

func stepsDigest(steps []schema.Step) string {
	raw, err := json.Marshal(steps)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:16])
}

// stepsChanged reports whether wf no longer has the steps run was started
// with. Runs without a recorded digest are only checked for having more
// results than the workflow has steps.
func stepsChanged(run *schema.Run, wf *schema.Workflow) bool {
	if digest, ok := run.Metadata[stepsDigestKey].(string); ok && digest != "" {
		return digest != stepsDigest(wf.Steps)
	}
	return len(run.StepResults) > len(wf.Steps)
}

// Shutdown stops accepting runs and waits for executing runs to finish or
// for ctx to end. Runs interrupted by the deadline stay running in storage
// and are picked up by RecoverRuns.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	return d.pool.Shutdown(ctx)
}

// Metrics exposes the worker pool counters.
func (d *Dispatcher) Metrics() engine.PoolMetrics {
	return d.pool.Metrics()
}

func (d *Dispatcher) fail(ctx context.Context, run *schema.Run, msg string) {
	now := time.Now().UTC()
	duration := now.Sub(run.StartedAt).Seconds()
	_, err := d.executor.FSM().Transition(context.WithoutCancel(ctx),
		engine.RunRef{WorkflowID: run.WorkflowID, RunID: run.ID},
		[]schema.RunStatus{schema.RunStatusPending, schema.RunStatusRunning},
		schema.RunStatusFailed,
		engine.TransitionFields{CompletedAt: &now, DurationSeconds: &duration, Error: &msg},
	)
	if err != nil {
		logging.LogWith(ctx, d.logger).Error("fail run", slog.String("error", err.Error()))
	}
}

func (d *Dispatcher) publish(ctx context.Context, event streaming.RunEvent) {
	if d.hub == nil {
		return
	}
	if err := d.hub.Publish(ctx, event); err != nil {
		logging.LogWith(ctx, d.logger).Warn("publish run event", slog.String("error", err.Error()))
	}
}

func notCancellable(run *schema.Run) error {
	return schema.NewErrorf(schema.ErrCodeRunNotCancellable, "run is already %s", run.Status).WithRun(run.ID)
}

// cloneData gives every run of a fan-out its own top-level trigger map.
func cloneData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
