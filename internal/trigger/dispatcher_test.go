package trigger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/autoflow/internal/engine"
	"github.com/rendis/autoflow/internal/expressions"
	"github.com/rendis/autoflow/internal/integrations"
	"github.com/rendis/autoflow/internal/steps"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/pkg/schema"
)

// gatedSteps blocks steps whose config carries "gate": true until released.
type gatedSteps struct {
	inner   engine.StepRunner
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedSteps(inner engine.StepRunner) *gatedSteps {
	return &gatedSteps{inner: inner, started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedSteps) Execute(ctx context.Context, kind schema.StepKind, config map[string]any, rc *schema.RunContext) schema.StepOutcome {
	if config["gate"] == true {
		g.once.Do(func() { close(g.started) })
		<-g.release
		return schema.Succeeded(nil)
	}
	return g.inner.Execute(ctx, kind, config, rc)
}

type harness struct {
	store      *store.MemoryStore
	dispatcher *Dispatcher
	executor   *engine.RunExecutor
}

func newHarness(t *testing.T, runner engine.StepRunner) *harness {
	t.Helper()
	return newHarnessWithPool(t, runner, 8)
}

func newHarnessWithPool(t *testing.T, runner engine.StepRunner, poolSize int) *harness {
	t.Helper()
	if runner == nil {
		reg, err := steps.NewBuiltinRegistry(steps.Dependencies{Commands: &integrations.ExecRunner{}})
		require.NoError(t, err)
		runner = reg
	}
	filters, err := expressions.NewFilterEngine()
	require.NoError(t, err)

	s := store.NewMemoryStore()
	exec := engine.NewRunExecutor(engine.ExecutorConfig{Steps: runner, Runs: s, Workflows: s})
	d := NewDispatcher(Config{
		Workflows: s,
		Runs:      s,
		Executor:  exec,
		Pool:      engine.NewWorkerPool(poolSize),
		Filters:   filters,
	})
	t.Cleanup(func() { _ = d.Shutdown(context.Background()) })
	return &harness{store: s, dispatcher: d, executor: exec}
}

func (h *harness) workflow(t *testing.T, mutate ...func(*schema.Workflow)) *schema.Workflow {
	t.Helper()
	wf := &schema.Workflow{
		ID:      uuid.NewString(),
		Name:    "flow",
		Trigger: schema.Trigger{Type: schema.TriggerManual},
		Steps: []schema.Step{
			{Kind: schema.StepCommand, Name: "echo", Config: map[string]any{"command": "echo", "args": []any{"hi"}}},
		},
		Enabled: true,
	}
	for _, m := range mutate {
		m(wf)
	}
	require.NoError(t, h.store.CreateWorkflow(context.Background(), wf))
	return wf
}

func (h *harness) waitTerminal(t *testing.T, runID string) *schema.Run {
	t.Helper()
	var run *schema.Run
	require.Eventually(t, func() bool {
		r, err := h.store.GetRun(context.Background(), runID)
		if err != nil {
			return false
		}
		run = r
		return r.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)
	return run
}

func webhookWorkflow(id string) func(*schema.Workflow) {
	return func(wf *schema.Workflow) {
		wf.Trigger = schema.Trigger{Type: schema.TriggerWebhook, WebhookID: id}
	}
}

func TestStartRun_DisabledWorkflowCreatesNoRun(t *testing.T) {
	h := newHarness(t, nil)
	wf := h.workflow(t, func(wf *schema.Workflow) { wf.Enabled = false })

	_, err := h.dispatcher.StartRun(context.Background(), wf.ID, nil, "")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeWorkflowDisabled))

	runs, err := h.store.ListRuns(context.Background(), store.RunFilter{WorkflowID: wf.ID})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestStartRun_UnknownWorkflow(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.dispatcher.StartRun(context.Background(), "missing", nil, "")
	assert.True(t, schema.IsCode(err, schema.ErrCodeWorkflowNotFound))
}

func TestStartRun_ReturnsPendingAndCompletes(t *testing.T) {
	h := newHarness(t, nil)
	wf := h.workflow(t)

	run, err := h.dispatcher.StartRun(context.Background(), wf.ID, map[string]any{"who": "ops"}, "")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusPending, run.Status)
	assert.Equal(t, TriggeredByManual, run.TriggeredBy)
	assert.NotEmpty(t, run.ID)

	done := h.waitTerminal(t, run.ID)
	assert.Equal(t, schema.RunStatusCompleted, done.Status)
	require.Len(t, done.StepResults, 1)
	assert.True(t, done.StepResults[0].Outcome.Success)

	stored, err := h.store.GetWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.RunCount)
	assert.Zero(t, stored.ErrorCount)
	assert.NotNil(t, stored.LastRun)
}

func TestStartRun_ConcurrentRunsGetDistinctIDs(t *testing.T) {
	h := newHarness(t, nil)
	wf := h.workflow(t)

	ids := make([]string, 2)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			run, err := h.dispatcher.StartRun(context.Background(), wf.ID, nil, "")
			if assert.NoError(t, err) {
				ids[i] = run.ID
			}
		}(i)
	}
	wg.Wait()

	require.NotEqual(t, ids[0], ids[1])
	for _, id := range ids {
		assert.Equal(t, schema.RunStatusCompleted, h.waitTerminal(t, id).Status)
	}
}

func TestTriggerWebhook_FansOutToMatchingWorkflows(t *testing.T) {
	h := newHarness(t, nil)
	for i := 0; i < 3; i++ {
		h.workflow(t, webhookWorkflow("w1"))
	}
	other := h.workflow(t, webhookWorkflow("w2"))
	h.workflow(t, webhookWorkflow("w1"), func(wf *schema.Workflow) { wf.Enabled = false })

	ids, err := h.dispatcher.TriggerWebhook(context.Background(), "w1",
		map[string]any{"event": "push"}, map[string]string{"X-Source": "git"})
	require.NoError(t, err)
	assert.Len(t, ids, 3)

	for _, id := range ids {
		run := h.waitTerminal(t, id)
		assert.Equal(t, "webhook:w1", run.TriggeredBy)
		assert.Equal(t, "push", run.TriggerData["event"])
		assert.Equal(t, "w1", run.Metadata["webhookId"])
		assert.NotEqual(t, other.ID, run.WorkflowID)
	}

	none, err := h.dispatcher.TriggerWebhook(context.Background(), "nobody", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestTriggerWebhook_CredentialHeadersNotStored(t *testing.T) {
	h := newHarness(t, nil)
	h.workflow(t, func(wf *schema.Workflow) {
		wf.Trigger = schema.Trigger{Type: schema.TriggerWebhook, WebhookID: "w1", Filter: `headers["authorization"] == "Bearer s3cret"`}
	})

	ids, err := h.dispatcher.TriggerWebhook(context.Background(), "w1", nil, map[string]string{
		"authorization":       "Bearer s3cret",
		"cookie":              "sid=1",
		"x-api-key":           "k",
		"x-hub-signature-256": "sha256=abc",
		"x-source":            "git",
	})
	require.NoError(t, err)
	require.Len(t, ids, 1, "the filter still sees every header")

	run := h.waitTerminal(t, ids[0])
	assert.Equal(t, map[string]any{"x-source": "git"}, run.Metadata["headers"])
}

func TestStorableHeaders(t *testing.T) {
	assert.Empty(t, storableHeaders(nil))
	assert.Equal(t, map[string]string{"Content-Type": "application/json"}, storableHeaders(map[string]string{
		"Content-Type":        "application/json",
		"Proxy-Authorization": "Basic x",
		"X-Auth-Token":        "t",
		"X-Webhook-Secret":    "s",
	}))
}

func TestTriggerWebhook_AppliesFilters(t *testing.T) {
	h := newHarness(t, nil)
	accepted := h.workflow(t, func(wf *schema.Workflow) {
		wf.Trigger = schema.Trigger{Type: schema.TriggerWebhook, WebhookID: "w1", Filter: `data.branch == "main"`}
	})
	h.workflow(t, func(wf *schema.Workflow) {
		wf.Trigger = schema.Trigger{Type: schema.TriggerWebhook, WebhookID: "w1", Filter: `headers["X-Kind"] == "tag"`}
	})

	ids, err := h.dispatcher.TriggerWebhook(context.Background(), "w1",
		map[string]any{"branch": "main"}, map[string]string{"X-Kind": "push"})
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, accepted.ID, h.waitTerminal(t, ids[0]).WorkflowID)
}

func TestTriggerEvent(t *testing.T) {
	h := newHarness(t, nil)
	wf := h.workflow(t, func(wf *schema.Workflow) { wf.Trigger = schema.Trigger{Type: schema.TriggerFileChange} })
	h.workflow(t, func(wf *schema.Workflow) { wf.Trigger = schema.Trigger{Type: schema.TriggerEmail} })

	ids, err := h.dispatcher.TriggerEvent(context.Background(), schema.TriggerFileChange,
		map[string]any{"path": "/tmp/x"}, "watcher")
	require.NoError(t, err)
	require.Len(t, ids, 1)
	run := h.waitTerminal(t, ids[0])
	assert.Equal(t, wf.ID, run.WorkflowID)
	assert.Equal(t, "watcher", run.TriggeredBy)

	_, err = h.dispatcher.TriggerEvent(context.Background(), schema.TriggerSchedule, nil, "")
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTrigger))
	_, err = h.dispatcher.TriggerEvent(context.Background(), "bogus", nil, "")
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTrigger))
}

func TestStartRun_DelayDoesNotHoldPoolSlot(t *testing.T) {
	h := newHarnessWithPool(t, nil, 1)
	sleeper := h.workflow(t, func(wf *schema.Workflow) {
		wf.Steps = []schema.Step{{Kind: schema.StepDelay, Name: "wait", Config: map[string]any{"delaySeconds": 1.5}}}
	})
	quick := h.workflow(t)

	slow, err := h.dispatcher.StartRun(context.Background(), sleeper.ID, nil, "")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		r, err := h.store.GetRun(context.Background(), slow.ID)
		return err == nil && r.Status == schema.RunStatusRunning
	}, time.Second, 5*time.Millisecond)

	fast, err := h.dispatcher.StartRun(context.Background(), quick.ID, nil, "")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		r, err := h.store.GetRun(context.Background(), fast.ID)
		return err == nil && r.Status == schema.RunStatusCompleted
	}, time.Second, 5*time.Millisecond)

	r, err := h.store.GetRun(context.Background(), slow.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusRunning, r.Status, "the delayed run is still waiting")
	assert.Equal(t, schema.RunStatusCompleted, h.waitTerminal(t, slow.ID).Status)
}

func TestCancelRun_StopsBeforeLaterSteps(t *testing.T) {
	reg, err := steps.NewBuiltinRegistry(steps.Dependencies{})
	require.NoError(t, err)
	gated := newGatedSteps(reg)
	h := newHarness(t, gated)
	wf := h.workflow(t, func(wf *schema.Workflow) {
		wf.Steps = []schema.Step{
			{Kind: schema.StepDelay, Name: "hold", Config: map[string]any{"gate": true}},
			{Kind: schema.StepDelay, Name: "after"},
		}
	})

	run, err := h.dispatcher.StartRun(context.Background(), wf.ID, nil, "")
	require.NoError(t, err)
	<-gated.started

	ok, err := h.dispatcher.CancelRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	close(gated.release)

	require.Eventually(t, func() bool { return h.executor.Active() == 0 }, 5*time.Second, 10*time.Millisecond)
	got, err := h.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCancelled, got.Status)
	assert.Len(t, got.StepResults, 1)
	assert.NotNil(t, got.CompletedAt)
	assert.NotNil(t, got.DurationSeconds)

	_, err = h.dispatcher.CancelRun(context.Background(), run.ID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeRunNotCancellable))
}

func TestCancelRun_CompletedAndMissing(t *testing.T) {
	h := newHarness(t, nil)
	wf := h.workflow(t)
	run, err := h.dispatcher.StartRun(context.Background(), wf.ID, nil, "")
	require.NoError(t, err)
	h.waitTerminal(t, run.ID)

	ok, err := h.dispatcher.CancelRun(context.Background(), run.ID)
	assert.False(t, ok)
	assert.True(t, schema.IsCode(err, schema.ErrCodeRunNotCancellable))

	_, err = h.dispatcher.CancelRun(context.Background(), "missing")
	assert.True(t, schema.IsCode(err, schema.ErrCodeRunNotFound))
}

func TestRecoverRuns(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	wf := h.workflow(t, func(wf *schema.Workflow) {
		wf.Steps = []schema.Step{
			{Kind: schema.StepCondition, Name: "first", Config: map[string]any{"condition": "true"}},
			{Kind: schema.StepCondition, Name: "second", Config: map[string]any{"condition": "conditionResult == true"}},
		}
	})

	interrupted := &schema.Run{ID: "interrupted", WorkflowID: wf.ID, TriggeredBy: "manual", Status: schema.RunStatusPending}
	require.NoError(t, h.store.CreateRun(ctx, interrupted))
	_, err := h.store.TransitionRun(ctx, interrupted.ID, store.RunTransition{
		From: []schema.RunStatus{schema.RunStatusPending}, To: schema.RunStatusRunning,
	})
	require.NoError(t, err)
	require.NoError(t, h.store.AppendStepResult(ctx, interrupted.ID, schema.StepResult{
		StepIndex: 0, StepKind: schema.StepCondition, Outcome: schema.Succeeded(map[string]any{"conditionResult": true}),
	}))

	queued := &schema.Run{ID: "queued", WorkflowID: wf.ID, TriggeredBy: "manual", Status: schema.RunStatusPending}
	require.NoError(t, h.store.CreateRun(ctx, queued))

	orphan := &schema.Run{ID: "orphan", WorkflowID: "deleted-workflow", TriggeredBy: "manual", Status: schema.RunStatusPending}
	require.NoError(t, h.store.CreateRun(ctx, orphan))

	n, err := h.dispatcher.RecoverRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	resumed := h.waitTerminal(t, interrupted.ID)
	assert.Equal(t, schema.RunStatusCompleted, resumed.Status)
	require.Len(t, resumed.StepResults, 2)
	assert.Equal(t, true, resumed.StepResults[1].Outcome.Output["conditionResult"])

	assert.Equal(t, schema.RunStatusCompleted, h.waitTerminal(t, queued.ID).Status)

	failed := h.waitTerminal(t, orphan.ID)
	assert.Equal(t, schema.RunStatusFailed, failed.Status)
	assert.Contains(t, failed.Error, "deleted")
}

func TestRecoverRuns_FailsRunsWhoseStepsChanged(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	original := []schema.Step{
		{Kind: schema.StepCondition, Name: "first", Config: map[string]any{"condition": "true"}},
		{Kind: schema.StepCondition, Name: "second", Config: map[string]any{"condition": "true"}},
	}
	wf := h.workflow(t, func(wf *schema.Workflow) {
		wf.Steps = []schema.Step{{Kind: schema.StepCondition, Name: "replaced", Config: map[string]any{"condition": "false"}}}
	})

	edited := &schema.Run{
		ID: "edited", WorkflowID: wf.ID, TriggeredBy: "manual", Status: schema.RunStatusPending,
		Metadata: map[string]any{stepsDigestKey: stepsDigest(original)},
	}
	require.NoError(t, h.store.CreateRun(ctx, edited))

	// No digest, but more results than the workflow now has steps.
	legacy := &schema.Run{ID: "legacy", WorkflowID: wf.ID, TriggeredBy: "manual", Status: schema.RunStatusPending}
	require.NoError(t, h.store.CreateRun(ctx, legacy))
	_, err := h.store.TransitionRun(ctx, legacy.ID, store.RunTransition{
		From: []schema.RunStatus{schema.RunStatusPending}, To: schema.RunStatusRunning,
	})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		require.NoError(t, h.store.AppendStepResult(ctx, legacy.ID, schema.StepResult{
			StepIndex: i, StepKind: schema.StepCondition, Outcome: schema.Succeeded(nil),
		}))
	}

	unchanged := &schema.Run{
		ID: "unchanged", WorkflowID: wf.ID, TriggeredBy: "manual", Status: schema.RunStatusPending,
		Metadata: map[string]any{stepsDigestKey: stepsDigest(wf.Steps)},
	}
	require.NoError(t, h.store.CreateRun(ctx, unchanged))

	n, err := h.dispatcher.RecoverRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	for _, id := range []string{edited.ID, legacy.ID} {
		failed := h.waitTerminal(t, id)
		assert.Equal(t, schema.RunStatusFailed, failed.Status, id)
		assert.Contains(t, failed.Error, "steps changed", id)
	}
	assert.Equal(t, schema.RunStatusCompleted, h.waitTerminal(t, unchanged.ID).Status)
}

func TestStartRun_RecordsStepsDigest(t *testing.T) {
	h := newHarness(t, nil)
	wf := h.workflow(t)

	run, err := h.dispatcher.StartRun(context.Background(), wf.ID, nil, "")
	require.NoError(t, err)
	stored := h.waitTerminal(t, run.ID)
	assert.Equal(t, stepsDigest(wf.Steps), stored.Metadata[stepsDigestKey])
}

func TestShutdown_RejectsNewRuns(t *testing.T) {
	h := newHarness(t, nil)
	wf := h.workflow(t)
	require.NoError(t, h.dispatcher.Shutdown(context.Background()))

	_, err := h.dispatcher.StartRun(context.Background(), wf.ID, nil, "")
	require.Error(t, err)

	runs, err := h.store.ListRuns(context.Background(), store.RunFilter{WorkflowID: wf.ID})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, schema.RunStatusFailed, runs[0].Status)
}
