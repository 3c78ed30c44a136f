package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/internal/streaming"
	"github.com/rendis/autoflow/pkg/schema"
)

// scriptedSteps is a StepRunner whose behaviour is supplied per test.
type scriptedSteps struct {
	mu    sync.Mutex
	calls []scriptedCall
	fn    func(ctx context.Context, call scriptedCall) schema.StepOutcome
}

type scriptedCall struct {
	Kind   schema.StepKind
	Config map[string]any
	Vars   map[string]any
}

func (s *scriptedSteps) Execute(ctx context.Context, kind schema.StepKind, config map[string]any, rc *schema.RunContext) schema.StepOutcome {
	vars := make(map[string]any, len(rc.Variables))
	for k, v := range rc.Variables {
		vars[k] = v
	}
	call := scriptedCall{Kind: kind, Config: config, Vars: vars}
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()
	if s.fn == nil {
		return schema.Succeeded(nil)
	}
	return s.fn(ctx, call)
}

func (s *scriptedSteps) Calls() []scriptedCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]scriptedCall(nil), s.calls...)
}

// recordingHub keeps every published event.
type recordingHub struct {
	mu     sync.Mutex
	events []streaming.RunEvent
}

func (h *recordingHub) Publish(_ context.Context, e streaming.RunEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, e)
	return nil
}

func (h *recordingHub) Subscribe(context.Context, streaming.EventFilter) (<-chan streaming.RunEvent, func(), error) {
	ch := make(chan streaming.RunEvent)
	close(ch)
	return ch, func() {}, nil
}

func (h *recordingHub) Close() error { return nil }

func (h *recordingHub) Types() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.events))
	for i, e := range h.events {
		out[i] = e.Type
	}
	return out
}

func newTestExecutor(t *testing.T, runner StepRunner) (*RunExecutor, *store.MemoryStore, *recordingHub) {
	t.Helper()
	s := store.NewMemoryStore()
	hub := &recordingHub{}
	exec := NewRunExecutor(ExecutorConfig{Steps: runner, Runs: s, Workflows: s, Hub: hub})
	return exec, s, hub
}

func seedRun(t *testing.T, s store.Store, steps []schema.Step, triggerData map[string]any) (*schema.Workflow, *schema.Run) {
	t.Helper()
	ctx := context.Background()
	wf := &schema.Workflow{
		ID:      uuid.NewString(),
		Name:    "test-flow",
		Trigger: schema.Trigger{Type: schema.TriggerManual},
		Steps:   steps,
		Enabled: true,
	}
	require.NoError(t, s.CreateWorkflow(ctx, wf))
	run := &schema.Run{
		ID:          uuid.NewString(),
		WorkflowID:  wf.ID,
		TriggeredBy: "manual",
		TriggerData: triggerData,
		Status:      schema.RunStatusPending,
	}
	require.NoError(t, s.CreateRun(ctx, run))
	return wf, run
}

func reload(t *testing.T, s store.RunStore, id string) *schema.Run {
	t.Helper()
	run, err := s.GetRun(context.Background(), id)
	require.NoError(t, err)
	return run
}
