package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/autoflow/internal/automation/automationtest"
	"github.com/rendis/autoflow/internal/streaming"
	"github.com/rendis/autoflow/pkg/schema"
)

// --- Fake session ---

type fakeSession struct {
	id    string
	notes chan mcp.JSONRPCNotification
}

func newFakeSession(id string) *fakeSession {
	return &fakeSession{id: id, notes: make(chan mcp.JSONRPCNotification, 16)}
}

func (f *fakeSession) Initialize()                                         {}
func (f *fakeSession) Initialized() bool                                   { return true }
func (f *fakeSession) NotificationChannel() chan<- mcp.JSONRPCNotification { return f.notes }
func (f *fakeSession) SessionID() string                                   { return f.id }

// --- Fake sender ---

type sentNote struct {
	SessionID string
	Method    string
	Params    map[string]any
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentNote
	err  error
}

func (f *fakeSender) SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentNote{sessionID, method, params})
	return nil
}

func (f *fakeSender) Sent() []sentNote {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentNote(nil), f.sent...)
}

// --- Helpers ---

func newTestServer(t *testing.T) (*Server, *automationtest.Env) {
	t.Helper()
	env := automationtest.New(t)
	return NewServer(ServerDeps{Service: env.Service, Hub: env.Hub}), env
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func echoArgs(name string) map[string]any {
	return map[string]any{
		"name":    name,
		"trigger": map[string]any{"type": "manual"},
		"steps": []any{
			map[string]any{"kind": "command", "name": "echo", "config": map[string]any{"command": "echo", "args": []any{"hi"}}},
		},
	}
}

func createWorkflow(t *testing.T, s *Server, args map[string]any) schema.Workflow {
	t.Helper()
	result, err := s.handleCreate(context.Background(), buildRequest("workflow.create", args))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
	var wf schema.Workflow
	unmarshalResult(t, result, &wf)
	return wf
}

// --- Tests ---

func TestCreateTool(t *testing.T) {
	s, _ := newTestServer(t)

	wf := createWorkflow(t, s, echoArgs("greet"))
	assert.NotEmpty(t, wf.ID)
	assert.Equal(t, "greet", wf.Name)
	assert.True(t, wf.Enabled)
	require.Len(t, wf.Steps, 1)
	assert.Equal(t, schema.StepCommand, wf.Steps[0].Kind)

	args := echoArgs("off")
	args["enabled"] = false
	off := createWorkflow(t, s, args)
	assert.False(t, off.Enabled)
}

func TestCreateToolErrors(t *testing.T) {
	s, _ := newTestServer(t)

	tests := []struct {
		name   string
		mutate func(map[string]any)
		want   string
	}{
		{"missing name", func(a map[string]any) { delete(a, "name") }, "name is required"},
		{"missing trigger", func(a map[string]any) { delete(a, "trigger") }, "trigger is required"},
		{"missing steps", func(a map[string]any) { delete(a, "steps") }, "steps is required"},
		{"steps not a list", func(a map[string]any) { a["steps"] = "echo" }, "steps has the wrong shape"},
		{"invalid step", func(a map[string]any) {
			a["steps"] = []any{map[string]any{"kind": "api_call", "config": map[string]any{}}}
		}, schema.ErrCodeInvalidStepDefinition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := echoArgs("bad")
			tt.mutate(args)
			result, err := s.handleCreate(context.Background(), buildRequest("workflow.create", args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, extractText(t, result), tt.want)
		})
	}
}

func TestListAndGetTools(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()
	on := createWorkflow(t, s, echoArgs("on"))
	args := echoArgs("off")
	args["enabled"] = false
	createWorkflow(t, s, args)

	result, err := s.handleList(ctx, buildRequest("workflow.list", nil))
	require.NoError(t, err)
	var list struct {
		Workflows []schema.Workflow `json:"workflows"`
		Count     int               `json:"count"`
	}
	unmarshalResult(t, result, &list)
	assert.Equal(t, 2, list.Count)

	result, err = s.handleList(ctx, buildRequest("workflow.list", map[string]any{"enabled": true}))
	require.NoError(t, err)
	unmarshalResult(t, result, &list)
	require.Len(t, list.Workflows, 1)
	assert.Equal(t, on.ID, list.Workflows[0].ID)

	result, err = s.handleList(ctx, buildRequest("workflow.list", map[string]any{"trigger": "pigeon"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleGet(ctx, buildRequest("workflow.get", map[string]any{"workflow_id": on.ID}))
	require.NoError(t, err)
	var got schema.Workflow
	unmarshalResult(t, result, &got)
	assert.Equal(t, "on", got.Name)

	result, err = s.handleGet(ctx, buildRequest("workflow.get", map[string]any{"workflow_id": "missing"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeWorkflowNotFound)

	result, err = s.handleGet(ctx, buildRequest("workflow.get", nil))
	require.NoError(t, err)
	assert.Equal(t, "workflow_id is required", extractText(t, result))
}

func TestRunAndRunsTools(t *testing.T) {
	s, env := newTestServer(t)
	ctx := context.Background()
	wf := createWorkflow(t, s, echoArgs("greet"))

	result, err := s.handleRun(ctx, buildRequest("workflow.run", map[string]any{
		"workflow_id":  wf.ID,
		"trigger_data": map[string]any{"who": "agent"},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
	var run schema.Run
	unmarshalResult(t, result, &run)
	assert.Equal(t, schema.RunStatusPending, run.Status)
	assert.Equal(t, "manual", run.TriggeredBy)

	env.WaitTerminal(t, run.ID)

	result, err = s.handleRuns(ctx, buildRequest("workflow.runs", map[string]any{"workflow_id": wf.ID, "status": "completed"}))
	require.NoError(t, err)
	var runs struct {
		Runs  []schema.Run `json:"runs"`
		Count int          `json:"count"`
	}
	unmarshalResult(t, result, &runs)
	require.Equal(t, 1, runs.Count)
	assert.Equal(t, "agent", runs.Runs[0].TriggerData["who"])
	assert.Len(t, runs.Runs[0].StepResults, 1)

	result, err = s.handleRuns(ctx, buildRequest("workflow.runs", map[string]any{"run_id": run.ID}))
	require.NoError(t, err)
	unmarshalResult(t, result, &runs)
	assert.Equal(t, run.ID, runs.Runs[0].ID)

	result, err = s.handleRuns(ctx, buildRequest("workflow.runs", map[string]any{"status": "bogus"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleRuns(ctx, buildRequest("workflow.runs", map[string]any{"workflow_id": "missing"}))
	require.NoError(t, err)
	assert.Contains(t, extractText(t, result), schema.ErrCodeWorkflowNotFound)
}

func TestRunToolDisabledWorkflow(t *testing.T) {
	s, _ := newTestServer(t)
	args := echoArgs("off")
	args["enabled"] = false
	wf := createWorkflow(t, s, args)

	result, err := s.handleRun(context.Background(), buildRequest("workflow.run", map[string]any{"workflow_id": wf.ID}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeWorkflowDisabled)
}

func TestCancelTool(t *testing.T) {
	s, env := newTestServer(t)
	ctx := context.Background()
	args := echoArgs("slow")
	args["steps"] = []any{
		map[string]any{"kind": "delay", "config": map[string]any{"delaySeconds": 1}},
		map[string]any{"kind": "command", "config": map[string]any{"command": "echo"}},
	}
	wf := createWorkflow(t, s, args)

	result, err := s.handleRun(ctx, buildRequest("workflow.run", map[string]any{"workflow_id": wf.ID}))
	require.NoError(t, err)
	var run schema.Run
	unmarshalResult(t, result, &run)

	result, err = s.handleCancel(ctx, buildRequest("run.cancel", map[string]any{"run_id": run.ID}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
	var res map[string]any
	unmarshalResult(t, result, &res)
	assert.Equal(t, true, res["cancelled"])

	done := env.WaitTerminal(t, run.ID)
	assert.Equal(t, schema.RunStatusCancelled, done.Status)

	result, err = s.handleCancel(ctx, buildRequest("run.cancel", map[string]any{"run_id": run.ID}))
	require.NoError(t, err)
	assert.Contains(t, extractText(t, result), schema.ErrCodeRunNotCancellable)

	result, err = s.handleCancel(ctx, buildRequest("run.cancel", map[string]any{"run_id": "missing"}))
	require.NoError(t, err)
	assert.Contains(t, extractText(t, result), schema.ErrCodeRunNotFound)
}

func TestWebhookTool(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()
	for _, id := range []string{"w1", "w1", "w1", "w2"} {
		args := echoArgs("hook-" + id)
		args["trigger"] = map[string]any{"type": "webhook", "webhookId": id}
		createWorkflow(t, s, args)
	}
	filtered := echoArgs("filtered")
	filtered["trigger"] = map[string]any{"type": "webhook", "webhookId": "w1", "filter": `headers["x-env"] == "prod"`}
	createWorkflow(t, s, filtered)

	result, err := s.handleWebhook(ctx, buildRequest("webhook.trigger", map[string]any{
		"webhook_id": "w1",
		"data":       map[string]any{"n": 1},
		"headers":    map[string]any{"X-Env": "staging"},
	}))
	require.NoError(t, err)
	var res struct {
		WebhookID       string   `json:"webhookId"`
		TriggeredRunIDs []string `json:"triggeredRunIds"`
	}
	unmarshalResult(t, result, &res)
	assert.Equal(t, "w1", res.WebhookID)
	assert.Len(t, res.TriggeredRunIDs, 3)

	result, err = s.handleWebhook(ctx, buildRequest("webhook.trigger", map[string]any{
		"webhook_id": "w1",
		"headers":    map[string]any{"X-Env": "prod"},
	}))
	require.NoError(t, err)
	unmarshalResult(t, result, &res)
	assert.Len(t, res.TriggeredRunIDs, 4)

	result, err = s.handleWebhook(ctx, buildRequest("webhook.trigger", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestRunEndNotification(t *testing.T) {
	s, env := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session := newFakeSession("session-1")
	require.NoError(t, s.mcpServer.RegisterSession(ctx, session))
	sessionCtx := s.mcpServer.WithContext(ctx, session)
	require.NoError(t, s.notifier.Start(ctx, env.Hub))

	wf := createWorkflow(t, s, echoArgs("greet"))
	result, err := s.handleRun(sessionCtx, buildRequest("workflow.run", map[string]any{"workflow_id": wf.ID}))
	require.NoError(t, err)
	var run schema.Run
	unmarshalResult(t, result, &run)

	select {
	case note := <-session.notes:
		assert.Equal(t, "notifications/message", note.Method)
		data, ok := note.Params.AdditionalFields["data"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, run.ID, data["runId"])
		assert.Equal(t, schema.EventRunCompleted, data["event"])
	case <-time.After(5 * time.Second):
		t.Fatal("no notification received")
	}

	assert.Eventually(t, func() bool {
		_, ok := s.sessions.SessionFor(run.ID)
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestRunEndNotification_RunFinishedBeforeCapture(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	session := newFakeSession("session-2")
	require.NoError(t, s.mcpServer.RegisterSession(ctx, session))
	sessionCtx := s.mcpServer.WithContext(ctx, session)

	// Start without a session so nothing is captured, then let the run end.
	wf := createWorkflow(t, s, echoArgs("fast"))
	result, err := s.handleRun(ctx, buildRequest("workflow.run", map[string]any{"workflow_id": wf.ID}))
	require.NoError(t, err)
	var run schema.Run
	unmarshalResult(t, result, &run)
	require.Eventually(t, func() bool {
		r, err := s.svc.GetRun(ctx, run.ID)
		return err == nil && r.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)

	s.captureSession(sessionCtx, run.ID)

	select {
	case note := <-session.notes:
		data, ok := note.Params.AdditionalFields["data"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, run.ID, data["runId"])
		assert.Equal(t, schema.EventRunCompleted, data["event"])
	case <-time.After(time.Second):
		t.Fatal("no notification for a run that ended before capture")
	}
	assert.Zero(t, s.sessions.Len())

	// A late hub event for the same run is not delivered twice.
	s.notifier.Notify(runEvent(schema.EventRunCompleted, run.ID))
	select {
	case <-session.notes:
		t.Fatal("duplicate notification")
	default:
	}
}

func TestRunNotifier(t *testing.T) {
	sender := &fakeSender{}
	sessions := NewSessionRegistry()
	n := NewRunNotifier(sender, sessions, nil)

	// Runs without a session are ignored.
	n.Notify(runEvent(schema.EventRunCompleted, "run-0"))
	assert.Empty(t, sender.Sent())

	sessions.Register("run-1", "session-1")
	n.Notify(func() streaming.RunEvent {
		ev := runEvent(schema.EventRunFailed, "run-1")
		ev.Payload = map[string]any{"error": "step 0 (echo) failed: boom"}
		return ev
	}())

	sent := sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "session-1", sent[0].SessionID)
	assert.Equal(t, "notifications/message", sent[0].Method)
	assert.Equal(t, "error", sent[0].Params["level"])
	data := sent[0].Params["data"].(map[string]any)
	assert.Equal(t, "step 0 (echo) failed: boom", data["error"])

	// Each run is notified once.
	n.Notify(runEvent(schema.EventRunFailed, "run-1"))
	assert.Len(t, sender.Sent(), 1)

	sessions.Register("run-2", "gone")
	sender.err = server.ErrSessionNotFound
	n.Notify(runEvent(schema.EventRunCompleted, "run-2"))
	assert.Equal(t, 0, sessions.Len())
}

// --- Test helpers ---

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}

func runEvent(eventType, runID string) streaming.RunEvent {
	return streaming.RunEvent{Type: eventType, WorkflowID: "wf-1", RunID: runID, Timestamp: time.Now()}
}
