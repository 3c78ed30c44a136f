package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/pkg/schema"
)

func TestRunTransitionTable(t *testing.T) {
	valid := []struct{ from, to schema.RunStatus }{
		{schema.RunStatusPending, schema.RunStatusRunning},
		{schema.RunStatusPending, schema.RunStatusCancelled},
		{schema.RunStatusPending, schema.RunStatusFailed},
		{schema.RunStatusRunning, schema.RunStatusCompleted},
		{schema.RunStatusRunning, schema.RunStatusFailed},
		{schema.RunStatusRunning, schema.RunStatusCancelled},
	}
	for _, tc := range valid {
		assert.True(t, IsValidRunTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	invalid := []struct{ from, to schema.RunStatus }{
		{schema.RunStatusPending, schema.RunStatusCompleted},
		{schema.RunStatusRunning, schema.RunStatusPending},
		{schema.RunStatusCompleted, schema.RunStatusCancelled},
		{schema.RunStatusFailed, schema.RunStatusRunning},
		{schema.RunStatusCancelled, schema.RunStatusRunning},
	}
	for _, tc := range invalid {
		assert.False(t, IsValidRunTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	for status := range ValidRunTransitions {
		if status.IsTerminal() {
			assert.Empty(t, ValidRunTransitions[status], "terminal status %s has exits", status)
		}
	}
}

func TestRunFSM_TransitionPublishesAndRunsHooks(t *testing.T) {
	s := store.NewMemoryStore()
	hub := &recordingHub{}
	fsm := NewRunFSM(s, hub, nil)
	_, run := seedRun(t, s, nil, nil)
	ref := RunRef{WorkflowID: run.WorkflowID, RunID: run.ID}
	ctx := context.Background()

	var entered []schema.RunStatus
	fsm.OnEnter(schema.RunStatusFailed, func(_ context.Context, r RunRef, to schema.RunStatus) error {
		assert.Equal(t, ref, r)
		entered = append(entered, to)
		return errors.New("hook errors are logged, not returned")
	})

	ok, err := fsm.Transition(ctx, ref, []schema.RunStatus{schema.RunStatusPending}, schema.RunStatusRunning, TransitionFields{})
	require.NoError(t, err)
	require.True(t, ok)

	now := time.Now().UTC()
	dur := 0.25
	msg := "step 0 (fetch) failed: timeout"
	ok, err = fsm.Transition(ctx, ref, []schema.RunStatus{schema.RunStatusRunning}, schema.RunStatusFailed, TransitionFields{
		CompletedAt: &now, DurationSeconds: &dur, Error: &msg,
	})
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, []schema.RunStatus{schema.RunStatusFailed}, entered)
	assert.Equal(t, []string{schema.EventRunStarted, schema.EventRunFailed}, hub.Types())
	assert.Equal(t, msg, hub.events[1].Payload["error"])

	got := reload(t, s, run.ID)
	assert.Equal(t, schema.RunStatusFailed, got.Status)
	assert.Equal(t, msg, got.Error)
	require.NotNil(t, got.DurationSeconds)
}

func TestRunFSM_CompareAndSetMiss(t *testing.T) {
	s := store.NewMemoryStore()
	hub := &recordingHub{}
	fsm := NewRunFSM(s, hub, nil)
	_, run := seedRun(t, s, nil, nil)
	ref := RunRef{WorkflowID: run.WorkflowID, RunID: run.ID}

	ok, err := fsm.Transition(context.Background(), ref, []schema.RunStatus{schema.RunStatusRunning}, schema.RunStatusCompleted, TransitionFields{})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, hub.Types())
	assert.Equal(t, schema.RunStatusPending, reload(t, s, run.ID).Status)
}

func TestRunFSM_InvalidTransition(t *testing.T) {
	s := store.NewMemoryStore()
	fsm := NewRunFSM(s, nil, nil)
	_, run := seedRun(t, s, nil, nil)

	_, err := fsm.Transition(context.Background(), RunRef{RunID: run.ID},
		[]schema.RunStatus{schema.RunStatusCompleted}, schema.RunStatusCancelled, TransitionFields{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))
	assert.Contains(t, err.Error(), "completed -> cancelled")
}

func TestRunFSM_UnknownRun(t *testing.T) {
	fsm := NewRunFSM(store.NewMemoryStore(), nil, nil)
	_, err := fsm.Transition(context.Background(), RunRef{RunID: "missing"},
		[]schema.RunStatus{schema.RunStatusPending}, schema.RunStatusRunning, TransitionFields{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeRunNotFound))
}
