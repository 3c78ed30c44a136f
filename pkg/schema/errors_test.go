package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlowError_Format(t *testing.T) {
	assert.Equal(t, "[WORKFLOW_NOT_FOUND] workflow wf-1 not found",
		NewErrorf(ErrCodeWorkflowNotFound, "workflow %s not found", "wf-1").Error())

	assert.Equal(t, "[STEP_EXECUTION_ERROR] run r1 step 2: boom",
		NewError(ErrCodeStepExecution, "boom").WithRun("r1").WithStep(2).Error())

	assert.Equal(t, "[STEP_EXECUTION_ERROR] step 0: boom",
		NewError(ErrCodeStepExecution, "boom").WithStep(0).Error())
}

func TestFlowError_CodeThroughWrapping(t *testing.T) {
	cause := errors.New("disk full")
	err := fmt.Errorf("create run: %w", NewError(ErrCodeStore, "insert failed").WithCause(cause))

	assert.Equal(t, ErrCodeStore, CodeOf(err))
	assert.True(t, IsCode(err, ErrCodeStore))
	assert.False(t, IsCode(err, ErrCodeRunNotFound))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "", CodeOf(cause))
	assert.False(t, IsCode(nil, ErrCodeStore))
}

func TestRunStatus_Terminal(t *testing.T) {
	assert.False(t, RunStatusPending.IsTerminal())
	assert.False(t, RunStatusRunning.IsTerminal())
	assert.True(t, RunStatusCompleted.IsTerminal())
	assert.True(t, RunStatusFailed.IsTerminal())
	assert.True(t, RunStatusCancelled.IsTerminal())
	assert.False(t, RunStatus("paused").Valid())
}

func TestRunContext_SeedAndMerge(t *testing.T) {
	trigger := map[string]any{"x": 1}
	rc := NewRunContext("wf", "run", trigger)
	rc.Merge(map[string]any{"x": 2, "y": "b"})

	assert.Equal(t, 2, rc.Variables["x"])
	assert.Equal(t, "b", rc.Variables["y"])
	assert.Equal(t, 1, trigger["x"], "trigger data must not be mutated")
}
