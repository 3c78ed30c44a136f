package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
	assert.Nil(t, r.ToError())
}

func TestValidationResult_AddError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("steps[0].config.command", ErrCodeInvalidStepDefinition, "command is required")

	assert.False(t, r.Valid())
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "steps[0].config.command", r.Errors[0].Path)
	assert.Equal(t, SeverityError, r.Errors[0].Severity)
}

func TestValidationResult_WarningsAloneAreValid(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("trigger.filter", ErrCodeValidation, "filter on manual trigger is ignored")

	assert.True(t, r.Valid())
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
}

func TestValidationResult_Merge(t *testing.T) {
	r1 := &ValidationResult{}
	r1.AddError("/", ErrCodeValidation, "err1")

	r2 := &ValidationResult{}
	r2.AddError("steps[0]", ErrCodeInvalidStepDefinition, "err2")
	r2.AddWarning("steps[1]", ErrCodeValidation, "warn2")

	r1.Merge(r2)
	r1.Merge(nil)

	assert.Len(t, r1.Errors, 2)
	assert.Len(t, r1.Warnings, 1)
}

func TestValidationResult_ToError_UsesFirstCode(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("steps[1].kind", ErrCodeInvalidStepDefinition, "unknown step kind \"teleport\"")

	err := r.ToError()
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeInvalidStepDefinition))

	var fe *FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "unknown step kind \"teleport\"", fe.Message)
	assert.Equal(t, 1, fe.Details["errorCount"])
}

func TestValidationResult_ToError_MultipleErrors(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("/", ErrCodeInvalidTrigger, "err1")
	r.AddError("/", ErrCodeValidation, "err2")

	err := r.ToError()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 errors: err1; err2")
	assert.Equal(t, ErrCodeInvalidTrigger, CodeOf(err))
}

func TestValidationIssue_String(t *testing.T) {
	assert.Equal(t, "/steps/0/config: command is required",
		ValidationIssue{Path: "/steps/0/config", Message: "command is required"}.String())
	assert.Equal(t, "name is required", ValidationIssue{Path: "/", Message: "name is required"}.String())
}
