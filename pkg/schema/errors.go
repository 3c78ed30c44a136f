package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeWorkflowNotFound      = "WORKFLOW_NOT_FOUND"
	ErrCodeWorkflowDisabled      = "WORKFLOW_DISABLED"
	ErrCodeInvalidStepDefinition = "INVALID_STEP_DEFINITION"
	ErrCodeStepExecution         = "STEP_EXECUTION_ERROR"
	ErrCodeRunNotFound           = "RUN_NOT_FOUND"
	ErrCodeRunNotCancellable     = "RUN_NOT_CANCELLABLE"

	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeInvalidTrigger    = "INVALID_TRIGGER"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeNotFound          = "NOT_FOUND"
)

// FlowError is the structured error type for all engine operations.
type FlowError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RunID     string         `json:"runId,omitempty"`
	StepIndex *int           `json:"stepIndex,omitempty"`
	Cause     error          `json:"-"`
}

func (e *FlowError) Error() string {
	switch {
	case e.StepIndex != nil && e.RunID != "":
		return fmt.Sprintf("[%s] run %s step %d: %s", e.Code, e.RunID, *e.StepIndex, e.Message)
	case e.StepIndex != nil:
		return fmt.Sprintf("[%s] step %d: %s", e.Code, *e.StepIndex, e.Message)
	case e.RunID != "":
		return fmt.Sprintf("[%s] run %s: %s", e.Code, e.RunID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithRun attaches a run ID to the error.
func (e *FlowError) WithRun(runID string) *FlowError {
	e.RunID = runID
	return e
}

// WithStep attaches a step index to the error.
func (e *FlowError) WithStep(index int) *FlowError {
	e.StepIndex = &index
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// CodeOf returns the code of the first FlowError in err's chain, or "".
func CodeOf(err error) string {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}
