package validation

import "github.com/rendis/autoflow/pkg/schema"

// WorkflowValidator runs the structural then the semantic stage. Structural
// errors short-circuit the semantic stage.
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	steps      StepChecker
	filters    FilterChecker
}

var _ Validator = (*WorkflowValidator)(nil)

// NewWorkflowValidator creates a WorkflowValidator. stepsChk and filters may
// be nil to skip executor and filter checks.
func NewWorkflowValidator(stepsChk StepChecker, filters FilterChecker) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{jsonSchema: jsv, steps: stepsChk, filters: filters}, nil
}

// Validate returns every issue found.
func (wv *WorkflowValidator) Validate(wf *schema.Workflow) *schema.ValidationResult {
	result := wv.jsonSchema.Check(wf)
	if !result.Valid() {
		return result
	}
	result.Merge(validateSemantic(wf, wv.steps, wv.filters))
	return result
}

// ValidateWorkflow returns the first issue's code as a FlowError, or nil.
func (wv *WorkflowValidator) ValidateWorkflow(wf *schema.Workflow) error {
	return wv.Validate(wf).ToError()
}
