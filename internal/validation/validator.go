package validation

import "github.com/rendis/autoflow/pkg/schema"

// Validator checks workflow definitions before they are persisted.
type Validator interface {
	ValidateWorkflow(wf *schema.Workflow) error
}

// StepChecker validates one step definition against its executor. It is
// satisfied by *steps.Registry.
type StepChecker interface {
	Validate(step schema.Step) error
}

// FilterChecker compiles trigger filter expressions. It is satisfied by
// *expressions.FilterEngine.
type FilterChecker interface {
	Validate(expression string) error
}
