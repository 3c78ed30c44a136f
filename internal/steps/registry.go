package steps

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rendis/autoflow/pkg/schema"
)

// ErrUnknownKind is the outcome error for a step whose kind has no executor.
const ErrUnknownKind = "unknown step kind"

// Registry maps step kinds to executors. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	executors map[schema.StepKind]Executor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[schema.StepKind]Executor)}
}

// Register adds an executor. Returns error on duplicate kind.
func (r *Registry) Register(ex Executor) error {
	if ex == nil {
		return schema.NewError(schema.ErrCodeValidation, "executor is nil")
	}
	kind := ex.Kind()
	if kind == "" {
		return schema.NewError(schema.ErrCodeValidation, "executor kind is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executors[kind]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "step kind %q already registered", kind)
	}
	r.executors[kind] = ex
	return nil
}

// Get retrieves the executor for kind.
func (r *Registry) Get(kind schema.StepKind) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.executors[kind]
	return ex, ok
}

// Has checks if a kind is registered.
func (r *Registry) Has(kind schema.StepKind) bool {
	_, ok := r.Get(kind)
	return ok
}

// List returns info for all registered kinds, sorted by kind.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.executors))
	for kind, ex := range r.executors {
		infos = append(infos, Info{Kind: kind, StepSchema: ex.Schema()})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Kind < infos[j].Kind })
	return infos
}

// Validate checks a step definition against its executor.
func (r *Registry) Validate(step schema.Step) error {
	ex, ok := r.Get(step.Kind)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeInvalidStepDefinition, "%s %q", ErrUnknownKind, step.Kind)
	}
	if err := ex.Validate(step.Config); err != nil {
		var fe *schema.FlowError
		if errors.As(err, &fe) && fe.Code == schema.ErrCodeInvalidStepDefinition {
			return fe
		}
		return schema.NewError(schema.ErrCodeInvalidStepDefinition, err.Error()).WithCause(err)
	}
	return nil
}

// Execute runs the executor registered for kind and converts its result into
// a StepOutcome. Errors and panics become failed outcomes; an unknown kind
// fails without side effects.
func (r *Registry) Execute(ctx context.Context, kind schema.StepKind, config map[string]any, rc *schema.RunContext) (outcome schema.StepOutcome) {
	ex, ok := r.Get(kind)
	if !ok {
		return schema.Failed(ErrUnknownKind)
	}

	defer func() {
		if p := recover(); p != nil {
			outcome = schema.Failed(fmt.Sprintf("step %s panicked: %v", kind, p))
		}
	}()

	out, err := ex.Execute(ctx, Input{Config: config, Run: rc})
	if err != nil {
		return schema.Failed(errorText(err))
	}
	if out == nil {
		out = map[string]any{}
	}
	return schema.Succeeded(out)
}

// errorText strips the code prefix from engine errors so outcomes carry a
// readable message.
func errorText(err error) string {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		if fe.Cause != nil && fe.Message == "" {
			return fe.Cause.Error()
		}
		return fe.Message
	}
	return err.Error()
}

// stepError builds a StepExecutionError.
func stepError(format string, args ...any) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeStepExecution, format, args...)
}

// notConfigured is returned when a collaborator was not wired.
func notConfigured(kind schema.StepKind, collaborator string) error {
	return stepError("%s step requires a %s, none is configured", kind, collaborator)
}
