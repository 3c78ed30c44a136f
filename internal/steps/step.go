// Package steps holds the step executor registry and the built-in executors.
// Each executor turns an interpolated step config into output variables by
// delegating to exactly one collaborator.
package steps

import (
	"context"

	"github.com/rendis/autoflow/pkg/schema"
)

// Executor runs one kind of step.
type Executor interface {
	Kind() schema.StepKind
	Schema() StepSchema
	// Validate checks a stored (not yet interpolated) config. Fields holding
	// {{name}} placeholders are accepted wherever they could resolve.
	Validate(config map[string]any) error
	Execute(ctx context.Context, in Input) (map[string]any, error)
}

// StepSchema describes the config and output contract of a step kind.
type StepSchema struct {
	Description string   `json:"description,omitempty"`
	Required    []string `json:"required,omitempty"`
	Optional    []string `json:"optional,omitempty"`
	Outputs     []string `json:"outputs,omitempty"`
	Network     bool     `json:"network,omitempty"`
}

// Input is the data provided to an executor at execution time.
type Input struct {
	Config map[string]any
	Run    *schema.RunContext
}

// Info is a summary of a registered step kind for listing.
type Info struct {
	Kind schema.StepKind `json:"kind"`
	StepSchema
}

// Slot is the execution slot a run holds in the worker pool. Steps that only
// wait, such as delay, release it for the duration of the wait.
type Slot interface {
	Release()
	Reacquire(ctx context.Context) error
}

type slotKey struct{}

// WithSlot attaches the caller's execution slot to ctx.
func WithSlot(ctx context.Context, s Slot) context.Context {
	return context.WithValue(ctx, slotKey{}, s)
}

// SlotFrom returns the slot attached by WithSlot, or nil.
func SlotFrom(ctx context.Context) Slot {
	s, _ := ctx.Value(slotKey{}).(Slot)
	return s
}
