package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rendis/autoflow/pkg/schema"
)

// FilterEngine evaluates trigger filters written in CEL. A filter decides
// whether an incoming webhook delivery or external event should start a run
// of a particular workflow.
//
// The environment exposes:
//   - data:    map(string, dyn), the event payload
//   - headers: map(string, dyn), delivery headers (webhooks only)
//   - source:  string, the event source tag
//
// Compiled programs are kept in a bounded LRU cache shared across goroutines.
type FilterEngine struct {
	env   *cel.Env
	cache *lru.Cache[string, cel.Program]
}

// NewFilterEngine creates a new CEL filter engine.
func NewFilterEngine() (*FilterEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)

	env, err := cel.NewEnv(
		cel.Variable("data", mapType),
		cel.Variable("headers", mapType),
		cel.Variable("source", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &FilterEngine{
		env:   env,
		cache: newCompiledCache[cel.Program](0),
	}, nil
}

// evaluate runs a filter over an activation carrying the data, headers and
// source keys.
func (e *FilterEngine) evaluate(expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty filter expression")
	}
	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.Eval(buildActivation(data))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTrigger,
			"filter evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out.Value(), nil
}

// Validate compiles expression and checks that it yields a bool.
func (e *FilterEngine) Validate(expression string) error {
	_, err := e.getOrCompile(expression)
	return err
}

// Match evaluates a filter for one event. An empty filter always matches.
func (e *FilterEngine) Match(_ context.Context, expression string, data map[string]any, headers map[string]string, source string) (bool, error) {
	if expression == "" {
		return true, nil
	}
	hdrs := make(map[string]any, len(headers))
	for k, v := range headers {
		hdrs[k] = v
	}
	out, err := e.evaluate(expression, map[string]any{"data": data, "headers": hdrs, "source": source})
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeInvalidTrigger, "filter %q returned %T, expected bool", expression, out)
	}
	return b, nil
}

func (e *FilterEngine) getOrCompile(expression string) (cel.Program, error) {
	if prg, ok := e.cache.Get(expression); ok {
		return prg, nil
	}

	checked, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTrigger,
			"filter compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}
	if out := checked.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTrigger,
			"filter %q must evaluate to bool, got %s", expression, out)
	}

	prg, err := e.env.Program(checked)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTrigger,
			"filter program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache.Add(expression, prg)
	return prg, nil
}

// buildActivation fills missing variables so evaluation never hits an
// unbound reference.
func buildActivation(data map[string]any) map[string]any {
	activation := make(map[string]any, 3)
	for _, key := range []string{"data", "headers"} {
		if v, ok := data[key]; ok && v != nil {
			activation[key] = v
		} else {
			activation[key] = map[string]any{}
		}
	}
	if s, ok := data["source"].(string); ok {
		activation["source"] = s
	} else {
		activation["source"] = ""
	}
	return activation
}
