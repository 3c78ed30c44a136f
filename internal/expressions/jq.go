package expressions

import (
	"context"
	"encoding/json"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/itchyny/gojq"

	"github.com/rendis/autoflow/pkg/schema"
)

// Extractor evaluates jq queries against decoded HTTP response bodies. Steps
// use it to lift fields out of a response into run variables.
// Compiled *gojq.Code values are kept in a bounded LRU cache.
type Extractor struct {
	cache *lru.Cache[string, *gojq.Code]
}

// NewExtractor creates a new jq extractor.
func NewExtractor() *Extractor {
	return &Extractor{cache: newCompiledCache[*gojq.Code](0)}
}

// Validate parses and compiles a query.
func (e *Extractor) Validate(expression string) error {
	_, err := e.getOrCompile(expression)
	return err
}

// Query runs expression against input. One output is returned as-is, several
// are collected into []any and none yields nil.
func (e *Extractor) Query(ctx context.Context, expression string, input any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}
	code, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, normalizeForJQ(input))
	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeStepExecution,
				"jq evaluation failed for %q: %s", expression, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"expression": expression})
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// ExtractAll evaluates each name -> query pair against input and returns the
// resulting variables. The first failing query aborts extraction.
func (e *Extractor) ExtractAll(ctx context.Context, queries map[string]string, input any) (map[string]any, error) {
	out := make(map[string]any, len(queries))
	for name, q := range queries {
		v, err := e.Query(ctx, q, input)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

func (e *Extractor) getOrCompile(expression string) (*gojq.Code, error) {
	if code, ok := e.cache.Get(expression); ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq parse error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	code, err := gojq.Compile(query,
		// Empty environment blocks $ENV and env.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache.Add(expression, code)
	return code, nil
}

// normalizeForJQ converts Go values to the types gojq accepts: float64 for
// numbers, []any and map[string]any for collections.
func normalizeForJQ(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = normalizeForJQ(v)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = normalizeForJQ(v)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = v
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = v
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	case json.Number:
		f, _ := val.Float64()
		return f
	default:
		return v
	}
}
