package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/autoflow/pkg/schema"
)

func TestExtractor_Query(t *testing.T) {
	e := NewExtractor()
	ctx := context.Background()
	body := map[string]any{
		"data": map[string]any{
			"id":    "abc",
			"items": []any{map[string]any{"n": 1}, map[string]any{"n": 2}},
		},
	}

	v, err := e.Query(ctx, ".data.id", body)
	require.NoError(t, err)
	assert.Equal(t, "abc", v)

	v, err = e.Query(ctx, "[.data.items[].n] | add", body)
	require.NoError(t, err)
	assert.Equal(t, float64(3), v)

	v, err = e.Query(ctx, ".data.items[].n", body)
	require.NoError(t, err)
	assert.Equal(t, []any{float64(1), float64(2)}, v)

	v, err = e.Query(ctx, "empty", body)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestExtractor_ExtractAll(t *testing.T) {
	e := NewExtractor()
	out, err := e.ExtractAll(context.Background(), map[string]string{
		"userId": ".user.id",
		"count":  ".items | length",
	}, map[string]any{"user": map[string]any{"id": 7}, "items": []any{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, float64(7), out["userId"])
	assert.Equal(t, 2, out["count"])
}

func TestExtractor_Errors(t *testing.T) {
	e := NewExtractor()

	err := e.Validate(".foo[")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = e.Query(context.Background(), ".a.b", "not an object")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStepExecution))

	_, err = e.Query(context.Background(), "", nil)
	assert.Error(t, err)
}

func TestExtractor_EnvironmentIsSandboxed(t *testing.T) {
	t.Setenv("AUTOFLOW_SECRET", "s3cr3t")
	e := NewExtractor()

	v, err := e.Query(context.Background(), "$ENV.AUTOFLOW_SECRET", map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, v)
}
