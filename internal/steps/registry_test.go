package steps

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/autoflow/pkg/schema"
)

type stubStep struct {
	kind schema.StepKind
	run  func(Input) (map[string]any, error)
}

func (s *stubStep) Kind() schema.StepKind           { return s.kind }
func (s *stubStep) Schema() StepSchema              { return StepSchema{Description: "stub"} }
func (s *stubStep) Validate(_ map[string]any) error { return nil }
func (s *stubStep) Execute(_ context.Context, in Input) (map[string]any, error) {
	return s.run(in)
}

func TestRegistry_RegisterDuplicate(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubStep{kind: "x"}))

	err := reg.Register(&stubStep{kind: "x"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
}

func TestRegistry_RegisterRejectsEmpty(t *testing.T) {
	reg := NewRegistry()
	assert.True(t, schema.IsCode(reg.Register(nil), schema.ErrCodeValidation))
	assert.True(t, schema.IsCode(reg.Register(&stubStep{}), schema.ErrCodeValidation))
}

func TestRegistry_UnknownKind(t *testing.T) {
	reg := NewRegistry()

	err := reg.Validate(schema.Step{Kind: "teleport"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidStepDefinition))
	assert.Contains(t, err.Error(), "teleport")

	out := reg.Execute(context.Background(), "teleport", nil, nil)
	assert.False(t, out.Success)
	assert.Equal(t, ErrUnknownKind, out.Error)
}

func TestRegistry_ExecuteRecoversPanic(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubStep{kind: "boom", run: func(Input) (map[string]any, error) {
		panic("kaboom")
	}}))

	out := reg.Execute(context.Background(), "boom", nil, nil)
	assert.False(t, out.Success)
	assert.Contains(t, out.Error, "kaboom")
}

func TestRegistry_ExecuteNilOutputIsEmptyMap(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubStep{kind: "noop", run: func(Input) (map[string]any, error) {
		return nil, nil
	}}))

	out := reg.Execute(context.Background(), "noop", nil, nil)
	assert.True(t, out.Success)
	assert.NotNil(t, out.Output)
}

func TestRegistry_ErrorTextHasNoCodePrefix(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubStep{kind: "fail", run: func(Input) (map[string]any, error) {
		return nil, stepError("disk full")
	}}))

	out := reg.Execute(context.Background(), "fail", nil, nil)
	assert.Equal(t, "disk full", out.Error)
}

func TestBuiltins_CoverEveryKind(t *testing.T) {
	reg, err := NewBuiltinRegistry(Dependencies{})
	require.NoError(t, err)

	for _, kind := range schema.StepKinds {
		assert.True(t, reg.Has(kind), "missing executor for %s", kind)
	}
	assert.Len(t, reg.List(), len(schema.StepKinds))
}

func TestBuiltins_MissingCollaboratorFailsAtRunTime(t *testing.T) {
	reg, err := NewBuiltinRegistry(Dependencies{})
	require.NoError(t, err)

	cfg := map[string]any{"channel": "#ops", "message": "hi"}
	require.NoError(t, reg.Validate(schema.Step{Kind: schema.StepSlack, Config: cfg}))

	out := reg.Execute(context.Background(), schema.StepSlack, cfg, nil)
	assert.False(t, out.Success)
	assert.Contains(t, out.Error, "none is configured")
}
