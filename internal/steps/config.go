package steps

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"

	"github.com/rendis/autoflow/internal/expressions"
	"github.com/rendis/autoflow/pkg/schema"
)

// DefaultTimeout bounds network-bound and command steps that do not set
// timeoutSeconds.
const DefaultTimeout = 30 * time.Second

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeConfig decodes a step config map into a typed struct and applies its
// validate tags. With placeholders set, string values holding {{name}} tokens
// that target non-string fields are zeroed before decoding so stored
// definitions can defer those values to run time.
func decodeConfig(config map[string]any, out any, placeholders bool) error {
	hooks := []mapstructure.DecodeHookFunc{}
	if placeholders {
		hooks = append(hooks, placeholderHook)
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.ComposeDecodeHookFunc(hooks...),
	})
	if err != nil {
		return err
	}
	if config == nil {
		config = map[string]any{}
	}
	if err := dec.Decode(config); err != nil {
		return schema.NewErrorf(schema.ErrCodeInvalidStepDefinition, "invalid config: %s", err.Error()).WithCause(err)
	}
	if err := validate.Struct(out); err != nil {
		return schema.NewError(schema.ErrCodeInvalidStepDefinition, describeValidation(err)).WithCause(err)
	}
	return nil
}

func placeholderHook(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to.Kind() == reflect.String {
		return data, nil
	}
	if s, ok := data.(string); ok && expressions.HasTokens(s) {
		if to.Kind() == reflect.Slice && to.Elem().Kind() == reflect.String {
			return []string{s}, nil
		}
		return reflect.Zero(to).Interface(), nil
	}
	return data, nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Field()
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", field))
		case "required_if":
			msgs = append(msgs, fmt.Sprintf("%s is required when %s", field, strings.Replace(fe.Param(), " ", " is ", 1)))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s]", field, fe.Param()))
		case "gte":
			msgs = append(msgs, fmt.Sprintf("%s must be >= %s", field, fe.Param()))
		case "lte":
			msgs = append(msgs, fmt.Sprintf("%s must be <= %s", field, fe.Param()))
		case "min":
			msgs = append(msgs, fmt.Sprintf("%s must have at least %s item(s)", field, fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %q", field, fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

// withTimeout bounds ctx by seconds. When seconds <= 0 it falls back to
// fallback, then to DefaultTimeout.
func withTimeout(ctx context.Context, seconds float64, fallback time.Duration) (context.Context, context.CancelFunc, time.Duration) {
	d := DefaultTimeout
	switch {
	case seconds > 0:
		d = time.Duration(seconds * float64(time.Second))
	case fallback > 0:
		d = fallback
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	return ctx, cancel, d
}

// timeoutError rewrites a deadline overrun into a readable step error.
func timeoutError(ctx context.Context, kind schema.StepKind, d time.Duration, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return schema.NewErrorf(schema.ErrCodeTimeout, "%s step timed out after %s", kind, d).WithCause(err)
	}
	return err
}
