// Package telemetry wires OpenTelemetry tracing for runs and steps.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Span attribute keys.
const (
	WorkflowIDKey  = attribute.Key("autoflow.workflow.id")
	RunIDKey       = attribute.Key("autoflow.run.id")
	TriggeredByKey = attribute.Key("autoflow.run.triggered_by")
	RunStatusKey   = attribute.Key("autoflow.run.status")
	StepIndexKey   = attribute.Key("autoflow.step.index")
	StepKindKey    = attribute.Key("autoflow.step.kind")
	StepNameKey    = attribute.Key("autoflow.step.name")
)

// ShutdownFunc flushes and stops the tracer provider.
type ShutdownFunc func(context.Context) error

// Setup returns a tracer exporting over OTLP/HTTP when enabled. The exporter
// reads the standard OTEL_EXPORTER_OTLP_* environment variables. When
// disabled, a no-op tracer is returned.
func Setup(ctx context.Context, serviceName, version string, enabled bool) (trace.Tracer, ShutdownFunc, error) {
	if !enabled {
		return Noop(), func(context.Context) error { return nil }, nil
	}

	r, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, nil, err
	}

	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(r),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Tracer(serviceName), tp.Shutdown, nil
}

// Noop returns a tracer that records nothing.
func Noop() trace.Tracer {
	return noop.NewTracerProvider().Tracer("autoflow")
}

// SetError marks span as failed.
func SetError(span trace.Span, err error, attrs ...attribute.KeyValue) {
	span.RecordError(err, trace.WithAttributes(attrs...))
	span.SetStatus(codes.Error, err.Error())
}
