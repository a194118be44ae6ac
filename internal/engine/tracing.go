// Package engine: OpenTelemetry tracing, grounded on the teacher's
// internal/platform/telemetry/telemetry.go — same Jaeger exporter +
// TracerProvider construction, narrowed to a single engine-wide tracer
// plus a span helper wrapping each execution attempt.
package engine

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// TracingConfig configures the Jaeger exporter.
type TracingConfig struct {
	ServiceName    string
	JaegerEndpoint string
	Enabled        bool
}

// Tracing wraps the engine's TracerProvider and exposes a span helper for
// instrumenting execution attempts.
type Tracing struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NewTracing builds a Tracing instance. When cfg.Enabled is false the
// returned Tracing uses the global no-op tracer, so callers never need to
// nil-check.
func NewTracing(cfg TracingConfig) (*Tracing, error) {
	if !cfg.Enabled {
		return &Tracing{tracer: otel.Tracer(cfg.ServiceName)}, nil
	}

	exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerEndpoint)))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize jaeger exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(cfg.ServiceName),
		)),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(provider)

	return &Tracing{tracer: otel.Tracer(cfg.ServiceName), provider: provider}, nil
}

// StartExecutionSpan starts a span covering one execution attempt.
func (t *Tracing) StartExecutionSpan(ctx context.Context, toolID ToolId, executionID ExecutionId) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "engine.execute",
		trace.WithAttributes(
			attribute.String("tool.id", string(toolID)),
			attribute.String("execution.id", string(executionID)),
		),
	)
}

// EndSpan records the outcome on span and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Close shuts down the tracer provider, flushing any pending spans.
func (t *Tracing) Close(ctx context.Context) error {
	if t.provider != nil {
		return t.provider.Shutdown(ctx)
	}
	return nil
}
