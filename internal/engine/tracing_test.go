package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestTracing_DisabledUsesNoopTracer(t *testing.T) {
	tr, err := NewTracing(TracingConfig{ServiceName: "execengine-test", Enabled: false})
	require.NoError(t, err)
	defer tr.Close(context.Background())

	ctx, span := tr.StartExecutionSpan(context.Background(), "tool-1", "exec-1")
	assert.NotNil(t, ctx)
	EndSpan(span, nil)
}

func TestEndSpan_RecordsErrorStatus(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := provider.Tracer("test")

	_, span := tracer.Start(context.Background(), "op")
	EndSpan(span, errors.New("boom"))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}
