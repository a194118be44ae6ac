package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow/execengine/internal/shared/events"
)

func TestNoopEventPublisher_NeverErrors(t *testing.T) {
	var pub EventPublisher = NoopEventPublisher{}
	ctx := context.Background()

	require.NoError(t, pub.PublishExecutionStarted(ctx, events.ExecutionStartedData{ExecutionID: "e1"}, "tenant-1"))
	require.NoError(t, pub.PublishExecutionCompleted(ctx, events.ExecutionCompletedData{ExecutionID: "e1"}, "tenant-1"))
	require.NoError(t, pub.PublishExecutionFailed(ctx, events.ExecutionFailedData{ExecutionID: "e1"}, "tenant-1"))
	require.NoError(t, pub.PublishSecurityViolation(ctx, events.SecurityViolationData{SandboxID: "s1"}, "tenant-1"))
	require.NoError(t, pub.Close())
}

func TestWithCorrelationID_RoundTripsThroughContext(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "corr-123")
	v, ok := ctx.Value(correlationIDKey{}).(string)
	require.True(t, ok)
	assert.Equal(t, "corr-123", v)
}
