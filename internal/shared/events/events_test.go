package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent_MarshalsDataAndStampsDefaults(t *testing.T) {
	evt, err := NewEvent(ExecutionStarted, "exec-1", "execution", ExecutionStartedData{
		ExecutionID: "exec-1",
		ToolID:      "tool-1",
		TenantID:    "tenant-1",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, evt.ID)
	assert.Equal(t, ExecutionStarted, evt.Type)
	assert.Equal(t, "exec-1", evt.AggregateID)
	assert.Equal(t, 1, evt.Version)
	assert.False(t, evt.Timestamp.IsZero())

	var data ExecutionStartedData
	require.NoError(t, evt.GetData(&data))
	assert.Equal(t, "tool-1", data.ToolID)
}

func TestEvent_BuilderMethodsSetFields(t *testing.T) {
	evt, err := NewEvent(ExecutionCompleted, "exec-2", "execution", ExecutionCompletedData{ExecutionID: "exec-2"})
	require.NoError(t, err)

	evt.WithTenant("tenant-9").WithUser("user-9").WithCorrelation("corr-1").WithCausation("cause-1").WithSource("execengine")

	assert.Equal(t, "tenant-9", evt.TenantID)
	assert.Equal(t, "user-9", evt.UserID)
	assert.Equal(t, "corr-1", evt.Metadata.CorrelationID)
	assert.Equal(t, "cause-1", evt.Metadata.CausationID)
	assert.Equal(t, "execengine", evt.Metadata.Source)
}

func TestEvent_TopicRoutesByType(t *testing.T) {
	cases := []struct {
		eventType EventType
		want      string
	}{
		{ExecutionStarted, "execengine.execution.events"},
		{ExecutionCompleted, "execengine.execution.events"},
		{SandboxCreated, "execengine.sandbox.events"},
		{SandboxDestroyed, "execengine.sandbox.events"},
		{SecurityViolationDetected, "execengine.security.events"},
	}

	for _, tc := range cases {
		evt, err := NewEvent(tc.eventType, "agg-1", "execution", map[string]string{})
		require.NoError(t, err)
		assert.Equal(t, tc.want, evt.Topic())
	}
}
