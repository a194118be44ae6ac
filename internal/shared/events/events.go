// Package events defines the execution-domain lifecycle events the engine
// publishes. Narrowed from the teacher's all-services event catalog down
// to the types the tool execution engine actually emits; the envelope
// shape (Event/Metadata) is unchanged.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType defines the type of event.
type EventType string

const (
	ExecutionStarted   EventType = "execution.started"
	ExecutionCompleted EventType = "execution.completed"
	ExecutionFailed    EventType = "execution.failed"
	ExecutionCancelled EventType = "execution.cancelled"
	ExecutionRetried   EventType = "execution.retried"
	ExecutionTimedOut  EventType = "execution.timeout"

	SandboxCreated   EventType = "sandbox.created"
	SandboxDestroyed EventType = "sandbox.destroyed"

	SecurityViolationDetected EventType = "security.violation.detected"
)

// Event represents a domain event.
type Event struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	AggregateID   string          `json:"aggregateId"`
	AggregateType string          `json:"aggregateType"`
	TenantID      string          `json:"tenantId,omitempty"`
	UserID        string          `json:"userId,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Version       int             `json:"version"`
	Data          json.RawMessage `json:"data"`
	Metadata      Metadata        `json:"metadata"`
}

// Metadata contains event metadata.
type Metadata struct {
	CorrelationID string            `json:"correlationId,omitempty"`
	CausationID   string            `json:"causationId,omitempty"`
	Source        string            `json:"source,omitempty"`
	TraceID       string            `json:"traceId,omitempty"`
	SpanID        string            `json:"spanId,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
}

// NewEvent creates a new event.
func NewEvent(eventType EventType, aggregateID, aggregateType string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            uuid.New().String(),
		Type:          eventType,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Timestamp:     time.Now().UTC(),
		Version:       1,
		Data:          dataBytes,
		Metadata:      Metadata{},
	}, nil
}

// WithTenant sets the tenant ID.
func (e *Event) WithTenant(tenantID string) *Event {
	e.TenantID = tenantID
	return e
}

// WithUser sets the user ID.
func (e *Event) WithUser(userID string) *Event {
	e.UserID = userID
	return e
}

// WithCorrelation sets the correlation ID.
func (e *Event) WithCorrelation(correlationID string) *Event {
	e.Metadata.CorrelationID = correlationID
	return e
}

// WithCausation sets the causation ID.
func (e *Event) WithCausation(causationID string) *Event {
	e.Metadata.CausationID = causationID
	return e
}

// WithSource sets the source service.
func (e *Event) WithSource(source string) *Event {
	e.Metadata.Source = source
	return e
}

// GetData unmarshals the event data into the provided type.
func (e *Event) GetData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// Topic returns the Kafka topic for this event: security violations,
// sandbox lifecycle events, and everything else (execution events) each
// go to their own execengine.* topic.
func (e *Event) Topic() string {
	switch {
	case e.Type == SecurityViolationDetected:
		return "execengine.security.events"
	case e.Type == SandboxCreated || e.Type == SandboxDestroyed:
		return "execengine.sandbox.events"
	default:
		return "execengine.execution.events"
	}
}

// ExecutionStartedData contains data for the execution started event.
type ExecutionStartedData struct {
	ExecutionID string                 `json:"executionId"`
	ToolID      string                 `json:"toolId"`
	TenantID    string                 `json:"tenantId"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// ExecutionCompletedData contains data for the execution completed event.
type ExecutionCompletedData struct {
	ExecutionID string                 `json:"executionId"`
	ToolID      string                 `json:"toolId"`
	Status      string                 `json:"status"`
	DurationMs  int64                  `json:"durationMs"`
	Output      map[string]interface{} `json:"output"`
}

// ExecutionFailedData contains data for the execution failed event.
type ExecutionFailedData struct {
	ExecutionID string `json:"executionId"`
	ToolID      string `json:"toolId"`
	Error       string `json:"error"`
}

// SecurityViolationData contains data for the security violation event.
type SecurityViolationData struct {
	SandboxID   string `json:"sandboxId"`
	Kind        string `json:"kind"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
}
