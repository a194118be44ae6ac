// Package engine: execution lifecycle event publication over Kafka,
// grounded on the teacher's internal/platform/messaging/kafka/publisher.go
// EventPublisher — same sarama.AsyncProducer construction and Publish/Close
// pattern, repointed at the narrowed internal/shared/events catalog.
package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/IBM/sarama"

	"github.com/stepflow/execengine/internal/shared/events"
)

// EventPublisher publishes execution lifecycle events. It is satisfied by
// *KafkaEventPublisher and by test doubles.
type EventPublisher interface {
	PublishExecutionStarted(ctx context.Context, data events.ExecutionStartedData, tenantID TenantId) error
	PublishExecutionCompleted(ctx context.Context, data events.ExecutionCompletedData, tenantID TenantId) error
	PublishExecutionFailed(ctx context.Context, data events.ExecutionFailedData, tenantID TenantId) error
	PublishSecurityViolation(ctx context.Context, data events.SecurityViolationData, tenantID TenantId) error
	Close() error
}

// KafkaConfig configures the Kafka producer.
type KafkaConfig struct {
	Brokers []string
}

// KafkaEventPublisher is an EventPublisher backed by sarama.AsyncProducer.
type KafkaEventPublisher struct {
	producer sarama.AsyncProducer
	source   string
}

// NewKafkaEventPublisher dials brokers and starts the error/success drain
// goroutines, mirroring the teacher's EventPublisher construction.
func NewKafkaEventPublisher(cfg KafkaConfig) (*KafkaEventPublisher, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	config.Producer.Compression = sarama.CompressionSnappy

	producer, err := sarama.NewAsyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, ErrInternalError("failed to create kafka producer", err)
	}

	p := &KafkaEventPublisher{producer: producer, source: "execengine"}
	go p.handleErrors()
	go p.handleSuccesses()
	return p, nil
}

func (p *KafkaEventPublisher) handleErrors() {
	for range p.producer.Errors() {
	}
}

func (p *KafkaEventPublisher) handleSuccesses() {
	for range p.producer.Successes() {
	}
}

func (p *KafkaEventPublisher) publish(ctx context.Context, evt *events.Event) error {
	evt.Metadata.Source = p.source
	if cid, ok := ctx.Value(correlationIDKey{}).(string); ok {
		evt.Metadata.CorrelationID = cid
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return ErrInternalError("failed to marshal event", err)
	}

	msg := &sarama.ProducerMessage{
		Topic:     evt.Topic(),
		Key:       sarama.StringEncoder(evt.AggregateID),
		Value:     sarama.ByteEncoder(payload),
		Timestamp: time.Now(),
	}

	select {
	case p.producer.Input() <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *KafkaEventPublisher) PublishExecutionStarted(ctx context.Context, data events.ExecutionStartedData, tenantID TenantId) error {
	evt, err := events.NewEvent(events.ExecutionStarted, data.ExecutionID, "execution", data)
	if err != nil {
		return ErrInternalError("failed to build event", err)
	}
	return p.publish(ctx, evt.WithTenant(string(tenantID)))
}

func (p *KafkaEventPublisher) PublishExecutionCompleted(ctx context.Context, data events.ExecutionCompletedData, tenantID TenantId) error {
	evt, err := events.NewEvent(events.ExecutionCompleted, data.ExecutionID, "execution", data)
	if err != nil {
		return ErrInternalError("failed to build event", err)
	}
	return p.publish(ctx, evt.WithTenant(string(tenantID)))
}

func (p *KafkaEventPublisher) PublishExecutionFailed(ctx context.Context, data events.ExecutionFailedData, tenantID TenantId) error {
	evt, err := events.NewEvent(events.ExecutionFailed, data.ExecutionID, "execution", data)
	if err != nil {
		return ErrInternalError("failed to build event", err)
	}
	return p.publish(ctx, evt.WithTenant(string(tenantID)))
}

func (p *KafkaEventPublisher) PublishSecurityViolation(ctx context.Context, data events.SecurityViolationData, tenantID TenantId) error {
	evt, err := events.NewEvent(events.SecurityViolationDetected, data.SandboxID, "sandbox", data)
	if err != nil {
		return ErrInternalError("failed to build event", err)
	}
	return p.publish(ctx, evt.WithTenant(string(tenantID)))
}

// Close flushes and closes the underlying producer.
func (p *KafkaEventPublisher) Close() error {
	return p.producer.Close()
}

// correlationIDKey is the context key WithCorrelationID stores a
// request-scoped correlation ID under; publish copies it onto each event.
type correlationIDKey struct{}

// WithCorrelationID returns a context carrying a correlation ID for
// downstream event publication.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// NoopEventPublisher discards every event; used when no broker is configured.
type NoopEventPublisher struct{}

func (NoopEventPublisher) PublishExecutionStarted(context.Context, events.ExecutionStartedData, TenantId) error {
	return nil
}
func (NoopEventPublisher) PublishExecutionCompleted(context.Context, events.ExecutionCompletedData, TenantId) error {
	return nil
}
func (NoopEventPublisher) PublishExecutionFailed(context.Context, events.ExecutionFailedData, TenantId) error {
	return nil
}
func (NoopEventPublisher) PublishSecurityViolation(context.Context, events.SecurityViolationData, TenantId) error {
	return nil
}
func (NoopEventPublisher) Close() error { return nil }
