package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
)

// LifecycleEventType names the four work-item transitions the core exposes
// to external observability consumers — the admin/diagnostics surface
// spec.md §1 places out of scope for the core itself.
type LifecycleEventType string

const (
	EventEnqueued  LifecycleEventType = "WorkItemEnqueued"
	EventStarted   LifecycleEventType = "WorkItemStarted"
	EventCompleted LifecycleEventType = "WorkItemCompleted"
	EventCancelled LifecycleEventType = "WorkItemCancelled"
)

// LifecycleEvent is the payload published for each transition.
type LifecycleEvent struct {
	ID        string             `json:"id"`
	Type      LifecycleEventType `json:"type"`
	Workqueue string             `json:"workqueue"`
	WorkID    string             `json:"work_id"`
	Color     uint8              `json:"color"`
	Timestamp time.Time          `json:"timestamp"`
	Err       string             `json:"error,omitempty"`
}

// LifecycleSink is an optional side channel for lifecycle events. The core
// engine (package taskengine) holds no sink and publishes no events through
// one; its state machine never depends on a sink.
type LifecycleSink interface {
	Publish(ctx context.Context, evt LifecycleEvent) error
}

// KafkaLifecycleSink publishes LifecycleEvents to Kafka, grounded on
// internal/platform/messaging/kafka/publisher.go's EventPublisher
// (async producer, snappy compression, WaitForAll acks, background
// error/success draining goroutines), repointed at a fixed lifecycle-events
// topic instead of the teacher's per-event-type topic router.
type KafkaLifecycleSink struct {
	producer sarama.AsyncProducer
	topic    string
	errs     chan error
}

// KafkaConfig configures a KafkaLifecycleSink.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

func NewKafkaLifecycleSink(cfg KafkaConfig) (*KafkaLifecycleSink, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Retry.Max = 5
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true
	saramaConfig.Producer.Compression = sarama.CompressionSnappy

	producer, err := sarama.NewAsyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("remote: create kafka producer: %w", err)
	}

	topic := cfg.Topic
	if topic == "" {
		topic = "taskengine-lifecycle"
	}

	sink := &KafkaLifecycleSink{producer: producer, topic: topic, errs: make(chan error, 100)}
	go sink.drainErrors()
	go sink.drainSuccesses()
	return sink, nil
}

func (s *KafkaLifecycleSink) Publish(ctx context.Context, evt LifecycleEvent) error {
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("remote: marshal lifecycle event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(evt.Workqueue),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("eventType"), Value: []byte(evt.Type)},
		},
		Timestamp: evt.Timestamp,
	}

	select {
	case s.producer.Input() <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case err := <-s.errs:
		return fmt.Errorf("remote: kafka producer error: %w", err)
	}
}

func (s *KafkaLifecycleSink) Close() error {
	if err := s.producer.Close(); err != nil {
		return fmt.Errorf("remote: close kafka producer: %w", err)
	}
	close(s.errs)
	return nil
}

func (s *KafkaLifecycleSink) drainErrors() {
	for err := range s.producer.Errors() {
		select {
		case s.errs <- err.Err:
		default:
		}
	}
}

func (s *KafkaLifecycleSink) drainSuccesses() {
	for range s.producer.Successes() {
	}
}
