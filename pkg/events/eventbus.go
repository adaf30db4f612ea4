package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/procflow-go/pkg/metrics"
	"github.com/segmentio/kafka-go"
)

// Event types emitted by the modification engine.
const (
	TypeBatchCreated      = "batch.created"
	TypeBatchJobCompleted = "batch.job.completed"
	TypeBatchJobFailed    = "batch.job.failed"
	TypeBatchCompleted    = "batch.completed"

	TypeContinuationStart      = "continuation.start"
	TypeContinuationTransition = "continuation.transition"
	TypeContinuationCancel     = "continuation.cancel"
)

type Event struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	AggregateID   string                 `json:"aggregateId"`
	AggregateType string                 `json:"aggregateType"`
	Timestamp     time.Time              `json:"timestamp"`
	Payload       map[string]interface{} `json:"payload"`
}

type EventBus interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(topic string, handler EventHandler) error
	Close() error
}

type EventHandler func(ctx context.Context, event Event) error

// NewEvent builds an event with id and timestamp filled in.
func NewEvent(eventType, aggregateID string, payload map[string]interface{}) Event {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return Event{
		ID:            uuid.New().String(),
		Type:          eventType,
		AggregateID:   aggregateID,
		AggregateType: "batch",
		Timestamp:     time.Now().UTC(),
		Payload:       payload,
	}
}

type KafkaConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
}

type KafkaEventBus struct {
	config   KafkaConfig
	writer   *kafka.Writer
	readers  map[string]*kafka.Reader
	handlers map[string]EventHandler
}

func NewKafkaEventBus(config KafkaConfig) (*KafkaEventBus, error) {
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      config.Brokers,
		Topic:        config.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Async:        false,
	})

	return &KafkaEventBus{
		config:   config,
		writer:   writer,
		readers:  make(map[string]*kafka.Reader),
		handlers: make(map[string]EventHandler),
	}, nil
}

func (k *KafkaEventBus) Publish(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.AggregateID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(event.Type)},
		},
	}

	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return err
	}
	metrics.EventsPublished.WithLabelValues(event.Type).Inc()
	return nil
}

func (k *KafkaEventBus) Subscribe(topic string, handler EventHandler) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.config.Brokers,
		Topic:       topic,
		GroupID:     k.config.ConsumerGroup,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.LastOffset,
		MaxWait:     1 * time.Second,
	})

	k.readers[topic] = reader
	k.handlers[topic] = handler

	go k.consume(reader, handler)

	return nil
}

func (k *KafkaEventBus) consume(reader *kafka.Reader, handler EventHandler) {
	for {
		msg, err := reader.ReadMessage(context.Background())
		if err != nil {
			if err == context.Canceled {
				return
			}
			time.Sleep(1 * time.Second)
			continue
		}

		var event Event
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			continue
		}

		_ = handler(context.Background(), event)
	}
}

func (k *KafkaEventBus) Close() error {
	if err := k.writer.Close(); err != nil {
		return err
	}
	for _, reader := range k.readers {
		if err := reader.Close(); err != nil {
			return err
		}
	}
	return nil
}

// NopEventBus discards everything. Used in tests and when no broker is
// configured.
type NopEventBus struct{}

func (NopEventBus) Publish(ctx context.Context, event Event) error     { return nil }
func (NopEventBus) Subscribe(topic string, handler EventHandler) error { return nil }
func (NopEventBus) Close() error                                       { return nil }
