package notify

import (
	"context"
	"time"

	"clinicq/internal/store"

	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// Publisher delivers queue events to downstream consumers (display
// boards, notification senders).
type Publisher interface {
	Publish(ctx context.Context, event store.OutboxEvent) error
	Close() error
}

// KafkaPublisher writes events to a Kafka topic keyed by event type,
// behind a circuit breaker so a broker outage sheds load fast instead
// of stalling the dispatch loop on every event.
type KafkaPublisher struct {
	writer  *kafka.Writer
	breaker *gobreaker.CircuitBreaker[any]
	logger  *zap.Logger
}

func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    "kafka-publisher",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("publisher breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return &KafkaPublisher{writer: writer, breaker: breaker, logger: logger}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event store.OutboxEvent) error {
	_, err := p.breaker.Execute(func() (any, error) {
		return nil, p.writer.WriteMessages(ctx, kafka.Message{
			Key:   []byte(event.Type),
			Value: event.Payload,
			Headers: []kafka.Header{
				{Key: "event_id", Value: []byte(event.EventID)},
				{Key: "event_type", Value: []byte(event.Type)},
			},
		})
	})
	return err
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
