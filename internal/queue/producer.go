package queue

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// Producer publishes records to the log bus. Implementations must be safe
// for concurrent use.
type Producer interface {
	// Publish writes one record to the given topic.
	Publish(ctx context.Context, topic string, key, value []byte) error
	// Close flushes pending records and releases the connection.
	Close() error
}

// KafkaProducer is the Kafka-backed Producer. One writer serves all topics;
// each message carries its own topic.
type KafkaProducer struct {
	writer *kafka.Writer
}

// NewKafkaProducer creates a producer against the given brokers. Writes are
// synchronous so callers observe delivery failures directly.
func NewKafkaProducer(brokers []string) *KafkaProducer {
	return &KafkaProducer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
	}
}

func (p *KafkaProducer) Publish(ctx context.Context, topic string, key, value []byte) error {
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   key,
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("publishing to topic %q: %w", topic, err)
	}
	return nil
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

// Ensure KafkaProducer implements Producer at compile time.
var _ Producer = (*KafkaProducer)(nil)
