package queue

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/bleepstore/bleeprelay/internal/config"
)

// Consumer fetches records from the log bus and commits per-partition
// watermarks. Fetch and Commit may be called from different goroutines.
type Consumer interface {
	// Fetch blocks until the next record is available or ctx is done.
	Fetch(ctx context.Context) (Record, error)
	// Commit marks the record's offset as processed for its partition.
	// All offsets up to and including the record's are considered done.
	Commit(ctx context.Context, rec Record) error
	// Close leaves the consumer group and releases the connection.
	Close() error
}

// KafkaConsumer is the Kafka-backed Consumer using consumer-group offset
// management.
type KafkaConsumer struct {
	reader *kafka.Reader
}

// NewKafkaConsumer creates a consumer-group reader on the raw log topic.
func NewKafkaConsumer(cfg config.KafkaConfig) *KafkaConsumer {
	return &KafkaConsumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			GroupID:     cfg.GroupID,
			Topic:       cfg.Topic,
			StartOffset: kafka.FirstOffset,
		}),
	}
}

func (c *KafkaConsumer) Fetch(ctx context.Context) (Record, error) {
	msg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("fetching log record: %w", err)
	}
	return Record{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       msg.Key,
		Value:     msg.Value,
	}, nil
}

func (c *KafkaConsumer) Commit(ctx context.Context, rec Record) error {
	err := c.reader.CommitMessages(ctx, kafka.Message{
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
	})
	if err != nil {
		return fmt.Errorf("committing offset %d on partition %d: %w", rec.Offset, rec.Partition, err)
	}
	return nil
}

func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}

// Ensure KafkaConsumer implements Consumer at compile time.
var _ Consumer = (*KafkaConsumer)(nil)
