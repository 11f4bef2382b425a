package audit

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"
)

// KafkaPublisher mirrors audit entries to a kafka topic so compliance
// consumers can tail the trail without querying the store.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher creates a publisher for the given brokers and topic.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.Hash{},
		},
	}
}

// Publish writes the entry as JSON, keyed by account so per-account ordering
// survives partitioning.
func (p *KafkaPublisher) Publish(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.AccountID),
		Value: data,
	})
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

var _ Publisher = (*KafkaPublisher)(nil)
