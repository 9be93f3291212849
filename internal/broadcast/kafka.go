package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher mirrors messages to a Kafka topic so that back-office
// consumers can follow deploys and sync activity. Messages are keyed by type.
// Writes are asynchronous: an unreachable broker never holds up delivery to
// client windows, and delivery failures are only logged.
type KafkaPublisher struct {
	writer messageWriter
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	logger := slog.Default()
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				logger.Warn("kafka mirror write failed", "topic", topic, "messages", len(msgs), "error", err)
			}
		},
	}
	return &KafkaPublisher{writer: writer}
}

func (p *KafkaPublisher) Broadcast(ctx context.Context, msg Message) error {
	msg = stamp(msg)
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.Type),
		Value: data,
		Time:  msg.At,
	}); err != nil {
		return fmt.Errorf("publishing %s: %w", msg.Type, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
