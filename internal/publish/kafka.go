package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/KevinKickass/moldsim/internal/machine"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageWriter is the part of *kafka.Writer used by KafkaSink.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes every reading as a JSON message keyed by machine id.
type KafkaSink struct {
	writer MessageWriter
	key    []byte
}

// NewKafkaWriter returns an async writer; delivery failures are reported
// through the logger only.
func NewKafkaWriter(brokers []string, topic string, logger *zap.Logger) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Warn("Kafka delivery failed",
					zap.String("topic", topic),
					zap.Int("messages", len(messages)),
					zap.Error(err))
			}
		},
	}
}

func NewKafkaSink(writer MessageWriter, machineID string) *KafkaSink {
	return &KafkaSink{
		writer: writer,
		key:    []byte(machineID),
	}
}

func (k *KafkaSink) Publish(ctx context.Context, r machine.Reading) error {
	value, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode reading: %w", err)
	}

	msg := kafka.Message{
		Key:   k.key,
		Value: value,
		Time:  r.Timestamp,
		Headers: []kafka.Header{
			{Key: "stage", Value: []byte(r.Stage)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write kafka message: %w", err)
	}
	return nil
}

// Flush is a no-op; the async writer flushes its batches on Close.
func (k *KafkaSink) Flush(context.Context) error {
	return nil
}

func (k *KafkaSink) Close() error {
	if err := k.writer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka writer: %w", err)
	}
	return nil
}
