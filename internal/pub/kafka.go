package pub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/avu-1/CREDORA/internal/domain"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageWriter is the subset of *kafka.Writer the sink needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink appends commit events to a topic, keyed by sender account so
// events for one account stay ordered within a partition.
type KafkaSink struct {
	writer MessageWriter
}

func NewKafkaWriter(brokers []string, topic string, logger *zap.Logger) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		Compression:  kafka.Snappy,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...))
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Warn(fmt.Sprintf(msg, args...))
		}),
	}
}

func NewKafkaSink(w MessageWriter) *KafkaSink {
	return &KafkaSink{writer: w}
}

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) Publish(ctx context.Context, ev *domain.CommitEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode commit event: %w", err)
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.FromAccountID),
		Value: value,
		Time:  ev.PublishedAt,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(ev.Type)},
			{Key: "reference", Value: []byte(ev.Transaction.ReferenceNumber)},
		},
	})
}

func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
