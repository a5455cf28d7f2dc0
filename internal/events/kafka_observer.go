package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/matheusmosca/atp-ledger/internal/domain"
)

// MessageWriter is the part of *kafka.Writer the observer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaObserver publica eventos em um tópico Kafka
type KafkaObserver struct {
	writer MessageWriter
}

// NewKafkaObserver writes to topic, keyed by transaction so the events of one
// transfer stay ordered within a partition.
func NewKafkaObserver(brokers []string, topic string) *KafkaObserver {
	return NewKafkaObserverWithWriter(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	})
}

func NewKafkaObserverWithWriter(w MessageWriter) *KafkaObserver {
	return &KafkaObserver{writer: w}
}

func (o *KafkaObserver) Name() string { return "kafka" }

func (o *KafkaObserver) Handle(ctx context.Context, e domain.Event) error {
	msg, err := json.Marshal(e)
	if err != nil {
		return err
	}

	key := e.TransactionID
	if key == "" {
		key = e.AccountID
	}

	return o.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: msg,
		Time:  e.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
		},
	})
}

// Close flushes pending messages.
func (o *KafkaObserver) Close() error {
	return o.writer.Close()
}
