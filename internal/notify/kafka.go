package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaSink publishes every message to a topic keyed by recipient, so one
// user's events stay ordered within a partition.
type KafkaSink struct {
	writer *kafka.Writer
}

// sendBatchTimeout bounds how long one Notify waits for its batch to flush.
const sendBatchTimeout = 10 * time.Millisecond

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: sendBatchTimeout,
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaSink{writer: w}
}

func (k *KafkaSink) Notify(ctx context.Context, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(sessionKey(msg.UserType, msg.UserID)), Value: b})
}

func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
