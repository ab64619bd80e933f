package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

// KafkaProducer publishes vehicle state so every consumer's directory sees it.
type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, Balancer: &kafka.Hash{}, BatchTimeout: 10 * time.Millisecond}
	return &KafkaProducer{writer: w}
}

// PublishVehicle keys by driver so one driver's updates stay ordered.
func (k *KafkaProducer) PublishVehicle(ctx context.Context, v models.Vehicle) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode vehicle %s: %w", v.DriverID, err)
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(v.DriverID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
