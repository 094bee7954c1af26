package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

// HeartbeatProducer streams driver location reports onto Kafka so the
// location consumer can maintain the shared Redis geo mirror.
type HeartbeatProducer struct {
	writer *kafka.Writer
}

func NewHeartbeatProducer(brokers []string, topic string) *HeartbeatProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &HeartbeatProducer{writer: w}
}

func (k *HeartbeatProducer) PublishHeartbeat(hb models.Heartbeat) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, err := json.Marshal(hb)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(hb.DriverID), Value: b})
}

func (k *HeartbeatProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
