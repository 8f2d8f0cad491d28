package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-pooling/internal/pools"
	"github.com/example/ride-pooling/internal/rides"
)

// KafkaProducer streams pool-request and seat-transition events. The pool
// topic feeds the discovery-index consumer; the seat topic is for downstream
// analytics and audit.
type KafkaProducer struct {
	poolWriter *kafka.Writer
	seatWriter *kafka.Writer
}

func NewKafkaProducer(brokers []string, poolTopic, seatTopic string) *KafkaProducer {
	return &KafkaProducer{
		poolWriter: kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: poolTopic, Balancer: &kafka.LeastBytes{}}),
		seatWriter: kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: seatTopic, Balancer: &kafka.LeastBytes{}}),
	}
}

func (k *KafkaProducer) PublishPoolEvent(ev pools.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return k.poolWriter.WriteMessages(ctx, kafka.Message{Key: []byte(ev.Request.ID), Value: b})
}

func (k *KafkaProducer) PublishSeatEvent(ev rides.SeatEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return k.seatWriter.WriteMessages(ctx, kafka.Message{Key: []byte(ev.RideID), Value: b})
}

func (k *KafkaProducer) Close() error {
	var first error
	for _, w := range []*kafka.Writer{k.poolWriter, k.seatWriter} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
