package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-realtime/internal/models"
)

// KafkaProducer writes ride events and driver locations to their topics,
// keyed by ride and driver id so each entity stays ordered in a partition.
type KafkaProducer struct {
	writer        *kafka.Writer
	rideTopic     string
	locationTopic string
	timeout       time.Duration
}

func NewKafkaProducer(brokers []string, rideTopic, locationTopic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaProducer{writer: w, rideTopic: rideTopic, locationTopic: locationTopic, timeout: 2 * time.Second}
}

func (k *KafkaProducer) PublishRide(ctx context.Context, e RideEvent) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return k.write(ctx, kafka.Message{Topic: k.rideTopic, Key: []byte(e.RideID), Value: b})
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, d models.Driver) error {
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return k.write(ctx, kafka.Message{Topic: k.locationTopic, Key: []byte(d.ID), Value: b})
}

func (k *KafkaProducer) write(ctx context.Context, m kafka.Message) error {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, m)
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
