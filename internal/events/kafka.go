package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/segmentio/kafka-go"
)

// KafkaSink publishes envelopes to a Kafka topic, keyed per listing or
// order so related events survive partitioning in order.
type KafkaSink struct {
	w        *kafka.Writer
	producer string
}

// NewKafkaSink creates a sink writing to the given brokers and topic.
func NewKafkaSink(brokers []string, topic, producer string) *KafkaSink {
	return &KafkaSink{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 50 * time.Millisecond,
		},
		producer: producer,
	}
}

// Publish implements Sink.
func (s *KafkaSink) Publish(ctx context.Context, eventType, key string, payload any) error {
	env, err := NewEnvelope(eventType, s.producer, key, payload, time.Now().UTC())
	if err != nil {
		return errors.Wrap(err, "build envelope")
	}

	value, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "marshal envelope")
	}

	err = s.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  env.OccurredAt,
		Headers: []kafka.Header{
			{Key: "x-event-type", Value: []byte(eventType)},
		},
	})
	if err != nil {
		return errors.Wrapf(err, "write %s event", eventType)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (s *KafkaSink) Close() error {
	return s.w.Close()
}
