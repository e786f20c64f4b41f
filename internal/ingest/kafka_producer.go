// Package ingest carries provider positions from the relay to the location
// consumer over Kafka.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/care-sync/internal/models"
)

// ProviderLocation is the Kafka message value, keyed by provider id so one
// provider's samples stay ordered within a partition.
type ProviderLocation struct {
	ProviderID string                `json:"providerId"`
	RequestID  string                `json:"requestId"`
	Location   models.LocationSample `json:"location"`
}

// MessageWriter is the part of kafka.Writer the producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	writer  MessageWriter
	timeout time.Duration
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, Balancer: &kafka.Hash{}}
	return NewKafkaProducerWithWriter(w)
}

func NewKafkaProducerWithWriter(w MessageWriter) *KafkaProducer {
	return &KafkaProducer{writer: w, timeout: 2 * time.Second}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, loc ProviderLocation) error {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	b, err := json.Marshal(loc)
	if err != nil {
		return fmt.Errorf("encode provider location: %w", err)
	}
	key := loc.ProviderID
	if key == "" {
		key = loc.RequestID
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// Decode parses a consumed message value.
func Decode(value []byte) (ProviderLocation, error) {
	var loc ProviderLocation
	if err := json.Unmarshal(value, &loc); err != nil {
		return loc, fmt.Errorf("decode provider location: %w", err)
	}
	if loc.ProviderID == "" {
		return loc, fmt.Errorf("provider location without provider id")
	}
	return loc, nil
}
