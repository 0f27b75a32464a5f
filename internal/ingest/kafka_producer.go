package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/material-dispatch/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes driver availability updates keyed by driver id, so
// one driver's updates stay ordered within a partition.
type KafkaProducer struct {
	writer  messageWriter
	timeout time.Duration
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, Balancer: &kafka.Hash{}}
	return &KafkaProducer{writer: w, timeout: 2 * time.Second}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, d models.Driver) error {
	if d.ID == "" {
		return fmt.Errorf("publish location: empty driver id")
	}
	if d.Updated.IsZero() {
		d.Updated = time.Now().UTC()
	}
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(d.ID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// DecodeLocation parses a message written by PublishLocation.
func DecodeLocation(m kafka.Message) (models.Driver, error) {
	var d models.Driver
	if err := json.Unmarshal(m.Value, &d); err != nil {
		return d, fmt.Errorf("decode driver location: %w", err)
	}
	if d.ID == "" {
		d.ID = string(m.Key)
	}
	if d.ID == "" {
		return d, fmt.Errorf("decode driver location: missing driver id")
	}
	return d, nil
}
