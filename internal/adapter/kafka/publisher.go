// Package kafka publishes tank snapshots as JSON events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Shopify/sarama"
	"github.com/google/uuid"

	"tankwatch/internal/domain"
)

// EventType is set on every published event.
const EventType = "tank.snapshot"

// Event is the message value. The key is the tank id so a tank's events stay
// ordered within a partition.
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurredAt"`
	Snapshot   domain.Snapshot `json:"snapshot"`
}

// Config holds the producer settings.
type Config struct {
	Brokers  []string
	Topic    string
	ClientID string
}

// Publisher sends snapshots through a synchronous producer.
type Publisher struct {
	producer sarama.SyncProducer
	topic    string
	now      func() time.Time
}

var _ domain.Publisher = (*Publisher)(nil)

// New connects a producer to the brokers.
func New(cfg Config) (*Publisher, error) {
	saramaConfig := sarama.NewConfig()
	if cfg.ClientID != "" {
		saramaConfig.ClientID = cfg.ClientID
	}
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Retry.Max = 3
	saramaConfig.Producer.Partitioner = sarama.NewHashPartitioner
	saramaConfig.Net.DialTimeout = 10 * time.Second

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewWithProducer(producer, cfg.Topic), nil
}

// NewWithProducer wraps an existing producer.
func NewWithProducer(p sarama.SyncProducer, topic string) *Publisher {
	return &Publisher{producer: p, topic: topic, now: time.Now}
}

// Name identifies the sink in logs and metrics.
func (p *Publisher) Name() string { return "kafka" }

// Publish sends one event per snapshot as a single batch.
func (p *Publisher) Publish(ctx context.Context, snaps []domain.Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	msgs := make([]*sarama.ProducerMessage, 0, len(snaps))
	for _, s := range snaps {
		b, err := json.Marshal(Event{
			ID:         uuid.NewString(),
			Type:       EventType,
			OccurredAt: p.now().UTC(),
			Snapshot:   s,
		})
		if err != nil {
			return fmt.Errorf("encode snapshot %s: %w", s.TankID, err)
		}
		msgs = append(msgs, &sarama.ProducerMessage{
			Topic: p.topic,
			Key:   sarama.StringEncoder(s.TankID),
			Value: sarama.ByteEncoder(b),
		})
	}
	if err := p.producer.SendMessages(msgs); err != nil {
		return fmt.Errorf("send %d messages: %w", len(msgs), err)
	}
	return nil
}

// Close shuts the producer down.
func (p *Publisher) Close() error {
	return p.producer.Close()
}
