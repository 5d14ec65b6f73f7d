// Package kafka wraps the franz-go client for the audit transport.
package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Producer publishes audit events. Safe for concurrent use.
type Producer struct {
	client *kgo.Client
}

// NewProducer connects to the given brokers. Delivery is verified with a
// ping so a misconfigured transport fails at startup, not at first publish.
func NewProducer(brokers []string) (*Producer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ProducerLinger(5*time.Millisecond),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.RecordRetries(2),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("kafka ping failed: %w", err)
	}
	return &Producer{client: client}, nil
}

// Publish delivers one record synchronously. The audit router owns retry
// policy, so a failure here surfaces after the client's own bounded retries.
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	record := &kgo.Record{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce to %s: %w", topic, err)
	}
	return nil
}

// Health checks broker reachability.
func (p *Producer) Health(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close flushes and closes the client.
func (p *Producer) Close() {
	p.client.Close()
}
