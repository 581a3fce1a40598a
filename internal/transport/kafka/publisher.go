package kafka

import (
	"context"
	"fmt"
	"sync"

	"github.com/IBM/sarama"

	"github.com/rmacdonaldsmith/waggle-router/pkg/transport"
)

// syncProducer is the subset of sarama.SyncProducer the publisher uses.
type syncProducer interface {
	SendMessage(*sarama.ProducerMessage) (partition int32, offset int64, err error)
	Close() error
}

// Publisher publishes each destination to the topic of the same name.
type Publisher struct {
	producer syncProducer

	mu     sync.Mutex
	closed bool
}

// Ensure Publisher implements transport.Publisher
var _ transport.Publisher = (*Publisher)(nil)

// NewPublisher connects a synchronous producer to the configured brokers.
func NewPublisher(cfg Config) (*Publisher, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sc, err := saramaConfig(cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("kafka: create producer: %w", err)
	}
	return newPublisher(producer), nil
}

func newPublisher(producer syncProducer) *Publisher {
	return &Publisher{producer: producer}
}

// Publish implements transport.Publisher. It returns once every in-sync
// replica has the record.
func (p *Publisher) Publish(ctx context.Context, destination string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}

	_, _, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: destination,
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		return fmt.Errorf("kafka: publish to %s: %w", destination, err)
	}
	return nil
}

// Close flushes and closes the producer. Close is idempotent.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.producer.Close()
}
