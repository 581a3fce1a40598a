// Package kafka implements the transport contract on Kafka with IBM/sarama.
package kafka

import (
	"errors"

	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/waggle-router/pkg/transport"
)

// Broker combines a Publisher and a Consumer on one cluster.
type Broker struct {
	*Publisher
	*Consumer
}

// Ensure Broker implements transport.Broker
var _ transport.Broker = (*Broker)(nil)

// New connects a broker to the configured cluster.
func New(cfg Config, logger *zap.Logger) (*Broker, error) {
	publisher, err := NewPublisher(cfg)
	if err != nil {
		return nil, err
	}
	consumer, err := NewConsumer(cfg, logger)
	if err != nil {
		_ = publisher.Close()
		return nil, err
	}
	return &Broker{Publisher: publisher, Consumer: consumer}, nil
}

// Close closes the consumer and the publisher.
func (b *Broker) Close() error {
	return errors.Join(b.Consumer.Close(), b.Publisher.Close())
}
