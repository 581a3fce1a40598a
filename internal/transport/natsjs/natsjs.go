// Package natsjs implements the transport contract on NATS JetStream.
//
// Every destination is the subject <prefix>.<destination> of one work-queue
// stream, and every queue is a durable pull consumer filtered to its
// subject. Deliveries are acknowledged with a confirmed double ack; nacked
// deliveries are redelivered by the server.
package natsjs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/waggle-router/pkg/transport"
)

// Config configures the JetStream transport.
type Config struct {
	URL           string
	Name          string
	Stream        string
	SubjectPrefix string

	// AckWait bounds how long a delivery may stay unsettled before the
	// server redelivers it.
	AckWait time.Duration

	// MaxDeliver caps redeliveries; 0 or less means unlimited.
	MaxDeliver int

	// NakDelay delays redelivery after a nack.
	NakDelay time.Duration

	CredentialsFile string
}

// SetDefaults fills unset optional fields.
func (c *Config) SetDefaults() {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Name == "" {
		c.Name = "waggle-router"
	}
	if c.Stream == "" {
		c.Stream = "WAGGLE"
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "waggle"
	}
	if c.AckWait <= 0 {
		c.AckWait = 30 * time.Second
	}
	if c.NakDelay <= 0 {
		c.NakDelay = time.Second
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if strings.ContainsAny(c.SubjectPrefix, "*> \t") {
		return fmt.Errorf("natsjs: invalid subject prefix %q", c.SubjectPrefix)
	}
	if strings.ContainsAny(c.Stream, ".*> \t") {
		return fmt.Errorf("natsjs: invalid stream name %q", c.Stream)
	}
	return nil
}

// Subject returns the subject a destination is published on.
func (c Config) Subject(destination string) string {
	return c.SubjectPrefix + "." + destination
}

// DurableName returns the durable consumer name of a queue.
func DurableName(queue string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '/', '\\':
			return '_'
		}
		return r
	}, queue)
}

// Broker is a JetStream transport.Broker.
type Broker struct {
	cfg    Config
	conn   *nats.Conn
	js     jetstream.JetStream
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// Ensure Broker implements transport.Broker
var _ transport.Broker = (*Broker)(nil)

// Connect dials the server and ensures the stream exists.
func Connect(ctx context.Context, cfg Config, logger *zap.Logger) (*Broker, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "natsjs"))

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected from nats", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected to nats", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	if cfg.CredentialsFile != "" {
		opts = append(opts, nats.UserCredentials(cfg.CredentialsFile))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("natsjs: connect %s: %w", cfg.URL, err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("natsjs: jetstream: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.SubjectPrefix + ".>"},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("natsjs: ensure stream %s: %w", cfg.Stream, err)
	}

	return &Broker{
		cfg:    cfg,
		conn:   conn,
		js:     js,
		logger: logger,
		done:   make(chan struct{}),
	}, nil
}

// Publish implements transport.Publisher. It returns once the stream has
// stored the message.
func (b *Broker) Publish(ctx context.Context, destination string, payload []byte) error {
	if b.isClosed() {
		return transport.ErrClosed
	}
	if _, err := b.js.Publish(ctx, b.cfg.Subject(destination), payload); err != nil {
		return fmt.Errorf("natsjs: publish to %s: %w", destination, err)
	}
	return nil
}

// Consume implements transport.Consumer.
func (b *Broker) Consume(ctx context.Context, queue string, handler transport.HandlerFunc) error {
	if b.isClosed() {
		return transport.ErrClosed
	}
	consumer, err := b.js.CreateOrUpdateConsumer(ctx, b.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       DurableName(queue),
		FilterSubject: b.cfg.Subject(queue),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.cfg.AckWait,
		MaxDeliver:    b.cfg.MaxDeliver,
	})
	if err != nil {
		return fmt.Errorf("natsjs: consumer for %s: %w", queue, err)
	}

	msgs, err := consumer.Messages()
	if err != nil {
		return fmt.Errorf("natsjs: messages for %s: %w", queue, err)
	}
	quit := make(chan struct{})
	defer close(quit)
	go func() {
		select {
		case <-ctx.Done():
		case <-b.done:
		case <-quit:
		}
		msgs.Stop()
	}()

	for {
		msg, err := msgs.Next()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if b.isClosed() {
				return transport.ErrClosed
			}
			if errors.Is(err, jetstream.ErrMsgIteratorClosed) {
				return transport.ErrClosed
			}
			return fmt.Errorf("natsjs: next on %s: %w", queue, err)
		}

		d := newDelivery(msg, b.cfg.NakDelay)
		handler(ctx, d)
		if !d.settled() {
			if err := d.Nack(context.Background()); err != nil {
				b.logger.Warn("nak failed", zap.String("delivery_id", d.ID()), zap.Error(err))
			}
		}
	}
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close drains the connection. Close is idempotent.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()

	return b.conn.Drain()
}
