package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/waggle-router/pkg/transport"
)

// groupFactory creates one consumer group member.
type groupFactory func() (sarama.ConsumerGroup, error)

// Consumer consumes topics through a consumer group. Every Consume call
// joins the group as its own member.
//
// Kafka does not authenticate individual producers, so deliveries carry no
// user id; a Kafka topic can feed routers but not the validator.
type Consumer struct {
	newGroup        groupFactory
	redeliveryDelay time.Duration
	logger          *zap.Logger

	mu     sync.Mutex
	groups map[sarama.ConsumerGroup]struct{}
	closed bool
	done   chan struct{}
}

// Ensure Consumer implements transport.Consumer
var _ transport.Consumer = (*Consumer)(nil)

// NewConsumer creates a consumer for the configured group.
func NewConsumer(cfg Config, logger *zap.Logger) (*Consumer, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sc, err := saramaConfig(cfg)
	if err != nil {
		return nil, err
	}
	factory := func() (sarama.ConsumerGroup, error) {
		return sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, sc)
	}
	return newConsumer(factory, cfg.RedeliveryDelay, logger), nil
}

func newConsumer(factory groupFactory, delay time.Duration, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		newGroup:        factory,
		redeliveryDelay: delay,
		logger:          logger.With(zap.String("component", "kafka")),
		groups:          make(map[sarama.ConsumerGroup]struct{}),
		done:            make(chan struct{}),
	}
}

// Consume implements transport.Consumer. A nack ends the member's session
// with the nacked offset reset, so the record is consumed again after the
// member rejoins.
func (c *Consumer) Consume(ctx context.Context, queue string, handler transport.HandlerFunc) error {
	group, err := c.join()
	if err != nil {
		return err
	}
	defer c.leave(group)

	go c.observeErrors(ctx, group)

	gh := &groupHandler{handler: handler}
	for {
		if err := group.Consume(ctx, []string{queue}, gh); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return transport.ErrClosed
			}
			return fmt.Errorf("kafka: consume %s: %w", queue, err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if gh.takeNacked() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.done:
				return transport.ErrClosed
			case <-time.After(c.redeliveryDelay):
			}
		}
	}
}

func (c *Consumer) join() (sarama.ConsumerGroup, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, transport.ErrClosed
	}
	group, err := c.newGroup()
	if err != nil {
		return nil, fmt.Errorf("kafka: create consumer group: %w", err)
	}
	c.groups[group] = struct{}{}
	return group, nil
}

func (c *Consumer) leave(group sarama.ConsumerGroup) {
	c.mu.Lock()
	_, ok := c.groups[group]
	delete(c.groups, group)
	c.mu.Unlock()
	if ok {
		_ = group.Close()
	}
}

func (c *Consumer) observeErrors(ctx context.Context, group sarama.ConsumerGroup) {
	errs := group.Errors()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				return
			}
			c.logger.Warn("consumer group error", zap.Error(err))
		}
	}
}

// Close closes every active group member. Close is idempotent.
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	groups := c.groups
	c.groups = make(map[sarama.ConsumerGroup]struct{})
	c.mu.Unlock()

	var errs []error
	for group := range groups {
		if err := group.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type groupHandler struct {
	handler transport.HandlerFunc

	mu     sync.Mutex
	nacked bool
}

func (g *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (g *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim hands records to the handler in offset order. Acked records
// are marked; the first record not acked is reset and ends the session.
func (g *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		d := &delivery{msg: msg}
		g.handler(session.Context(), d)
		if d.state() == stateAcked {
			session.MarkMessage(msg, "")
			continue
		}
		session.ResetOffset(msg.Topic, msg.Partition, msg.Offset, "")
		g.mu.Lock()
		g.nacked = true
		g.mu.Unlock()
		return nil
	}
	return nil
}

func (g *groupHandler) takeNacked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := g.nacked
	g.nacked = false
	return n
}

type settleState int

const (
	statePending settleState = iota
	stateAcked
	stateNacked
)

type delivery struct {
	msg *sarama.ConsumerMessage

	mu      sync.Mutex
	settled settleState
}

func (d *delivery) ID() string {
	return fmt.Sprintf("%s/%d/%d", d.msg.Topic, d.msg.Partition, d.msg.Offset)
}

func (d *delivery) Body() []byte   { return d.msg.Value }
func (d *delivery) UserID() string { return "" }

func (d *delivery) Ack(context.Context) error  { return d.settle(stateAcked) }
func (d *delivery) Nack(context.Context) error { return d.settle(stateNacked) }

func (d *delivery) settle(s settleState) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled != statePending {
		return transport.ErrAlreadySettled
	}
	d.settled = s
	return nil
}

func (d *delivery) state() settleState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settled
}
