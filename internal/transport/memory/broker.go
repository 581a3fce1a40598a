// Package memory implements an in-process transport.Broker with durable
// queue semantics: a delivery stays in flight until it is acked, and a
// nacked or unsettled delivery returns to the front of its queue.
//
// It serves tests and single-process deployments where every router stage
// runs in one binary.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/rmacdonaldsmith/waggle-router/pkg/transport"
)

// ErrEmpty is returned by Get when the queue has no pending messages.
var ErrEmpty = errors.New("queue is empty")

type message struct {
	body        []byte
	userID      string
	redelivered int
}

type queue struct {
	pending  []*message
	inflight map[string]*message
	signal   chan struct{}
}

func newQueue() *queue {
	return &queue{
		inflight: make(map[string]*message),
		signal:   make(chan struct{}, 1),
	}
}

func (q *queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Broker is an in-memory transport.Broker.
// It is safe for concurrent use.
type Broker struct {
	mu     sync.Mutex
	queues map[string]*queue
	closed bool
	done   chan struct{}
}

// Ensure Broker implements transport.Broker
var _ transport.Broker = (*Broker)(nil)

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		queues: make(map[string]*queue),
		done:   make(chan struct{}),
	}
}

// queueLocked returns the named queue, creating it. Caller holds b.mu.
func (b *Broker) queueLocked(name string) *queue {
	q, ok := b.queues[name]
	if !ok {
		q = newQueue()
		b.queues[name] = q
	}
	return q
}

// Publish implements transport.Publisher.
func (b *Broker) Publish(ctx context.Context, destination string, payload []byte) error {
	return b.PublishAs(ctx, destination, "", payload)
}

// PublishAs publishes payload with a transport-authenticated sender identity,
// the way a broker stamps the user id of an authenticated connection.
func (b *Broker) PublishAs(ctx context.Context, destination, userID string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body := make([]byte, len(payload))
	copy(body, payload)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return transport.ErrClosed
	}
	q := b.queueLocked(destination)
	q.pending = append(q.pending, &message{body: body, userID: userID})
	q.notify()
	return nil
}

// Consume implements transport.Consumer. It returns ctx.Err() when ctx is
// done and transport.ErrClosed when the broker is closed.
func (b *Broker) Consume(ctx context.Context, name string, handler transport.HandlerFunc) error {
	for {
		d, q, err := b.next(name)
		if err != nil {
			return err
		}
		if d == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-b.done:
				return transport.ErrClosed
			case <-q.signal:
			}
			continue
		}

		handler(ctx, d)
		if !d.settled() {
			_ = d.Nack(context.Background())
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// Get takes the next pending message without blocking. The caller must
// settle the returned delivery.
func (b *Broker) Get(name string) (transport.Delivery, error) {
	d, _, err := b.next(name)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, ErrEmpty
	}
	return d, nil
}

func (b *Broker) next(name string) (*delivery, *queue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil, transport.ErrClosed
	}
	q := b.queueLocked(name)
	if len(q.pending) == 0 {
		return nil, q, nil
	}
	msg := q.pending[0]
	q.pending = q.pending[1:]
	id := uuid.NewString()
	q.inflight[id] = msg
	if len(q.pending) > 0 {
		q.notify()
	}
	return &delivery{broker: b, queue: name, id: id, msg: msg, redelivered: msg.redelivered}, q, nil
}

// Depth returns the number of pending (not in-flight) messages in a queue.
func (b *Broker) Depth(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.pending)
	}
	return 0
}

// InFlight returns the number of delivered but unsettled messages in a queue.
func (b *Broker) InFlight(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.inflight)
	}
	return 0
}

// Messages returns copies of the pending payloads of a queue in order.
func (b *Broker) Messages(name string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	out := make([][]byte, len(q.pending))
	for i, m := range q.pending {
		out[i] = append([]byte(nil), m.body...)
	}
	return out
}

// Queues returns the names of every queue that has been used.
func (b *Broker) Queues() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	return names
}

// Close stops all consumers. Close is idempotent.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}

func (b *Broker) settle(name, id string, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return transport.ErrAlreadySettled
	}
	msg, ok := q.inflight[id]
	if !ok {
		return transport.ErrAlreadySettled
	}
	delete(q.inflight, id)
	if requeue {
		msg.redelivered++
		q.pending = append([]*message{msg}, q.pending...)
		q.notify()
	}
	return nil
}

type delivery struct {
	broker *Broker
	queue  string
	id     string
	msg    *message

	redelivered int

	mu   sync.Mutex
	done bool
}

func (d *delivery) ID() string     { return d.id }
func (d *delivery) Body() []byte   { return d.msg.body }
func (d *delivery) UserID() string { return d.msg.userID }

// Redelivered reports how many times the message was returned to its queue.
func (d *delivery) Redelivered() int { return d.redelivered }

func (d *delivery) Ack(context.Context) error  { return d.finish(false) }
func (d *delivery) Nack(context.Context) error { return d.finish(true) }

func (d *delivery) finish(requeue bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		return transport.ErrAlreadySettled
	}
	d.done = true
	return d.broker.settle(d.queue, d.id, requeue)
}

func (d *delivery) settled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done
}
