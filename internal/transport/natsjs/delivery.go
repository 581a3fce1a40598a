package natsjs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/rmacdonaldsmith/waggle-router/pkg/transport"
)

// ackable is the part of jetstream.Msg a delivery needs.
type ackable interface {
	Data() []byte
	Metadata() (*jetstream.MsgMetadata, error)
	DoubleAck(ctx context.Context) error
	NakWithDelay(delay time.Duration) error
}

type delivery struct {
	msg      ackable
	id       string
	nakDelay time.Duration

	mu   sync.Mutex
	done bool
}

func newDelivery(msg ackable, nakDelay time.Duration) *delivery {
	id := "unknown"
	if md, err := msg.Metadata(); err == nil {
		id = fmt.Sprintf("%s/%d/%d", md.Stream, md.Sequence.Stream, md.NumDelivered)
	}
	return &delivery{msg: msg, id: id, nakDelay: nakDelay}
}

func (d *delivery) ID() string   { return d.id }
func (d *delivery) Body() []byte { return d.msg.Data() }

// UserID is always empty: JetStream does not record which account published
// a stored message.
func (d *delivery) UserID() string { return "" }

func (d *delivery) Ack(ctx context.Context) error {
	if err := d.begin(); err != nil {
		return err
	}
	return d.msg.DoubleAck(ctx)
}

func (d *delivery) Nack(context.Context) error {
	if err := d.begin(); err != nil {
		return err
	}
	return d.msg.NakWithDelay(d.nakDelay)
}

func (d *delivery) begin() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		return transport.ErrAlreadySettled
	}
	d.done = true
	return nil
}

func (d *delivery) settled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done
}
