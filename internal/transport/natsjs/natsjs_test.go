package natsjs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/waggle-router/pkg/transport"
)

type fakeMsg struct {
	data     []byte
	acked    int
	nakDelay time.Duration
	naks     int
	ackErr   error
}

func (m *fakeMsg) Data() []byte { return m.data }

func (m *fakeMsg) Metadata() (*jetstream.MsgMetadata, error) {
	return &jetstream.MsgMetadata{
		Stream:       "WAGGLE",
		Sequence:     jetstream.SequencePair{Stream: 42, Consumer: 7},
		NumDelivered: 2,
	}, nil
}

func (m *fakeMsg) DoubleAck(context.Context) error {
	m.acked++
	return m.ackErr
}

func (m *fakeMsg) NakWithDelay(d time.Duration) error {
	m.naks++
	m.nakDelay = d
	return nil
}

func TestDelivery_Ack(t *testing.T) {
	msg := &fakeMsg{data: []byte("payload")}
	d := newDelivery(msg, time.Second)

	assert.Equal(t, "WAGGLE/42/2", d.ID())
	assert.Equal(t, "payload", string(d.Body()))
	assert.Empty(t, d.UserID())

	require.NoError(t, d.Ack(context.Background()))
	assert.Equal(t, 1, msg.acked)
	assert.True(t, d.settled())
	assert.ErrorIs(t, d.Nack(context.Background()), transport.ErrAlreadySettled)
	assert.Zero(t, msg.naks)
}

func TestDelivery_NackUsesDelay(t *testing.T) {
	msg := &fakeMsg{}
	d := newDelivery(msg, 3*time.Second)

	require.NoError(t, d.Nack(context.Background()))
	assert.Equal(t, 1, msg.naks)
	assert.Equal(t, 3*time.Second, msg.nakDelay)
}

func TestDelivery_AckErrorIsReturned(t *testing.T) {
	msg := &fakeMsg{ackErr: errors.New("ack timeout")}
	d := newDelivery(msg, time.Second)
	assert.EqualError(t, d.Ack(context.Background()), "ack timeout")
}

func TestConfig(t *testing.T) {
	var cfg Config
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "waggle.to-beehive", cfg.Subject("to-beehive"))
	assert.Equal(t, "WAGGLE", cfg.Stream)

	assert.Error(t, Config{SubjectPrefix: "waggle.>", Stream: "S"}.Validate())
	assert.Error(t, Config{SubjectPrefix: "w", Stream: "a.b"}.Validate())
}

func TestDurableName(t *testing.T) {
	assert.Equal(t, "to-node-0000000000000001", DurableName("to-node-0000000000000001"))
	assert.Equal(t, "a_b_c_", DurableName("a.b*c>"))
}
