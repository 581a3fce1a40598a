package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/waggle-router/pkg/transport"
)

type fakeSession struct {
	ctx context.Context

	mu     sync.Mutex
	marked []int64
	resets []int64
}

func (s *fakeSession) Claims() map[string][]int32              { return nil }
func (s *fakeSession) MemberID() string                        { return "member-1" }
func (s *fakeSession) GenerationID() int32                     { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string) {}
func (s *fakeSession) Commit()                                 {}
func (s *fakeSession) Context() context.Context                { return s.ctx }

func (s *fakeSession) ResetOffset(_ string, _ int32, offset int64, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets = append(s.resets, offset)
}

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	messages chan *sarama.ConsumerMessage
}

func newFakeClaim(values ...string) *fakeClaim {
	ch := make(chan *sarama.ConsumerMessage, len(values))
	for i, v := range values {
		ch <- &sarama.ConsumerMessage{Topic: "to-beehive", Partition: 0, Offset: int64(i), Value: []byte(v)}
	}
	close(ch)
	return &fakeClaim{messages: ch}
}

func (c *fakeClaim) Topic() string                            { return "to-beehive" }
func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return int64(cap(c.messages)) }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func TestConsumeClaim_MarksAckedMessages(t *testing.T) {
	session := &fakeSession{ctx: context.Background()}
	var bodies []string
	gh := &groupHandler{handler: func(ctx context.Context, d transport.Delivery) {
		bodies = append(bodies, string(d.Body()))
		assert.Empty(t, d.UserID())
		require.NoError(t, d.Ack(ctx))
	}}

	require.NoError(t, gh.ConsumeClaim(session, newFakeClaim("a", "b", "c")))
	assert.Equal(t, []string{"a", "b", "c"}, bodies)
	assert.Equal(t, []int64{0, 1, 2}, session.marked)
	assert.Empty(t, session.resets)
	assert.False(t, gh.takeNacked())
}

func TestConsumeClaim_NackResetsAndStops(t *testing.T) {
	session := &fakeSession{ctx: context.Background()}
	var seen []string
	gh := &groupHandler{handler: func(ctx context.Context, d transport.Delivery) {
		seen = append(seen, string(d.Body()))
		if string(d.Body()) == "b" {
			require.NoError(t, d.Nack(ctx))
			return
		}
		require.NoError(t, d.Ack(ctx))
	}}

	require.NoError(t, gh.ConsumeClaim(session, newFakeClaim("a", "b", "c")))
	assert.Equal(t, []string{"a", "b"}, seen, "records after a nack are not handed out in this session")
	assert.Equal(t, []int64{0}, session.marked)
	assert.Equal(t, []int64{1}, session.resets)
	assert.True(t, gh.takeNacked())
	assert.False(t, gh.takeNacked())
}

func TestConsumeClaim_UnsettledIsRedelivered(t *testing.T) {
	session := &fakeSession{ctx: context.Background()}
	gh := &groupHandler{handler: func(context.Context, transport.Delivery) {}}

	require.NoError(t, gh.ConsumeClaim(session, newFakeClaim("a")))
	assert.Empty(t, session.marked)
	assert.Equal(t, []int64{0}, session.resets)
}

func TestDelivery_SettlesOnce(t *testing.T) {
	d := &delivery{msg: &sarama.ConsumerMessage{Topic: "t", Partition: 2, Offset: 9}}
	assert.Equal(t, "t/2/9", d.ID())
	require.NoError(t, d.Ack(context.Background()))
	assert.ErrorIs(t, d.Nack(context.Background()), transport.ErrAlreadySettled)
}

func TestPublisher_SendsToDestinationTopic(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if string(val) != "payload" {
			return errors.New("unexpected payload")
		}
		return nil
	})
	producer.ExpectSendMessageAndFail(sarama.ErrNotEnoughReplicas)

	p := newPublisher(producer)
	require.NoError(t, p.Publish(context.Background(), "to-node-0000000000000001", []byte("payload")))

	err := p.Publish(context.Background(), "to-node-0000000000000001", []byte("payload"))
	assert.ErrorIs(t, err, sarama.ErrNotEnoughReplicas)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.ErrorIs(t, p.Publish(context.Background(), "x", nil), transport.ErrClosed)
}

func TestPublisher_CancelledContext(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	p := newPublisher(producer)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Publish(ctx, "x", nil), context.Canceled)
}

func TestConfig_Validate(t *testing.T) {
	cfg := Config{Brokers: []string{"localhost:9092"}}
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "waggle-router", cfg.GroupID)

	_, err := saramaConfig(cfg)
	require.NoError(t, err)

	assert.Error(t, Config{}.Validate())
	assert.Error(t, Config{Brokers: []string{"b"}, SASLMechanism: "GSSAPI"}.Validate())
	assert.Error(t, Config{Brokers: []string{"b"}, SASLMechanism: "PLAIN"}.Validate())
	assert.Error(t, Config{Brokers: []string{"b"}, InitialOffset: "middle"}.Validate())
}

func TestSaramaConfig_SCRAM(t *testing.T) {
	cfg := Config{Brokers: []string{"b"}, SASLMechanism: "SCRAM-SHA-512", SASLUsername: "u", SASLPassword: "p"}
	cfg.SetDefaults()
	sc, err := saramaConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, sarama.SASLMechanism(sarama.SASLTypeSCRAMSHA512), sc.Net.SASL.Mechanism)
	require.NotNil(t, sc.Net.SASL.SCRAMClientGeneratorFunc)
	assert.IsType(t, &XDGSCRAMClient{}, sc.Net.SASL.SCRAMClientGeneratorFunc())
}

func TestConsumer_ClosedRejectsConsume(t *testing.T) {
	c := newConsumer(func() (sarama.ConsumerGroup, error) {
		return nil, errors.New("unreachable")
	}, 0, nil)
	require.NoError(t, c.Close())
	err := c.Consume(context.Background(), "q", func(context.Context, transport.Delivery) {})
	assert.ErrorIs(t, err, transport.ErrClosed)
}
