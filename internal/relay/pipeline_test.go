package relay

import (
	"context"
	"errors"
	"iter"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/waggle-router/internal/codec"
	"github.com/rmacdonaldsmith/waggle-router/internal/codec/codectest"
	"github.com/rmacdonaldsmith/waggle-router/internal/faults"
	"github.com/rmacdonaldsmith/waggle-router/internal/router"
	policies "github.com/rmacdonaldsmith/waggle-router/internal/routing"
	"github.com/rmacdonaldsmith/waggle-router/internal/transport/memory"
	"github.com/rmacdonaldsmith/waggle-router/internal/validator"
	"github.com/rmacdonaldsmith/waggle-router/pkg/envelope"
	"github.com/rmacdonaldsmith/waggle-router/pkg/routing"
)

const (
	ingressQueue = "ingress"
	nodeID       = envelope.ID("0000000000000abc")
	deviceID     = envelope.ID("0000000000000001")
	targetSub    = envelope.ID("0000000000000007")
)

type pipeline struct {
	broker *memory.Broker
	codec  envelope.Codec
	nodes  map[string]*Node
}

func startNode(t *testing.T, p *pipeline, queue string, proc routing.Processor) {
	t.Helper()
	n, err := NewNode(Config{
		Queue:     queue,
		Workers:   2,
		Processor: proc,
		Broker:    p.broker,
		Retry:     fastRetry,
	})
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { _ = n.Close() })
	p.nodes[queue] = n
}

func newRouterFor(t *testing.T, c envelope.Codec, policy routing.Policy) *router.Router {
	t.Helper()
	r, err := router.New(router.Config{Codec: c, Policy: policy})
	require.NoError(t, err)
	return r
}

// newPipeline wires plugin ingress -> validator -> beehive -> node -> device
// over one memory broker.
func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	p := &pipeline{
		broker: memory.NewBroker(),
		codec:  codec.New(codec.DefaultOptions()),
		nodes:  make(map[string]*Node),
	}
	t.Cleanup(func() { _ = p.broker.Close() })

	v, err := validator.New(validator.Config{Codec: p.codec, NodeID: nodeID, DeviceID: deviceID})
	require.NoError(t, err)

	startNode(t, p, ingressQueue, v)
	startNode(t, p, routing.Beehive, newRouterFor(t, p.codec, policies.Beehive{}))
	startNode(t, p, routing.ToNode(targetSub), newRouterFor(t, p.codec, policies.Node{}))
	startNode(t, p, routing.ToDevice(targetSub), newRouterFor(t, p.codec, policies.Plugin{}))
	return p
}

func TestPipeline_PluginToPlugin(t *testing.T) {
	p := newPipeline(t)

	units := []envelope.Unit{
		{PluginID: 99, PluginMajorVersion: 9, Body: []byte("reading-1")},
		{PluginID: 99, PluginMajorVersion: 9, Body: []byte("reading-2")},
	}
	in := envelope.Envelope{
		SenderID:      "ffffffffffffffff",
		SenderSubID:   "ffffffffffffffff",
		ReceiverID:    "0000000000000000",
		ReceiverSubID: targetSub,
		Body:          codectest.MustEncodeUnits(t, p.codec, units...),
	}
	data := codectest.MustEncodeEnvelopes(t, p.codec, in)

	require.NoError(t, p.broker.PublishAs(context.Background(), ingressQueue, "plugin-5-1.3-2", data))

	dest := routing.ToPlugin(5, 1, 2)
	require.Eventually(t, func() bool {
		return len(p.broker.Messages(dest)) == 1
	}, 5*time.Second, 5*time.Millisecond)

	// The plugin hop re-wraps every unit in its own envelope.
	out := codectest.MustDecodeEnvelopes(t, p.codec, p.broker.Messages(dest)[0])
	require.Len(t, out, len(units))
	for i, e := range out {
		assert.Equal(t, nodeID, e.SenderID)
		assert.Equal(t, deviceID, e.SenderSubID)
		assert.Equal(t, in.ReceiverID, e.ReceiverID)
		assert.Equal(t, in.ReceiverSubID, e.ReceiverSubID)

		got := codectest.MustDecodeUnits(t, p.codec, e.Body)
		require.Len(t, got, 1)
		assert.Equal(t, uint16(5), got[0].PluginID)
		assert.Equal(t, uint8(1), got[0].PluginMajorVersion)
		assert.Equal(t, uint8(3), got[0].PluginMinorVersion)
		assert.Equal(t, uint8(2), got[0].PluginInstance)
		assert.Equal(t, units[i].Body, got[0].Body)
	}

	for queue := range p.nodes {
		assert.Eventually(t, func() bool {
			return p.broker.Depth(queue) == 0 && p.broker.InFlight(queue) == 0
		}, time.Second, 5*time.Millisecond, "queue %s not drained", queue)
	}
	assert.Equal(t, int64(1), p.nodes[ingressQueue].GetHealth().Forwarded)
}

func TestPipeline_RejectsUnauthenticatedAndMalformed(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	valid := codectest.MustEncodeEnvelopes(t, p.codec, envelope.Envelope{ReceiverSubID: targetSub})
	require.NoError(t, p.broker.Publish(ctx, ingressQueue, valid))
	require.NoError(t, p.broker.PublishAs(ctx, ingressQueue, "not-a-plugin", valid))
	require.NoError(t, p.broker.PublishAs(ctx, ingressQueue, "plugin-1-0.0-0", []byte("not cbor")))

	ingress := p.nodes[ingressQueue]
	require.Eventually(t, func() bool {
		return ingress.GetHealth().Dropped == 3
	}, 5*time.Second, 5*time.Millisecond)

	assert.Zero(t, p.broker.Depth(ingressQueue))
	assert.Empty(t, p.broker.Messages(routing.Beehive))
	assert.Zero(t, p.nodes[routing.Beehive].GetHealth().Forwarded)
}

type countingRefresher struct {
	calls atomic.Int32
}

func (r *countingRefresher) Refresh(context.Context) (int, error) {
	r.calls.Add(1)
	return 3, nil
}

func TestNode_RefreshesTable(t *testing.T) {
	table := &countingRefresher{}
	n, err := NewNode(Config{
		Queue:           "q",
		Processor:       staticRoutes(nil),
		Broker:          memory.NewBroker(),
		Table:           table,
		RefreshInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)

	require.NoError(t, n.Start(context.Background()))
	assert.GreaterOrEqual(t, table.calls.Load(), int32(1), "first refresh happens before workers start")
	assert.Eventually(t, func() bool { return table.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	require.NoError(t, n.Close())
}

func TestNode_Lifecycle(t *testing.T) {
	broker := memory.NewBroker()
	n, err := NewNode(Config{Queue: "q", Processor: staticRoutes(nil), Broker: broker})
	require.NoError(t, err)

	assert.False(t, n.GetHealth().Healthy)
	require.NoError(t, n.Start(context.Background()))
	require.NoError(t, n.Start(context.Background()), "start is idempotent")
	assert.True(t, n.GetHealth().Healthy)

	require.NoError(t, broker.Publish(context.Background(), "q", []byte("x")))
	require.Eventually(t, func() bool { return n.GetHealth().Forwarded == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, n.Stop(context.Background()))
	assert.False(t, n.GetHealth().Started)

	require.NoError(t, n.Close())
	require.NoError(t, n.Close(), "close is idempotent")
	assert.ErrorIs(t, n.Start(context.Background()), ErrNodeClosed)
	assert.Equal(t, "closed", n.GetHealth().Message)
}

func TestNode_FatalErrorHaltsWorker(t *testing.T) {
	broker := memory.NewBroker()
	cause := faults.Fatal("router", "route", errors.New("unsupported policy scope"))
	n, err := NewNode(Config{Queue: "q", Processor: staticRoutes(cause), Broker: broker})
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { _ = n.Close() })

	require.NoError(t, broker.Publish(context.Background(), "q", []byte("x")))
	require.Eventually(t, func() bool { return n.GetHealth().Halted == 1 }, time.Second, 5*time.Millisecond)

	h := n.GetHealth()
	assert.False(t, h.Healthy)
	assert.True(t, h.Started)
	assert.Equal(t, int64(1), h.Requeued)
	assert.Contains(t, h.Message, "unsupported policy scope")
	assert.Equal(t, 1, broker.Depth("q"), "the message is returned, not dropped")

	// A halted worker does not pick the message up again.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(1), n.GetHealth().Requeued)

	require.NoError(t, n.Stop(context.Background()))
}

func TestNode_TransientErrorKeepsWorker(t *testing.T) {
	broker := memory.NewBroker()
	var calls atomic.Int32
	proc := processorFunc(func(identity string, data []byte) iter.Seq2[routing.Route, error] {
		if calls.Add(1) == 1 {
			return staticRoutes(faults.Transient("router", "route", errors.New("busy")))(identity, data)
		}
		return staticRoutes(nil)(identity, data)
	})
	n, err := NewNode(Config{Queue: "q", Processor: proc, Broker: broker})
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { _ = n.Close() })

	require.NoError(t, broker.Publish(context.Background(), "q", []byte("x")))
	require.Eventually(t, func() bool { return n.GetHealth().Forwarded == 1 }, time.Second, 5*time.Millisecond)
	h := n.GetHealth()
	assert.Equal(t, int64(1), h.Requeued)
	assert.Zero(t, h.Halted)
	assert.True(t, h.Healthy)
}

func TestNewNode_Validates(t *testing.T) {
	_, err := NewNode(Config{Processor: staticRoutes(nil), Broker: memory.NewBroker()})
	assert.ErrorIs(t, err, ErrEmptyQueue)
	_, err = NewNode(Config{Queue: "q", Broker: memory.NewBroker()})
	assert.Error(t, err)
	_, err = NewNode(Config{Queue: "q", Processor: staticRoutes(nil)})
	assert.Error(t, err)
}
