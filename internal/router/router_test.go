package router

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/waggle-router/internal/codec"
	"github.com/rmacdonaldsmith/waggle-router/internal/codec/codectest"
	"github.com/rmacdonaldsmith/waggle-router/internal/faults"
	policies "github.com/rmacdonaldsmith/waggle-router/internal/routing"
	"github.com/rmacdonaldsmith/waggle-router/pkg/envelope"
	"github.com/rmacdonaldsmith/waggle-router/pkg/routing"
)

var testCodec = codectest.JSON{}

func newRouter(t *testing.T, policy routing.Policy) *Router {
	t.Helper()
	r, err := New(Config{Codec: testCodec, Policy: policy})
	require.NoError(t, err)
	return r
}

func collect(t *testing.T, r *Router, data []byte) []routing.Route {
	t.Helper()
	var routes []routing.Route
	for route, err := range r.RouteMessage(data) {
		require.NoError(t, err)
		routes = append(routes, route)
	}
	return routes
}

func unit(id uint16, major, minor, instance uint8, body string) envelope.Unit {
	return envelope.Unit{PluginID: id, PluginMajorVersion: major, PluginMinorVersion: minor, PluginInstance: instance, Body: []byte(body)}
}

func env(t *testing.T, receiver, sub envelope.ID, units ...envelope.Unit) envelope.Envelope {
	t.Helper()
	return envelope.Envelope{
		SenderID:      "0000000000000001",
		SenderSubID:   "0000000000000002",
		ReceiverID:    receiver,
		ReceiverSubID: sub,
		Body:          codectest.MustEncodeUnits(t, testCodec, units...),
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{Policy: policies.Node{}})
	assert.Error(t, err)
	_, err = New(Config{Codec: testCodec})
	assert.Error(t, err)
}

func TestRouteMessage_EndToEndNodeMode(t *testing.T) {
	e := envelope.Envelope{
		ReceiverID:    "N1",
		ReceiverSubID: "D2",
		Body:          codectest.MustEncodeUnits(t, testCodec, unit(5, 1, 0, 0, "x")),
	}
	data := codectest.MustEncodeEnvelopes(t, testCodec, e)

	routes := collect(t, newRouter(t, policies.Node{}), data)
	require.Len(t, routes, 1)
	assert.Equal(t, "to-device-D2", routes[0].Destination)
	assert.Equal(t, codectest.MustEncodeEnvelopes(t, testCodec, e), routes[0].Payload)
}

func TestRouteMessage_NodeModeByReceiverSubID(t *testing.T) {
	data := codectest.MustEncodeEnvelopes(t, testCodec,
		env(t, "N1", "D1", unit(1, 0, 0, 0, "a")),
		env(t, "N2", "D1", unit(2, 0, 0, 0, "b"), unit(3, 0, 0, 0, "c")),
		env(t, "N3", "D1"),
	)

	routes := collect(t, newRouter(t, policies.Node{}), data)
	require.Len(t, routes, 1)
	assert.Equal(t, "to-device-D1", routes[0].Destination)
	assert.Len(t, codectest.MustDecodeEnvelopes(t, testCodec, routes[0].Payload), 3)
}

func TestRouteMessage_FirstSeenOrder(t *testing.T) {
	in := []envelope.Envelope{
		env(t, "N", "D2", unit(1, 0, 0, 0, "1")),
		env(t, "N", "D1", unit(1, 0, 0, 0, "2")),
		env(t, "N", "D2", unit(1, 0, 0, 0, "3")),
		env(t, "N", "D3", unit(1, 0, 0, 0, "4")),
		env(t, "N", "D1", unit(1, 0, 0, 0, "5")),
	}
	data := codectest.MustEncodeEnvelopes(t, testCodec, in...)

	routes := collect(t, newRouter(t, policies.Beehive{}), data)
	require.Len(t, routes, 3)
	assert.Equal(t, "to-node-D2", routes[0].Destination)
	assert.Equal(t, "to-node-D1", routes[1].Destination)
	assert.Equal(t, "to-node-D3", routes[2].Destination)

	codectest.RequireEnvelopesEqual(t, []envelope.Envelope{in[0], in[2]}, codectest.MustDecodeEnvelopes(t, testCodec, routes[0].Payload))
	codectest.RequireEnvelopesEqual(t, []envelope.Envelope{in[1], in[4]}, codectest.MustDecodeEnvelopes(t, testCodec, routes[1].Payload))
	codectest.RequireEnvelopesEqual(t, []envelope.Envelope{in[3]}, codectest.MustDecodeEnvelopes(t, testCodec, routes[2].Payload))
}

func TestRouteMessage_NoDeduplication(t *testing.T) {
	e := env(t, "N", "D1", unit(1, 0, 0, 0, "same"))
	data := codectest.MustEncodeEnvelopes(t, testCodec, e, e)

	routes := collect(t, newRouter(t, policies.Node{}), data)
	require.Len(t, routes, 1)
	assert.Len(t, codectest.MustDecodeEnvelopes(t, testCodec, routes[0].Payload), 2)
}

func TestRouteMessage_PluginMode(t *testing.T) {
	in := []envelope.Envelope{
		env(t, "N1", "D1", unit(7, 2, 1, 0, "a"), unit(3, 1, 0, 1, "b")),
		env(t, "N2", "D9", unit(7, 2, 5, 0, "c")),
	}
	data := codectest.MustEncodeEnvelopes(t, testCodec, in...)

	routes := collect(t, newRouter(t, policies.Plugin{}), data)
	require.Len(t, routes, 2)
	assert.Equal(t, "to-plugin-7-2-0", routes[0].Destination)
	assert.Equal(t, "to-plugin-3-1-1", routes[1].Destination)

	// Each unit is re-wrapped into its own envelope carrying the original header.
	got := codectest.MustDecodeEnvelopes(t, testCodec, routes[0].Payload)
	require.Len(t, got, 2)
	for i, carrier := range []envelope.Envelope{in[0], in[1]} {
		assert.Equal(t, carrier.SenderID, got[i].SenderID)
		assert.Equal(t, carrier.ReceiverID, got[i].ReceiverID)
		assert.Equal(t, carrier.ReceiverSubID, got[i].ReceiverSubID)
		units := codectest.MustDecodeUnits(t, testCodec, got[i].Body)
		require.Len(t, units, 1)
		assert.Equal(t, uint16(7), units[0].PluginID)
	}
	assert.Equal(t, "a", string(codectest.MustDecodeUnits(t, testCodec, got[0].Body)[0].Body))
	assert.Equal(t, "c", string(codectest.MustDecodeUnits(t, testCodec, got[1].Body)[0].Body))
}

func TestRouteMessage_PluginModeSkipsEmptyBody(t *testing.T) {
	data := codectest.MustEncodeEnvelopes(t, testCodec,
		env(t, "N1", "D1", unit(7, 2, 0, 0, "keep")),
		envelope.Envelope{ReceiverID: "N1", ReceiverSubID: "D1"},
	)

	routes := collect(t, newRouter(t, policies.Plugin{}), data)
	require.Len(t, routes, 1)
	assert.Equal(t, routing.ToPlugin(7, 2, 0), routes[0].Destination)

	got := codectest.MustDecodeEnvelopes(t, testCodec, routes[0].Payload)
	require.Len(t, got, 1)
	units := codectest.MustDecodeUnits(t, testCodec, got[0].Body)
	require.Len(t, units, 1)
	assert.Equal(t, "keep", string(units[0].Body))
}

func TestRouteMessage_PartitionOfRoutableUnits(t *testing.T) {
	store := policies.NewTable(staticAdmission{"N1", "N3"})
	_, err := store.Refresh(context.Background())
	require.NoError(t, err)

	in := []envelope.Envelope{
		env(t, "N1", "D1", unit(1, 0, 0, 0, "a")),
		env(t, "N2", "D2", unit(1, 0, 0, 0, "b")),
		env(t, "N3", "D1", unit(1, 0, 0, 0, "c")),
		env(t, "N3", "D3", unit(1, 0, 0, 0, "d")),
		env(t, "N4", "D4", unit(1, 0, 0, 0, "e")),
	}
	data := codectest.MustEncodeEnvelopes(t, testCodec, in...)

	seen := map[string]int{}
	for _, route := range collect(t, newRouter(t, store), data) {
		for _, e := range codectest.MustDecodeEnvelopes(t, testCodec, route.Payload) {
			assert.Equal(t, routing.ToNode(e.ReceiverSubID), route.Destination)
			seen[string(codectest.MustDecodeUnits(t, testCodec, e.Body)[0].Body)]++
		}
	}
	assert.Equal(t, map[string]int{"a": 1, "c": 1, "d": 1}, seen)
}

func TestRouteMessage_Deterministic(t *testing.T) {
	data := codectest.MustEncodeEnvelopes(t, testCodec,
		env(t, "N1", "D1", unit(7, 2, 0, 0, "a"), unit(8, 1, 0, 0, "b")),
		env(t, "N1", "D2", unit(7, 2, 0, 0, "c")),
	)
	for _, policy := range []routing.Policy{policies.Beehive{}, policies.Node{}, policies.Plugin{}} {
		r := newRouter(t, policy)
		first := collect(t, r, data)
		collect(t, r, codectest.MustEncodeEnvelopes(t, testCodec, env(t, "X", "Y")))
		second := collect(t, r, data)
		assert.Equal(t, first, second, "mode %s", policy.Mode())
	}
}

func TestRouteMessage_CBORCodec(t *testing.T) {
	c := codec.New(codec.DefaultOptions())
	e := envelope.Envelope{ReceiverID: "N1", ReceiverSubID: "D2", Body: codectest.MustEncodeUnits(t, c, unit(5, 1, 0, 0, "x"))}
	data := codectest.MustEncodeEnvelopes(t, c, e)

	r, err := New(Config{Codec: c, Policy: policies.Node{}})
	require.NoError(t, err)
	routes := collect(t, r, data)
	require.Len(t, routes, 1)
	assert.Equal(t, "to-device-D2", routes[0].Destination)
	assert.Equal(t, data, routes[0].Payload)
}

func TestRouteMessage_MalformedIsPoison(t *testing.T) {
	r := newRouter(t, policies.Node{})

	var errs []error
	var routes int
	for _, err := range r.RouteMessage([]byte("not a payload")) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		routes++
	}
	require.Len(t, errs, 1)
	assert.Zero(t, routes)
	assert.True(t, faults.IsPoison(errs[0]))
	assert.True(t, errors.Is(errs[0], codectest.ErrMalformed))
}

func TestRouteMessage_MalformedUnitBodyIsPoisonInPluginMode(t *testing.T) {
	data := codectest.MustEncodeEnvelopes(t, testCodec,
		env(t, "N1", "D1", unit(1, 0, 0, 0, "ok")),
		envelope.Envelope{ReceiverSubID: "D1", Body: []byte("{broken")},
	)

	var got []error
	for _, err := range newRouter(t, policies.Plugin{}).RouteMessage(data) {
		got = append(got, err)
	}
	require.Len(t, got, 1)
	assert.True(t, faults.IsPoison(got[0]))
}

func TestRouteMessage_SingleUse(t *testing.T) {
	data := codectest.MustEncodeEnvelopes(t, testCodec, env(t, "N1", "D1"))
	seq := newRouter(t, policies.Node{}).RouteMessage(data)

	for _, err := range seq {
		require.NoError(t, err)
	}
	var second []error
	for _, err := range seq {
		second = append(second, err)
	}
	require.Len(t, second, 1)
	assert.ErrorIs(t, second[0], ErrConsumed)
}

func TestRouteMessage_StopsWhenConsumerStops(t *testing.T) {
	data := codectest.MustEncodeEnvelopes(t, testCodec,
		env(t, "N", "D1"), env(t, "N", "D2"), env(t, "N", "D3"))

	n := 0
	for range newRouter(t, policies.Node{}).RouteMessage(data) {
		n++
		break
	}
	assert.Equal(t, 1, n)
}

func TestRouteMessage_EmptyMessage(t *testing.T) {
	data := codectest.MustEncodeEnvelopes(t, testCodec)
	assert.Empty(t, collect(t, newRouter(t, policies.Node{}), data))
}

func TestRouteMessage_ConcurrentCalls(t *testing.T) {
	r := newRouter(t, policies.Plugin{})
	inputs := make([][]byte, 8)
	for i := range inputs {
		inputs[i] = codectest.MustEncodeEnvelopes(t, testCodec,
			env(t, "N", "D", unit(uint16(i), 1, 0, 0, "a"), unit(uint16(i+100), 1, 0, 0, "b")))
	}

	var wg sync.WaitGroup
	results := make([][]routing.Route, len(inputs))
	for i := range inputs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for route, err := range r.RouteMessage(inputs[i]) {
				if err != nil {
					return
				}
				results[i] = append(results[i], route)
			}
		}(i)
	}
	wg.Wait()

	for i, routes := range results {
		require.Len(t, routes, 2, "input %d", i)
		assert.Equal(t, routing.ToPlugin(uint16(i), 1, 0), routes[0].Destination)
		assert.False(t, bytes.Equal(routes[0].Payload, routes[1].Payload))
	}
}

func TestProcess_IgnoresIdentity(t *testing.T) {
	data := codectest.MustEncodeEnvelopes(t, testCodec, env(t, "N1", "D1"))
	r := newRouter(t, policies.Node{})

	var a, b []routing.Route
	for route, err := range r.Process("", data) {
		require.NoError(t, err)
		a = append(a, route)
	}
	for route, err := range r.Process("plugin-1-1.0-0", data) {
		require.NoError(t, err)
		b = append(b, route)
	}
	assert.Equal(t, a, b)
}

type staticAdmission []envelope.ID

func (s staticAdmission) List(context.Context) ([]envelope.ID, error) {
	return s, nil
}
