package routing

import (
	"testing"

	"github.com/rmacdonaldsmith/waggle-router/pkg/envelope"
	"github.com/rmacdonaldsmith/waggle-router/pkg/routing"
)

// TestNodePolicy_RoutesToDevice verifies that node mode routes by receiver_sub_id
func TestNodePolicy_RoutesToDevice(t *testing.T) {
	policy := Node{}
	for _, receiver := range []envelope.ID{"N1", "N2", ""} {
		env := &envelope.Envelope{ReceiverID: receiver, ReceiverSubID: "D1"}
		ctx := routing.Context{Envelope: env}
		if !policy.IsRoutable(ctx) {
			t.Fatal("Expected node policy to route every envelope")
		}
		if got := policy.RouteFor(ctx); got != "to-device-D1" {
			t.Errorf("Expected to-device-D1, got %q", got)
		}
	}
}

// TestBeehivePolicy_RoutesToNode tests beehive destinations
func TestBeehivePolicy_RoutesToNode(t *testing.T) {
	env := &envelope.Envelope{ReceiverID: "N1", ReceiverSubID: "0000001e06107d97"}
	got := Beehive{}.RouteFor(routing.Context{Envelope: env})
	if got != "to-node-0000001e06107d97" {
		t.Errorf("Expected to-node-0000001e06107d97, got %q", got)
	}
	if (Beehive{}).Scope() != routing.ScopeEnvelope {
		t.Error("Expected beehive policy to work on envelopes")
	}
}

// TestPluginPolicy_IgnoresCarrier verifies that plugin routing depends only on unit fields
func TestPluginPolicy_IgnoresCarrier(t *testing.T) {
	unit := &envelope.Unit{PluginID: 7, PluginMajorVersion: 2, PluginMinorVersion: 9, PluginInstance: 0}
	carriers := []*envelope.Envelope{
		{ReceiverSubID: "D1"},
		{SenderID: "S", ReceiverID: "N9", ReceiverSubID: "D2"},
	}
	for _, env := range carriers {
		got := Plugin{}.RouteFor(routing.Context{Envelope: env, Unit: unit})
		if got != "to-plugin-7-2-0" {
			t.Errorf("Expected to-plugin-7-2-0, got %q", got)
		}
	}
	if (Plugin{}).Scope() != routing.ScopeUnit {
		t.Error("Expected plugin policy to work on units")
	}
}

// TestNew tests policy selection by mode
func TestNew(t *testing.T) {
	for _, mode := range []routing.Mode{routing.ModeBeehive, routing.ModeNode, routing.ModePlugin} {
		policy, err := New(mode, nil)
		if err != nil {
			t.Fatalf("Expected policy for %s, got: %v", mode, err)
		}
		if policy.Mode() != mode {
			t.Errorf("Expected mode %s, got %s", mode, policy.Mode())
		}
	}

	if _, err := New(routing.ModeTable, nil); err == nil {
		t.Error("Expected table mode without a table to fail")
	}
	if _, err := New("none", nil); err == nil {
		t.Error("Expected unknown mode to fail")
	}
}
