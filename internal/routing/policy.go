// Package routing implements the routing.Policy variants.
package routing

import (
	"fmt"

	"github.com/rmacdonaldsmith/waggle-router/pkg/routing"
)

// Beehive forwards every envelope toward the node owning its receiver device.
type Beehive struct{}

// Node fans every envelope out to its receiver device.
type Node struct{}

// Plugin fans every unit out to the plugin instance it is tagged with.
type Plugin struct{}

// Ensure policies implement routing.Policy
var (
	_ routing.Policy = Beehive{}
	_ routing.Policy = Node{}
	_ routing.Policy = Plugin{}
)

func (Beehive) Mode() routing.Mode              { return routing.ModeBeehive }
func (Beehive) Scope() routing.Scope            { return routing.ScopeEnvelope }
func (Beehive) IsRoutable(routing.Context) bool { return true }

// RouteFor returns to-node-<receiver_sub_id>.
func (Beehive) RouteFor(ctx routing.Context) string {
	return routing.ToNode(ctx.Envelope.ReceiverSubID)
}

func (Node) Mode() routing.Mode              { return routing.ModeNode }
func (Node) Scope() routing.Scope            { return routing.ScopeEnvelope }
func (Node) IsRoutable(routing.Context) bool { return true }

// RouteFor returns to-device-<receiver_sub_id>.
func (Node) RouteFor(ctx routing.Context) string {
	return routing.ToDevice(ctx.Envelope.ReceiverSubID)
}

func (Plugin) Mode() routing.Mode              { return routing.ModePlugin }
func (Plugin) Scope() routing.Scope            { return routing.ScopeUnit }
func (Plugin) IsRoutable(routing.Context) bool { return true }

// RouteFor returns to-plugin-<plugin_id>-<plugin_major_version>-<plugin_instance>.
func (Plugin) RouteFor(ctx routing.Context) string {
	u := ctx.Unit
	return routing.ToPlugin(u.PluginID, u.PluginMajorVersion, u.PluginInstance)
}

// New returns the policy for mode. table is required for routing.ModeTable
// and ignored otherwise.
func New(mode routing.Mode, table *Table) (routing.Policy, error) {
	switch mode {
	case routing.ModeBeehive:
		return Beehive{}, nil
	case routing.ModeNode:
		return Node{}, nil
	case routing.ModePlugin:
		return Plugin{}, nil
	case routing.ModeTable:
		if table == nil {
			return nil, fmt.Errorf("routing mode %q requires an admission table", mode)
		}
		return table, nil
	default:
		return nil, fmt.Errorf("unknown routing mode: %q", mode)
	}
}
