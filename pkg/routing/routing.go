package routing

import (
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"

	"github.com/rmacdonaldsmith/waggle-router/pkg/envelope"
)

// Mode selects the routing policy of one router process.
type Mode string

const (
	// ModeBeehive forwards envelopes from the collector toward nodes.
	ModeBeehive Mode = "beehive"
	// ModeNode fans envelopes out to devices on a node.
	ModeNode Mode = "node"
	// ModePlugin fans units out to plugin instances.
	ModePlugin Mode = "plugin"
	// ModeTable forwards toward nodes admitted by an admission table.
	ModeTable Mode = "table"
)

// ParseMode parses a configured mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeBeehive, ModeNode, ModePlugin, ModeTable:
		return m, nil
	default:
		return "", fmt.Errorf("unknown routing mode: %q", s)
	}
}

// Scope is the level at which a Policy is evaluated.
type Scope int

const (
	// ScopeEnvelope evaluates the policy once per Envelope.
	ScopeEnvelope Scope = iota
	// ScopeUnit evaluates the policy once per Unit of each Envelope.
	ScopeUnit
)

// String returns the string representation of Scope
func (s Scope) String() string {
	switch s {
	case ScopeEnvelope:
		return "envelope"
	case ScopeUnit:
		return "unit"
	default:
		return "unknown"
	}
}

// Context is the addressed item a Policy looks at. Envelope is always set;
// Unit is set only for ScopeUnit policies.
type Context struct {
	Envelope *envelope.Envelope
	Unit     *envelope.Unit
}

// Policy maps one addressed item to a destination.
// Implementations must be pure and safe for concurrent use.
type Policy interface {
	// Mode returns the mode this policy implements.
	Mode() Mode

	// Scope returns the level at which the policy is evaluated.
	Scope() Scope

	// IsRoutable reports whether the item should be forwarded at all.
	IsRoutable(ctx Context) bool

	// RouteFor returns the destination of a routable item.
	RouteFor(ctx Context) string
}

// Snapshotter is implemented by policies that consult an external store.
// Snapshot returns a policy frozen at the store's current contents.
type Snapshotter interface {
	Snapshot() Policy
}

// ErrConsumed is yielded when a route sequence is iterated a second time.
var ErrConsumed = errors.New("route sequence already consumed")

// Route is one derived payload and the destination it must be published to.
type Route struct {
	Destination string
	Payload     []byte
}

// Processor turns one consumed message into routes. identity is the
// transport-authenticated sender, or "" when the transport supplied none.
// The returned sequence may be consumed once.
type Processor interface {
	Process(identity string, data []byte) iter.Seq2[Route, error]
}

// Destination prefixes and the fixed upstream destination.
const (
	NodePrefix   = "to-node-"
	DevicePrefix = "to-device-"
	PluginPrefix = "to-plugin-"
	Beehive      = "to-beehive"
)

// ToNode returns the destination of the node owning device sub.
func ToNode(sub envelope.ID) string {
	return NodePrefix + string(sub)
}

// ToDevice returns the destination of device sub on this node.
func ToDevice(sub envelope.ID) string {
	return DevicePrefix + string(sub)
}

// ToPlugin returns the destination of one plugin instance.
func ToPlugin(id uint16, major, instance uint8) string {
	return PluginPrefix + strconv.FormatUint(uint64(id), 10) + "-" +
		strconv.FormatUint(uint64(major), 10) + "-" +
		strconv.FormatUint(uint64(instance), 10)
}

// Kind returns the addressing domain of a destination: "node", "device",
// "plugin", "beehive" or "other". Metrics label by kind so that label
// cardinality stays bounded.
func Kind(destination string) string {
	switch {
	case destination == Beehive:
		return "beehive"
	case strings.HasPrefix(destination, NodePrefix):
		return "node"
	case strings.HasPrefix(destination, DevicePrefix):
		return "device"
	case strings.HasPrefix(destination, PluginPrefix):
		return "plugin"
	default:
		return "other"
	}
}
