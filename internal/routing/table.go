package routing

import (
	"context"
	"sync/atomic"

	"github.com/rmacdonaldsmith/waggle-router/pkg/envelope"
	"github.com/rmacdonaldsmith/waggle-router/pkg/routing"
)

// Admission is an immutable set of admitted receiver nodes.
type Admission struct {
	nodes map[envelope.ID]struct{}
}

// NewAdmission builds an admission set.
func NewAdmission(nodes ...envelope.ID) *Admission {
	a := &Admission{nodes: make(map[envelope.ID]struct{}, len(nodes))}
	for _, id := range nodes {
		a.nodes[id] = struct{}{}
	}
	return a
}

// Admits reports whether envelopes addressed to node may be forwarded.
func (a *Admission) Admits(node envelope.ID) bool {
	_, ok := a.nodes[node]
	return ok
}

// Len returns the number of admitted nodes.
func (a *Admission) Len() int {
	return len(a.nodes)
}

// TableSnapshot is the Table policy frozen at one admission set.
type TableSnapshot struct {
	admission *Admission
}

// Ensure TableSnapshot implements routing.Policy
var _ routing.Policy = TableSnapshot{}

func (TableSnapshot) Mode() routing.Mode   { return routing.ModeTable }
func (TableSnapshot) Scope() routing.Scope { return routing.ScopeEnvelope }

// IsRoutable admits envelopes whose receiver node is in the table.
func (s TableSnapshot) IsRoutable(ctx routing.Context) bool {
	return s.admission.Admits(ctx.Envelope.ReceiverID)
}

// RouteFor returns to-node-<receiver_sub_id>.
func (s TableSnapshot) RouteFor(ctx routing.Context) string {
	return routing.ToNode(ctx.Envelope.ReceiverSubID)
}

// AdmissionSource loads the current admission set.
type AdmissionSource interface {
	List(ctx context.Context) ([]envelope.ID, error)
}

// Table is the table-driven admission policy. It holds the most recently
// loaded admission set and hands out frozen snapshots of it. Until the first
// Refresh nothing is admitted.
// It is safe for concurrent use.
type Table struct {
	source  AdmissionSource
	current atomic.Pointer[Admission]
}

// Ensure Table implements routing.Policy and routing.Snapshotter
var (
	_ routing.Policy      = (*Table)(nil)
	_ routing.Snapshotter = (*Table)(nil)
)

// NewTable creates a table policy fed by source.
func NewTable(source AdmissionSource) *Table {
	t := &Table{source: source}
	t.current.Store(NewAdmission())
	return t
}

// Refresh reloads the admission set from the source. On error the previous
// set stays in effect.
func (t *Table) Refresh(ctx context.Context) (int, error) {
	nodes, err := t.source.List(ctx)
	if err != nil {
		return 0, err
	}
	a := NewAdmission(nodes...)
	t.current.Store(a)
	return a.Len(), nil
}

// Snapshot implements routing.Snapshotter.
func (t *Table) Snapshot() routing.Policy {
	return TableSnapshot{admission: t.current.Load()}
}

func (t *Table) Mode() routing.Mode   { return routing.ModeTable }
func (t *Table) Scope() routing.Scope { return routing.ScopeEnvelope }

// IsRoutable consults the current admission set. Callers routing a whole
// message should take a Snapshot instead.
func (t *Table) IsRoutable(ctx routing.Context) bool {
	return t.current.Load().Admits(ctx.Envelope.ReceiverID)
}

// RouteFor returns to-node-<receiver_sub_id>.
func (t *Table) RouteFor(ctx routing.Context) string {
	return routing.ToNode(ctx.Envelope.ReceiverSubID)
}
