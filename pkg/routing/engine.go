package routing

import (
	"github.com/Sudo-Ivan/driftmesh-go/pkg/debug"
	"github.com/Sudo-Ivan/driftmesh-go/pkg/identity"
	"github.com/Sudo-Ivan/driftmesh-go/pkg/packet"
	"github.com/Sudo-Ivan/driftmesh-go/pkg/topology"
)

// Engine evaluates packets against the routing table and the topology view.
// It is synchronous, performs no I/O, and always returns a decision; drops
// are values, never errors. Policy order:
//
//  1. TTL already zero: drop (ttl_expired).
//  2. This node's hash already in the visited set: drop (already_visited).
//  3. Destination directly connected and online: direct delivery.
//  4. Cached route to the destination, then connected routing hints: relay.
//  5. Destination known to the topology but unreachable: hold.
//  6. Otherwise: drop (no_route).
type Engine[I identity.Peer] struct {
	self     I
	selfHash uint64
	table    *Table[I]
	view     topology.View[I]
	metrics  *Metrics
}

func NewEngine[I identity.Peer](self I, table *Table[I], view topology.View[I]) *Engine[I] {
	return &Engine[I]{
		self:     self,
		selfHash: identity.Hash64(self),
		table:    table,
		view:     view,
	}
}

func (e *Engine[I]) WithMetrics(m *Metrics) *Engine[I] {
	e.metrics = m
	return e
}

func (e *Engine[I]) Self() I {
	return e.self
}

func (e *Engine[I]) Table() *Table[I] {
	return e.table
}

// Decide evaluates a packet received from the network.
func (e *Engine[I]) Decide(p *packet.Packet[I]) Decision[I] {
	return e.decide(p, true)
}

// DecideLocal evaluates a packet this node originated. The origin seeds its
// own hash into the visited set at construction, so the loop check must not
// count that seed as a prior handling.
func (e *Engine[I]) DecideLocal(p *packet.Packet[I]) Decision[I] {
	return e.decide(p, false)
}

func (e *Engine[I]) decide(p *packet.Packet[I], loopCheck bool) Decision[I] {
	d := e.evaluate(p, loopCheck)
	e.record(d)
	debug.Log(debug.DEBUG_TRACE, "Routing decision",
		"packet", p.ID.String(),
		"correlation", p.Correlation.String(),
		"ttl", p.TTL,
		"decision", d.String())
	return d
}

func (e *Engine[I]) evaluate(p *packet.Packet[I], loopCheck bool) Decision[I] {
	if p.TTL == 0 {
		return Drop[I](DropTTLExpired)
	}

	if loopCheck && p.WasVisitedHash(e.selfHash) {
		return Drop[I](DropAlreadyVisited)
	}

	dest := p.Destination
	if e.view.AreConnected(e.self, dest) && e.view.IsOnline(dest) {
		return DirectDelivery(dest)
	}

	if candidates := e.relayCandidates(p); len(candidates) > 0 {
		return RelayThrough(candidates...)
	}

	if e.view.Knows(dest) {
		return HoldForLater[I]()
	}

	return Drop[I](DropNoRoute)
}

// relayCandidates orders cached routes ahead of the packet's own hints.
// Hints only count while connected; duplicates and this node itself are
// excluded.
func (e *Engine[I]) relayCandidates(p *packet.Packet[I]) []I {
	var candidates []I
	seen := make(map[string]struct{})
	selfKey := string(e.self.AsBytes())

	add := func(peer I) {
		key := string(peer.AsBytes())
		if key == selfKey {
			return
		}
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		candidates = append(candidates, peer)
	}

	if route, ok := e.table.Get(p.Destination); ok {
		add(route.NextHop)
	}
	for _, hint := range p.RoutingHints {
		if e.view.AreConnected(e.self, hint) {
			add(hint)
		}
	}
	return candidates
}

// PrepareRelay applies the per-hop mutations before the packet is handed to
// transport: this node joins the visited set and the TTL burns one hop.
func (e *Engine[I]) PrepareRelay(p *packet.Packet[I]) bool {
	p.MarkVisited(e.self)
	return p.DecrementTTL()
}

func (e *Engine[I]) record(d Decision[I]) {
	if e.metrics == nil {
		return
	}
	e.metrics.Decisions.WithLabelValues(d.Kind.String()).Inc()
	if d.IsDrop() {
		e.metrics.Drops.WithLabelValues(d.Reason.String()).Inc()
	}
}
