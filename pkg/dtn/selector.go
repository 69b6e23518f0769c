package dtn

import (
	"time"

	"github.com/Sudo-Ivan/driftmesh-go/pkg/identity"
	"github.com/Sudo-Ivan/driftmesh-go/pkg/packet"
	"github.com/Sudo-Ivan/driftmesh-go/pkg/topology"
)

// Condition gates a strategy rule. Conditions are pure predicates over the
// packet and a topology snapshot; now is passed in so selection stays
// testable.
type Condition[I identity.Peer] interface {
	Matches(p *packet.Packet[I], view topology.View[I], now time.Time) bool
}

// LowConnectivity matches when the online fraction of known peers falls
// below Threshold. An empty topology counts as disconnected.
type LowConnectivity[I identity.Peer] struct {
	Threshold float64
}

func (c LowConnectivity[I]) Matches(_ *packet.Packet[I], view topology.View[I], _ time.Time) bool {
	peers := view.Peers()
	if len(peers) == 0 {
		return true
	}
	online := 0
	for _, peer := range peers {
		if view.IsOnline(peer) {
			online++
		}
	}
	return float64(online)/float64(len(peers)) < c.Threshold
}

// PriorityAtLeast matches packets at or above Min.
type PriorityAtLeast[I identity.Peer] struct {
	Min packet.Priority
}

func (c PriorityAtLeast[I]) Matches(p *packet.Packet[I], _ topology.View[I], _ time.Time) bool {
	return p.Priority >= c.Min
}

// AgeAbove matches packets older than Threshold.
type AgeAbove[I identity.Peer] struct {
	Threshold time.Duration
}

func (c AgeAbove[I]) Matches(p *packet.Packet[I], _ topology.View[I], now time.Time) bool {
	return p.Age(now) > c.Threshold
}

// DestinationOffline matches while the packet's destination is not online.
type DestinationOffline[I identity.Peer] struct{}

func (DestinationOffline[I]) Matches(p *packet.Packet[I], view topology.View[I], _ time.Time) bool {
	return !view.IsOnline(p.Destination)
}

// Always matches everything, for catch-all rules.
type Always[I identity.Peer] struct{}

func (Always[I]) Matches(*packet.Packet[I], topology.View[I], time.Time) bool { return true }

// Rule binds a condition to the strategy used when it matches.
type Rule[I identity.Peer] struct {
	Condition Condition[I]
	Strategy  Strategy
}

// Selector picks a forwarding strategy per packet. Rules run in insertion
// order; the first match wins, otherwise the default applies.
type Selector[I identity.Peer] struct {
	def   Strategy
	rules []Rule[I]
}

func NewSelector[I identity.Peer](def Strategy) *Selector[I] {
	return &Selector[I]{def: def}
}

// DefaultSelector mirrors field-tested defaults: critical traffic floods,
// poorly connected meshes flood, stale packets drop to a two-copy spray.
func DefaultSelector[I identity.Peer]() *Selector[I] {
	s := NewSelector[I](DefaultStrategy())
	s.AddRule(Rule[I]{Condition: PriorityAtLeast[I]{Min: packet.PriorityCritical}, Strategy: Epidemic()})
	s.AddRule(Rule[I]{Condition: LowConnectivity[I]{Threshold: 0.3}, Strategy: Epidemic()})
	s.AddRule(Rule[I]{Condition: AgeAbove[I]{Threshold: 10 * time.Minute}, Strategy: SprayAndWait(2)})
	return s
}

func (s *Selector[I]) AddRule(r Rule[I]) {
	s.rules = append(s.rules, r)
}

func (s *Selector[I]) Select(p *packet.Packet[I], view topology.View[I], now time.Time) Strategy {
	for _, r := range s.rules {
		if r.Condition.Matches(p, view, now) {
			return r.Strategy
		}
	}
	return s.def
}

func (s *Selector[I]) Default() Strategy { return s.def }

func (s *Selector[I]) SetDefault(def Strategy) { s.def = def }

func (s *Selector[I]) RuleCount() int { return len(s.rules) }

func (s *Selector[I]) ClearRules() { s.rules = nil }
