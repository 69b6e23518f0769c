package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/Sudo-Ivan/driftmesh-go/pkg/debug"
	"github.com/Sudo-Ivan/driftmesh-go/pkg/dtn"
	"github.com/Sudo-Ivan/driftmesh-go/pkg/identity"
	"github.com/Sudo-Ivan/driftmesh-go/pkg/packet"
	"github.com/Sudo-Ivan/driftmesh-go/pkg/routing"
	"github.com/Sudo-Ivan/driftmesh-go/pkg/storage"
	"github.com/Sudo-Ivan/driftmesh-go/pkg/topology"
	"github.com/Sudo-Ivan/driftmesh-go/pkg/transport"
)

const (
	// DefaultMaxPayload bounds accepted payloads well under the transport
	// frame budget, leaving room for the packet envelope.
	DefaultMaxPayload = 512 * 1024

	// DefaultDedupSize is the capacity of the recently-seen and packet-origin
	// caches.
	DefaultDedupSize = 4096

	// DefaultSweepInterval paces the background maintenance pass: stale-route
	// pruning, back-propagation reaping and packet expiry.
	DefaultSweepInterval = 30 * time.Second
)

var (
	ErrPayloadTooLarge = errors.New("delivery: payload too large")
	ErrAlreadyStarted  = errors.New("delivery: service already started")
)

// PacketCallback receives packets addressed to this node.
type PacketCallback[I identity.Peer] func(p *packet.Packet[I])

// ConfirmationCallback receives delivery confirmations for packets this node
// originated.
type ConfirmationCallback[I identity.Peer] func(c *packet.Confirmation[I])

// Service is the store-and-forward layer of a node. It feeds received frames
// through the decision engine, fans relays out per forwarding strategy,
// holds undeliverable packets under quota, walks delivery confirmations back
// toward their senders and flushes held traffic when peers come online.
//
// Configure with the With* setters before Start; the service is not
// reconfigurable while running.
type Service[I identity.Peer] struct {
	self     I
	selfHash uint64
	decode   identity.Decoder[I]
	view     topology.View[I]
	tr       transport.Transport[I]

	table    *routing.Table[I]
	engine   *routing.Engine[I]
	backprop *routing.Backprop[I]
	mutuals  *routing.MutualTracker[I]
	packets  storage.PacketStore[I]
	pending  storage.PendingStore[I]
	selector *dtn.Selector[I]
	age      *dtn.AgeManager
	lifetime time.Duration

	seen    *lru.Cache[packet.ID, struct{}]
	origins *lru.Cache[packet.ID, I]

	// confirms is capacity-bounded; a held confirmation whose pending slot
	// was quota-evicted ages out of the cache.
	confirmMu sync.Mutex
	confirms  *lru.Cache[packet.ID, *packet.Confirmation[I]]

	seq           atomic.Uint64
	clk           clock.Clock
	metrics       *Metrics
	maxPayload    int
	sweepInterval time.Duration

	cbMu           sync.RWMutex
	onPacket       PacketCallback[I]
	onConfirmation ConfirmationCallback[I]

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// New builds a service around a transport with in-memory defaults: memory
// stores under the default quota, the default strategy selector and age
// config, an unregistered metrics set.
func New[I identity.Peer](decode identity.Decoder[I], view topology.View[I], tr transport.Transport[I]) *Service[I] {
	self := tr.LocalPeer()
	table := routing.NewTable(decode)
	ageCfg := dtn.DefaultAgeConfig()

	s := &Service[I]{
		self:          self,
		selfHash:      identity.Hash64(self),
		decode:        decode,
		view:          view,
		tr:            tr,
		table:         table,
		engine:        routing.NewEngine(self, table, view),
		backprop:      routing.NewBackprop[I](),
		mutuals:       routing.NewMutualTracker[I](),
		packets:       storage.NewMemoryPacketStore[I](),
		pending:       storage.NewMemoryPendingStore[I](storage.DefaultQuota()),
		selector:      dtn.DefaultSelector[I](),
		age:           dtn.NewAgeManager(ageCfg),
		lifetime:      ageCfg.DefaultLifetime,
		clk:           clock.New(),
		metrics:       NewMetrics(nil),
		maxPayload:    DefaultMaxPayload,
		sweepInterval: DefaultSweepInterval,
	}
	s.seen, _ = lru.New[packet.ID, struct{}](DefaultDedupSize)
	s.origins, _ = lru.New[packet.ID, I](DefaultDedupSize)
	s.confirms, _ = lru.New[packet.ID, *packet.Confirmation[I]](DefaultDedupSize)
	return s
}

// WithTable replaces the routing table and rebuilds the engine around it.
func (s *Service[I]) WithTable(t *routing.Table[I]) *Service[I] {
	s.table = t
	s.engine = routing.NewEngine(s.self, t, s.view)
	return s
}

func (s *Service[I]) WithRoutingMetrics(m *routing.Metrics) *Service[I] {
	s.engine.WithMetrics(m)
	return s
}

func (s *Service[I]) WithPacketStore(ps storage.PacketStore[I]) *Service[I] {
	s.packets = ps
	return s
}

func (s *Service[I]) WithPendingStore(ps storage.PendingStore[I]) *Service[I] {
	s.pending = ps
	return s
}

func (s *Service[I]) WithSelector(sel *dtn.Selector[I]) *Service[I] {
	s.selector = sel
	return s
}

func (s *Service[I]) WithAgeConfig(cfg dtn.AgeConfig) *Service[I] {
	if cfg.DefaultLifetime <= 0 {
		cfg.DefaultLifetime = dtn.DefaultLifetime
	}
	s.age = dtn.NewAgeManager(cfg).WithClock(s.clk)
	s.lifetime = cfg.DefaultLifetime
	return s
}

func (s *Service[I]) WithMetrics(m *Metrics) *Service[I] {
	s.metrics = m
	return s
}

func (s *Service[I]) WithMaxPayload(n int) *Service[I] {
	s.maxPayload = n
	return s
}

func (s *Service[I]) WithSweepInterval(d time.Duration) *Service[I] {
	if d > 0 {
		s.sweepInterval = d
	}
	return s
}

func (s *Service[I]) WithBackpropTimeout(d time.Duration) *Service[I] {
	s.backprop.WithTimeout(d)
	return s
}

func (s *Service[I]) WithDedupSize(n int) *Service[I] {
	if n < 1 {
		n = DefaultDedupSize
	}
	s.seen, _ = lru.New[packet.ID, struct{}](n)
	s.origins, _ = lru.New[packet.ID, I](n)
	s.confirms, _ = lru.New[packet.ID, *packet.Confirmation[I]](n)
	return s
}

// WithClock swaps the time source, propagated into the owned table, backprop
// and age components. Apply after any WithTable/WithAgeConfig.
func (s *Service[I]) WithClock(clk clock.Clock) *Service[I] {
	s.clk = clk
	s.table.WithClock(clk)
	s.backprop.WithClock(clk)
	s.age.WithClock(clk)
	return s
}

func (s *Service[I]) Self() I { return s.self }

func (s *Service[I]) Engine() *routing.Engine[I] { return s.engine }

func (s *Service[I]) Table() *routing.Table[I] { return s.table }

func (s *Service[I]) Backprop() *routing.Backprop[I] { return s.backprop }

func (s *Service[I]) SetPacketCallback(cb PacketCallback[I]) {
	s.cbMu.Lock()
	s.onPacket = cb
	s.cbMu.Unlock()
}

func (s *Service[I]) SetConfirmationCallback(cb ConfirmationCallback[I]) {
	s.cbMu.Lock()
	s.onConfirmation = cb
	s.cbMu.Unlock()
}

// Start wires the service into its transport and launches the background
// sweep. The context bounds the service's lifetime alongside Stop.
func (s *Service[I]) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(ctx)
	s.ctx, s.cancel, s.group = gctx, cancel, group
	s.running = true
	s.mu.Unlock()

	s.tr.SetHandler(s.handleFrame)
	s.tr.SetConnectCallback(s.OnPeerConnect)
	s.tr.SetDisconnectCallback(s.OnPeerDisconnect)

	group.Go(func() error { return s.sweepLoop(gctx) })

	debug.Log(debug.DEBUG_INFO, "Delivery service started",
		"self", s.self.ShortString(),
		"sweep_interval", s.sweepInterval.String())
	return nil
}

// Stop cancels the background work and waits for it to finish. Safe to call
// more than once.
func (s *Service[I]) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel, group := s.cancel, s.group
	s.running = false
	s.mu.Unlock()

	cancel()
	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	debug.Log(debug.DEBUG_INFO, "Delivery service stopped", "self", s.self.ShortString())
	return err
}

func (s *Service[I]) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}

// NextID allocates the next packet ID for this node's send sequence.
func (s *Service[I]) NextID() packet.ID {
	return packet.ID{SourceHash: s.selfHash, Sequence: s.seq.Add(1)}
}

// Send originates a packet to dest with default TTL and priority. Hints are
// candidate relays the sender believes can reach the destination. The packet
// ID is returned even when the send fails terminally.
func (s *Service[I]) Send(ctx context.Context, dest I, payload packet.Payload, hints ...I) (packet.ID, error) {
	id := s.NextID()
	if s.maxPayload > 0 && payload.Size() > s.maxPayload {
		s.recordDrop(routing.DropTooLarge)
		return id, ErrPayloadTooLarge
	}
	return id, s.SendPacket(ctx, packet.New(id, s.self, dest, payload, hints))
}

// SendPacket originates a pre-built packet, for callers that set TTL or
// priority through the packet builders.
func (s *Service[I]) SendPacket(ctx context.Context, p *packet.Packet[I]) error {
	if s.maxPayload > 0 && p.Payload.Size() > s.maxPayload {
		s.recordDrop(routing.DropTooLarge)
		return ErrPayloadTooLarge
	}
	s.seen.Add(p.ID, struct{}{})

	if p.Destination == s.self {
		s.metrics.Delivered.Inc()
		if cb := s.packetCallback(); cb != nil {
			cb(p)
		}
		return nil
	}

	d := s.engine.DecideLocal(p)
	return s.dispatch(ctx, p, d, true, 0)
}

func (s *Service[I]) handleFrame(from I, frame []byte) {
	f, err := packet.UnmarshalFrame(frame, s.decode)
	if err != nil {
		debug.Log(debug.DEBUG_ERROR, "Dropping malformed frame",
			"from", from.ShortString(), "error", err)
		return
	}
	switch f.Kind {
	case packet.KindPacket:
		s.handlePacket(from, f.Packet)
	case packet.KindConfirmation:
		s.handleConfirmation(from, f.Confirmation)
	}
}

func (s *Service[I]) handlePacket(from I, p *packet.Packet[I]) {
	if s.maxPayload > 0 && p.Payload.Size() > s.maxPayload {
		s.recordDrop(routing.DropTooLarge)
		debug.Log(debug.DEBUG_VERBOSE, "Dropping oversized packet",
			"packet", p.ID.String(), "size", p.Payload.Size())
		return
	}
	if s.seen.Contains(p.ID) {
		s.recordDrop(routing.DropDuplicate)
		debug.Log(debug.DEBUG_TRACE, "Dropping duplicate packet",
			"packet", p.ID.String(), "from", from.ShortString())
		return
	}
	s.seen.Add(p.ID, struct{}{})

	if s.expired(p) {
		s.recordDrop(routing.DropExpired)
		debug.Log(debug.DEBUG_VERBOSE, "Dropping expired packet",
			"packet", p.ID.String(), "age", p.Age(s.clk.Now()).String())
		return
	}

	// Remember the handing-in peer; confirmations walk back through it.
	s.origins.Add(p.ID, from)
	p.Priority = s.age.EffectivePriority(p.CreatedAt, p.Priority)

	if p.Destination == s.self {
		s.deliverLocal(from, p)
		return
	}

	d := s.engine.Decide(p)
	if err := s.dispatch(s.context(), p, d, false, 0); err != nil {
		debug.Log(debug.DEBUG_VERBOSE, "Packet not forwardable",
			"packet", p.ID.String(), "correlation", p.Correlation.String(), "error", err)
	}
}

// dispatch acts on a routing decision. depth guards the single mutual-relay
// retry a Hold decision is allowed.
func (s *Service[I]) dispatch(ctx context.Context, p *packet.Packet[I], d routing.Decision[I], local bool, depth int) error {
	switch {
	case d.IsDirect():
		frame, err := packet.MarshalPacket(p)
		if err != nil {
			return err
		}
		if err := s.tr.Send(ctx, d.Destination, frame); err != nil {
			debug.Log(debug.DEBUG_VERBOSE, "Direct send failed, holding packet",
				"packet", p.ID.String(), "destination", d.Destination.ShortString(), "error", err)
			return s.holdPacket(p, d.Destination)
		}
		s.metrics.Direct.Inc()
		return nil

	case d.IsRelay():
		if !s.engine.PrepareRelay(p) {
			s.recordDrop(routing.DropTTLExpired)
			return routing.ErrTTLExpired
		}
		strategy := s.selector.Select(p, s.view, s.clk.Now())
		hops := dtn.FanOut(strategy, d.NextHops)
		frame, err := packet.MarshalPacket(p)
		if err != nil {
			return err
		}
		sent := 0
		for _, hop := range hops {
			if err := s.tr.Send(ctx, hop, frame); err != nil {
				debug.Log(debug.DEBUG_TRACE, "Relay send failed",
					"packet", p.ID.String(), "hop", hop.ShortString(), "error", err)
				continue
			}
			sent++
		}
		if sent == 0 {
			debug.Log(debug.DEBUG_VERBOSE, "Every relay send failed, holding packet",
				"packet", p.ID.String(), "hops", len(hops))
			return s.holdPacket(p, hops[0])
		}
		s.metrics.Relayed.Add(float64(sent))
		debug.Log(debug.DEBUG_TRACE, "Packet relayed",
			"packet", p.ID.String(), "strategy", strategy.String(), "copies", sent)
		return nil

	case d.IsHold():
		if depth == 0 && s.seedMutualRoute(p.Destination) {
			var next routing.Decision[I]
			if local {
				next = s.engine.DecideLocal(p)
			} else {
				next = s.engine.Decide(p)
			}
			if next.IsDirect() || next.IsRelay() {
				return s.dispatch(ctx, p, next, local, depth+1)
			}
		}
		return s.holdPacket(p, p.Destination)

	default:
		s.recordDrop(d.Reason)
		return routing.DropError(d.Reason)
	}
}

// seedMutualRoute inserts a two-hop route to dest through a connected mutual
// relay, giving the next decision a candidate.
func (s *Service[I]) seedMutualRoute(dest I) bool {
	for _, relay := range s.mutuals.RelaysFor(s.self, dest) {
		if relay == s.self || relay == dest {
			continue
		}
		if s.view.AreConnected(s.self, relay) && s.view.IsOnline(relay) {
			s.table.Insert(dest, routing.NewRouteInfo(dest, relay, 2))
			debug.Log(debug.DEBUG_VERBOSE, "Seeded route through mutual relay",
				"destination", dest.ShortString(), "relay", relay.ShortString())
			return true
		}
	}
	return false
}

// holdPacket stores p for a later delivery opportunity, pending toward peer.
func (s *Service[I]) holdPacket(p *packet.Packet[I], peer I) error {
	if err := s.packets.Store(p); err != nil {
		s.recordDrop(routing.DropStorageFull)
		return fmt.Errorf("holding packet %s: %w", p.ID, err)
	}
	if err := s.pending.MarkPending(peer, p.ID); err != nil {
		_ = s.packets.Delete(p.ID)
		s.recordDrop(routing.DropStorageFull)
		return fmt.Errorf("marking packet %s pending: %w", p.ID, err)
	}
	s.age.Track(p.ID, p.CreatedAt, p.Priority, 0)
	s.metrics.Held.Inc()
	debug.Log(debug.DEBUG_VERBOSE, "Packet held for later delivery",
		"packet", p.ID.String(), "peer", peer.ShortString())
	return nil
}

func (s *Service[I]) deliverLocal(from I, p *packet.Packet[I]) {
	s.metrics.Delivered.Inc()
	debug.Log(debug.DEBUG_VERBOSE, "Packet delivered",
		"packet", p.ID.String(),
		"source", p.Source.ShortString(),
		"correlation", p.Correlation.String(),
		"hops", p.HopCount())

	path := []I{p.Source}
	if from != p.Source {
		path = append(path, from)
	}
	path = append(path, s.self)

	c := packet.NewConfirmation(p.ID, s.self, path)
	s.metrics.ConfirmationsCreated.Inc()
	s.propagateConfirmation(s.context(), c, from)

	if cb := s.packetCallback(); cb != nil {
		cb(p)
	}
}

func (s *Service[I]) handleConfirmation(from I, c *packet.Confirmation[I]) {
	id := c.ID
	debug.Log(debug.DEBUG_TRACE, "Confirmation received",
		"packet", id.String(), "from", from.ShortString(), "delivered_to", c.DeliveredTo.ShortString())

	// The packet is delivered somewhere downstream; clear local custody.
	if next, ok := c.HopAfter(s.self); ok {
		_ = s.pending.MarkDelivered(next, id)
	}
	_ = s.pending.MarkDelivered(c.DeliveredTo, id)
	_ = s.packets.Delete(id)
	s.age.Untrack(id)

	// The route that carried this packet just proved itself.
	if !s.table.Confirm(c.DeliveredTo) {
		s.table.Insert(c.DeliveredTo, routing.NewRouteInfo(c.DeliveredTo, from, s.pathDistance(c)))
		s.table.Confirm(c.DeliveredTo)
	}

	if id.SourceHash == s.selfHash {
		s.metrics.ConfirmationsConsumed.Inc()
		s.backprop.Remove(id)
		debug.Log(debug.DEBUG_VERBOSE, "Delivery confirmed",
			"packet", id.String(), "delivered_to", c.DeliveredTo.ShortString())
		if cb := s.confirmationCallback(); cb != nil {
			cb(c)
		}
		return
	}

	prev, ok := s.previousHop(c)
	if !ok {
		s.recordDrop(routing.DropNoRoute)
		debug.Log(debug.DEBUG_VERBOSE, "No backward hop for confirmation", "packet", id.String())
		return
	}
	s.propagateConfirmation(s.context(), c, prev)
}

// previousHop picks where a confirmation goes next: the peer this node
// actually received the packet from when remembered, else the recorded path.
func (s *Service[I]) previousHop(c *packet.Confirmation[I]) (I, bool) {
	if prev, ok := s.origins.Get(c.ID); ok {
		return prev, true
	}
	return c.HopBefore(s.self)
}

// propagateConfirmation sends c backward to prev, tracking the remaining
// walk in the backprop manager. An unreachable prev turns the confirmation
// into an ordinary pending entry.
func (s *Service[I]) propagateConfirmation(ctx context.Context, c *packet.Confirmation[I], prev I) {
	id := c.ID
	if !s.backprop.IsPending(id) {
		s.backprop.Start(id, s.backpropPath(c, prev))
	}

	frame, err := packet.MarshalConfirmation(c)
	if err != nil {
		debug.Log(debug.DEBUG_ERROR, "Encoding confirmation failed", "packet", id.String(), "error", err)
		return
	}
	if err := s.tr.Send(ctx, prev, frame); err != nil {
		debug.Log(debug.DEBUG_VERBOSE, "Confirmation hop offline, holding",
			"packet", id.String(), "hop", prev.ShortString(), "error", err)
		s.holdConfirmation(prev, c)
		return
	}
	s.backprop.Advance(id, prev)
	s.metrics.ConfirmationsForwarded.Inc()
}

// backpropPath is the recorded path when it agrees with the hop this node
// will use, else the two-hop stub this node can vouch for.
func (s *Service[I]) backpropPath(c *packet.Confirmation[I], prev I) []I {
	for i, hop := range c.Path {
		if hop == s.self && i > 0 && c.Path[i-1] == prev {
			return c.Path[:i+1]
		}
	}
	return []I{prev, s.self}
}

func (s *Service[I]) pathDistance(c *packet.Confirmation[I]) int {
	for i, hop := range c.Path {
		if hop == s.self {
			if d := len(c.Path) - 1 - i; d > 0 {
				return d
			}
		}
	}
	return 2
}

func (s *Service[I]) holdConfirmation(prev I, c *packet.Confirmation[I]) {
	if err := s.pending.MarkPending(prev, c.ID); err != nil {
		s.recordDrop(routing.DropStorageFull)
		debug.Log(debug.DEBUG_ERROR, "Dropping confirmation, pending store full",
			"packet", c.ID.String(), "error", err)
		return
	}
	s.confirmMu.Lock()
	s.confirms.Add(c.ID, c)
	s.confirmMu.Unlock()
}

func (s *Service[I]) takeConfirmation(id packet.ID) (*packet.Confirmation[I], bool) {
	s.confirmMu.Lock()
	defer s.confirmMu.Unlock()
	c, ok := s.confirms.Get(id)
	if ok {
		s.confirms.Remove(id)
	}
	return c, ok
}

// OnPeerConnect refreshes the mutual-relay cache and flushes everything owed
// to the freshly connected peer. Wired as the transport's connect callback.
func (s *Service[I]) OnPeerConnect(peer I) {
	debug.Log(debug.DEBUG_VERBOSE, "Peer connected", "peer", peer.ShortString())
	s.mutuals.OnPeerConnect(s.self, peer, s.view)
	s.mutuals.Refresh(s.view)
	s.flushTo(s.context(), peer)
}

// OnPeerDisconnect drops cached mutual relays involving the peer.
func (s *Service[I]) OnPeerDisconnect(peer I) {
	debug.Log(debug.DEBUG_VERBOSE, "Peer disconnected", "peer", peer.ShortString())
	s.mutuals.Forget(peer)
}

// flushTo drains the peer's pending entries and any stored packets addressed
// to it. Pending IDs arrive in ascending order with same-source runs
// contiguous, so successful packet runs are acknowledged cumulatively. A
// failure that leaves an entry pending caps the run's ack and pins the run:
// later successes from that source are acknowledged one by one, so the
// cumulative ack never clears an entry that was not sent.
func (s *Service[I]) flushTo(ctx context.Context, peer I) {
	ids, err := s.pending.PendingFor(peer)
	if err != nil {
		debug.Log(debug.DEBUG_ERROR, "Reading pending entries failed",
			"peer", peer.ShortString(), "error", err)
		return
	}

	var ackUpTo packet.ID
	ackValid := false
	var brokenSource uint64
	brokenValid := false
	commitAck := func() {
		if !ackValid {
			return
		}
		if err := s.pending.MarkDeliveredUpTo(peer, ackUpTo); err != nil {
			debug.Log(debug.DEBUG_ERROR, "Clearing flushed pending entries failed",
				"peer", peer.ShortString(), "error", err)
		}
		ackValid = false
	}
	skipEntry := func(id packet.ID) {
		commitAck()
		brokenSource, brokenValid = id.SourceHash, true
	}

	for _, id := range ids {
		if c, ok := s.takeConfirmation(id); ok {
			frame, err := packet.MarshalConfirmation(c)
			if err != nil {
				debug.Log(debug.DEBUG_ERROR, "Encoding held confirmation failed", "packet", id.String(), "error", err)
				_ = s.pending.MarkDelivered(peer, id)
				continue
			}
			if err := s.tr.Send(ctx, peer, frame); err != nil {
				s.holdConfirmation(peer, c)
				break
			}
			s.backprop.Advance(id, peer)
			s.metrics.ConfirmationsForwarded.Inc()
			s.metrics.Flushed.Inc()
			_ = s.pending.MarkDelivered(peer, id)
			continue
		}

		p, err := s.packets.Get(id)
		if errors.Is(err, storage.ErrPacketNotFound) {
			// Entry outlived its packet; clear the orphan.
			_ = s.pending.MarkDelivered(peer, id)
			continue
		}
		if err != nil {
			debug.Log(debug.DEBUG_ERROR, "Loading held packet failed", "packet", id.String(), "error", err)
			skipEntry(id)
			continue
		}
		if s.expired(p) {
			s.recordDrop(routing.DropExpired)
			_ = s.packets.Delete(id)
			s.age.Untrack(id)
			_ = s.pending.MarkDelivered(peer, id)
			continue
		}

		p.Priority = s.age.EffectivePriority(p.CreatedAt, p.Priority)
		frame, err := packet.MarshalPacket(p)
		if err != nil {
			debug.Log(debug.DEBUG_ERROR, "Encoding held packet failed", "packet", id.String(), "error", err)
			skipEntry(id)
			continue
		}
		if ackValid && ackUpTo.SourceHash != id.SourceHash {
			commitAck()
		}
		if brokenValid && brokenSource != id.SourceHash {
			brokenValid = false
		}
		if err := s.tr.Send(ctx, peer, frame); err != nil {
			debug.Log(debug.DEBUG_VERBOSE, "Flush interrupted, peer unreachable",
				"peer", peer.ShortString(), "error", err)
			break
		}
		s.metrics.Flushed.Inc()
		_ = s.packets.Delete(id)
		s.age.Untrack(id)
		if brokenValid {
			_ = s.pending.MarkDelivered(peer, id)
		} else {
			ackUpTo, ackValid = id, true
		}
	}
	commitAck()

	// Packets held for this destination under other peers' pending entries.
	held, err := s.packets.ForDestination(peer)
	if err != nil {
		debug.Log(debug.DEBUG_ERROR, "Reading held packets failed",
			"peer", peer.ShortString(), "error", err)
		return
	}
	for _, p := range held {
		if s.expired(p) {
			s.recordDrop(routing.DropExpired)
			_ = s.packets.Delete(p.ID)
			s.age.Untrack(p.ID)
			continue
		}
		p.Priority = s.age.EffectivePriority(p.CreatedAt, p.Priority)
		frame, err := packet.MarshalPacket(p)
		if err != nil {
			debug.Log(debug.DEBUG_ERROR, "Encoding held packet failed", "packet", p.ID.String(), "error", err)
			continue
		}
		if err := s.tr.Send(ctx, peer, frame); err != nil {
			break
		}
		s.metrics.Flushed.Inc()
		_ = s.packets.Delete(p.ID)
		s.age.Untrack(p.ID)
	}
}

func (s *Service[I]) sweepLoop(ctx context.Context) error {
	ticker := s.clk.Ticker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep is one maintenance pass: prune stale routes, reap timed-out
// back-propagations, expire aged packets, refresh gauges.
func (s *Service[I]) sweep() {
	if pruned := s.table.PruneStale(); pruned > 0 {
		debug.Log(debug.DEBUG_VERBOSE, "Pruned stale routes", "count", pruned)
	}

	for _, id := range s.backprop.CheckTimeouts() {
		s.backprop.Remove(id)
		s.metrics.BackpropTimeouts.Inc()
		debug.Log(debug.DEBUG_TRACE, "Reaped timed-out back-propagation", "packet", id.String())
	}

	for _, id := range s.age.Cleanup() {
		if err := s.packets.Delete(id); err != nil {
			debug.Log(debug.DEBUG_ERROR, "Deleting expired packet failed", "packet", id.String(), "error", err)
		}
		s.recordDrop(routing.DropExpired)
	}

	s.metrics.PendingEntries.Set(float64(s.pending.TotalPending()))
	s.metrics.StoredPackets.Set(float64(s.packets.Len()))
}

func (s *Service[I]) expired(p *packet.Packet[I]) bool {
	return s.lifetime > 0 && p.Age(s.clk.Now()) > s.lifetime
}

func (s *Service[I]) recordDrop(reason routing.DropReason) {
	s.metrics.Drops.WithLabelValues(reason.String()).Inc()
}

func (s *Service[I]) packetCallback() PacketCallback[I] {
	s.cbMu.RLock()
	defer s.cbMu.RUnlock()
	return s.onPacket
}

func (s *Service[I]) confirmationCallback() ConfirmationCallback[I] {
	s.cbMu.RLock()
	defer s.cbMu.RUnlock()
	return s.onConfirmation
}
