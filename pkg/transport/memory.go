package transport

import (
	"context"
	"sync"

	"github.com/Sudo-Ivan/driftmesh-go/pkg/debug"
	"github.com/Sudo-Ivan/driftmesh-go/pkg/identity"
	"github.com/Sudo-Ivan/driftmesh-go/pkg/topology"
)

// Hub wires in-process transports together through a shared mesh. Frames
// only flow between peers the mesh reports as connected, so a test or a
// simulation drives partitions by editing the mesh through the hub.
type Hub[I identity.Peer] struct {
	mesh *topology.Mesh[I]

	mu        sync.RWMutex
	endpoints map[string]*MemoryTransport[I]
}

func NewHub[I identity.Peer](mesh *topology.Mesh[I]) *Hub[I] {
	return &Hub[I]{
		mesh:      mesh,
		endpoints: make(map[string]*MemoryTransport[I]),
	}
}

func (h *Hub[I]) Mesh() *topology.Mesh[I] {
	return h.mesh
}

// Attach registers peer and returns its transport endpoint.
func (h *Hub[I]) Attach(peer I) *MemoryTransport[I] {
	t := &MemoryTransport[I]{hub: h, self: peer}
	h.mesh.AddPeer(peer)

	h.mu.Lock()
	h.endpoints[string(peer.AsBytes())] = t
	h.mu.Unlock()
	return t
}

// Connect links two peers in the mesh and fires connect callbacks on both
// endpoints.
func (h *Hub[I]) Connect(a, b I) {
	h.mesh.Connect(a, b)
	if ep, ok := h.endpoint(a.AsBytes()); ok {
		ep.fireConnect(b)
	}
	if ep, ok := h.endpoint(b.AsBytes()); ok {
		ep.fireConnect(a)
	}
}

// Disconnect cuts the link and fires disconnect callbacks on both endpoints.
func (h *Hub[I]) Disconnect(a, b I) {
	h.mesh.Disconnect(a, b)
	if ep, ok := h.endpoint(a.AsBytes()); ok {
		ep.fireDisconnect(b)
	}
	if ep, ok := h.endpoint(b.AsBytes()); ok {
		ep.fireDisconnect(a)
	}
}

func (h *Hub[I]) endpoint(peer []byte) (*MemoryTransport[I], bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ep, ok := h.endpoints[string(peer)]
	return ep, ok
}

func (h *Hub[I]) detach(peer []byte) {
	h.mu.Lock()
	delete(h.endpoints, string(peer))
	h.mu.Unlock()
}

// MemoryTransport is the in-process Transport. Delivery is synchronous: Send
// runs the receiver's handler on the calling goroutine before returning.
type MemoryTransport[I identity.Peer] struct {
	hub  *Hub[I]
	self I

	mu           sync.RWMutex
	handler      Handler[I]
	onConnect    PeerCallback[I]
	onDisconnect PeerCallback[I]
	closed       bool
}

func (t *MemoryTransport[I]) LocalPeer() I { return t.self }

func (t *MemoryTransport[I]) SetHandler(h Handler[I]) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *MemoryTransport[I]) SetConnectCallback(cb PeerCallback[I]) {
	t.mu.Lock()
	t.onConnect = cb
	t.mu.Unlock()
}

func (t *MemoryTransport[I]) SetDisconnectCallback(cb PeerCallback[I]) {
	t.mu.Lock()
	t.onDisconnect = cb
	t.mu.Unlock()
}

func (t *MemoryTransport[I]) Send(ctx context.Context, to I, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return ErrConnectionClosed
	}

	if !t.hub.mesh.AreConnected(t.self, to) {
		return ErrPeerNotConnected
	}
	ep, ok := t.hub.endpoint(to.AsBytes())
	if !ok {
		return ErrPeerNotConnected
	}

	buf := make([]byte, len(frame))
	copy(buf, frame)
	ep.deliver(t.self, buf)
	return nil
}

func (t *MemoryTransport[I]) Broadcast(ctx context.Context, frame []byte) (int, error) {
	sent := 0
	for _, peer := range t.hub.mesh.Neighbors(t.self) {
		if err := t.Send(ctx, peer, frame); err != nil {
			debug.Log(debug.DEBUG_TRACE, "Broadcast send skipped peer", "peer", peer.ShortString(), "error", err)
			continue
		}
		sent++
	}
	return sent, nil
}

func (t *MemoryTransport[I]) Peers() []I {
	return t.hub.mesh.Neighbors(t.self)
}

func (t *MemoryTransport[I]) IsConnected(peer I) bool {
	return t.hub.mesh.AreConnected(t.self, peer)
}

// EnsureConnected verifies the link; the hub owns link lifecycle, so the
// endpoint cannot create one.
func (t *MemoryTransport[I]) EnsureConnected(ctx context.Context, peer I) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.hub.mesh.AreConnected(t.self, peer) {
		return ErrPeerNotConnected
	}
	return nil
}

func (t *MemoryTransport[I]) Disconnect(peer I) {
	t.hub.Disconnect(t.self, peer)
}

func (t *MemoryTransport[I]) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.hub.detach(t.self.AsBytes())
	return nil
}

func (t *MemoryTransport[I]) deliver(from I, frame []byte) {
	t.mu.RLock()
	h := t.handler
	closed := t.closed
	t.mu.RUnlock()

	if closed || h == nil {
		debug.Log(debug.DEBUG_TRACE, "Dropping frame without handler", "from", from.ShortString())
		return
	}
	h(from, frame)
}

func (t *MemoryTransport[I]) fireConnect(peer I) {
	t.mu.RLock()
	cb := t.onConnect
	t.mu.RUnlock()
	if cb != nil {
		cb(peer)
	}
}

func (t *MemoryTransport[I]) fireDisconnect(peer I) {
	t.mu.RLock()
	cb := t.onDisconnect
	t.mu.RUnlock()
	if cb != nil {
		cb(peer)
	}
}

var _ Transport[identity.Sim] = (*MemoryTransport[identity.Sim])(nil)
