package topology

import (
	"bytes"
	"sort"
	"sync"

	"github.com/Sudo-Ivan/driftmesh-go/pkg/identity"
)

// View is the read-only network-topology capability the routing core
// queries. Implementations come from the orchestration layer; routing never
// mutates topology.
type View[I identity.Peer] interface {
	Peers() []I
	Neighbors(peer I) []I
	AreConnected(a, b I) bool
	IsOnline(peer I) bool
	Knows(peer I) bool
}

// MutualPeers returns the peers adjacent to both a and b, the candidates
// able to relay between them.
func MutualPeers[I identity.Peer](v View[I], a, b I) []I {
	second := make(map[string]struct{})
	for _, p := range v.Neighbors(b) {
		second[string(p.AsBytes())] = struct{}{}
	}

	var mutual []I
	for _, p := range v.Neighbors(a) {
		if _, ok := second[string(p.AsBytes())]; ok {
			mutual = append(mutual, p)
		}
	}
	return mutual
}

// Mesh is an in-memory topology with undirected links and per-peer online
// state, used by the simulator and tests. Safe for concurrent use.
type Mesh[I identity.Peer] struct {
	mu      sync.RWMutex
	peers   map[string]I
	links   map[string]map[string]struct{}
	offline map[string]struct{}
}

func NewMesh[I identity.Peer]() *Mesh[I] {
	return &Mesh[I]{
		peers:   make(map[string]I),
		links:   make(map[string]map[string]struct{}),
		offline: make(map[string]struct{}),
	}
}

// AddPeer registers a peer. New peers start online.
func (m *Mesh[I]) AddPeer(peer I) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addLocked(peer)
}

func (m *Mesh[I]) addLocked(peer I) string {
	key := string(peer.AsBytes())
	if _, ok := m.peers[key]; !ok {
		m.peers[key] = peer
		m.links[key] = make(map[string]struct{})
	}
	return key
}

// RemovePeer drops the peer and every link touching it.
func (m *Mesh[I]) RemovePeer(peer I) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := string(peer.AsBytes())
	delete(m.peers, key)
	delete(m.offline, key)
	for other := range m.links[key] {
		delete(m.links[other], key)
	}
	delete(m.links, key)
}

// Connect links a and b bidirectionally, registering either side if needed.
func (m *Mesh[I]) Connect(a, b I) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ka := m.addLocked(a)
	kb := m.addLocked(b)
	if ka == kb {
		return
	}
	m.links[ka][kb] = struct{}{}
	m.links[kb][ka] = struct{}{}
}

func (m *Mesh[I]) Disconnect(a, b I) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ka := string(a.AsBytes())
	kb := string(b.AsBytes())
	if peers, ok := m.links[ka]; ok {
		delete(peers, kb)
	}
	if peers, ok := m.links[kb]; ok {
		delete(peers, ka)
	}
}

func (m *Mesh[I]) SetOnline(peer I, online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := m.addLocked(peer)
	if online {
		delete(m.offline, key)
	} else {
		m.offline[key] = struct{}{}
	}
}

func (m *Mesh[I]) Peers() []I {
	m.mu.RLock()
	defer m.mu.RUnlock()

	peers := make([]I, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	sortByBytes(peers)
	return peers
}

func (m *Mesh[I]) Neighbors(peer I) []I {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var neighbors []I
	for key := range m.links[string(peer.AsBytes())] {
		if p, ok := m.peers[key]; ok {
			neighbors = append(neighbors, p)
		}
	}
	sortByBytes(neighbors)
	return neighbors
}

func (m *Mesh[I]) AreConnected(a, b I) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.links[string(a.AsBytes())][string(b.AsBytes())]
	return ok
}

func (m *Mesh[I]) IsOnline(peer I) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key := string(peer.AsBytes())
	if _, known := m.peers[key]; !known {
		return false
	}
	_, off := m.offline[key]
	return !off
}

func (m *Mesh[I]) Knows(peer I) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.peers[string(peer.AsBytes())]
	return ok
}

func sortByBytes[I identity.Peer](peers []I) {
	sort.Slice(peers, func(i, j int) bool {
		return bytes.Compare(peers[i].AsBytes(), peers[j].AsBytes()) < 0
	})
}
