package transport

import (
	"bytes"
	"sort"

	"github.com/Sudo-Ivan/driftmesh-go/pkg/identity"
)

// LinkView is the node-local topology a live transport can actually see: the
// node itself, the peers with open connections, and the peers in the address
// book. It satisfies the topology view the routing packages consume, so a
// daemon wires it where a simulation wires a mesh.
//
// Links between two remote peers are invisible from here, so AreConnected
// only answers for pairs that include the local node.
type LinkView[I identity.Peer] struct {
	t *TCPTransport[I]
}

// View returns a topology view backed by the transport's connection state.
func (t *TCPTransport[I]) View() *LinkView[I] {
	return &LinkView[I]{t: t}
}

func (v *LinkView[I]) Peers() []I {
	v.t.mu.RLock()
	defer v.t.mu.RUnlock()

	selfKey := string(v.t.self.AsBytes())
	seen := map[string]bool{selfKey: true}
	peers := []I{v.t.self}
	for key, c := range v.t.conns {
		if seen[key] {
			continue
		}
		seen[key] = true
		peers = append(peers, c.peer)
	}
	for key := range v.t.addrs {
		if seen[key] {
			continue
		}
		peer, err := v.t.decode([]byte(key))
		if err != nil {
			continue
		}
		seen[key] = true
		peers = append(peers, peer)
	}

	sort.Slice(peers, func(i, j int) bool {
		return bytes.Compare(peers[i].AsBytes(), peers[j].AsBytes()) < 0
	})
	return peers
}

// Neighbors reports the peers with open connections. Remote links are
// invisible, so only the local node has neighbors here.
func (v *LinkView[I]) Neighbors(peer I) []I {
	if peer != v.t.self {
		return nil
	}
	v.t.mu.RLock()
	defer v.t.mu.RUnlock()

	peers := make([]I, 0, len(v.t.conns))
	for _, c := range v.t.conns {
		peers = append(peers, c.peer)
	}
	sort.Slice(peers, func(i, j int) bool {
		return bytes.Compare(peers[i].AsBytes(), peers[j].AsBytes()) < 0
	})
	return peers
}

func (v *LinkView[I]) AreConnected(a, b I) bool {
	if a == v.t.self {
		return v.t.IsConnected(b)
	}
	if b == v.t.self {
		return v.t.IsConnected(a)
	}
	return false
}

func (v *LinkView[I]) IsOnline(peer I) bool {
	return peer == v.t.self || v.t.IsConnected(peer)
}

// Knows includes address-book peers, so packets for a known but currently
// unreachable peer are held rather than dropped.
func (v *LinkView[I]) Knows(peer I) bool {
	if peer == v.t.self || v.t.IsConnected(peer) {
		return true
	}
	v.t.mu.RLock()
	defer v.t.mu.RUnlock()
	_, ok := v.t.addrs[string(peer.AsBytes())]
	return ok
}
