package routing

import (
	"bytes"
	"sort"
	"sync"

	"github.com/Sudo-Ivan/driftmesh-go/pkg/identity"
	"github.com/Sudo-Ivan/driftmesh-go/pkg/topology"
)

type mutualEntry[I identity.Peer] struct {
	a, b   I
	relays []I
}

// MutualTracker caches, per unordered peer pair, the peers adjacent to both
// sides. Those are the relays able to carry traffic between the pair while
// no direct link exists. Entries are filled on connect events and refreshed
// on demand; the pair key is order-independent.
type MutualTracker[I identity.Peer] struct {
	mu    sync.RWMutex
	pairs map[[2]string]mutualEntry[I]
}

func NewMutualTracker[I identity.Peer]() *MutualTracker[I] {
	return &MutualTracker[I]{pairs: make(map[[2]string]mutualEntry[I])}
}

func pairKey(a, b []byte) [2]string {
	if bytes.Compare(a, b) <= 0 {
		return [2]string{string(a), string(b)}
	}
	return [2]string{string(b), string(a)}
}

// OnPeerConnect caches the current mutual peers of a and b.
func (t *MutualTracker[I]) OnPeerConnect(a, b I, view topology.View[I]) {
	relays := topology.MutualPeers(view, a, b)

	t.mu.Lock()
	t.pairs[pairKey(a.AsBytes(), b.AsBytes())] = mutualEntry[I]{a: a, b: b, relays: relays}
	t.mu.Unlock()
}

// RelaysFor returns the cached mutual peers of a and b, in either order.
func (t *MutualTracker[I]) RelaysFor(a, b I) []I {
	t.mu.RLock()
	entry, ok := t.pairs[pairKey(a.AsBytes(), b.AsBytes())]
	t.mu.RUnlock()
	if !ok {
		return nil
	}
	relays := make([]I, len(entry.relays))
	copy(relays, entry.relays)
	return relays
}

// GroupRelays unions the cached relays over every pair of members,
// deduplicated and ordered by identity bytes.
func (t *MutualTracker[I]) GroupRelays(members []I) []I {
	seen := make(map[string]I)

	t.mu.RLock()
	for i := 0; i < len(members); i++ {
		for j := i + 1; j < len(members); j++ {
			entry, ok := t.pairs[pairKey(members[i].AsBytes(), members[j].AsBytes())]
			if !ok {
				continue
			}
			for _, relay := range entry.relays {
				seen[string(relay.AsBytes())] = relay
			}
		}
	}
	t.mu.RUnlock()

	relays := make([]I, 0, len(seen))
	for _, relay := range seen {
		relays = append(relays, relay)
	}
	sort.Slice(relays, func(i, j int) bool {
		return bytes.Compare(relays[i].AsBytes(), relays[j].AsBytes()) < 0
	})
	return relays
}

// Refresh recomputes every cached pair against the current topology.
func (t *MutualTracker[I]) Refresh(view topology.View[I]) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, entry := range t.pairs {
		entry.relays = topology.MutualPeers(view, entry.a, entry.b)
		t.pairs[key] = entry
	}
}

// Forget drops every cached pair involving peer, called when it disconnects.
func (t *MutualTracker[I]) Forget(peer I) {
	key := string(peer.AsBytes())

	t.mu.Lock()
	defer t.mu.Unlock()

	for pair := range t.pairs {
		if pair[0] == key || pair[1] == key {
			delete(t.pairs, pair)
		}
	}
}

func (t *MutualTracker[I]) Clear() {
	t.mu.Lock()
	t.pairs = make(map[[2]string]mutualEntry[I])
	t.mu.Unlock()
}

func (t *MutualTracker[I]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.pairs)
}

func (t *MutualTracker[I]) IsEmpty() bool {
	return t.Len() == 0
}
