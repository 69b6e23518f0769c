package storage

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/Sudo-Ivan/driftmesh-go/pkg/debug"
	"github.com/Sudo-Ivan/driftmesh-go/pkg/identity"
	"github.com/Sudo-Ivan/driftmesh-go/pkg/packet"
)

const pendingShardCount = 16

// idSet keeps packet IDs in ascending order over a plain slice. Sets are
// quota bounded and stay small, so binary search with in-place splicing is
// enough.
type idSet struct {
	ids []packet.ID
}

func (s *idSet) search(id packet.ID) (int, bool) {
	i := sort.Search(len(s.ids), func(j int) bool { return !s.ids[j].Less(id) })
	if i < len(s.ids) && s.ids[i] == id {
		return i, true
	}
	return i, false
}

func (s *idSet) insert(id packet.ID) bool {
	i, ok := s.search(id)
	if ok {
		return false
	}
	s.ids = append(s.ids, packet.ID{})
	copy(s.ids[i+1:], s.ids[i:])
	s.ids[i] = id
	return true
}

func (s *idSet) remove(id packet.ID) bool {
	i, ok := s.search(id)
	if !ok {
		return false
	}
	s.ids = append(s.ids[:i], s.ids[i+1:]...)
	return true
}

// removeUpTo drops every entry from upTo's source with a sequence at or
// below upTo's and returns how many went. A source's entries are contiguous
// in ID order, so the hit range is a single slice window.
func (s *idSet) removeUpTo(upTo packet.ID) int {
	lo := sort.Search(len(s.ids), func(j int) bool {
		return !s.ids[j].Less(packet.ID{SourceHash: upTo.SourceHash})
	})
	hi := sort.Search(len(s.ids), func(j int) bool {
		return s.ids[j].Compare(upTo) > 0
	})
	if hi <= lo {
		return 0
	}
	n := hi - lo
	s.ids = append(s.ids[:lo], s.ids[hi:]...)
	return n
}

func (s *idSet) snapshot() []packet.ID {
	out := make([]packet.ID, len(s.ids))
	copy(out, s.ids)
	return out
}

func (s *idSet) len() int { return len(s.ids) }

type pendingShard struct {
	mu   sync.RWMutex
	sets map[string]*idSet
}

// MemoryPendingStore is the in-memory PendingStore. Peer sets are sharded by
// peer key so unrelated peers do not contend; the cross-peer total rides an
// atomic counter. Quota pressure evicts the ordinally smallest entries, from
// the crowded peer's own set for the per-peer quota and across all peers for
// the total quota.
type MemoryPendingStore[I identity.Peer] struct {
	shards [pendingShardCount]pendingShard
	quota  *QuotaManager
	total  atomic.Int64
}

// NewMemoryPendingStore builds a store enforcing quota. A nil quota gets the
// defaults.
func NewMemoryPendingStore[I identity.Peer](quota *QuotaManager) *MemoryPendingStore[I] {
	if quota == nil {
		quota = DefaultQuota()
	}
	m := &MemoryPendingStore[I]{quota: quota}
	for i := range m.shards {
		m.shards[i].sets = make(map[string]*idSet)
	}
	return m
}

func (m *MemoryPendingStore[I]) shardFor(key string) *pendingShard {
	return &m.shards[identity.HashBytes([]byte(key))%pendingShardCount]
}

func (m *MemoryPendingStore[I]) MarkPending(peer I, id packet.ID) error {
	if m.quota.WouldExceedTotalQuota(int(m.total.Load())) {
		need := m.quota.EventsToEvictForTotal(int(m.total.Load()), 1)
		if m.evictAcrossPeers(need) == 0 {
			return ErrCapacityExceeded
		}
	}

	key := string(peer.AsBytes())
	shard := m.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	set, ok := shard.sets[key]
	if !ok {
		set = &idSet{}
		shard.sets[key] = set
	}
	if m.quota.WouldExceedPeerQuota(set.len()) {
		need := m.quota.EventsToEvictForPeer(set.len(), 1)
		for _, victim := range m.quota.SelectForEviction(set.ids, need) {
			if set.remove(victim) {
				m.total.Add(-1)
				debug.Log(debug.DEBUG_VERBOSE, "Evicted pending entry for peer quota",
					"peer", peer.ShortString(), "packet", victim.String())
			}
		}
	}
	if set.insert(id) {
		m.total.Add(1)
	}
	return nil
}

type evictionCandidate struct {
	key string
	id  packet.ID
}

// evictAcrossPeers removes up to n of the ordinally smallest entries in the
// whole store and returns how many actually went. Shard locks are taken one
// at a time, so a concurrent writer may race an eviction; the next insert
// under pressure simply evicts again.
func (m *MemoryPendingStore[I]) evictAcrossPeers(n int) int {
	if n <= 0 {
		return 0
	}
	var candidates []evictionCandidate
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.RLock()
		for key, set := range sh.sets {
			take := n
			if take > set.len() {
				take = set.len()
			}
			for _, id := range set.ids[:take] {
				candidates = append(candidates, evictionCandidate{key: key, id: id})
			}
		}
		sh.mu.RUnlock()
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].id.Less(candidates[j].id) })
	if n > len(candidates) {
		n = len(candidates)
	}

	evicted := 0
	for _, c := range candidates[:n] {
		sh := m.shardFor(c.key)
		sh.mu.Lock()
		if set, ok := sh.sets[c.key]; ok && set.remove(c.id) {
			m.total.Add(-1)
			evicted++
			if set.len() == 0 {
				delete(sh.sets, c.key)
			}
		}
		sh.mu.Unlock()
	}
	if evicted > 0 {
		debug.Log(debug.DEBUG_VERBOSE, "Evicted pending entries for total quota", "count", evicted)
	}
	return evicted
}

func (m *MemoryPendingStore[I]) PendingFor(peer I) ([]packet.ID, error) {
	key := string(peer.AsBytes())
	shard := m.shardFor(key)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	set, ok := shard.sets[key]
	if !ok {
		return nil, nil
	}
	return set.snapshot(), nil
}

func (m *MemoryPendingStore[I]) MarkDelivered(peer I, id packet.ID) error {
	key := string(peer.AsBytes())
	shard := m.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	set, ok := shard.sets[key]
	if !ok {
		return nil
	}
	if set.remove(id) {
		m.total.Add(-1)
	}
	if set.len() == 0 {
		delete(shard.sets, key)
	}
	return nil
}

func (m *MemoryPendingStore[I]) MarkDeliveredUpTo(peer I, upTo packet.ID) error {
	key := string(peer.AsBytes())
	shard := m.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	set, ok := shard.sets[key]
	if !ok {
		return nil
	}
	if n := set.removeUpTo(upTo); n > 0 {
		m.total.Add(int64(-n))
	}
	if set.len() == 0 {
		delete(shard.sets, key)
	}
	return nil
}

func (m *MemoryPendingStore[I]) ClearPending(peer I) error {
	key := string(peer.AsBytes())
	shard := m.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if set, ok := shard.sets[key]; ok {
		m.total.Add(int64(-set.len()))
		delete(shard.sets, key)
	}
	return nil
}

func (m *MemoryPendingStore[I]) TotalPending() int {
	return int(m.total.Load())
}

// MemoryPacketStore keeps packets in a map keyed by ID with a secondary
// index by destination. One lock covers both maps so the index never drifts
// from the contents.
type MemoryPacketStore[I identity.Peer] struct {
	mu      sync.RWMutex
	packets map[packet.ID]*packet.Packet[I]
	byDest  map[string]map[packet.ID]struct{}
}

func NewMemoryPacketStore[I identity.Peer]() *MemoryPacketStore[I] {
	return &MemoryPacketStore[I]{
		packets: make(map[packet.ID]*packet.Packet[I]),
		byDest:  make(map[string]map[packet.ID]struct{}),
	}
}

// Store keeps its own clone of p, so later caller mutations do not leak in.
func (m *MemoryPacketStore[I]) Store(p *packet.Packet[I]) error {
	clone := p.Clone()
	key := string(clone.Destination.AsBytes())

	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.packets[clone.ID]; ok {
		m.unindex(old)
	}
	m.packets[clone.ID] = clone
	ids, ok := m.byDest[key]
	if !ok {
		ids = make(map[packet.ID]struct{})
		m.byDest[key] = ids
	}
	ids[clone.ID] = struct{}{}
	return nil
}

func (m *MemoryPacketStore[I]) Get(id packet.ID) (*packet.Packet[I], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.packets[id]
	if !ok {
		return nil, ErrPacketNotFound
	}
	return p.Clone(), nil
}

func (m *MemoryPacketStore[I]) Delete(id packet.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.packets[id]
	if !ok {
		return nil
	}
	delete(m.packets, id)
	m.unindex(p)
	return nil
}

func (m *MemoryPacketStore[I]) ForDestination(dest I) ([]*packet.Packet[I], error) {
	key := string(dest.AsBytes())

	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]packet.ID, 0, len(m.byDest[key]))
	for id := range m.byDest[key] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })

	out := make([]*packet.Packet[I], 0, len(ids))
	for _, id := range ids {
		out = append(out, m.packets[id].Clone())
	}
	return out, nil
}

func (m *MemoryPacketStore[I]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.packets)
}

// unindex must run under the write lock.
func (m *MemoryPacketStore[I]) unindex(p *packet.Packet[I]) {
	key := string(p.Destination.AsBytes())
	if ids, ok := m.byDest[key]; ok {
		delete(ids, p.ID)
		if len(ids) == 0 {
			delete(m.byDest, key)
		}
	}
}
