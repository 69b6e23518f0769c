package storage

import (
	"sort"

	"github.com/Sudo-Ivan/driftmesh-go/pkg/packet"
)

const (
	DefaultMaxPendingPerPeer = 1000
	DefaultMaxTotalPending   = 100000
)

// EvictionPolicy names the order in which pending entries are reclaimed
// under quota pressure. Packet IDs order by (source hash, sequence), so the
// ordinally smallest entries are the oldest a source has produced and both
// policies currently select the same victims.
type EvictionPolicy uint8

const (
	EvictFifo EvictionPolicy = iota
	EvictOldestFirst
)

func (p EvictionPolicy) String() string {
	switch p {
	case EvictFifo:
		return "fifo"
	case EvictOldestFirst:
		return "oldest_first"
	default:
		return "unknown"
	}
}

// QuotaManager bounds how many pending entries a single peer, and the store
// as a whole, may accumulate. It only does the arithmetic; the pending store
// applies the evictions it prescribes.
type QuotaManager struct {
	maxPerPeer int
	maxTotal   int
	policy     EvictionPolicy
}

func NewQuotaManager(maxPerPeer, maxTotal int) *QuotaManager {
	return &QuotaManager{
		maxPerPeer: maxPerPeer,
		maxTotal:   maxTotal,
		policy:     EvictFifo,
	}
}

func DefaultQuota() *QuotaManager {
	return NewQuotaManager(DefaultMaxPendingPerPeer, DefaultMaxTotalPending)
}

func (q *QuotaManager) WithEvictionPolicy(p EvictionPolicy) *QuotaManager {
	q.policy = p
	return q
}

func (q *QuotaManager) MaxPendingPerPeer() int { return q.maxPerPeer }

func (q *QuotaManager) MaxTotalPending() int { return q.maxTotal }

func (q *QuotaManager) Policy() EvictionPolicy { return q.policy }

// WouldExceedPeerQuota reports whether a peer already holding current
// entries has no room for one more.
func (q *QuotaManager) WouldExceedPeerQuota(current int) bool {
	return current >= q.maxPerPeer
}

func (q *QuotaManager) WouldExceedTotalQuota(current int) bool {
	return current >= q.maxTotal
}

// EventsToEvictForPeer returns how many entries must go before toAdd new
// ones fit under the per-peer quota. Zero when they already fit.
func (q *QuotaManager) EventsToEvictForPeer(current, toAdd int) int {
	return saturatingExcess(current, toAdd, q.maxPerPeer)
}

func (q *QuotaManager) EventsToEvictForTotal(current, toAdd int) int {
	return saturatingExcess(current, toAdd, q.maxTotal)
}

func saturatingExcess(current, toAdd, limit int) int {
	n := current + toAdd - limit
	if n < 0 {
		return 0
	}
	return n
}

// SelectForEviction picks up to count victims from ids. Input order does not
// matter; the result is the ordinally smallest IDs, ascending. An empty or
// short input yields what is available.
func (q *QuotaManager) SelectForEviction(ids []packet.ID, count int) []packet.ID {
	if count <= 0 || len(ids) == 0 {
		return nil
	}
	sorted := make([]packet.ID, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })

	if count > len(sorted) {
		count = len(sorted)
	}
	switch q.policy {
	case EvictFifo, EvictOldestFirst:
		return sorted[:count]
	default:
		return sorted[:count]
	}
}
