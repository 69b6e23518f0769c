package routing

import (
	"bytes"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/mr-tron/base58"

	"github.com/Sudo-Ivan/driftmesh-go/pkg/debug"
	"github.com/Sudo-Ivan/driftmesh-go/pkg/identity"
)

const (
	// DefaultStaleTimeout is how long a cached route stays trustworthy
	// without a delivery confirmation.
	DefaultStaleTimeout = 300 * time.Second

	tableShardCount = 16
)

type tableEntry[I identity.Peer] struct {
	info       RouteInfo[I]
	insertedAt time.Time
}

type tableShard[I identity.Peer] struct {
	mu      sync.RWMutex
	entries map[string]tableEntry[I]
}

// Table caches one route per destination, keyed by the destination's byte
// form. Entries go stale staleTimeout after their last insert or confirm.
// The table is sharded so operations on different destinations never
// contend on a single lock.
type Table[I identity.Peer] struct {
	shards       [tableShardCount]tableShard[I]
	staleTimeout time.Duration
	clk          clock.Clock
	decode       identity.Decoder[I]
}

func NewTable[I identity.Peer](decode identity.Decoder[I]) *Table[I] {
	t := &Table[I]{
		staleTimeout: DefaultStaleTimeout,
		clk:          clock.New(),
		decode:       decode,
	}
	for i := range t.shards {
		t.shards[i].entries = make(map[string]tableEntry[I])
	}
	return t
}

// WithStaleTimeout overrides the staleness window. Applied at construction
// time, before the table is shared.
func (t *Table[I]) WithStaleTimeout(d time.Duration) *Table[I] {
	t.staleTimeout = d
	return t
}

// WithClock swaps the time source, used by tests.
func (t *Table[I]) WithClock(clk clock.Clock) *Table[I] {
	t.clk = clk
	return t
}

func (t *Table[I]) shardFor(key string) *tableShard[I] {
	return &t.shards[identity.HashBytes([]byte(key))%tableShardCount]
}

// Insert caches a route for dest, overwriting any previous entry and
// restarting its staleness window.
func (t *Table[I]) Insert(dest I, info RouteInfo[I]) {
	key := string(dest.AsBytes())
	shard := t.shardFor(key)

	shard.mu.Lock()
	shard.entries[key] = tableEntry[I]{info: info, insertedAt: t.clk.Now()}
	shard.mu.Unlock()
}

func (t *Table[I]) Get(dest I) (RouteInfo[I], bool) {
	key := string(dest.AsBytes())
	shard := t.shardFor(key)

	shard.mu.RLock()
	entry, ok := shard.entries[key]
	shard.mu.RUnlock()
	return entry.info, ok
}

func (t *Table[I]) Remove(dest I) bool {
	key := string(dest.AsBytes())
	shard := t.shardFor(key)

	shard.mu.Lock()
	_, ok := shard.entries[key]
	delete(shard.entries, key)
	shard.mu.Unlock()
	return ok
}

// IsStale reports whether dest has no usable cached route: either none
// exists or the entry outlived the staleness window.
func (t *Table[I]) IsStale(dest I) bool {
	key := string(dest.AsBytes())
	shard := t.shardFor(key)

	shard.mu.RLock()
	entry, ok := shard.entries[key]
	shard.mu.RUnlock()
	if !ok {
		return true
	}
	return t.clk.Now().Sub(entry.insertedAt) > t.staleTimeout
}

// Confirm marks dest's route as just verified: the staleness window restarts
// and the route records its confirmation time. Called when a delivery
// confirmation for dest passes back through this node.
func (t *Table[I]) Confirm(dest I) bool {
	key := string(dest.AsBytes())
	shard := t.shardFor(key)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry, ok := shard.entries[key]
	if !ok {
		return false
	}
	now := t.clk.Now()
	entry.insertedAt = now
	entry.info.Confirm(now)
	shard.entries[key] = entry
	return true
}

// PruneStale removes every entry past the staleness window and returns how
// many went. Runs shard by shard, safe alongside request handling.
func (t *Table[I]) PruneStale() int {
	now := t.clk.Now()
	pruned := 0
	for i := range t.shards {
		shard := &t.shards[i]
		shard.mu.Lock()
		for key, entry := range shard.entries {
			if now.Sub(entry.insertedAt) > t.staleTimeout {
				delete(shard.entries, key)
				pruned++
			}
		}
		shard.mu.Unlock()
	}
	return pruned
}

func (t *Table[I]) UpdateMetric(dest I, metric int) bool {
	key := string(dest.AsBytes())
	shard := t.shardFor(key)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry, ok := shard.entries[key]
	if !ok {
		return false
	}
	entry.info.Metric = metric
	shard.entries[key] = entry
	return true
}

// RoutesByMetric returns every cached route, best metric first. Ties break
// on destination bytes so the order is deterministic.
func (t *Table[I]) RoutesByMetric() []RouteInfo[I] {
	var routes []RouteInfo[I]
	for i := range t.shards {
		shard := &t.shards[i]
		shard.mu.RLock()
		for _, entry := range shard.entries {
			routes = append(routes, entry.info)
		}
		shard.mu.RUnlock()
	}

	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Metric != routes[j].Metric {
			return routes[i].Metric < routes[j].Metric
		}
		return bytes.Compare(routes[i].Destination.AsBytes(), routes[j].Destination.AsBytes()) < 0
	})
	return routes
}

// Destinations reconstructs every cached destination from its stored byte
// key. Keys the decoder rejects are skipped and logged, never fatal.
func (t *Table[I]) Destinations() []I {
	var dests []I
	for i := range t.shards {
		shard := &t.shards[i]
		shard.mu.RLock()
		for key := range shard.entries {
			dest, err := t.decode([]byte(key))
			if err != nil {
				debug.Log(debug.DEBUG_ERROR, "Skipping malformed routing table key",
					"key", base58.Encode([]byte(key)), "error", err)
				continue
			}
			dests = append(dests, dest)
		}
		shard.mu.RUnlock()
	}
	return dests
}

func (t *Table[I]) Len() int {
	total := 0
	for i := range t.shards {
		shard := &t.shards[i]
		shard.mu.RLock()
		total += len(shard.entries)
		shard.mu.RUnlock()
	}
	return total
}

func (t *Table[I]) IsEmpty() bool {
	return t.Len() == 0
}

func (t *Table[I]) Clear() {
	for i := range t.shards {
		shard := &t.shards[i]
		shard.mu.Lock()
		shard.entries = make(map[string]tableEntry[I])
		shard.mu.Unlock()
	}
}
