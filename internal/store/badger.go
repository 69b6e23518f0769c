package store

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/Sudo-Ivan/driftmesh-go/pkg/debug"
	"github.com/Sudo-Ivan/driftmesh-go/pkg/identity"
	"github.com/Sudo-Ivan/driftmesh-go/pkg/packet"
	"github.com/Sudo-Ivan/driftmesh-go/pkg/storage"
)

// Key layout. Packet IDs render as 32 hex digits, so lexicographic key order
// matches ID order and prefix scans come back already sorted.
//
//	pkt/<id>              -> wire frame
//	dst/<dest hex>/<id>   -> empty, destination index
//	pnd/<peer hex>/<id>   -> empty, pending set
const (
	packetPrefix  = "pkt/"
	destPrefix    = "dst/"
	pendingPrefix = "pnd/"
)

const (
	gcInterval     = 5 * time.Minute
	gcDiscardRatio = 0.5
)

// BadgerStore persists packets and pending sets in a single badger database,
// implementing both store contracts. Pending counters are kept in memory and
// rebuilt from a key scan at open; one mutex serializes quota decisions while
// badger handles its own transaction concurrency.
type BadgerStore[I identity.Peer] struct {
	db     *badger.DB
	decode identity.Decoder[I]
	quota  *storage.QuotaManager

	mu     sync.Mutex
	counts map[string]int
	total  int

	gcStop chan struct{}
	gcDone chan struct{}
}

// OpenBadger opens or creates the database at path. A nil quota gets the
// defaults.
func OpenBadger[I identity.Peer](path string, decode identity.Decoder[I], quota *storage.QuotaManager) (*BadgerStore[I], error) {
	if quota == nil {
		quota = storage.DefaultQuota()
	}

	opts := badger.DefaultOptions(path).
		WithLogger(badgerLogger{}).
		WithCompression(options.ZSTD).
		WithZSTDCompressionLevel(3)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("store: opening badger at %s: %w", path, err)
	}

	s := &BadgerStore[I]{
		db:     db,
		decode: decode,
		quota:  quota,
		counts: make(map[string]int),
		gcStop: make(chan struct{}),
		gcDone: make(chan struct{}),
	}
	if err := s.loadCounts(); err != nil {
		_ = db.Close()
		return nil, err
	}
	go s.gcLoop()

	debug.Log(debug.DEBUG_INFO, "Opened badger store", "path", path, "pending", s.total)
	return s, nil
}

func (s *BadgerStore[I]) Close() error {
	close(s.gcStop)
	<-s.gcDone
	return s.db.Close()
}

// gcLoop reclaims value log space in the background until Close.
func (s *BadgerStore[I]) gcLoop() {
	defer close(s.gcDone)
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			for s.db.RunValueLogGC(gcDiscardRatio) == nil {
			}
		}
	}
}

func (s *BadgerStore[I]) loadCounts() error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(pendingPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			peer, _, err := splitPendingKey(it.Item().Key())
			if err != nil {
				debug.Log(debug.DEBUG_ERROR, "Skipping malformed pending key", "key", string(it.Item().Key()), "error", err)
				continue
			}
			s.counts[peer]++
			s.total++
		}
		return nil
	})
}

func (s *BadgerStore[I]) MarkPending(peer I, id packet.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.quota.WouldExceedTotalQuota(s.total) {
		need := s.quota.EventsToEvictForTotal(s.total, 1)
		evicted, err := s.evictSmallestLocked(need)
		if err != nil {
			return err
		}
		if evicted == 0 {
			return storage.ErrCapacityExceeded
		}
	}

	peerHex := hex.EncodeToString(peer.AsBytes())
	if s.quota.WouldExceedPeerQuota(s.counts[peerHex]) {
		need := s.quota.EventsToEvictForPeer(s.counts[peerHex], 1)
		if err := s.evictForPeerLocked(peerHex, need); err != nil {
			return err
		}
	}

	key := pendingKey(peerHex, id)
	added := false
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		added = true
		return txn.Set(key, nil)
	})
	if err != nil {
		return fmt.Errorf("store: marking pending: %w", err)
	}
	if added {
		s.counts[peerHex]++
		s.total++
	}
	return nil
}

// evictForPeerLocked removes the n ordinally smallest pending entries of one
// peer. Keys under a peer prefix are already in ID order.
func (s *BadgerStore[I]) evictForPeerLocked(peerHex string, n int) error {
	if n <= 0 {
		return nil
	}
	var victims [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = pendingPeerPrefix(peerHex)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid() && len(victims) < n; it.Next() {
			victims = append(victims, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: selecting eviction victims: %w", err)
	}
	return s.deletePendingLocked(victims)
}

// evictSmallestLocked removes up to n entries with the smallest packet IDs
// across every peer and reports how many went. Global key order is by peer
// first, so each round scans for the minimum ID.
func (s *BadgerStore[I]) evictSmallestLocked(n int) (int, error) {
	evicted := 0
	for i := 0; i < n; i++ {
		var victim []byte
		var best packet.ID
		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = []byte(pendingPrefix)
			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Rewind(); it.Valid(); it.Next() {
				_, id, err := splitPendingKey(it.Item().Key())
				if err != nil {
					continue
				}
				if victim == nil || id.Less(best) {
					victim = it.Item().KeyCopy(nil)
					best = id
				}
			}
			return nil
		})
		if err != nil {
			return evicted, fmt.Errorf("store: scanning for eviction: %w", err)
		}
		if victim == nil {
			break
		}
		if err := s.deletePendingLocked([][]byte{victim}); err != nil {
			return evicted, err
		}
		evicted++
	}
	if evicted > 0 {
		debug.Log(debug.DEBUG_VERBOSE, "Evicted pending entries for total quota", "count", evicted)
	}
	return evicted, nil
}

// deletePendingLocked removes pending keys and keeps the counters in step.
func (s *BadgerStore[I]) deletePendingLocked(keys [][]byte) error {
	if len(keys) == 0 {
		return nil
	}
	batch := s.db.NewWriteBatch()
	defer batch.Cancel()
	for _, key := range keys {
		if err := batch.Delete(key); err != nil {
			return fmt.Errorf("store: deleting pending key: %w", err)
		}
	}
	if err := batch.Flush(); err != nil {
		return fmt.Errorf("store: flushing pending deletes: %w", err)
	}
	for _, key := range keys {
		peer, _, err := splitPendingKey(key)
		if err != nil {
			continue
		}
		if s.counts[peer] > 0 {
			s.counts[peer]--
			if s.counts[peer] == 0 {
				delete(s.counts, peer)
			}
		}
		if s.total > 0 {
			s.total--
		}
	}
	return nil
}

func (s *BadgerStore[I]) PendingFor(peer I) ([]packet.ID, error) {
	peerHex := hex.EncodeToString(peer.AsBytes())
	var ids []packet.ID
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = pendingPeerPrefix(peerHex)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			_, id, err := splitPendingKey(it.Item().Key())
			if err != nil {
				debug.Log(debug.DEBUG_ERROR, "Skipping malformed pending key", "key", string(it.Item().Key()), "error", err)
				continue
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: listing pending: %w", err)
	}
	return ids, nil
}

func (s *BadgerStore[I]) MarkDelivered(peer I, id packet.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	peerHex := hex.EncodeToString(peer.AsBytes())
	key := pendingKey(peerHex, id)

	removed := false
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		removed = true
		return txn.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("store: marking delivered: %w", err)
	}
	if removed {
		s.decrementLocked(peerHex, 1)
	}
	return nil
}

func (s *BadgerStore[I]) MarkDeliveredUpTo(peer I, upTo packet.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	peerHex := hex.EncodeToString(peer.AsBytes())
	var hit [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = pendingPeerPrefix(peerHex)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			_, id, err := splitPendingKey(it.Item().Key())
			if err != nil {
				continue
			}
			if id.SourceHash == upTo.SourceHash && id.Sequence <= upTo.Sequence {
				hit = append(hit, it.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: scanning cumulative ack: %w", err)
	}
	return s.deletePendingLocked(hit)
}

func (s *BadgerStore[I]) ClearPending(peer I) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	peerHex := hex.EncodeToString(peer.AsBytes())
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = pendingPeerPrefix(peerHex)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: scanning pending for clear: %w", err)
	}
	return s.deletePendingLocked(keys)
}

func (s *BadgerStore[I]) TotalPending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *BadgerStore[I]) decrementLocked(peerHex string, n int) {
	s.counts[peerHex] -= n
	if s.counts[peerHex] <= 0 {
		delete(s.counts, peerHex)
	}
	s.total -= n
	if s.total < 0 {
		s.total = 0
	}
}

func (s *BadgerStore[I]) Store(p *packet.Packet[I]) error {
	frame, err := packet.MarshalPacket(p)
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrSerialization, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(packetKey(p.ID), frame); err != nil {
			return err
		}
		return txn.Set(destIndexKey(p.Destination.AsBytes(), p.ID), nil)
	})
	if err != nil {
		return fmt.Errorf("store: writing packet: %w", err)
	}
	return nil
}

func (s *BadgerStore[I]) Get(id packet.ID) (*packet.Packet[I], error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(packetKey(id))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, storage.ErrPacketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: reading packet: %w", err)
	}
	return s.decodeFrame(data)
}

func (s *BadgerStore[I]) decodeFrame(data []byte) (*packet.Packet[I], error) {
	frame, err := packet.UnmarshalFrame(data, s.decode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrDeserialization, err)
	}
	if frame.Kind != packet.KindPacket || frame.Packet == nil {
		return nil, fmt.Errorf("%w: stored frame is not a packet", storage.ErrDeserialization)
	}
	return frame.Packet, nil
}

func (s *BadgerStore[I]) Delete(id packet.ID) error {
	p, err := s.Get(id)
	if errors.Is(err, storage.ErrPacketNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(packetKey(id)); err != nil {
			return err
		}
		return txn.Delete(destIndexKey(p.Destination.AsBytes(), id))
	})
	if err != nil {
		return fmt.Errorf("store: deleting packet: %w", err)
	}
	return nil
}

func (s *BadgerStore[I]) ForDestination(dest I) ([]*packet.Packet[I], error) {
	destHex := hex.EncodeToString(dest.AsBytes())
	var out []*packet.Packet[I]
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(destPrefix + destHex + "/")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			id, err := parseIDHex(key[strings.LastIndexByte(key, '/')+1:])
			if err != nil {
				debug.Log(debug.DEBUG_ERROR, "Skipping malformed destination index key", "key", key, "error", err)
				continue
			}
			item, err := txn.Get(packetKey(id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			data, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			p, err := s.decodeFrame(data)
			if err != nil {
				debug.Log(debug.DEBUG_ERROR, "Skipping undecodable stored packet", "packet", id.String(), "error", err)
				continue
			}
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: listing packets for destination: %w", err)
	}
	return out, nil
}

func (s *BadgerStore[I]) Len() int {
	count := 0
	_ = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(packetPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count
}

func idHex(id packet.ID) string {
	return fmt.Sprintf("%016x%016x", id.SourceHash, id.Sequence)
}

func parseIDHex(s string) (packet.ID, error) {
	if len(s) != 32 {
		return packet.ID{}, fmt.Errorf("store: id key has %d hex digits, want 32", len(s))
	}
	src, err := strconv.ParseUint(s[:16], 16, 64)
	if err != nil {
		return packet.ID{}, fmt.Errorf("store: parsing source hash: %w", err)
	}
	seq, err := strconv.ParseUint(s[16:], 16, 64)
	if err != nil {
		return packet.ID{}, fmt.Errorf("store: parsing sequence: %w", err)
	}
	return packet.ID{SourceHash: src, Sequence: seq}, nil
}

func packetKey(id packet.ID) []byte {
	return []byte(packetPrefix + idHex(id))
}

func destIndexKey(dest []byte, id packet.ID) []byte {
	return []byte(destPrefix + hex.EncodeToString(dest) + "/" + idHex(id))
}

func pendingKey(peerHex string, id packet.ID) []byte {
	return []byte(pendingPrefix + peerHex + "/" + idHex(id))
}

func pendingPeerPrefix(peerHex string) []byte {
	return []byte(pendingPrefix + peerHex + "/")
}

func splitPendingKey(key []byte) (peerHex string, id packet.ID, err error) {
	rest := strings.TrimPrefix(string(key), pendingPrefix)
	slash := strings.LastIndexByte(rest, '/')
	if slash < 0 {
		return "", packet.ID{}, fmt.Errorf("store: pending key missing separator")
	}
	id, err = parseIDHex(rest[slash+1:])
	if err != nil {
		return "", packet.ID{}, err
	}
	return rest[:slash], id, nil
}

// badgerLogger routes badger's own logging through the debug facility.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{}) {
	debug.Log(debug.DEBUG_ERROR, strings.TrimSpace(fmt.Sprintf("badger: "+format, args...)))
}

func (badgerLogger) Warningf(format string, args ...interface{}) {
	debug.Log(debug.DEBUG_ERROR, strings.TrimSpace(fmt.Sprintf("badger: "+format, args...)))
}

func (badgerLogger) Infof(format string, args ...interface{}) {
	debug.Log(debug.DEBUG_VERBOSE, strings.TrimSpace(fmt.Sprintf("badger: "+format, args...)))
}

func (badgerLogger) Debugf(format string, args ...interface{}) {
	debug.Log(debug.DEBUG_TRACE, strings.TrimSpace(fmt.Sprintf("badger: "+format, args...)))
}

var (
	_ storage.PendingStore[identity.Key] = (*BadgerStore[identity.Key])(nil)
	_ storage.PacketStore[identity.Key]  = (*BadgerStore[identity.Key])(nil)
)
