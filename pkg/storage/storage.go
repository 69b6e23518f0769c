package storage

import (
	"errors"

	"github.com/Sudo-Ivan/driftmesh-go/pkg/identity"
	"github.com/Sudo-Ivan/driftmesh-go/pkg/packet"
)

var (
	ErrPacketNotFound   = errors.New("storage: packet not found")
	ErrCapacityExceeded = errors.New("storage: capacity exceeded")
	ErrSerialization    = errors.New("storage: serialization failed")
	ErrDeserialization  = errors.New("storage: deserialization failed")
)

// PendingStore tracks, per peer, the ordered set of packet IDs still owed a
// delivery. Implementations enforce quotas through a QuotaManager: ordinary
// quota pressure is absorbed by evicting the ordinally oldest entries, and
// ErrCapacityExceeded surfaces only when eviction itself cannot make room.
type PendingStore[I identity.Peer] interface {
	// MarkPending records id as awaiting delivery to peer. Recording an
	// already pending id is a no-op.
	MarkPending(peer I, id packet.ID) error
	// PendingFor returns peer's outstanding IDs in ascending
	// (source hash, sequence) order.
	PendingFor(peer I) ([]packet.ID, error)
	// MarkDelivered removes exactly id from peer's set.
	MarkDelivered(peer I, id packet.ID) error
	// MarkDeliveredUpTo removes every entry from upTo's source with a
	// sequence at or below upTo's. Entries from other sources stay.
	MarkDeliveredUpTo(peer I, upTo packet.ID) error
	// ClearPending empties peer's set, used when a peer is dropped.
	ClearPending(peer I) error
	// TotalPending counts outstanding entries across all peers.
	TotalPending() int
}

// PacketStore holds packets awaiting a delivery opportunity. Backing
// storage is swappable: in-memory, embedded database or file spool.
type PacketStore[I identity.Peer] interface {
	Store(p *packet.Packet[I]) error
	// Get returns the stored packet or ErrPacketNotFound.
	Get(id packet.ID) (*packet.Packet[I], error)
	// Delete removes id if present; deleting an absent id is a no-op.
	Delete(id packet.ID) error
	// ForDestination returns every stored packet addressed to dest, in
	// ascending ID order.
	ForDestination(dest I) ([]*packet.Packet[I], error)
	Len() int
}
