package packet

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Sudo-Ivan/driftmesh-go/pkg/identity"
)

const (
	// Packet defaults
	DefaultTTL      = 10
	DefaultPriority = PriorityNormal
)

// Priority orders packets at the transport boundary. Routing decisions never
// consult it.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", uint8(p))
	}
}

// ID identifies a packet by its source and a per-source sequence number.
// IDs order lexicographically, which is what makes cumulative "delivered up
// to sequence N" acknowledgments possible.
type ID struct {
	SourceHash uint64
	Sequence   uint64
}

func (id ID) Compare(other ID) int {
	switch {
	case id.SourceHash < other.SourceHash:
		return -1
	case id.SourceHash > other.SourceHash:
		return 1
	case id.Sequence < other.Sequence:
		return -1
	case id.Sequence > other.Sequence:
		return 1
	default:
		return 0
	}
}

func (id ID) Less(other ID) bool {
	return id.Compare(other) < 0
}

func (id ID) String() string {
	return fmt.Sprintf("%016x:%d", id.SourceHash, id.Sequence)
}

// Payload is an opaque byte buffer. Encrypted marks the bytes as ciphertext
// for the layers above; routing treats both forms identically.
type Payload struct {
	Data      []byte
	Encrypted bool
}

func NewPayload(data []byte) Payload {
	return Payload{Data: data}
}

func NewEncryptedPayload(data []byte) Payload {
	return Payload{Data: data, Encrypted: true}
}

func (p Payload) Size() int {
	return len(p.Data)
}

// Packet is a store-and-forward deliverable, generic over the peer identity
// type. It is created once by the sender and mutated in place at each hop:
// the TTL counts down and the visited set grows. The visited set holds
// 64-bit identity hashes, never full identities, so a hash collision can
// read as a spurious loop. That trade-off is part of the wire format.
type Packet[I identity.Peer] struct {
	ID           ID
	Source       I
	Destination  I
	Payload      Payload
	RoutingHints []I
	CreatedAt    time.Time
	TTL          uint8
	Visited      map[uint64]struct{}
	Priority     Priority
	Correlation  uuid.UUID
}

// New builds a packet with default TTL and priority. The visited set starts
// with the source's own hash, so a packet can never be relayed back through
// its origin.
func New[I identity.Peer](id ID, source, destination I, payload Payload, hints []I) *Packet[I] {
	p := &Packet[I]{
		ID:           id,
		Source:       source,
		Destination:  destination,
		Payload:      payload,
		RoutingHints: hints,
		CreatedAt:    time.Now(),
		TTL:          DefaultTTL,
		Visited:      make(map[uint64]struct{}),
		Priority:     DefaultPriority,
		Correlation:  uuid.New(),
	}
	p.Visited[identity.Hash64(source)] = struct{}{}
	return p
}

// WithTTL overrides the default TTL. Applied before first send.
func (p *Packet[I]) WithTTL(ttl uint8) *Packet[I] {
	p.TTL = ttl
	return p
}

// WithPriority overrides the default priority. Applied before first send.
func (p *Packet[I]) WithPriority(priority Priority) *Packet[I] {
	p.Priority = priority
	return p
}

// MarkVisited records that peer has handled this packet. Idempotent; the
// visited set only ever grows.
func (p *Packet[I]) MarkVisited(peer I) {
	p.Visited[identity.Hash64(peer)] = struct{}{}
}

func (p *Packet[I]) WasVisited(peer I) bool {
	_, ok := p.Visited[identity.Hash64(peer)]
	return ok
}

func (p *Packet[I]) WasVisitedHash(hash uint64) bool {
	_, ok := p.Visited[hash]
	return ok
}

// DecrementTTL burns one hop. Returns false when the TTL is already zero,
// in which case the caller must drop the packet; the TTL never wraps.
func (p *Packet[I]) DecrementTTL() bool {
	if p.TTL == 0 {
		return false
	}
	p.TTL--
	return true
}

func (p *Packet[I]) HopCount() int {
	return len(p.Visited)
}

func (p *Packet[I]) Age(now time.Time) time.Duration {
	return now.Sub(p.CreatedAt)
}

// VisitedHashes returns the visited set in ascending order.
func (p *Packet[I]) VisitedHashes() []uint64 {
	hashes := make([]uint64, 0, len(p.Visited))
	for h := range p.Visited {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool { return hashes[i] < hashes[j] })
	return hashes
}

// Clone deep-copies the packet so stored copies do not alias the original's
// visited set or payload.
func (p *Packet[I]) Clone() *Packet[I] {
	visited := make(map[uint64]struct{}, len(p.Visited))
	for h := range p.Visited {
		visited[h] = struct{}{}
	}
	data := make([]byte, len(p.Payload.Data))
	copy(data, p.Payload.Data)
	hints := make([]I, len(p.RoutingHints))
	copy(hints, p.RoutingHints)

	clone := *p
	clone.Visited = visited
	clone.Payload = Payload{Data: data, Encrypted: p.Payload.Encrypted}
	clone.RoutingHints = hints
	return &clone
}
