package packet

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/Sudo-Ivan/driftmesh-go/pkg/identity"
)

func randomBytes(n int) []byte {
	b := make([]byte, n)
	_, err := rand.Read(b)
	if err != nil {
		panic("Failed to generate random bytes: " + err.Error())
	}
	return b
}

func simPacket(source, destination identity.Sim, hints ...identity.Sim) *Packet[identity.Sim] {
	id := ID{SourceHash: identity.Hash64(source), Sequence: 1}
	return New(id, source, destination, NewPayload(randomBytes(32)), hints)
}

func TestNewDefaults(t *testing.T) {
	p := simPacket('A', 'B')

	if p.TTL != DefaultTTL {
		t.Errorf("TTL = %d, want %d", p.TTL, DefaultTTL)
	}
	if p.Priority != PriorityNormal {
		t.Errorf("Priority = %v, want %v", p.Priority, PriorityNormal)
	}
	if !p.WasVisited(identity.Sim('A')) {
		t.Error("WasVisited(source) = false immediately after construction")
	}
	if p.HopCount() != 1 {
		t.Errorf("HopCount() = %d, want 1", p.HopCount())
	}
	if p.Correlation.String() == "00000000-0000-0000-0000-000000000000" {
		t.Error("Correlation is the zero UUID")
	}
}

func TestDecrementTTL(t *testing.T) {
	testCases := []struct {
		name string
		ttl  uint8
	}{
		{name: "Zero", ttl: 0},
		{name: "One", ttl: 1},
		{name: "Two", ttl: 2},
		{name: "Default", ttl: DefaultTTL},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := simPacket('A', 'B').WithTTL(tc.ttl)

			for i := uint8(0); i < tc.ttl; i++ {
				if !p.DecrementTTL() {
					t.Fatalf("DecrementTTL() = false on decrement %d of %d", i+1, tc.ttl)
				}
			}

			for i := 0; i < 3; i++ {
				if p.DecrementTTL() {
					t.Fatal("DecrementTTL() = true after TTL exhausted")
				}
				if p.TTL != 0 {
					t.Fatalf("TTL = %d after exhaustion, want 0", p.TTL)
				}
			}
		})
	}
}

func TestMarkVisited(t *testing.T) {
	p := simPacket('A', 'D')

	p.MarkVisited('B')
	if !p.WasVisited(identity.Sim('B')) {
		t.Error("WasVisited(B) = false after MarkVisited(B)")
	}
	if p.HopCount() != 2 {
		t.Errorf("HopCount() = %d, want 2", p.HopCount())
	}

	// Marking the same peer again must not grow the set.
	p.MarkVisited('B')
	if p.HopCount() != 2 {
		t.Errorf("HopCount() = %d after duplicate mark, want 2", p.HopCount())
	}

	p.MarkVisited('C')
	if p.HopCount() != 3 {
		t.Errorf("HopCount() = %d, want 3", p.HopCount())
	}
	if len(p.Visited) != p.HopCount() {
		t.Errorf("HopCount() = %d disagrees with visited size %d", p.HopCount(), len(p.Visited))
	}
	if p.WasVisited(identity.Sim('Z')) {
		t.Error("WasVisited(Z) = true for a peer never marked")
	}
}

func TestFluentSetters(t *testing.T) {
	p := simPacket('A', 'B').WithTTL(3).WithPriority(PriorityCritical)

	if p.TTL != 3 {
		t.Errorf("TTL = %d, want 3", p.TTL)
	}
	if p.Priority != PriorityCritical {
		t.Errorf("Priority = %v, want %v", p.Priority, PriorityCritical)
	}
}

func TestIDOrdering(t *testing.T) {
	testCases := []struct {
		name string
		a, b ID
		want int
	}{
		{name: "Equal", a: ID{1, 5}, b: ID{1, 5}, want: 0},
		{name: "SequenceOrders", a: ID{1, 4}, b: ID{1, 5}, want: -1},
		{name: "SourceHashFirst", a: ID{1, 99}, b: ID{2, 0}, want: -1},
		{name: "Greater", a: ID{3, 0}, b: ID{2, 100}, want: 1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.a.Compare(tc.b); got != tc.want {
				t.Errorf("Compare() = %d, want %d", got, tc.want)
			}
			if got := tc.a.Less(tc.b); got != (tc.want < 0) {
				t.Errorf("Less() = %v, want %v", got, tc.want < 0)
			}
		})
	}
}

func TestPriorityOrdering(t *testing.T) {
	if !(PriorityLow < PriorityNormal && PriorityNormal < PriorityHigh && PriorityHigh < PriorityCritical) {
		t.Error("priority levels are not strictly ordered")
	}
}

func TestAge(t *testing.T) {
	p := simPacket('A', 'B')
	p.CreatedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	now := p.CreatedAt.Add(90 * time.Second)
	if got := p.Age(now); got != 90*time.Second {
		t.Errorf("Age() = %v, want %v", got, 90*time.Second)
	}
}

func TestClone(t *testing.T) {
	p := simPacket('A', 'D', 'B', 'C')
	clone := p.Clone()

	clone.MarkVisited('B')
	clone.Payload.Data[0] ^= 0xFF
	clone.RoutingHints[0] = 'Z'

	if p.WasVisited(identity.Sim('B')) {
		t.Error("mutating the clone's visited set changed the original")
	}
	if p.Payload.Data[0] == clone.Payload.Data[0] {
		t.Error("clone payload aliases the original")
	}
	if p.RoutingHints[0] != 'B' {
		t.Error("clone hints alias the original")
	}
}

func TestVisitedHashesSorted(t *testing.T) {
	p := simPacket('M', 'Z')
	for _, peer := range []identity.Sim{'Q', 'A', 'X', 'C'} {
		p.MarkVisited(peer)
	}

	hashes := p.VisitedHashes()
	if len(hashes) != p.HopCount() {
		t.Fatalf("VisitedHashes() length = %d, want %d", len(hashes), p.HopCount())
	}
	for i := 1; i < len(hashes); i++ {
		if hashes[i-1] >= hashes[i] {
			t.Fatalf("VisitedHashes() not ascending at %d: %d >= %d", i, hashes[i-1], hashes[i])
		}
	}
}
