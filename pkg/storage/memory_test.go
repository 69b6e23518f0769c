package storage

import (
	"bytes"
	"errors"
	"testing"

	"github.com/Sudo-Ivan/driftmesh-go/pkg/identity"
	"github.com/Sudo-Ivan/driftmesh-go/pkg/packet"
)

func pendingID(src, seq uint64) packet.ID {
	return packet.ID{SourceHash: src, Sequence: seq}
}

func storedPacket(src, dest identity.Sim, seq uint64) *packet.Packet[identity.Sim] {
	id := packet.ID{SourceHash: identity.Hash64(src), Sequence: seq}
	return packet.New(id, src, dest, packet.NewPayload([]byte("payload")), nil)
}

func TestPendingStoreOrdered(t *testing.T) {
	s := NewMemoryPendingStore[identity.Sim](nil)
	peer := identity.Sim('A')

	for _, seq := range []uint64{3, 1, 2} {
		if err := s.MarkPending(peer, pendingID(7, seq)); err != nil {
			t.Fatalf("MarkPending(seq %d) failed: %v", seq, err)
		}
	}

	got, err := s.PendingFor(peer)
	if err != nil {
		t.Fatalf("PendingFor failed: %v", err)
	}
	want := []packet.ID{pendingID(7, 1), pendingID(7, 2), pendingID(7, 3)}
	if len(got) != len(want) {
		t.Fatalf("PendingFor returned %d ids, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("pending[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestPendingStoreDuplicate(t *testing.T) {
	s := NewMemoryPendingStore[identity.Sim](nil)
	peer := identity.Sim('A')
	id := pendingID(7, 1)

	if err := s.MarkPending(peer, id); err != nil {
		t.Fatalf("MarkPending failed: %v", err)
	}
	if err := s.MarkPending(peer, id); err != nil {
		t.Fatalf("duplicate MarkPending failed: %v", err)
	}

	got, _ := s.PendingFor(peer)
	if len(got) != 1 {
		t.Errorf("PendingFor returned %d ids after duplicate insert, want 1", len(got))
	}
	if s.TotalPending() != 1 {
		t.Errorf("TotalPending() = %d, want 1", s.TotalPending())
	}
}

func TestPendingStorePeerQuotaEviction(t *testing.T) {
	s := NewMemoryPendingStore[identity.Sim](NewQuotaManager(5, 100))
	peer := identity.Sim('A')

	for seq := uint64(1); seq <= 6; seq++ {
		if err := s.MarkPending(peer, pendingID(7, seq)); err != nil {
			t.Fatalf("MarkPending(seq %d) failed: %v", seq, err)
		}
	}

	got, _ := s.PendingFor(peer)
	if len(got) != 5 {
		t.Fatalf("PendingFor returned %d ids, want 5", len(got))
	}
	if got[0] != pendingID(7, 2) {
		t.Errorf("oldest surviving id = %v, want %v", got[0], pendingID(7, 2))
	}
	if got[len(got)-1] != pendingID(7, 6) {
		t.Errorf("newest id = %v, want %v", got[len(got)-1], pendingID(7, 6))
	}
	for _, id := range got {
		if id == pendingID(7, 1) {
			t.Error("evicted id still pending")
		}
	}
	if s.TotalPending() != 5 {
		t.Errorf("TotalPending() = %d, want 5", s.TotalPending())
	}
}

func TestPendingStoreTotalQuotaEviction(t *testing.T) {
	s := NewMemoryPendingStore[identity.Sim](NewQuotaManager(10, 3))
	peerA := identity.Sim('A')
	peerB := identity.Sim('B')

	// Fill to the total limit across two peers, then push one more. The
	// ordinally smallest entry in the whole store must give way.
	if err := s.MarkPending(peerA, pendingID(1, 1)); err != nil {
		t.Fatalf("MarkPending failed: %v", err)
	}
	if err := s.MarkPending(peerA, pendingID(1, 2)); err != nil {
		t.Fatalf("MarkPending failed: %v", err)
	}
	if err := s.MarkPending(peerB, pendingID(2, 3)); err != nil {
		t.Fatalf("MarkPending failed: %v", err)
	}
	if err := s.MarkPending(peerB, pendingID(2, 4)); err != nil {
		t.Fatalf("MarkPending over total quota failed: %v", err)
	}

	if s.TotalPending() != 3 {
		t.Errorf("TotalPending() = %d, want 3", s.TotalPending())
	}
	gotA, _ := s.PendingFor(peerA)
	if len(gotA) != 1 || gotA[0] != pendingID(1, 2) {
		t.Errorf("peer A pending = %v, want [%v]", gotA, pendingID(1, 2))
	}
	gotB, _ := s.PendingFor(peerB)
	if len(gotB) != 2 {
		t.Errorf("peer B pending = %v, want 2 ids", gotB)
	}
}

func TestPendingStoreMarkDelivered(t *testing.T) {
	s := NewMemoryPendingStore[identity.Sim](nil)
	peer := identity.Sim('A')

	s.MarkPending(peer, pendingID(7, 1))
	s.MarkPending(peer, pendingID(7, 2))

	if err := s.MarkDelivered(peer, pendingID(7, 1)); err != nil {
		t.Fatalf("MarkDelivered failed: %v", err)
	}
	got, _ := s.PendingFor(peer)
	if len(got) != 1 || got[0] != pendingID(7, 2) {
		t.Errorf("pending after delivery = %v, want [%v]", got, pendingID(7, 2))
	}
	if s.TotalPending() != 1 {
		t.Errorf("TotalPending() = %d, want 1", s.TotalPending())
	}

	// Absent ids and unknown peers are no-ops.
	if err := s.MarkDelivered(peer, pendingID(7, 99)); err != nil {
		t.Errorf("MarkDelivered(absent) = %v, want nil", err)
	}
	if err := s.MarkDelivered(identity.Sim('Z'), pendingID(7, 2)); err != nil {
		t.Errorf("MarkDelivered(unknown peer) = %v, want nil", err)
	}
	if s.TotalPending() != 1 {
		t.Errorf("TotalPending() after no-ops = %d, want 1", s.TotalPending())
	}
}

func TestPendingStoreMarkDeliveredUpTo(t *testing.T) {
	s := NewMemoryPendingStore[identity.Sim](nil)
	peer := identity.Sim('A')

	for _, id := range []packet.ID{
		pendingID(1, 1), pendingID(1, 2), pendingID(1, 3), pendingID(1, 5),
		pendingID(2, 1),
	} {
		s.MarkPending(peer, id)
	}

	if err := s.MarkDeliveredUpTo(peer, pendingID(1, 3)); err != nil {
		t.Fatalf("MarkDeliveredUpTo failed: %v", err)
	}

	got, _ := s.PendingFor(peer)
	want := []packet.ID{pendingID(1, 5), pendingID(2, 1)}
	if len(got) != len(want) {
		t.Fatalf("pending after cumulative ack = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("pending[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if s.TotalPending() != 2 {
		t.Errorf("TotalPending() = %d, want 2", s.TotalPending())
	}
}

func TestPendingStoreClear(t *testing.T) {
	s := NewMemoryPendingStore[identity.Sim](nil)
	peerA := identity.Sim('A')
	peerB := identity.Sim('B')

	s.MarkPending(peerA, pendingID(1, 1))
	s.MarkPending(peerA, pendingID(1, 2))
	s.MarkPending(peerB, pendingID(2, 1))

	if err := s.ClearPending(peerA); err != nil {
		t.Fatalf("ClearPending failed: %v", err)
	}
	if got, _ := s.PendingFor(peerA); len(got) != 0 {
		t.Errorf("peer A pending after clear = %v, want empty", got)
	}
	if got, _ := s.PendingFor(peerB); len(got) != 1 {
		t.Errorf("peer B pending = %v, want 1 id", got)
	}
	if s.TotalPending() != 1 {
		t.Errorf("TotalPending() = %d, want 1", s.TotalPending())
	}
}

func TestPacketStoreRoundTrip(t *testing.T) {
	s := NewMemoryPacketStore[identity.Sim]()
	p := storedPacket('S', 'D', 1)

	if err := s.Store(p); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	got, err := s.Get(p.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ID != p.ID {
		t.Errorf("Get returned ID %v, want %v", got.ID, p.ID)
	}
	if !bytes.Equal(got.Payload.Data, p.Payload.Data) {
		t.Error("payload did not survive the round trip")
	}

	// The store holds clones in both directions.
	got.Payload.Data[0] = 'X'
	p.MarkVisited(identity.Sim('Z'))
	again, _ := s.Get(p.ID)
	if again.Payload.Data[0] == 'X' {
		t.Error("mutating a returned packet changed the stored copy")
	}
	if again.WasVisited(identity.Sim('Z')) {
		t.Error("mutating the original packet changed the stored copy")
	}
}

func TestPacketStoreMissing(t *testing.T) {
	s := NewMemoryPacketStore[identity.Sim]()

	if _, err := s.Get(pendingID(1, 1)); !errors.Is(err, ErrPacketNotFound) {
		t.Errorf("Get(missing) = %v, want ErrPacketNotFound", err)
	}
	if err := s.Delete(pendingID(1, 1)); err != nil {
		t.Errorf("Delete(missing) = %v, want nil", err)
	}
}

func TestPacketStoreDelete(t *testing.T) {
	s := NewMemoryPacketStore[identity.Sim]()
	p := storedPacket('S', 'D', 1)
	s.Store(p)

	if err := s.Delete(p.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Get(p.ID); !errors.Is(err, ErrPacketNotFound) {
		t.Errorf("Get after delete = %v, want ErrPacketNotFound", err)
	}
	if got, _ := s.ForDestination(identity.Sim('D')); len(got) != 0 {
		t.Errorf("ForDestination after delete returned %d packets, want 0", len(got))
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0", s.Len())
	}
}

func TestPacketStoreForDestination(t *testing.T) {
	s := NewMemoryPacketStore[identity.Sim]()
	s.Store(storedPacket('S', 'D', 2))
	s.Store(storedPacket('S', 'D', 1))
	s.Store(storedPacket('S', 'E', 3))

	got, err := s.ForDestination(identity.Sim('D'))
	if err != nil {
		t.Fatalf("ForDestination failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ForDestination returned %d packets, want 2", len(got))
	}
	if !got[0].ID.Less(got[1].ID) {
		t.Errorf("packets out of order: %v before %v", got[0].ID, got[1].ID)
	}
	for _, p := range got {
		if p.Destination != identity.Sim('D') {
			t.Errorf("packet %v addressed to %v, want D", p.ID, p.Destination)
		}
	}
	if s.Len() != 3 {
		t.Errorf("Len() = %d, want 3", s.Len())
	}
}
