package store

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Sudo-Ivan/driftmesh-go/pkg/identity"
	"github.com/Sudo-Ivan/driftmesh-go/pkg/packet"
	"github.com/Sudo-Ivan/driftmesh-go/pkg/storage"
)

func spoolPacket(src, dest identity.Sim, seq uint64) *packet.Packet[identity.Sim] {
	id := packet.ID{SourceHash: identity.Hash64(src), Sequence: seq}
	return packet.New(id, src, dest, packet.NewPayload([]byte("spooled payload")), nil)
}

func TestSpoolRoundTrip(t *testing.T) {
	s, err := OpenSpool(t.TempDir(), identity.DecodeSim)
	if err != nil {
		t.Fatalf("OpenSpool failed: %v", err)
	}
	defer s.Close()

	p := spoolPacket('S', 'D', 1).WithTTL(4)
	p.MarkVisited(identity.Sim('R'))
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
	if got.TTL != 4 {
		t.Errorf("TTL = %d, want 4", got.TTL)
	}
	if !got.WasVisited(identity.Sim('R')) {
		t.Error("visited set did not survive the spool")
	}
	if !bytes.Equal(got.Payload.Data, p.Payload.Data) {
		t.Error("payload did not survive the spool")
	}
}

func TestSpoolReopenRebuildsIndex(t *testing.T) {
	dir := t.TempDir()

	s, err := OpenSpool(dir, identity.DecodeSim)
	if err != nil {
		t.Fatalf("OpenSpool failed: %v", err)
	}
	p := spoolPacket('S', 'D', 7)
	if err := s.Store(p); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	s.Close()

	reopened, err := OpenSpool(dir, identity.DecodeSim)
	if err != nil {
		t.Fatalf("reopening spool failed: %v", err)
	}
	defer reopened.Close()

	if reopened.Len() != 1 {
		t.Fatalf("Len() after reopen = %d, want 1", reopened.Len())
	}
	got, err := reopened.Get(p.ID)
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if got.ID != p.ID {
		t.Errorf("Get returned ID %v, want %v", got.ID, p.ID)
	}
}

func TestSpoolDropsCorruptFiles(t *testing.T) {
	dir := t.TempDir()

	s, err := OpenSpool(dir, identity.DecodeSim)
	if err != nil {
		t.Fatalf("OpenSpool failed: %v", err)
	}
	if err := s.Store(spoolPacket('S', 'D', 1)); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	s.Close()

	junk := filepath.Join(dir, "00000000000000000000000000000099.pkt")
	if err := os.WriteFile(junk, []byte("not a frame"), 0600); err != nil {
		t.Fatalf("writing junk file failed: %v", err)
	}

	reopened, err := OpenSpool(dir, identity.DecodeSim)
	if err != nil {
		t.Fatalf("reopening spool failed: %v", err)
	}
	defer reopened.Close()

	if reopened.Len() != 1 {
		t.Errorf("Len() = %d, want 1 after corrupt file removal", reopened.Len())
	}
	if _, err := os.Stat(junk); !os.IsNotExist(err) {
		t.Error("corrupt spool file was not removed")
	}
}

func TestSpoolDelete(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenSpool(dir, identity.DecodeSim)
	if err != nil {
		t.Fatalf("OpenSpool failed: %v", err)
	}
	defer s.Close()

	p := spoolPacket('S', 'D', 1)
	s.Store(p)

	if err := s.Delete(p.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Get(p.ID); !errors.Is(err, storage.ErrPacketNotFound) {
		t.Errorf("Get after delete = %v, want ErrPacketNotFound", err)
	}
	if err := s.Delete(p.ID); err != nil {
		t.Errorf("second Delete = %v, want nil", err)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("spool directory still holds %d files after delete", len(entries))
	}
}

func TestSpoolForDestination(t *testing.T) {
	s, err := OpenSpool(t.TempDir(), identity.DecodeSim)
	if err != nil {
		t.Fatalf("OpenSpool failed: %v", err)
	}
	defer s.Close()

	s.Store(spoolPacket('S', 'D', 2))
	s.Store(spoolPacket('S', 'D', 1))
	s.Store(spoolPacket('S', 'E', 1))

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
}
