package topology

import (
	"testing"

	"github.com/Sudo-Ivan/driftmesh-go/pkg/identity"
)

func TestMeshConnectivity(t *testing.T) {
	m := NewMesh[identity.Sim]()
	m.Connect('A', 'B')
	m.Connect('B', 'C')

	if !m.AreConnected('A', 'B') || !m.AreConnected('B', 'A') {
		t.Error("Connect() did not link both directions")
	}
	if m.AreConnected('A', 'C') {
		t.Error("AreConnected(A, C) = true without a link")
	}
	if !m.Knows('C') {
		t.Error("Knows(C) = false after Connect registered it")
	}
	if m.Knows('Z') {
		t.Error("Knows(Z) = true for an unregistered peer")
	}

	peers := m.Peers()
	if len(peers) != 3 {
		t.Fatalf("Peers() length = %d, want 3", len(peers))
	}
	for i, want := range []identity.Sim{'A', 'B', 'C'} {
		if peers[i] != want {
			t.Errorf("Peers()[%d] = %v, want %v", i, peers[i], want)
		}
	}

	m.Disconnect('A', 'B')
	if m.AreConnected('A', 'B') {
		t.Error("AreConnected(A, B) = true after Disconnect")
	}
}

func TestMeshNeighbors(t *testing.T) {
	m := NewMesh[identity.Sim]()
	m.Connect('B', 'D')
	m.Connect('B', 'A')
	m.Connect('B', 'C')

	neighbors := m.Neighbors('B')
	if len(neighbors) != 3 {
		t.Fatalf("Neighbors(B) length = %d, want 3", len(neighbors))
	}
	for i, want := range []identity.Sim{'A', 'C', 'D'} {
		if neighbors[i] != want {
			t.Errorf("Neighbors(B)[%d] = %v, want %v", i, neighbors[i], want)
		}
	}

	if got := m.Neighbors('Z'); len(got) != 0 {
		t.Errorf("Neighbors(Z) = %v, want empty", got)
	}
}

func TestMeshOnlineState(t *testing.T) {
	m := NewMesh[identity.Sim]()
	m.AddPeer('A')

	if !m.IsOnline('A') {
		t.Error("IsOnline(A) = false for a freshly added peer")
	}

	m.SetOnline('A', false)
	if m.IsOnline('A') {
		t.Error("IsOnline(A) = true after SetOnline(false)")
	}

	m.SetOnline('A', true)
	if !m.IsOnline('A') {
		t.Error("IsOnline(A) = false after SetOnline(true)")
	}

	if m.IsOnline('Q') {
		t.Error("IsOnline(Q) = true for an unknown peer")
	}
}

func TestMeshRemovePeer(t *testing.T) {
	m := NewMesh[identity.Sim]()
	m.Connect('A', 'B')
	m.Connect('B', 'C')

	m.RemovePeer('B')

	if m.Knows('B') {
		t.Error("Knows(B) = true after RemovePeer")
	}
	if m.AreConnected('A', 'B') || m.AreConnected('C', 'B') {
		t.Error("links to a removed peer survived")
	}
	if got := m.Neighbors('A'); len(got) != 0 {
		t.Errorf("Neighbors(A) = %v after removing its only neighbor", got)
	}
}

func TestMutualPeers(t *testing.T) {
	m := NewMesh[identity.Sim]()
	// Both A and B can reach C and D; E is only A's neighbor.
	m.Connect('A', 'C')
	m.Connect('B', 'C')
	m.Connect('A', 'D')
	m.Connect('B', 'D')
	m.Connect('A', 'E')

	mutual := MutualPeers[identity.Sim](m, 'A', 'B')
	if len(mutual) != 2 {
		t.Fatalf("MutualPeers(A, B) length = %d, want 2", len(mutual))
	}
	for i, want := range []identity.Sim{'C', 'D'} {
		if mutual[i] != want {
			t.Errorf("MutualPeers(A, B)[%d] = %v, want %v", i, mutual[i], want)
		}
	}

	if got := MutualPeers[identity.Sim](m, 'C', 'E'); len(got) != 1 || got[0] != 'A' {
		t.Errorf("MutualPeers(C, E) = %v, want [A]", got)
	}
}
