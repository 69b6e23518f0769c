package transport

import (
	"context"
	"slices"
	"testing"

	"github.com/Sudo-Ivan/driftmesh-go/pkg/identity"
)

func TestLinkView(t *testing.T) {
	server := newTestTCP(t, identity.Sim('S'), "127.0.0.1:0")
	client := newTestTCP(t, identity.Sim('C'), "")
	view := client.View()

	if !view.IsOnline(identity.Sim('C')) {
		t.Error("IsOnline(self) = false")
	}
	if !view.Knows(identity.Sim('C')) {
		t.Error("Knows(self) = false")
	}
	if view.Knows(identity.Sim('S')) {
		t.Error("Knows(S) = true before address or connection")
	}

	client.SetPeerAddress(identity.Sim('S'), server.Addr().String())
	if !view.Knows(identity.Sim('S')) {
		t.Error("Knows(S) = false with an address book entry")
	}
	if view.IsOnline(identity.Sim('S')) {
		t.Error("IsOnline(S) = true before connecting")
	}
	if view.AreConnected(identity.Sim('C'), identity.Sim('S')) {
		t.Error("AreConnected(C, S) = true before connecting")
	}

	if _, err := client.Connect(context.Background(), server.Addr().String()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !view.AreConnected(identity.Sim('C'), identity.Sim('S')) {
		t.Error("AreConnected(C, S) = false while connected")
	}
	if !view.AreConnected(identity.Sim('S'), identity.Sim('C')) {
		t.Error("AreConnected(S, C) = false while connected")
	}
	if !view.IsOnline(identity.Sim('S')) {
		t.Error("IsOnline(S) = false while connected")
	}
	if view.AreConnected(identity.Sim('S'), identity.Sim('X')) {
		t.Error("AreConnected between remote peers = true; remote links are invisible")
	}

	want := []identity.Sim{'C', 'S'}
	if got := view.Peers(); !slices.Equal(got, want) {
		t.Errorf("Peers() = %v, want %v", got, want)
	}
	if got := view.Neighbors(identity.Sim('C')); !slices.Equal(got, []identity.Sim{'S'}) {
		t.Errorf("Neighbors(self) = %v, want [S]", got)
	}
	if got := view.Neighbors(identity.Sim('S')); len(got) != 0 {
		t.Errorf("Neighbors(remote) = %v, want none", got)
	}

	client.Disconnect(identity.Sim('S'))
	if view.IsOnline(identity.Sim('S')) {
		t.Error("IsOnline(S) = true after disconnect")
	}
	if !view.Knows(identity.Sim('S')) {
		t.Error("Knows(S) = false after disconnect; the address book survives")
	}
}
