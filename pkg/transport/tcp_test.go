package transport

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Sudo-Ivan/driftmesh-go/pkg/identity"
)

const testWait = 5 * time.Second

type tcpFrame struct {
	from  identity.Sim
	frame []byte
}

func newTestTCP(t *testing.T, self identity.Sim, bind string) *TCPTransport[identity.Sim] {
	t.Helper()
	tr, err := NewTCPTransport(self, bind, identity.DecodeSim)
	if err != nil {
		t.Fatalf("NewTCPTransport(%c) failed: %v", byte(self), err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func waitFrame(t *testing.T, ch <-chan tcpFrame, what string) tcpFrame {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(testWait):
		t.Fatalf("%s: timed out waiting for frame", what)
		return tcpFrame{}
	}
}

func waitPeer(t *testing.T, ch <-chan identity.Sim, want identity.Sim, what string) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("%s: peer = %v, want %v", what, got, want)
		}
	case <-time.After(testWait):
		t.Fatalf("%s: timed out", what)
	}
}

func TestTCPRoundTrip(t *testing.T) {
	server := newTestTCP(t, identity.Sim('S'), "127.0.0.1:0")
	client := newTestTCP(t, identity.Sim('C'), "")

	serverFrames := make(chan tcpFrame, 4)
	server.SetHandler(func(from identity.Sim, frame []byte) {
		serverFrames <- tcpFrame{from: from, frame: frame}
	})
	clientFrames := make(chan tcpFrame, 4)
	client.SetHandler(func(from identity.Sim, frame []byte) {
		clientFrames <- tcpFrame{from: from, frame: frame}
	})
	serverSawPeer := make(chan identity.Sim, 1)
	server.SetConnectCallback(func(peer identity.Sim) { serverSawPeer <- peer })

	peer, err := client.Connect(context.Background(), server.Addr().String())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if peer != identity.Sim('S') {
		t.Fatalf("Connect returned peer %v, want S", peer)
	}
	waitPeer(t, serverSawPeer, identity.Sim('C'), "server connect callback")

	if err := client.Send(context.Background(), identity.Sim('S'), []byte("uplink")); err != nil {
		t.Fatalf("client Send failed: %v", err)
	}
	got := waitFrame(t, serverFrames, "server receive")
	if got.from != identity.Sim('C') || !bytes.Equal(got.frame, []byte("uplink")) {
		t.Errorf("server got %q from %v, want %q from C", got.frame, got.from, "uplink")
	}

	if err := server.Send(context.Background(), identity.Sim('C'), []byte("downlink")); err != nil {
		t.Fatalf("server Send failed: %v", err)
	}
	got = waitFrame(t, clientFrames, "client receive")
	if got.from != identity.Sim('S') || !bytes.Equal(got.frame, []byte("downlink")) {
		t.Errorf("client got %q from %v, want %q from S", got.frame, got.from, "downlink")
	}
}

func TestTCPSendErrors(t *testing.T) {
	server := newTestTCP(t, identity.Sim('S'), "127.0.0.1:0")

	err := server.Send(context.Background(), identity.Sim('X'), []byte("x"))
	if !errors.Is(err, ErrPeerNotConnected) {
		t.Errorf("Send to unconnected peer = %v, want ErrPeerNotConnected", err)
	}

	client := newTestTCP(t, identity.Sim('C'), "")
	if _, err := client.Connect(context.Background(), server.Addr().String()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	oversized := make([]byte, MAX_FRAME_SIZE+1)
	if err := client.Send(context.Background(), identity.Sim('S'), oversized); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("oversized Send = %v, want ErrFrameTooLarge", err)
	}
}

func TestTCPDisconnectCallback(t *testing.T) {
	server := newTestTCP(t, identity.Sim('S'), "127.0.0.1:0")
	client := newTestTCP(t, identity.Sim('C'), "")

	connected := make(chan identity.Sim, 1)
	lost := make(chan identity.Sim, 1)
	server.SetConnectCallback(func(peer identity.Sim) { connected <- peer })
	server.SetDisconnectCallback(func(peer identity.Sim) { lost <- peer })

	if _, err := client.Connect(context.Background(), server.Addr().String()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitPeer(t, connected, identity.Sim('C'), "connect callback")

	if err := client.Close(); err != nil {
		t.Fatalf("client Close failed: %v", err)
	}
	waitPeer(t, lost, identity.Sim('C'), "disconnect callback")

	if len(server.Peers()) != 0 {
		t.Errorf("server still lists %d peers after disconnect", len(server.Peers()))
	}
}

func TestTCPConnectFailure(t *testing.T) {
	client := newTestTCP(t, identity.Sim('C'), "")

	// Reserved port with nothing listening.
	_, err := client.Connect(context.Background(), "127.0.0.1:1")
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect to dead address = %v, want ErrConnectionFailed", err)
	}
}

func TestTCPEnsureConnected(t *testing.T) {
	server := newTestTCP(t, identity.Sim('S'), "127.0.0.1:0")
	client := newTestTCP(t, identity.Sim('C'), "")

	err := client.EnsureConnected(context.Background(), identity.Sim('S'))
	if !errors.Is(err, ErrAddressResolution) {
		t.Fatalf("EnsureConnected without address = %v, want ErrAddressResolution", err)
	}

	client.SetPeerAddress(identity.Sim('S'), server.Addr().String())
	if err := client.EnsureConnected(context.Background(), identity.Sim('S')); err != nil {
		t.Fatalf("EnsureConnected failed: %v", err)
	}
	if !client.IsConnected(identity.Sim('S')) {
		t.Error("IsConnected = false after EnsureConnected")
	}

	// Idempotent while the connection is up.
	if err := client.EnsureConnected(context.Background(), identity.Sim('S')); err != nil {
		t.Errorf("second EnsureConnected = %v, want nil", err)
	}
}

func TestTCPExplicitDisconnect(t *testing.T) {
	server := newTestTCP(t, identity.Sim('S'), "127.0.0.1:0")
	client := newTestTCP(t, identity.Sim('C'), "")

	lost := make(chan identity.Sim, 1)
	client.SetDisconnectCallback(func(peer identity.Sim) { lost <- peer })

	if _, err := client.Connect(context.Background(), server.Addr().String()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	client.Disconnect(identity.Sim('S'))
	waitPeer(t, lost, identity.Sim('S'), "disconnect callback")
	if client.IsConnected(identity.Sim('S')) {
		t.Error("IsConnected = true after Disconnect")
	}
}
