package transport

import (
	"context"
	"errors"

	"github.com/Sudo-Ivan/driftmesh-go/pkg/identity"
)

var (
	ErrConnectionFailed  = errors.New("transport: connection failed")
	ErrConnectionClosed  = errors.New("transport: connection closed")
	ErrSendFailed        = errors.New("transport: send failed")
	ErrReceiveFailed     = errors.New("transport: receive failed")
	ErrPeerNotConnected  = errors.New("transport: peer not connected")
	ErrAddressResolution = errors.New("transport: no address known for peer")
	ErrFrameTooLarge     = errors.New("transport: frame exceeds maximum size")
)

// Handler consumes one frame arriving from a connected peer. Handlers must
// not block for long; slow work belongs on the caller's own queues.
type Handler[I identity.Peer] func(from I, frame []byte)

// PeerCallback observes peers coming and going at the transport level.
type PeerCallback[I identity.Peer] func(peer I)

// Transport moves opaque frames between directly connected peers. A send
// failure says nothing about the peer's longer-term reachability; callers
// decide whether to hold the traffic for later.
type Transport[I identity.Peer] interface {
	// Send delivers one frame to a connected peer. Returns
	// ErrPeerNotConnected when there is no live connection.
	Send(ctx context.Context, to I, frame []byte) error
	// Broadcast sends the frame to every connected peer and returns how
	// many sends succeeded.
	Broadcast(ctx context.Context, frame []byte) (int, error)
	// Peers lists the peers with a live connection.
	Peers() []I
	IsConnected(peer I) bool
	// EnsureConnected establishes a connection when the transport knows
	// how to reach the peer, and returns ErrAddressResolution when it does
	// not.
	EnsureConnected(ctx context.Context, peer I) error
	// Disconnect drops the peer's connection if one is live.
	Disconnect(peer I)
	LocalPeer() I
	SetHandler(h Handler[I])
	SetConnectCallback(cb PeerCallback[I])
	SetDisconnectCallback(cb PeerCallback[I])
	Close() error
}
