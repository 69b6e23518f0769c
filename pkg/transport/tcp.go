package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/multiformats/go-varint"

	"github.com/Sudo-Ivan/driftmesh-go/pkg/debug"
	"github.com/Sudo-Ivan/driftmesh-go/pkg/identity"
)

const (
	MAX_FRAME_SIZE    = 1 << 20
	HANDSHAKE_TIMEOUT = 5
	KEEPALIVE_PERIOD  = 2
)

// TCPTransport carries frames over TCP with uvarint length prefixes. Each
// connection opens with a hello exchange: both sides send their raw identity
// bytes as the first frame, so the acceptor knows who dialed in. One live
// connection per peer; a second handshake from the same peer replaces the
// first.
type TCPTransport[I identity.Peer] struct {
	self     I
	decode   identity.Decoder[I]
	listener net.Listener

	mu           sync.RWMutex
	conns        map[string]*tcpConn[I]
	addrs        map[string]string
	handler      Handler[I]
	onConnect    PeerCallback[I]
	onDisconnect PeerCallback[I]
	closed       bool

	wg sync.WaitGroup
}

type tcpConn[I identity.Peer] struct {
	peer I
	conn net.Conn
	r    *bufio.Reader
	wmu  sync.Mutex
}

// NewTCPTransport listens on bindAddr. An empty bindAddr skips the listener
// for dial-only nodes.
func NewTCPTransport[I identity.Peer](self I, bindAddr string, decode identity.Decoder[I]) (*TCPTransport[I], error) {
	t := &TCPTransport[I]{
		self:   self,
		decode: decode,
		conns:  make(map[string]*tcpConn[I]),
		addrs:  make(map[string]string),
	}

	if bindAddr != "" {
		ln, err := net.Listen("tcp", bindAddr)
		if err != nil {
			return nil, fmt.Errorf("%w: listening on %s: %v", ErrConnectionFailed, bindAddr, err)
		}
		t.listener = ln
		t.wg.Add(1)
		go t.acceptLoop()
		debug.Log(debug.DEBUG_INFO, "TCP transport listening", "addr", ln.Addr().String(), "self", self.ShortString())
	}

	return t, nil
}

// Addr returns the bound listen address, or nil for dial-only transports.
func (t *TCPTransport[I]) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *TCPTransport[I]) LocalPeer() I { return t.self }

func (t *TCPTransport[I]) SetHandler(h Handler[I]) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *TCPTransport[I]) SetConnectCallback(cb PeerCallback[I]) {
	t.mu.Lock()
	t.onConnect = cb
	t.mu.Unlock()
}

func (t *TCPTransport[I]) SetDisconnectCallback(cb PeerCallback[I]) {
	t.mu.Lock()
	t.onDisconnect = cb
	t.mu.Unlock()
}

// Connect dials addr and returns the identity the far side announced.
func (t *TCPTransport[I]) Connect(ctx context.Context, addr string) (I, error) {
	var zero I

	d := net.Dialer{Timeout: time.Second * HANDSHAKE_TIMEOUT}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return zero, fmt.Errorf("%w: dialing %s: %v", ErrConnectionFailed, addr, err)
	}
	configureTCP(conn)

	peer, r, err := t.handshake(conn, true)
	if err != nil {
		conn.Close()
		return zero, err
	}
	t.register(peer, conn, r)

	t.mu.Lock()
	t.addrs[string(peer.AsBytes())] = addr
	t.mu.Unlock()
	return peer, nil
}

// SetPeerAddress records where a peer can be dialed, for EnsureConnected.
func (t *TCPTransport[I]) SetPeerAddress(peer I, addr string) {
	t.mu.Lock()
	t.addrs[string(peer.AsBytes())] = addr
	t.mu.Unlock()
}

func (t *TCPTransport[I]) IsConnected(peer I) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.conns[string(peer.AsBytes())]
	return ok
}

func (t *TCPTransport[I]) EnsureConnected(ctx context.Context, peer I) error {
	if t.IsConnected(peer) {
		return nil
	}

	t.mu.RLock()
	addr, ok := t.addrs[string(peer.AsBytes())]
	t.mu.RUnlock()
	if !ok {
		return ErrAddressResolution
	}

	got, err := t.Connect(ctx, addr)
	if err != nil {
		return err
	}
	if got != peer {
		t.Disconnect(got)
		return fmt.Errorf("%w: %s answered at %s", ErrConnectionFailed, got.ShortString(), addr)
	}
	return nil
}

func (t *TCPTransport[I]) Disconnect(peer I) {
	key := string(peer.AsBytes())

	t.mu.Lock()
	c, ok := t.conns[key]
	if ok {
		delete(t.conns, key)
	}
	cb := t.onDisconnect
	t.mu.Unlock()
	if !ok {
		return
	}

	c.conn.Close()
	if cb != nil {
		cb(peer)
	}
}

func (t *TCPTransport[I]) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if t.isClosed() {
				return
			}
			debug.Log(debug.DEBUG_ERROR, "Accept failed", "error", err)
			continue
		}
		configureTCP(conn)
		go func() {
			peer, r, err := t.handshake(conn, false)
			if err != nil {
				debug.Log(debug.DEBUG_VERBOSE, "Inbound handshake failed", "remote", conn.RemoteAddr().String(), "error", err)
				conn.Close()
				return
			}
			t.register(peer, conn, r)
		}()
	}
}

// handshake exchanges identity hellos. The initiator writes first; the
// acceptor answers, so a dialer also learns the listener's identity.
func (t *TCPTransport[I]) handshake(conn net.Conn, initiator bool) (I, *bufio.Reader, error) {
	var zero I
	r := bufio.NewReader(conn)

	if err := conn.SetDeadline(time.Now().Add(time.Second * HANDSHAKE_TIMEOUT)); err != nil {
		return zero, nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	defer conn.SetDeadline(time.Time{})

	var raw []byte
	var err error
	if initiator {
		if err = writeFrame(conn, t.self.AsBytes()); err != nil {
			return zero, nil, err
		}
		if raw, err = readFrame(r); err != nil {
			return zero, nil, fmt.Errorf("%w: reading hello: %v", ErrConnectionFailed, err)
		}
	} else {
		if raw, err = readFrame(r); err != nil {
			return zero, nil, fmt.Errorf("%w: reading hello: %v", ErrConnectionFailed, err)
		}
		if err = writeFrame(conn, t.self.AsBytes()); err != nil {
			return zero, nil, err
		}
	}

	peer, err := t.decode(raw)
	if err != nil {
		return zero, nil, fmt.Errorf("%w: decoding hello identity: %v", ErrConnectionFailed, err)
	}
	return peer, r, nil
}

func (t *TCPTransport[I]) register(peer I, conn net.Conn, r *bufio.Reader) {
	key := string(peer.AsBytes())
	c := &tcpConn[I]{peer: peer, conn: conn, r: r}

	t.mu.Lock()
	if old, ok := t.conns[key]; ok {
		old.conn.Close()
	}
	t.conns[key] = c
	cb := t.onConnect
	t.mu.Unlock()

	debug.Log(debug.DEBUG_VERBOSE, "Peer connected", "peer", peer.ShortString(), "remote", conn.RemoteAddr().String())
	if cb != nil {
		cb(peer)
	}

	t.wg.Add(1)
	go t.readLoop(c)
}

func (t *TCPTransport[I]) readLoop(c *tcpConn[I]) {
	defer t.wg.Done()
	for {
		frame, err := readFrame(c.r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				err = fmt.Errorf("%w: %v", ErrReceiveFailed, err)
			}
			t.drop(c, err)
			return
		}
		t.mu.RLock()
		h := t.handler
		t.mu.RUnlock()
		if h != nil {
			h(c.peer, frame)
		}
	}
}

// drop tears one connection down and fires the disconnect callback, unless
// the connection was already replaced by a newer one for the same peer.
func (t *TCPTransport[I]) drop(c *tcpConn[I], cause error) {
	key := string(c.peer.AsBytes())

	t.mu.Lock()
	current, ok := t.conns[key]
	replaced := !ok || current != c
	if !replaced {
		delete(t.conns, key)
	}
	cb := t.onDisconnect
	closed := t.closed
	t.mu.Unlock()

	c.conn.Close()
	if replaced || closed {
		return
	}

	if !errors.Is(cause, io.EOF) {
		debug.Log(debug.DEBUG_VERBOSE, "Peer connection lost", "peer", c.peer.ShortString(), "error", cause)
	} else {
		debug.Log(debug.DEBUG_VERBOSE, "Peer disconnected", "peer", c.peer.ShortString())
	}
	if cb != nil {
		cb(c.peer)
	}
}

func (t *TCPTransport[I]) Send(ctx context.Context, to I, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(frame) > MAX_FRAME_SIZE {
		return ErrFrameTooLarge
	}

	t.mu.RLock()
	c, ok := t.conns[string(to.AsBytes())]
	t.mu.RUnlock()
	if !ok {
		return ErrPeerNotConnected
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	if err := writeFrame(c.conn, frame); err != nil {
		t.drop(c, err)
		return fmt.Errorf("%w: to %s: %v", ErrSendFailed, to.ShortString(), err)
	}
	return nil
}

func (t *TCPTransport[I]) Broadcast(ctx context.Context, frame []byte) (int, error) {
	t.mu.RLock()
	peers := make([]I, 0, len(t.conns))
	for _, c := range t.conns {
		peers = append(peers, c.peer)
	}
	t.mu.RUnlock()

	sent := 0
	for _, peer := range peers {
		if err := t.Send(ctx, peer, frame); err != nil {
			debug.Log(debug.DEBUG_TRACE, "Broadcast send skipped peer", "peer", peer.ShortString(), "error", err)
			continue
		}
		sent++
	}
	return sent, nil
}

func (t *TCPTransport[I]) Peers() []I {
	t.mu.RLock()
	defer t.mu.RUnlock()

	peers := make([]I, 0, len(t.conns))
	for _, c := range t.conns {
		peers = append(peers, c.peer)
	}
	return peers
}

func (t *TCPTransport[I]) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := make([]*tcpConn[I], 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.conns = make(map[string]*tcpConn[I])
	t.mu.Unlock()

	if t.listener != nil {
		t.listener.Close()
	}
	for _, c := range conns {
		c.conn.Close()
	}
	t.wg.Wait()
	return nil
}

func (t *TCPTransport[I]) isClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

func configureTCP(conn net.Conn) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
		tcpConn.SetKeepAlive(true)
		tcpConn.SetKeepAlivePeriod(time.Second * KEEPALIVE_PERIOD)
	}
}

func writeFrame(w io.Writer, frame []byte) error {
	header := varint.ToUvarint(uint64(len(frame)))
	buf := make([]byte, 0, len(header)+len(frame))
	buf = append(buf, header...)
	buf = append(buf, frame...)
	if _, err := w.Write(buf); err != nil {
		return err
	}
	return nil
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	size, err := varint.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if size > MAX_FRAME_SIZE {
		return nil, ErrFrameTooLarge
	}
	frame := make([]byte, size)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

var _ Transport[identity.Key] = (*TCPTransport[identity.Key])(nil)
