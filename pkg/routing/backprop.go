package routing

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/Sudo-Ivan/driftmesh-go/pkg/debug"
	"github.com/Sudo-Ivan/driftmesh-go/pkg/identity"
	"github.com/Sudo-Ivan/driftmesh-go/pkg/packet"
)

// DefaultBackpropTimeout bounds how long a delivery confirmation may keep
// walking the reverse path before it is abandoned.
const DefaultBackpropTimeout = 30 * time.Second

type BackpropStatus uint8

const (
	BackpropComplete BackpropStatus = iota
	BackpropInProgress
	BackpropTimedOut
	BackpropNotFound
)

func (s BackpropStatus) String() string {
	switch s {
	case BackpropComplete:
		return "complete"
	case BackpropInProgress:
		return "in_progress"
	case BackpropTimedOut:
		return "timed_out"
	case BackpropNotFound:
		return "not_found"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

type backpropState[I identity.Peer] struct {
	path       []I // full delivery path, source first
	currentHop int // cursor into path; 0 means the confirmation reached the source
	createdAt  time.Time
	timeout    time.Duration
}

// Backprop tracks delivery confirmations walking their reverse paths. A
// state starts at the delivering end of the path and the cursor steps back
// one hop per confirming peer until it reaches the source or times out.
type Backprop[I identity.Peer] struct {
	mu      sync.Mutex
	states  map[packet.ID]*backpropState[I]
	timeout time.Duration
	clk     clock.Clock
}

func NewBackprop[I identity.Peer]() *Backprop[I] {
	return &Backprop[I]{
		states:  make(map[packet.ID]*backpropState[I]),
		timeout: DefaultBackpropTimeout,
		clk:     clock.New(),
	}
}

func (b *Backprop[I]) WithTimeout(d time.Duration) *Backprop[I] {
	b.timeout = d
	return b
}

func (b *Backprop[I]) WithClock(clk clock.Clock) *Backprop[I] {
	b.clk = clk
	return b
}

// Start begins tracking a confirmation for a packet delivered along path.
// Single-hop paths need no back-propagation and return false.
func (b *Backprop[I]) Start(id packet.ID, path []I) bool {
	return b.StartWithTimeout(id, path, b.timeout)
}

func (b *Backprop[I]) StartWithTimeout(id packet.ID, path []I, timeout time.Duration) bool {
	if len(path) < 2 {
		debug.Log(debug.DEBUG_TRACE, "No back-propagation needed for direct delivery", "packet", id.String())
		return false
	}

	b.mu.Lock()
	b.states[id] = &backpropState[I]{
		path:       path,
		currentHop: len(path) - 1,
		createdAt:  b.clk.Now(),
		timeout:    timeout,
	}
	b.mu.Unlock()

	debug.Log(debug.DEBUG_TRACE, "Back-propagation started", "packet", id.String(), "path_len", len(path))
	return true
}

// Advance moves the cursor back one hop when the expected peer confirms.
// A confirmation from any other peer is ignored and the state unchanged.
// Returns the new status and, while in progress, the hops still to walk.
func (b *Backprop[I]) Advance(id packet.ID, confirmer I) (BackpropStatus, int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.states[id]
	if !ok {
		return BackpropNotFound, 0
	}

	if b.clk.Now().Sub(st.createdAt) > st.timeout {
		delete(b.states, id)
		debug.Log(debug.DEBUG_VERBOSE, "Back-propagation timed out", "packet", id.String())
		return BackpropTimedOut, 0
	}

	expected := st.path[st.currentHop-1]
	if confirmer != expected {
		debug.Log(debug.DEBUG_TRACE, "Ignoring confirmation from unexpected peer",
			"packet", id.String(), "peer", confirmer.ShortString(), "expected", expected.ShortString())
		return BackpropInProgress, st.currentHop
	}

	st.currentHop--
	if st.currentHop == 0 {
		delete(b.states, id)
		return BackpropComplete, 0
	}
	return BackpropInProgress, st.currentHop
}

// Status peeks at a confirmation's progress without advancing it.
func (b *Backprop[I]) Status(id packet.ID) (BackpropStatus, int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.states[id]
	if !ok {
		return BackpropNotFound, 0
	}
	if b.clk.Now().Sub(st.createdAt) > st.timeout {
		return BackpropTimedOut, 0
	}
	return BackpropInProgress, st.currentHop
}

// NextConfirmer returns the peer expected to confirm next.
func (b *Backprop[I]) NextConfirmer(id packet.ID) (I, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var zero I
	st, ok := b.states[id]
	if !ok {
		return zero, false
	}
	return st.path[st.currentHop-1], true
}

// CheckTimeouts reports every expired confirmation without removing it; the
// caller decides what to reap.
func (b *Backprop[I]) CheckTimeouts() []packet.ID {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clk.Now()
	var expired []packet.ID
	for id, st := range b.states {
		if now.Sub(st.createdAt) > st.timeout {
			expired = append(expired, id)
		}
	}
	return expired
}

func (b *Backprop[I]) Remove(id packet.ID) {
	b.mu.Lock()
	delete(b.states, id)
	b.mu.Unlock()
}

func (b *Backprop[I]) IsPending(id packet.ID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.states[id]
	return ok
}

func (b *Backprop[I]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.states)
}

func (b *Backprop[I]) Clear() {
	b.mu.Lock()
	b.states = make(map[packet.ID]*backpropState[I])
	b.mu.Unlock()
}
