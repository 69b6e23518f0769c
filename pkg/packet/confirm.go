package packet

import (
	"time"

	"github.com/Sudo-Ivan/driftmesh-go/pkg/identity"
)

// Confirmation reports a completed delivery back along the path the packet
// took. It is created once at the delivering peer and forwarded hop by hop
// toward the original sender, which consumes it. Confirmations travel as
// ordinary traffic: an offline previous hop makes the confirmation itself a
// pending deliverable.
type Confirmation[I identity.Peer] struct {
	ID          ID
	DeliveredTo I
	DeliveredAt time.Time
	Path        []I
}

func NewConfirmation[I identity.Peer](id ID, deliveredTo I, path []I) *Confirmation[I] {
	return &Confirmation[I]{
		ID:          id,
		DeliveredTo: deliveredTo,
		DeliveredAt: time.Now(),
		Path:        path,
	}
}

// HopBefore returns the hop preceding peer on the recorded path, the next
// stop for a confirmation traveling backward. The second return is false at
// the path head (the original sender) or when peer is not on the path.
func (c *Confirmation[I]) HopBefore(peer I) (I, bool) {
	var zero I
	for i, hop := range c.Path {
		if hop == peer {
			if i == 0 {
				return zero, false
			}
			return c.Path[i-1], true
		}
	}
	return zero, false
}

// HopAfter returns the hop following peer on the recorded path, the peer a
// relay handed the packet to. The second return is false at the path tail
// (the delivering peer) or when peer is not on the path.
func (c *Confirmation[I]) HopAfter(peer I) (I, bool) {
	var zero I
	for i, hop := range c.Path {
		if hop == peer {
			if i == len(c.Path)-1 {
				return zero, false
			}
			return c.Path[i+1], true
		}
	}
	return zero, false
}

// FinalDestination returns the last hop on the path, if any.
func (c *Confirmation[I]) FinalDestination() (I, bool) {
	var zero I
	if len(c.Path) == 0 {
		return zero, false
	}
	return c.Path[len(c.Path)-1], true
}
