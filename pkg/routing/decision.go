package routing

import (
	"fmt"
	"strings"

	"github.com/Sudo-Ivan/driftmesh-go/pkg/identity"
)

// DropReason explains why a packet was discarded. Drops are ordinary
// outcomes recorded by the caller, not errors.
type DropReason uint8

const (
	DropTTLExpired DropReason = iota
	DropNoRoute
	DropAlreadyVisited
	DropExpired
	DropSenderOffline
	DropStorageFull
	DropTooLarge
	DropDuplicate
)

func (r DropReason) String() string {
	switch r {
	case DropTTLExpired:
		return "ttl_expired"
	case DropNoRoute:
		return "no_route"
	case DropAlreadyVisited:
		return "already_visited"
	case DropExpired:
		return "expired"
	case DropSenderOffline:
		return "sender_offline"
	case DropStorageFull:
		return "storage_full"
	case DropTooLarge:
		return "too_large"
	case DropDuplicate:
		return "duplicate"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

type DecisionKind uint8

const (
	DecisionDirect DecisionKind = iota
	DecisionRelay
	DecisionHold
	DecisionDrop
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionDirect:
		return "direct"
	case DecisionRelay:
		return "relay"
	case DecisionHold:
		return "hold"
	case DecisionDrop:
		return "drop"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Decision is the outcome of evaluating one packet: deliver directly, relay
// through candidates, hold for a later opportunity, or drop with a reason.
type Decision[I identity.Peer] struct {
	Kind        DecisionKind
	Destination I          // DecisionDirect
	NextHops    []I        // DecisionRelay, best candidate first
	Reason      DropReason // DecisionDrop
}

func DirectDelivery[I identity.Peer](destination I) Decision[I] {
	return Decision[I]{Kind: DecisionDirect, Destination: destination}
}

func RelayThrough[I identity.Peer](nextHops ...I) Decision[I] {
	return Decision[I]{Kind: DecisionRelay, NextHops: nextHops}
}

func HoldForLater[I identity.Peer]() Decision[I] {
	return Decision[I]{Kind: DecisionHold}
}

func Drop[I identity.Peer](reason DropReason) Decision[I] {
	return Decision[I]{Kind: DecisionDrop, Reason: reason}
}

func (d Decision[I]) IsDirect() bool {
	return d.Kind == DecisionDirect
}

func (d Decision[I]) IsRelay() bool {
	return d.Kind == DecisionRelay
}

func (d Decision[I]) IsHold() bool {
	return d.Kind == DecisionHold
}

func (d Decision[I]) IsDrop() bool {
	return d.Kind == DecisionDrop
}

func (d Decision[I]) String() string {
	switch d.Kind {
	case DecisionDirect:
		return fmt.Sprintf("direct(%s)", d.Destination.ShortString())
	case DecisionRelay:
		hops := make([]string, len(d.NextHops))
		for i, h := range d.NextHops {
			hops[i] = h.ShortString()
		}
		return fmt.Sprintf("relay(%s)", strings.Join(hops, ","))
	case DecisionHold:
		return "hold"
	case DecisionDrop:
		return fmt.Sprintf("drop(%s)", d.Reason)
	default:
		return fmt.Sprintf("decision(%d)", uint8(d.Kind))
	}
}
