package routing

import (
	"fmt"
	"time"

	"github.com/Sudo-Ivan/driftmesh-go/pkg/identity"
)

// RouteInfo describes one cached way to reach a destination. Metric ranks
// candidates, lower is better; it defaults to the hop count and can be
// adjusted as shorter paths are learned.
type RouteInfo[I identity.Peer] struct {
	Destination   I
	NextHop       I
	HopCount      int
	Metric        int
	LastConfirmed *time.Time
}

func NewRouteInfo[I identity.Peer](destination, nextHop I, hopCount int) RouteInfo[I] {
	return RouteInfo[I]{
		Destination: destination,
		NextHop:     nextHop,
		HopCount:    hopCount,
		Metric:      hopCount,
	}
}

// Confirm records that a delivery along this route succeeded at now.
func (r *RouteInfo[I]) Confirm(now time.Time) {
	r.LastConfirmed = &now
}

func (r RouteInfo[I]) String() string {
	return fmt.Sprintf("%s via %s (hops=%d metric=%d)",
		r.Destination.ShortString(), r.NextHop.ShortString(), r.HopCount, r.Metric)
}
