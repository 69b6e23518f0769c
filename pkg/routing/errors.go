package routing

import (
	"errors"
	"fmt"
)

// Sentinel forms of the terminal drop reasons, for callers that need an
// error rather than a Decision value. The engine itself never returns these;
// the delivery layer maps a local send's terminal Drop onto them.
var (
	ErrNoRoute             = errors.New("routing: no route available to destination")
	ErrTTLExpired          = errors.New("routing: ttl expired for packet")
	ErrAlreadyVisited      = errors.New("routing: packet already visited this peer")
	ErrDestinationNotFound = errors.New("routing: destination peer not found")
)

// TimeoutError reports a routing operation that gave up after a bounded
// number of ticks.
type TimeoutError struct {
	Ticks uint64
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("routing: timeout after %d ticks", e.Ticks)
}

// DropError maps a terminal drop reason onto its sentinel, nil for reasons
// that are expected routing outcomes rather than caller-visible failures.
func DropError(reason DropReason) error {
	switch reason {
	case DropNoRoute:
		return ErrNoRoute
	case DropTTLExpired:
		return ErrTTLExpired
	case DropAlreadyVisited:
		return ErrAlreadyVisited
	default:
		return nil
	}
}
