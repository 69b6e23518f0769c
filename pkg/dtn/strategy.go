package dtn

import (
	"fmt"
	"strings"

	"github.com/Sudo-Ivan/driftmesh-go/pkg/identity"
)

const (
	DefaultSprayCopies = 4
	EpidemicCopies     = 8
)

// StrategyKind names a forwarding behavior.
type StrategyKind uint8

const (
	// KindStoreAndForward relays through the single best candidate.
	KindStoreAndForward StrategyKind = iota
	// KindEpidemic floods every candidate. Maximizes delivery odds in
	// sparse meshes at the cost of bandwidth.
	KindEpidemic
	// KindSprayAndWait hands out a limited copy budget, then waits.
	KindSprayAndWait
)

// Strategy selects how relay candidates fan out. Copies only applies to
// spray-and-wait; zero means DefaultSprayCopies.
type Strategy struct {
	Kind   StrategyKind
	Copies int
}

func StoreAndForward() Strategy { return Strategy{Kind: KindStoreAndForward} }

func Epidemic() Strategy { return Strategy{Kind: KindEpidemic} }

func SprayAndWait(copies int) Strategy {
	return Strategy{Kind: KindSprayAndWait, Copies: copies}
}

func DefaultStrategy() Strategy {
	return SprayAndWait(DefaultSprayCopies)
}

// InitialCopies is the copy budget the strategy starts with.
func (s Strategy) InitialCopies() int {
	switch s.Kind {
	case KindSprayAndWait:
		if s.Copies > 0 {
			return s.Copies
		}
		return DefaultSprayCopies
	case KindEpidemic:
		return EpidemicCopies
	default:
		return 1
	}
}

// IsEpidemic reports whether the strategy replicates packets across several
// next hops.
func (s Strategy) IsEpidemic() bool {
	return s.Kind == KindEpidemic || s.Kind == KindSprayAndWait
}

func (s Strategy) String() string {
	switch s.Kind {
	case KindStoreAndForward:
		return "store_and_forward"
	case KindEpidemic:
		return "epidemic"
	case KindSprayAndWait:
		return fmt.Sprintf("spray_and_wait(%d)", s.InitialCopies())
	default:
		return fmt.Sprintf("strategy(%d)", uint8(s.Kind))
	}
}

// ParseStrategy reads a strategy name as written in configuration files.
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "store_and_forward", "store-and-forward":
		return StoreAndForward(), nil
	case "epidemic":
		return Epidemic(), nil
	case "spray_and_wait", "spray-and-wait", "":
		return DefaultStrategy(), nil
	default:
		return Strategy{}, fmt.Errorf("dtn: unknown strategy %q", name)
	}
}

// FanOut picks the next hops a relay decision actually uses. Candidates
// arrive best-first from the decision engine and the result preserves that
// order.
func FanOut[I identity.Peer](s Strategy, candidates []I) []I {
	if len(candidates) == 0 {
		return nil
	}
	n := s.InitialCopies()
	if s.Kind == KindEpidemic || n > len(candidates) {
		n = len(candidates)
	}
	out := make([]I, n)
	copy(out, candidates[:n])
	return out
}
