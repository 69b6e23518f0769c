package dtn

import (
	"testing"

	"github.com/Sudo-Ivan/driftmesh-go/pkg/identity"
)

func TestStrategyInitialCopies(t *testing.T) {
	tests := []struct {
		name     string
		strategy Strategy
		want     int
	}{
		{"StoreAndForward", StoreAndForward(), 1},
		{"Epidemic", Epidemic(), EpidemicCopies},
		{"SprayExplicit", SprayAndWait(3), 3},
		{"SprayZeroDefaults", SprayAndWait(0), DefaultSprayCopies},
		{"Default", DefaultStrategy(), DefaultSprayCopies},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.strategy.InitialCopies(); got != tt.want {
				t.Errorf("InitialCopies() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestStrategyIsEpidemic(t *testing.T) {
	if StoreAndForward().IsEpidemic() {
		t.Error("StoreAndForward().IsEpidemic() = true")
	}
	if !Epidemic().IsEpidemic() {
		t.Error("Epidemic().IsEpidemic() = false")
	}
	if !SprayAndWait(2).IsEpidemic() {
		t.Error("SprayAndWait(2).IsEpidemic() = false")
	}
}

func TestStrategyString(t *testing.T) {
	tests := []struct {
		strategy Strategy
		want     string
	}{
		{StoreAndForward(), "store_and_forward"},
		{Epidemic(), "epidemic"},
		{SprayAndWait(2), "spray_and_wait(2)"},
		{SprayAndWait(0), "spray_and_wait(4)"},
	}
	for _, tt := range tests {
		if got := tt.strategy.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		name string
		want Strategy
	}{
		{"store_and_forward", StoreAndForward()},
		{"store-and-forward", StoreAndForward()},
		{"EPIDEMIC", Epidemic()},
		{"spray_and_wait", DefaultStrategy()},
		{"spray-and-wait", DefaultStrategy()},
		{"", DefaultStrategy()},
		{"  epidemic  ", Epidemic()},
	}
	for _, tt := range tests {
		got, err := ParseStrategy(tt.name)
		if err != nil {
			t.Errorf("ParseStrategy(%q) error: %v", tt.name, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseStrategy(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}

	if _, err := ParseStrategy("flood-everything"); err == nil {
		t.Error("ParseStrategy accepted an unknown name")
	}
}

func TestFanOut(t *testing.T) {
	candidates := []identity.Sim{'A', 'B', 'C', 'D', 'E'}

	tests := []struct {
		name     string
		strategy Strategy
		want     []identity.Sim
	}{
		{"StoreAndForwardTakesBest", StoreAndForward(), []identity.Sim{'A'}},
		{"EpidemicTakesAll", Epidemic(), []identity.Sim{'A', 'B', 'C', 'D', 'E'}},
		{"SprayTakesBudget", SprayAndWait(3), []identity.Sim{'A', 'B', 'C'}},
		{"SprayBudgetOverCandidates", SprayAndWait(9), []identity.Sim{'A', 'B', 'C', 'D', 'E'}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FanOut(tt.strategy, candidates)
			if len(got) != len(tt.want) {
				t.Fatalf("FanOut() returned %d hops, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("FanOut()[%d] = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestFanOutEmptyCandidates(t *testing.T) {
	if got := FanOut(Epidemic(), []identity.Sim(nil)); got != nil {
		t.Errorf("FanOut(no candidates) = %v, want nil", got)
	}
}

func TestFanOutCopiesInput(t *testing.T) {
	candidates := []identity.Sim{'A', 'B'}
	got := FanOut(Epidemic(), candidates)
	got[0] = 'Z'
	if candidates[0] != 'A' {
		t.Error("FanOut result aliases the candidate slice")
	}
}
