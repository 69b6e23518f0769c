package dtn

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/Sudo-Ivan/driftmesh-go/pkg/packet"
)

func ageID(seq uint64) packet.ID {
	return packet.ID{SourceHash: 0xaa, Sequence: seq}
}

func newTestAge() (*AgeManager, *clock.Mock) {
	clk := clock.NewMock()
	return NewAgeManager(DefaultAgeConfig()).WithClock(clk), clk
}

func TestAgeTrackAndExpire(t *testing.T) {
	m, clk := newTestAge()
	id := ageID(1)

	m.Track(id, clk.Now(), packet.PriorityNormal, time.Hour)
	if !m.IsTracked(id) {
		t.Fatal("IsTracked() = false after Track")
	}

	clk.Add(59 * time.Minute)
	if m.IsExpired(id) {
		t.Error("IsExpired() = true before the lifetime ran out")
	}
	if remaining, ok := m.TimeRemaining(id); !ok || remaining != time.Minute {
		t.Errorf("TimeRemaining() = (%v, %v), want (1m, true)", remaining, ok)
	}

	clk.Add(2 * time.Minute)
	if !m.IsExpired(id) {
		t.Error("IsExpired() = false after the lifetime ran out")
	}
	if _, ok := m.TimeRemaining(id); ok {
		t.Error("TimeRemaining() ok for an expired packet")
	}

	expired := m.Expired()
	if len(expired) != 1 || expired[0] != id {
		t.Errorf("Expired() = %v, want [%v]", expired, id)
	}
	if m.TrackedCount() != 1 {
		t.Error("Expired() untracked the packet")
	}

	cleaned := m.Cleanup()
	if len(cleaned) != 1 || cleaned[0] != id {
		t.Errorf("Cleanup() = %v, want [%v]", cleaned, id)
	}
	if m.TrackedCount() != 0 {
		t.Errorf("TrackedCount() = %d after Cleanup", m.TrackedCount())
	}
	if again := m.Cleanup(); len(again) != 0 {
		t.Errorf("second Cleanup() = %v, want empty", again)
	}
}

func TestAgeLifetimeCapping(t *testing.T) {
	m, clk := newTestAge()

	m.Track(ageID(1), clk.Now(), packet.PriorityNormal, 0)
	if remaining, _ := m.TimeRemaining(ageID(1)); remaining != DefaultLifetime {
		t.Errorf("zero lifetime tracked as %v, want default %v", remaining, DefaultLifetime)
	}

	m.Track(ageID(2), clk.Now(), packet.PriorityNormal, 30*24*time.Hour)
	if remaining, _ := m.TimeRemaining(ageID(2)); remaining != MaxLifetime {
		t.Errorf("oversized lifetime tracked as %v, want cap %v", remaining, MaxLifetime)
	}
}

func TestAgeEffectivePriority(t *testing.T) {
	m, clk := newTestAge()

	tests := []struct {
		name     string
		age      time.Duration
		original packet.Priority
		want     packet.Priority
	}{
		{"FreshCritical", 0, packet.PriorityCritical, packet.PriorityCritical},
		{"YoungHigh", 4 * time.Minute, packet.PriorityHigh, packet.PriorityHigh},
		{"AgingHigh", 6 * time.Minute, packet.PriorityHigh, packet.PriorityNormal},
		{"AgingCritical", 6 * time.Minute, packet.PriorityCritical, packet.PriorityNormal},
		{"OldCritical", 16 * time.Minute, packet.PriorityCritical, packet.PriorityLow},
		{"OldLowStaysLow", 16 * time.Minute, packet.PriorityLow, packet.PriorityLow},
		{"AgingNeverRaises", 6 * time.Minute, packet.PriorityLow, packet.PriorityLow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			createdAt := clk.Now().Add(-tt.age)
			if got := m.EffectivePriority(createdAt, tt.original); got != tt.want {
				t.Errorf("EffectivePriority(age=%v, %v) = %v, want %v",
					tt.age, tt.original, got, tt.want)
			}
		})
	}
}

func TestAgeUntrack(t *testing.T) {
	m, clk := newTestAge()
	id := ageID(1)

	m.Track(id, clk.Now(), packet.PriorityNormal, time.Minute)
	m.Untrack(id)

	if m.IsTracked(id) {
		t.Error("IsTracked() = true after Untrack")
	}

	clk.Add(time.Hour)
	if m.IsExpired(id) {
		t.Error("IsExpired() = true for an untracked packet")
	}
}

func TestAgeExpiringSoon(t *testing.T) {
	m, clk := newTestAge()

	m.Track(ageID(1), clk.Now(), packet.PriorityNormal, time.Minute)
	m.Track(ageID(2), clk.Now(), packet.PriorityNormal, time.Hour)

	soon := m.ExpiringSoon(5 * time.Minute)
	if len(soon) != 1 || soon[0] != ageID(1) {
		t.Errorf("ExpiringSoon(5m) = %v, want [%v]", soon, ageID(1))
	}

	// Already expired packets are not "expiring soon".
	clk.Add(2 * time.Minute)
	if soon := m.ExpiringSoon(5 * time.Minute); len(soon) != 0 {
		t.Errorf("ExpiringSoon(5m) = %v after expiry, want empty", soon)
	}
}

func TestAgeByExpiration(t *testing.T) {
	m, clk := newTestAge()

	m.Track(ageID(3), clk.Now(), packet.PriorityNormal, 3*time.Hour)
	m.Track(ageID(1), clk.Now(), packet.PriorityNormal, time.Hour)
	m.Track(ageID(2), clk.Now(), packet.PriorityNormal, 2*time.Hour)

	got := m.ByExpiration()
	want := []packet.ID{ageID(1), ageID(2), ageID(3)}
	if len(got) != len(want) {
		t.Fatalf("ByExpiration() returned %d ids, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ByExpiration()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestAgeConfigNormalization(t *testing.T) {
	m := NewAgeManager(AgeConfig{})
	if m.cfg.DefaultLifetime != DefaultLifetime {
		t.Errorf("DefaultLifetime = %v, want %v", m.cfg.DefaultLifetime, DefaultLifetime)
	}
	if m.cfg.MaxLifetime != MaxLifetime {
		t.Errorf("MaxLifetime = %v, want %v", m.cfg.MaxLifetime, MaxLifetime)
	}
	if m.CleanupInterval() != DefaultCleanupInterval {
		t.Errorf("CleanupInterval() = %v, want %v", m.CleanupInterval(), DefaultCleanupInterval)
	}
}
