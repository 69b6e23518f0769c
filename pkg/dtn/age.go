package dtn

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/Sudo-Ivan/driftmesh-go/pkg/debug"
	"github.com/Sudo-Ivan/driftmesh-go/pkg/packet"
)

const (
	DefaultLifetime        = time.Hour
	MaxLifetime            = 7 * 24 * time.Hour
	DefaultCleanupInterval = time.Minute
)

// Demotion lowers packets older than After to priority To.
type Demotion struct {
	After time.Duration
	To    packet.Priority
}

// AgeConfig tunes lifetime capping and priority demotion. Demotions should
// be sorted by After ascending.
type AgeConfig struct {
	DefaultLifetime time.Duration
	MaxLifetime     time.Duration
	Demotions       []Demotion
	CleanupInterval time.Duration
}

func DefaultAgeConfig() AgeConfig {
	return AgeConfig{
		DefaultLifetime: DefaultLifetime,
		MaxLifetime:     MaxLifetime,
		Demotions: []Demotion{
			{After: 5 * time.Minute, To: packet.PriorityNormal},
			{After: 15 * time.Minute, To: packet.PriorityLow},
		},
		CleanupInterval: DefaultCleanupInterval,
	}
}

type ageRecord struct {
	createdAt time.Time
	expiresAt time.Time
	original  packet.Priority
}

// AgeManager expires packets by wall-clock age, independent of the hop TTL,
// and computes age-demoted priorities. It tracks IDs only; the packets
// themselves live in a PacketStore.
type AgeManager struct {
	cfg AgeConfig
	clk clock.Clock

	mu      sync.RWMutex
	tracked map[packet.ID]ageRecord
}

func NewAgeManager(cfg AgeConfig) *AgeManager {
	if cfg.DefaultLifetime <= 0 {
		cfg.DefaultLifetime = DefaultLifetime
	}
	if cfg.MaxLifetime <= 0 {
		cfg.MaxLifetime = MaxLifetime
	}
	return &AgeManager{
		cfg:     cfg,
		clk:     clock.New(),
		tracked: make(map[packet.ID]ageRecord),
	}
}

func (m *AgeManager) WithClock(clk clock.Clock) *AgeManager {
	m.clk = clk
	return m
}

// Track registers a packet for expiry. A zero lifetime takes the default;
// anything longer than the configured maximum is capped. Re-tracking an ID
// overwrites its record.
func (m *AgeManager) Track(id packet.ID, createdAt time.Time, priority packet.Priority, lifetime time.Duration) {
	if lifetime <= 0 {
		lifetime = m.cfg.DefaultLifetime
	}
	if lifetime > m.cfg.MaxLifetime {
		lifetime = m.cfg.MaxLifetime
	}

	m.mu.Lock()
	m.tracked[id] = ageRecord{
		createdAt: createdAt,
		expiresAt: createdAt.Add(lifetime),
		original:  priority,
	}
	m.mu.Unlock()
}

func (m *AgeManager) Untrack(id packet.ID) {
	m.mu.Lock()
	delete(m.tracked, id)
	m.mu.Unlock()
}

func (m *AgeManager) IsTracked(id packet.ID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.tracked[id]
	return ok
}

// IsExpired reports whether a tracked packet has outlived its lifetime.
// Untracked IDs are never expired.
func (m *AgeManager) IsExpired(id packet.ID) bool {
	m.mu.RLock()
	rec, ok := m.tracked[id]
	m.mu.RUnlock()
	return ok && m.clk.Now().After(rec.expiresAt)
}

// EffectivePriority applies age demotion to a packet's original priority.
// The strongest applicable demotion wins; demotion never raises priority.
func (m *AgeManager) EffectivePriority(createdAt time.Time, original packet.Priority) packet.Priority {
	age := m.clk.Now().Sub(createdAt)
	effective := original
	for _, d := range m.cfg.Demotions {
		if age >= d.After && d.To < effective {
			effective = d.To
		}
	}
	return effective
}

// Expired lists every tracked ID past its lifetime without untracking.
func (m *AgeManager) Expired() []packet.ID {
	now := m.clk.Now()

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []packet.ID
	for id, rec := range m.tracked {
		if now.After(rec.expiresAt) {
			out = append(out, id)
		}
	}
	return out
}

// Cleanup removes expired records and returns their IDs, for the sweep that
// also drops the packets themselves.
func (m *AgeManager) Cleanup() []packet.ID {
	now := m.clk.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []packet.ID
	for id, rec := range m.tracked {
		if now.After(rec.expiresAt) {
			out = append(out, id)
			delete(m.tracked, id)
		}
	}
	if len(out) > 0 {
		debug.Log(debug.DEBUG_VERBOSE, "Expired aged packets", "count", len(out))
	}
	return out
}

// TimeRemaining reports how long until expiry. The second return is false
// for untracked or already expired IDs.
func (m *AgeManager) TimeRemaining(id packet.ID) (time.Duration, bool) {
	m.mu.RLock()
	rec, ok := m.tracked[id]
	m.mu.RUnlock()
	if !ok {
		return 0, false
	}
	now := m.clk.Now()
	if now.After(rec.expiresAt) {
		return 0, false
	}
	return rec.expiresAt.Sub(now), true
}

// ExpiringSoon lists tracked IDs with at most threshold left to live.
func (m *AgeManager) ExpiringSoon(threshold time.Duration) []packet.ID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.clk.Now()
	var out []packet.ID
	for id, rec := range m.tracked {
		if !now.After(rec.expiresAt) && rec.expiresAt.Sub(now) <= threshold {
			out = append(out, id)
		}
	}
	return out
}

// ByExpiration returns every tracked ID, soonest expiry first.
func (m *AgeManager) ByExpiration() []packet.ID {
	m.mu.RLock()
	type entry struct {
		id packet.ID
		at time.Time
	}
	entries := make([]entry, 0, len(m.tracked))
	for id, rec := range m.tracked {
		entries = append(entries, entry{id: id, at: rec.expiresAt})
	}
	m.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].at.Equal(entries[j].at) {
			return entries[i].id.Less(entries[j].id)
		}
		return entries[i].at.Before(entries[j].at)
	})
	out := make([]packet.ID, len(entries))
	for i, e := range entries {
		out[i] = e.id
	}
	return out
}

func (m *AgeManager) TrackedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tracked)
}

func (m *AgeManager) CleanupInterval() time.Duration {
	if m.cfg.CleanupInterval <= 0 {
		return DefaultCleanupInterval
	}
	return m.cfg.CleanupInterval
}
