// Package shared holds the process-wide state snapshot: all discovered
// pairs and nodes, plus the latest monitor signal per pair. It is
// explicitly constructed once at startup and passed to every component
// that needs it — no package-level singleton. The RWMutex guards only the
// pair list and the per-pair maps, which are fixed at construction and
// only read afterwards. Node fields are updated in place by probe.ApplyTo
// and MonitorState fields by their users, without taking this lock.
package shared

import (
	"sync"

	"github.com/Xie-Hui/solana-validator-switch/internal/domain"
)

// State is the in-memory snapshot of all discovered pairs and the most
// recent monitor state per pair.
type State struct {
	mu      sync.RWMutex
	pairs   []*domain.ValidatorPair
	monitor map[int]*domain.MonitorState

	// switchLocks holds one exclusive lock per pair index, acquired by the
	// Switch Orchestrator for the full lifetime of a switch so no two
	// switches on the same pair ever run concurrently and the monitor
	// never mutates identity state mid-switch.
	switchLocks map[int]*sync.Mutex
}

// New constructs a State from the pairs discovered at startup.
func New(pairs []*domain.ValidatorPair) *State {
	s := &State{
		pairs:       pairs,
		monitor:     make(map[int]*domain.MonitorState, len(pairs)),
		switchLocks: make(map[int]*sync.Mutex, len(pairs)),
	}
	for _, p := range pairs {
		s.monitor[p.Index] = domain.NewMonitorState(p.Index)
		s.switchLocks[p.Index] = &sync.Mutex{}
	}
	return s
}

// Pairs returns a snapshot slice of every configured pair.
func (s *State) Pairs() []*domain.ValidatorPair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.ValidatorPair, len(s.pairs))
	copy(out, s.pairs)
	return out
}

// Pair returns the pair at index, or nil if out of range.
func (s *State) Pair(index int) *domain.ValidatorPair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.pairs {
		if p.Index == index {
			return p
		}
	}
	return nil
}

// MonitorState returns the mutable monitor counters for a pair. The
// returned pointer is shared; callers (the Health Monitor writes the
// counters, the alert Dispatcher writes LastAlertAt) must not retain it
// across ticks without re-fetching.
func (s *State) MonitorState(pairIndex int) *domain.MonitorState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.monitor[pairIndex]
}

// SwitchLock returns the exclusive per-pair lock the orchestrator holds
// for the duration of a switch.
func (s *State) SwitchLock(pairIndex int) *sync.Mutex {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.switchLocks[pairIndex]
}
