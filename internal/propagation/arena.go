package propagation

import (
	"context"
	"time"
)

// SlotError reports a propagation failure for one arena slot.
type SlotError struct {
	Slot     int
	ObjectID int
	Err      error
}

// Arena is a reusable buffer of one StateVector per object slot, all at the
// same instant. Fill overwrites it in place; anything that must outlive the
// next Fill has to go through Snapshot, which copies.
//
// An Arena is owned by a single scan and is not safe for concurrent Fill
// calls.
type Arena struct {
	orbits  []Orbit
	states  []StateVector
	enabled []bool
	time    time.Time
}

// NewArena allocates one slot per orbit, in order.
func NewArena(orbits []Orbit) *Arena {
	a := &Arena{
		orbits:  orbits,
		states:  make([]StateVector, len(orbits)),
		enabled: make([]bool, len(orbits)),
	}
	for i := range a.enabled {
		a.enabled[i] = true
	}
	return a
}

// Len returns the number of slots.
func (a *Arena) Len() int { return len(a.orbits) }

// Orbit returns the orbit bound to slot.
func (a *Arena) Orbit(slot int) Orbit { return a.orbits[slot] }

// Time returns the instant of the last Fill.
func (a *Arena) Time() time.Time { return a.time }

// Enabled reports whether slot still takes part in the pass.
func (a *Arena) Enabled(slot int) bool { return a.enabled[slot] }

// State returns the state in slot from the last Fill.
func (a *Arena) State(slot int) (StateVector, bool) {
	if !a.enabled[slot] {
		return StateVector{}, false
	}
	return a.states[slot], true
}

// Fill propagates all enabled slots to t using pool.
func (a *Arena) Fill(ctx context.Context, pool *WorkerPool, t time.Time) ([]SlotError, error) {
	a.time = t
	return pool.fill(ctx, a, t)
}

// Snapshot copies the enabled states out of the arena.
func (a *Arena) Snapshot() []StateVector {
	out := make([]StateVector, 0, len(a.states))
	for i, s := range a.states {
		if a.enabled[i] {
			out = append(out, s)
		}
	}
	return out
}
