package propagation

import (
	"time"

	"github.com/star/orbitguard/internal/catalog"
	"github.com/star/orbitguard/internal/fault"
)

// Orbit produces an object's state at any instant. Implementations are
// immutable and deterministic: equal inputs give bit-identical outputs.
type Orbit interface {
	ID() int
	Mode() Mode
	StateAt(t time.Time) (StateVector, error)
}

// New builds the Orbit for el under the requested mode. Degenerate or
// decayed element sets fail with a fault.InvalidOrbit error.
func New(el catalog.OrbitalElement, mode Mode) (Orbit, error) {
	switch mode {
	case ModeSGP4:
		if !el.HasTLE() {
			return nil, fault.Errorf(fault.InvalidOrbit, "object %d: sgp4 mode requires TLE lines", el.ID)
		}
		return NewSGP4Propagator(el.Line1, el.Line2, el.ID)
	case ModeAnalytic:
		return NewKeplerPropagator(el)
	default:
		return nil, fault.Errorf(fault.InvalidInput, "unknown propagation mode %d", int(mode))
	}
}

// Propagate evaluates el at t under mode.
func Propagate(el catalog.OrbitalElement, t time.Time, mode Mode) (StateVector, error) {
	o, err := New(el, mode)
	if err != nil {
		return StateVector{}, err
	}
	return o.StateAt(t)
}
