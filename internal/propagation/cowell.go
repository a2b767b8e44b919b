package propagation

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/star/orbitguard/internal/fault"
)

// DefaultIntegrationStep is the RK4 step used when none is configured.
const DefaultIntegrationStep = 10 * time.Second

// Integrator propagates a Cartesian state under two-body gravity plus J2 with
// a fixed-step fourth-order Runge-Kutta scheme. It is used where there are no
// mean elements to feed SGP4: states that have just received a burn.
type Integrator struct {
	Step time.Duration
}

// Propagate integrates s forward and returns the states at each of times,
// which must be ascending and not before s.Time.
func (in Integrator) Propagate(s StateVector, times []time.Time) ([]StateVector, error) {
	step := in.Step
	if step <= 0 {
		step = DefaultIntegrationStep
	}

	out := make([]StateVector, 0, len(times))
	cur := s
	for _, target := range times {
		if target.Before(cur.Time) {
			return out, fmt.Errorf("target time %s precedes state time %s",
				target.UTC().Format(time.RFC3339Nano), cur.Time.UTC().Format(time.RFC3339Nano))
		}
		for cur.Time.Before(target) {
			h := step
			if rem := target.Sub(cur.Time); rem < h {
				h = rem
			}
			cur = rk4(cur, h)
			if r := r3.Norm(cur.Position); r < EarthRadiusKm || math.IsNaN(r) {
				return out, fault.Errorf(fault.InvalidOrbit, "object %d: trajectory intersects the Earth at %s",
					cur.ObjectID, cur.Time.UTC().Format(time.RFC3339))
			}
		}
		out = append(out, cur)
	}
	return out, nil
}

// PropagateTo integrates s to a single instant.
func (in Integrator) PropagateTo(s StateVector, t time.Time) (StateVector, error) {
	out, err := in.Propagate(s, []time.Time{t})
	if err != nil {
		return StateVector{}, err
	}
	return out[0], nil
}

func rk4(s StateVector, step time.Duration) StateVector {
	h := step.Seconds()
	r, v := s.Position, s.Velocity

	k1r, k1v := v, gravity(r, true)
	p2, w2 := r3.Add(r, r3.Scale(h/2, k1r)), r3.Add(v, r3.Scale(h/2, k1v))
	k2r, k2v := w2, gravity(p2, true)
	p3, w3 := r3.Add(r, r3.Scale(h/2, k2r)), r3.Add(v, r3.Scale(h/2, k2v))
	k3r, k3v := w3, gravity(p3, true)
	p4, w4 := r3.Add(r, r3.Scale(h, k3r)), r3.Add(v, r3.Scale(h, k3v))
	k4r, k4v := w4, gravity(p4, true)

	return StateVector{
		ObjectID: s.ObjectID,
		Position: r3.Add(r, r3.Scale(h/6, sum4(k1r, k2r, k3r, k4r))),
		Velocity: r3.Add(v, r3.Scale(h/6, sum4(k1v, k2v, k3v, k4v))),
		Time:     s.Time.Add(step),
	}
}

// sum4 returns a + 2b + 2c + d.
func sum4(a, b, c, d r3.Vec) r3.Vec {
	return r3.Add(r3.Add(a, d), r3.Scale(2, r3.Add(b, c)))
}

// gravity returns the point-mass acceleration (km/s²) at r, plus the J2
// zonal term when withJ2 is set.
func gravity(r r3.Vec, withJ2 bool) r3.Vec {
	rn := r3.Norm(r)
	rn3 := rn * rn * rn
	a := r3.Scale(-MuEarth/rn3, r)
	if !withJ2 {
		return a
	}

	k := 1.5 * J2 * MuEarth * EarthRadiusKm * EarthRadiusKm / (rn3 * rn * rn)
	z2 := 5 * r.Z * r.Z / (rn * rn)
	return r3.Add(a, r3.Vec{
		X: k * r.X * (z2 - 1),
		Y: k * r.Y * (z2 - 1),
		Z: k * r.Z * (z2 - 3),
	})
}
