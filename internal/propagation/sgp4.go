package propagation

import (
	"fmt"
	"math"
	"strings"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/star/orbitguard/internal/fault"
)

// SGP4 library choice: github.com/joshuaferrara/go-satellite
//
// Pure Go, explicit TEME output. Propagate() takes Satellite by value and
// whole-second time components, so error codes are invisible to the caller
// and sub-second instants need a local correction (see StateAt).

// minRadiusKm rejects states inside the Earth; SGP4 keeps producing numbers
// for decayed objects long after they stop being meaningful.
const (
	minRadiusKm = 6200.0
	maxRadiusKm = 1.0e6
)

// SGP4Propagator wraps the go-satellite library for a single object.
// Immutable after construction; safe for concurrent use.
type SGP4Propagator struct {
	sat satellite.Satellite
	id  int
}

// NewSGP4Propagator creates an SGP4 propagator from TLE lines.
//
// The lines are pre-validated because go-satellite calls log.Fatal on
// malformed input.
func NewSGP4Propagator(line1, line2 string, id int) (*SGP4Propagator, error) {
	if err := validateTLELines(line1, line2); err != nil {
		return nil, fault.Errorf(fault.InvalidOrbit, "object %d: %w", id, err)
	}

	sat := satellite.TLEToSat(strings.TrimSpace(line1), strings.TrimSpace(line2), satellite.GravityWGS84)
	if sat.Error != 0 {
		return nil, fault.Errorf(fault.InvalidOrbit, "object %d: sgp4 init failed: code=%d %s", id, sat.Error, sat.ErrorStr)
	}
	return &SGP4Propagator{sat: sat, id: id}, nil
}

func validateTLELines(line1, line2 string) error {
	line1 = strings.TrimSpace(line1)
	line2 = strings.TrimSpace(line2)

	if len(line1) != 69 {
		return fmt.Errorf("line1 length %d, expected 69", len(line1))
	}
	if len(line2) != 69 {
		return fmt.Errorf("line2 length %d, expected 69", len(line2))
	}
	if line1[0] != '1' {
		return fmt.Errorf("line1 must start with '1', got '%c'", line1[0])
	}
	if line2[0] != '2' {
		return fmt.Errorf("line2 must start with '2', got '%c'", line2[0])
	}
	return nil
}

// ID returns the object's catalog number.
func (p *SGP4Propagator) ID() int { return p.id }

// Mode returns ModeSGP4.
func (p *SGP4Propagator) Mode() Mode { return ModeSGP4 }

// StateAt returns the TEME state at t.
//
// SGP4 is evaluated at the whole second containing t and advanced over the
// remaining fraction with a second-order two-body step, which stays at the
// centimetre level for LEO.
func (p *SGP4Propagator) StateAt(t time.Time) (StateVector, error) {
	t = t.UTC()
	whole := t.Truncate(time.Second)
	frac := t.Sub(whole).Seconds()

	pos, vel := satellite.Propagate(p.sat,
		whole.Year(), int(whole.Month()), whole.Day(),
		whole.Hour(), whole.Minute(), whole.Second())

	r := r3.Vec{X: pos.X, Y: pos.Y, Z: pos.Z}
	v := r3.Vec{X: vel.X, Y: vel.Y, Z: vel.Z}
	if err := checkState(p.id, r, v); err != nil {
		return StateVector{}, err
	}

	if frac > 0 {
		a := gravity(r, false)
		r = r3.Add(r, r3.Add(r3.Scale(frac, v), r3.Scale(0.5*frac*frac, a)))
		v = r3.Add(v, r3.Scale(frac, a))
	}

	return StateVector{ObjectID: p.id, Position: r, Velocity: v, Time: t}, nil
}

// checkState rejects NaN/Inf output and radii outside a physical range.
func checkState(id int, r, v r3.Vec) error {
	for _, c := range [...]float64{r.X, r.Y, r.Z, v.X, v.Y, v.Z} {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return fault.Errorf(fault.InvalidOrbit, "object %d: propagated state is NaN/Inf", id)
		}
	}
	if mag := r3.Norm(r); mag < minRadiusKm || mag > maxRadiusKm {
		return fault.Errorf(fault.InvalidOrbit, "object %d: unreasonable radius %.1f km", id, mag)
	}
	return nil
}
