package propagation

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/star/orbitguard/internal/catalog"
	"github.com/star/orbitguard/internal/fault"
)

const (
	deg2rad       = math.Pi / 180.0
	secondsPerDay = 86400.0

	keplerMaxIter = 50
	keplerTol     = 1e-12
)

// KeplerPropagator is the fast analytic model: a fixed conic whose node and
// perigee precess at the J2 secular rates. Immutable after construction.
type KeplerPropagator struct {
	id    int
	epoch time.Time

	a, e, inc       float64 // km, -, rad
	raan0, argp0, m float64 // rad at epoch
	n               float64 // rad/s
	raanDot         float64 // rad/s
	argpDot         float64 // rad/s
}

// NewKeplerPropagator derives the conic from mean elements.
func NewKeplerPropagator(el catalog.OrbitalElement) (*KeplerPropagator, error) {
	for _, v := range [...]float64{el.MeanMotion, el.Eccentricity, el.InclinationDeg, el.RAANDeg, el.ArgPerigeeDeg, el.MeanAnomalyDeg} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fault.Errorf(fault.InvalidOrbit, "object %d: non-finite element", el.ID)
		}
	}
	if el.MeanMotion <= 0 {
		return nil, fault.Errorf(fault.InvalidOrbit, "object %d: mean motion %.6f rev/day", el.ID, el.MeanMotion)
	}
	if el.Eccentricity < 0 || el.Eccentricity >= 1 {
		return nil, fault.Errorf(fault.InvalidOrbit, "object %d: eccentricity %.6f outside [0,1)", el.ID, el.Eccentricity)
	}

	n := el.MeanMotion * 2 * math.Pi / secondsPerDay
	a := math.Cbrt(MuEarth / (n * n))
	if perigee := a * (1 - el.Eccentricity); perigee < EarthRadiusKm {
		return nil, fault.Errorf(fault.InvalidOrbit, "object %d: perigee radius %.1f km below surface", el.ID, perigee)
	}

	inc := el.InclinationDeg * deg2rad
	p := a * (1 - el.Eccentricity*el.Eccentricity)
	k := 1.5 * n * J2 * (EarthRadiusKm / p) * (EarthRadiusKm / p)
	sinI := math.Sin(inc)

	return &KeplerPropagator{
		id:      el.ID,
		epoch:   el.Epoch,
		a:       a,
		e:       el.Eccentricity,
		inc:     inc,
		raan0:   el.RAANDeg * deg2rad,
		argp0:   el.ArgPerigeeDeg * deg2rad,
		m:       el.MeanAnomalyDeg * deg2rad,
		n:       n,
		raanDot: -k * math.Cos(inc),
		argpDot: k * (2 - 2.5*sinI*sinI),
	}, nil
}

// ID returns the object's catalog number.
func (k *KeplerPropagator) ID() int { return k.id }

// Mode returns ModeAnalytic.
func (k *KeplerPropagator) Mode() Mode { return ModeAnalytic }

// StateAt returns the inertial state at t.
func (k *KeplerPropagator) StateAt(t time.Time) (StateVector, error) {
	dt := t.Sub(k.epoch).Seconds()

	mean := math.Mod(k.m+k.n*dt, 2*math.Pi)
	if math.IsNaN(mean) {
		return StateVector{}, fault.Errorf(fault.InvalidOrbit, "object %d: mean anomaly is NaN", k.id)
	}
	ecc, err := solveKepler(mean, k.e)
	if err != nil {
		return StateVector{}, fault.Errorf(fault.InvalidOrbit, "object %d: %w", k.id, err)
	}

	cosE, sinE := math.Cos(ecc), math.Sin(ecc)
	root := math.Sqrt(1 - k.e*k.e)
	radius := k.a * (1 - k.e*cosE)

	// Perifocal (P, Q) components.
	xp := k.a * (cosE - k.e)
	yp := k.a * root * sinE
	f := math.Sqrt(MuEarth*k.a) / radius
	vxp := -f * sinE
	vyp := f * root * cosE

	raan := k.raan0 + k.raanDot*dt
	argp := k.argp0 + k.argpDot*dt
	cO, sO := math.Cos(raan), math.Sin(raan)
	cw, sw := math.Cos(argp), math.Sin(argp)
	ci, si := math.Cos(k.inc), math.Sin(k.inc)

	p := r3.Vec{X: cO*cw - sO*sw*ci, Y: sO*cw + cO*sw*ci, Z: sw * si}
	q := r3.Vec{X: -cO*sw - sO*cw*ci, Y: -sO*sw + cO*cw*ci, Z: cw * si}

	r := r3.Add(r3.Scale(xp, p), r3.Scale(yp, q))
	v := r3.Add(r3.Scale(vxp, p), r3.Scale(vyp, q))
	if err := checkState(k.id, r, v); err != nil {
		return StateVector{}, err
	}

	return StateVector{ObjectID: k.id, Position: r, Velocity: v, Time: t}, nil
}

// solveKepler solves M = E − e·sin E for E with Newton iteration.
func solveKepler(mean, e float64) (float64, error) {
	ecc := mean
	if e > 0.8 {
		ecc = math.Pi
	}
	for i := 0; i < keplerMaxIter; i++ {
		step := (ecc - e*math.Sin(ecc) - mean) / (1 - e*math.Cos(ecc))
		ecc -= step
		if math.Abs(step) < keplerTol {
			return ecc, nil
		}
	}
	return 0, fmt.Errorf("kepler equation did not converge for M=%.6f e=%.6f", mean, e)
}
