// Package maneuver evaluates and searches impulsive collision-avoidance
// burns.
//
// A burn is applied to the object's nominal state at burn time and the
// perturbed state is carried to TCA with a Cowell integrator. Only the
// difference between the perturbed and an unperturbed integration is added
// to the nominal trajectory, so the nominal keeps the fidelity of the
// catalog propagator and a zero burn reproduces the baseline bit for bit.
package maneuver

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/star/orbitguard/internal/conjunction"
	"github.com/star/orbitguard/internal/fault"
	"github.com/star/orbitguard/internal/propagation"
	"github.com/star/orbitguard/internal/transform"
)

// Resolver looks up the nominal orbit of a catalog object.
type Resolver interface {
	Orbit(id int) (propagation.Orbit, error)
}

// Request is one simulated burn.
type Request struct {
	ObjectID   int
	DeltaVRIC  r3.Vec // km/s; X radial, Y in-track, Z cross-track
	Spacecraft Spacecraft
	Event      conjunction.Event
	BurnTime   time.Time // zero means now
}

// Alternative is another burn the caller may trade against the primary.
type Alternative struct {
	DeltaVRIC         r3.Vec
	BurnTime          time.Time
	NewMissDistanceKm float64
	FuelCostKg        float64
	Description       string
}

// Result is the outcome of a simulated burn. Success is the fuel feasibility
// of the burn; the geometry is reported either way.
type Result struct {
	Success bool
	Kind    fault.Kind // reason when Success is false
	Message string

	ObjectID               int
	ThreatID               int
	BurnTime               time.Time
	TCA                    time.Time
	DeltaVRIC              r3.Vec
	TotalDeltaVKmS         float64
	FuelCostKg             float64
	BurnDuration           time.Duration
	BaselineMissDistanceKm float64
	NewMissDistanceKm      float64

	PredictedTrajectory []propagation.StateVector
	Alternatives        []Alternative
}

// Config holds simulator settings.
type Config struct {
	TrajectoryPoints int // samples from burn to TCA, inclusive (default: 20)
}

// Simulator evaluates single burns. Safe for concurrent use.
type Simulator struct {
	resolver   Resolver
	integrator propagation.Integrator
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
}

// NewSimulator creates a Simulator.
func NewSimulator(resolver Resolver, integrator propagation.Integrator, cfg Config, logger *slog.Logger) *Simulator {
	if cfg.TrajectoryPoints < 2 {
		cfg.TrajectoryPoints = 20
	}
	return &Simulator{
		resolver:   resolver,
		integrator: integrator,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// scenario is everything about a (object, event, burn time) triple that does
// not depend on the delta-V.
type scenario struct {
	objectID   int
	threatID   int
	orbit      propagation.Orbit
	integrator propagation.Integrator

	burn      propagation.StateVector // nominal state at burn time
	frame     transform.RIC
	tca       time.Time
	ownTCA    r3.Vec // nominal position at TCA
	threatTCA r3.Vec
	reference propagation.StateVector // unperturbed Cowell state at TCA
}

func (s *Simulator) prepare(objectID int, ev conjunction.Event, burnTime time.Time) (*scenario, error) {
	if !ev.Involves(objectID) {
		return nil, fault.Errorf(fault.InvalidInput, "object %d is not part of conjunction %d/%d", objectID, ev.ObjectA, ev.ObjectB)
	}
	if burnTime.IsZero() {
		burnTime = s.now()
	}
	if !burnTime.Before(ev.TCA) {
		return nil, fault.Errorf(fault.InvalidInput, "burn time %s is not before TCA %s",
			burnTime.UTC().Format(time.RFC3339), ev.TCA.UTC().Format(time.RFC3339))
	}

	own, threat := ev.StateA, ev.StateB
	if ev.ObjectB == objectID {
		own, threat = ev.StateB, ev.StateA
	}

	orbit, err := s.resolver.Orbit(objectID)
	if err != nil {
		return nil, err
	}
	burn, err := orbit.StateAt(burnTime)
	if err != nil {
		return nil, err
	}
	frame, err := transform.NewRIC(burn.Position, burn.Velocity)
	if err != nil {
		return nil, fault.Errorf(fault.InvalidOrbit, "object %d: %w", objectID, err)
	}
	ref, err := s.integrator.PropagateTo(burn, ev.TCA)
	if err != nil {
		return nil, err
	}

	return &scenario{
		objectID:   objectID,
		threatID:   ev.Other(objectID),
		orbit:      orbit,
		integrator: s.integrator,
		burn:       burn,
		frame:      frame,
		tca:        ev.TCA,
		ownTCA:     own.Position,
		threatTCA:  threat.Position,
		reference:  ref,
	}, nil
}

// kicked returns the nominal burn-time state with dv applied.
func (sc *scenario) kicked(dvRIC r3.Vec) propagation.StateVector {
	s := sc.burn
	s.Velocity = r3.Add(s.Velocity, sc.frame.ToInertial(dvRIC))
	return s
}

// baseline is the unperturbed miss vector at TCA.
func (sc *scenario) baseline() r3.Vec {
	return r3.Sub(sc.ownTCA, sc.threatTCA)
}

// missVector returns own − threat at TCA after dv.
func (sc *scenario) missVector(dvRIC r3.Vec) (r3.Vec, error) {
	if dvRIC == (r3.Vec{}) {
		return sc.baseline(), nil
	}
	pert, err := sc.integrator.PropagateTo(sc.kicked(dvRIC), sc.tca)
	if err != nil {
		return r3.Vec{}, err
	}
	shift := r3.Sub(pert.Position, sc.reference.Position)
	return r3.Sub(r3.Add(sc.ownTCA, shift), sc.threatTCA), nil
}

func (sc *scenario) miss(dvRIC r3.Vec) (float64, error) {
	m, err := sc.missVector(dvRIC)
	if err != nil {
		return 0, err
	}
	return r3.Norm(m), nil
}

// trajectory samples the perturbed path from burn to TCA.
func (sc *scenario) trajectory(dvRIC r3.Vec, points int) ([]propagation.StateVector, error) {
	span := sc.tca.Sub(sc.burn.Time)
	times := make([]time.Time, points)
	for i := range times {
		times[i] = sc.burn.Time.Add(time.Duration(float64(span) * float64(i) / float64(points-1)))
	}
	times[points-1] = sc.tca

	pert, err := sc.integrator.Propagate(sc.kicked(dvRIC), times)
	if err != nil {
		return nil, err
	}
	ref, err := sc.integrator.Propagate(sc.burn, times)
	if err != nil {
		return nil, err
	}

	out := make([]propagation.StateVector, points)
	for i, t := range times {
		nominal, err := sc.orbit.StateAt(t)
		if err != nil {
			return nil, err
		}
		out[i] = propagation.StateVector{
			ObjectID: sc.objectID,
			Position: r3.Add(nominal.Position, r3.Sub(pert[i].Position, ref[i].Position)),
			Velocity: r3.Add(nominal.Velocity, r3.Sub(pert[i].Velocity, ref[i].Velocity)),
			Time:     t,
		}
	}
	return out, nil
}

// Simulate applies req.DeltaVRIC at req.BurnTime and reports the new miss
// distance against the unperturbed threat. Errors are returned only for
// input that cannot be simulated; an unaffordable burn is a Result with
// Success false.
func (s *Simulator) Simulate(req Request) (*Result, error) {
	if err := req.Spacecraft.Validate(); err != nil {
		return nil, err
	}
	if !isFinite(req.DeltaVRIC) {
		return nil, fault.Errorf(fault.InvalidInput, "delta-V must be finite")
	}
	sc, err := s.prepare(req.ObjectID, req.Event, req.BurnTime)
	if err != nil {
		return nil, err
	}
	res, err := s.evaluate(sc, req.DeltaVRIC, req.Spacecraft)
	if err != nil {
		return nil, err
	}

	res.Alternatives, err = axisAlternatives(sc, req.DeltaVRIC, req.Spacecraft)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("maneuver simulated",
		"norad_id", req.ObjectID,
		"threat_id", sc.threatID,
		"delta_v_mps", res.TotalDeltaVKmS*1000,
		"fuel_kg", res.FuelCostKg,
		"baseline_miss_km", res.BaselineMissDistanceKm,
		"new_miss_km", res.NewMissDistanceKm,
		"success", res.Success,
	)
	return res, nil
}

// evaluate produces the full Result for one delta-V without alternatives.
func (s *Simulator) evaluate(sc *scenario, dvRIC r3.Vec, craft Spacecraft) (*Result, error) {
	miss, err := sc.miss(dvRIC)
	if err != nil {
		return nil, err
	}
	traj, err := sc.trajectory(dvRIC, s.cfg.TrajectoryPoints)
	if err != nil {
		return nil, err
	}

	dv := r3.Norm(dvRIC)
	fuel := FuelCost(craft.MassKg, craft.IspS, dv)
	res := &Result{
		ObjectID:               sc.objectID,
		ThreatID:               sc.threatID,
		BurnTime:               sc.burn.Time,
		TCA:                    sc.tca,
		DeltaVRIC:              dvRIC,
		TotalDeltaVKmS:         dv,
		FuelCostKg:             fuel,
		BurnDuration:           BurnDuration(fuel, craft.IspS, craft.MaxThrustN),
		BaselineMissDistanceKm: r3.Norm(sc.baseline()),
		NewMissDistanceKm:      miss,
		PredictedTrajectory:    traj,
		Success:                fuel <= craft.FuelMassKg,
	}
	if res.Success {
		res.Message = fmt.Sprintf("burn of %.3f m/s costs %.3f kg; miss distance %.3f km -> %.3f km",
			dv*1000, fuel, res.BaselineMissDistanceKm, miss)
	} else {
		res.Kind = fault.ManeuverInfeasible
		res.Message = fmt.Sprintf("burn of %.3f m/s needs %.3f kg of fuel but only %.3f kg is available (short by %.3f kg)",
			dv*1000, fuel, craft.FuelMassKg, fuel-craft.FuelMassKg)
	}
	return res, nil
}

var axes = [...]struct {
	dir  r3.Vec
	name string
}{
	{r3.Vec{X: 1}, "radial"},
	{r3.Vec{Y: 1}, "in-track"},
	{r3.Vec{Z: 1}, "cross-track"},
}

// axisAlternatives spends the same delta-V along each pure RIC axis, taking
// whichever sign separates more.
func axisAlternatives(sc *scenario, dvRIC r3.Vec, craft Spacecraft) ([]Alternative, error) {
	mag := r3.Norm(dvRIC)
	if mag == 0 {
		return nil, nil
	}
	fuel := FuelCost(craft.MassKg, craft.IspS, mag)

	out := make([]Alternative, 0, len(axes))
	for _, ax := range axes {
		plus := r3.Scale(mag, ax.dir)
		minus := r3.Scale(-mag, ax.dir)
		mp, err := sc.miss(plus)
		if err != nil {
			return nil, err
		}
		mm, err := sc.miss(minus)
		if err != nil {
			return nil, err
		}
		dv, miss, sign := plus, mp, "+"
		if mm > mp {
			dv, miss, sign = minus, mm, "-"
		}
		out = append(out, Alternative{
			DeltaVRIC:         dv,
			BurnTime:          sc.burn.Time,
			NewMissDistanceKm: miss,
			FuelCostKg:        fuel,
			Description:       fmt.Sprintf("pure %s (%s) at %.3f m/s", ax.name, sign, mag*1000),
		})
	}
	return out, nil
}

func isFinite(v r3.Vec) bool {
	for _, c := range [...]float64{v.X, v.Y, v.Z} {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}
