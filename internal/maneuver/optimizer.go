package maneuver

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/star/orbitguard/internal/conjunction"
	"github.com/star/orbitguard/internal/fault"
)

// OptimizeRequest asks for the cheapest burn that opens the miss distance
// of Event to TargetMissDistanceKm.
type OptimizeRequest struct {
	ObjectID             int
	ThreatID             int
	TargetMissDistanceKm float64
	TimeToTCA            time.Duration // burn lead time before TCA; zero burns now
	Spacecraft           Spacecraft
	Event                conjunction.Event
}

// OptimizeResult is the primary recommendation, verified by a full
// simulation, plus the alternatives found on the way.
type OptimizeResult struct {
	Result
	TargetMissDistanceKm float64
	Iterations           int
}

// OptimizerConfig holds search settings.
type OptimizerConfig struct {
	ProbeKmS        float64 // finite-difference probe size (default: 1e-4 km/s)
	ToleranceKm     float64 // accepted overshoot above the target (default: 0.01 km)
	MaxIterations   int     // line-search evaluations per direction (default: 60)
	MaxAlternatives int     // default: 4
}

// Optimizer searches delta-V space for minimum-fuel avoidance burns.
type Optimizer struct {
	sim    *Simulator
	cfg    OptimizerConfig
	logger *slog.Logger
}

// NewOptimizer creates an Optimizer on top of sim.
func NewOptimizer(sim *Simulator, cfg OptimizerConfig, logger *slog.Logger) *Optimizer {
	if cfg.ProbeKmS <= 0 {
		cfg.ProbeKmS = 1e-4
	}
	if cfg.ToleranceKm <= 0 {
		cfg.ToleranceKm = 0.01
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 60
	}
	if cfg.MaxAlternatives <= 0 {
		cfg.MaxAlternatives = 4
	}
	return &Optimizer{sim: sim, cfg: cfg, logger: logger}
}

// direction is a unit RIC search direction.
type direction struct {
	dir  r3.Vec
	name string
}

// searchOutcome is the line-search result along one direction.
type searchOutcome struct {
	direction
	magnitude float64 // km/s
	miss      float64 // km
	reached   bool    // miss >= target
	converged bool    // reached within tolerance
	exhausted bool    // ran out of iterations before bracketing the target
	evals     int
}

// Optimize runs the search. It returns an error only for invalid input,
// unusable orbits, or cancellation; failing to find a feasible burn is a
// result with Success false.
func (o *Optimizer) Optimize(ctx context.Context, req OptimizeRequest) (*OptimizeResult, error) {
	if err := req.Spacecraft.Validate(); err != nil {
		return nil, err
	}
	if !(req.TargetMissDistanceKm > 0) || math.IsInf(req.TargetMissDistanceKm, 0) {
		return nil, fault.Errorf(fault.InvalidInput, "target miss distance %.3f km must be positive", req.TargetMissDistanceKm)
	}
	if req.TimeToTCA < 0 {
		return nil, fault.Errorf(fault.InvalidInput, "time to TCA %s must not be negative", req.TimeToTCA)
	}
	if !req.Event.Involves(req.ThreatID) || req.ThreatID == req.ObjectID {
		return nil, fault.Errorf(fault.InvalidInput, "object %d is not the threat in conjunction %d/%d",
			req.ThreatID, req.Event.ObjectA, req.Event.ObjectB)
	}

	var burnTime time.Time
	if req.TimeToTCA > 0 {
		burnTime = req.Event.TCA.Add(-req.TimeToTCA)
	}
	sc, err := o.sim.prepare(req.ObjectID, req.Event, burnTime)
	if err != nil {
		return nil, err
	}

	target := req.TargetMissDistanceKm
	craft := req.Spacecraft
	base := sc.baseline()

	if r3.Norm(base) >= target {
		return o.finish(sc, craft, target, &searchOutcome{direction: direction{name: "none"}, reached: true, converged: true}, nil, 0)
	}

	dvMax := DeltaVForFuel(craft.MassKg, craft.IspS, craft.FuelMassKg) * (1 - 1e-12)

	jac, err := o.jacobian(ctx, sc)
	if err != nil {
		return nil, err
	}

	var outcomes []*searchOutcome
	evals := 0
	for _, d := range candidateDirections(jac, base) {
		if err := ctx.Err(); err != nil {
			return nil, fault.Wrap(fault.Cancelled, err)
		}
		out, err := o.lineSearch(ctx, sc, d, jac, base, target, dvMax)
		if err != nil {
			return nil, err
		}
		evals += out.evals
		outcomes = append(outcomes, out)
	}

	// Cheapest converged direction first, then cheapest reaching one, then
	// the best attainable geometry.
	slices.SortStableFunc(outcomes, func(a, b *searchOutcome) int {
		if a.reached != b.reached {
			if a.reached {
				return -1
			}
			return 1
		}
		if a.reached {
			if a.converged != b.converged {
				if a.converged {
					return -1
				}
				return 1
			}
			return cmp.Compare(a.magnitude, b.magnitude)
		}
		return cmp.Compare(b.miss, a.miss)
	})

	return o.finish(sc, craft, target, outcomes[0], outcomes[1:], evals)
}

// finish verifies the primary with a full simulation and assembles the
// result.
func (o *Optimizer) finish(sc *scenario, craft Spacecraft, target float64, primary *searchOutcome, rest []*searchOutcome, evals int) (*OptimizeResult, error) {
	dv := r3.Scale(primary.magnitude, primary.dir)
	verified, err := o.sim.evaluate(sc, dv, craft)
	if err != nil {
		return nil, err
	}

	res := &OptimizeResult{Result: *verified, TargetMissDistanceKm: target, Iterations: evals}
	for _, alt := range rest {
		if len(res.Alternatives) == o.cfg.MaxAlternatives {
			break
		}
		adv := r3.Scale(alt.magnitude, alt.dir)
		res.Alternatives = append(res.Alternatives, Alternative{
			DeltaVRIC:         adv,
			BurnTime:          sc.burn.Time,
			NewMissDistanceKm: alt.miss,
			FuelCostKg:        FuelCost(craft.MassKg, craft.IspS, alt.magnitude),
			Description:       describe(alt, target),
		})
	}

	feasible := res.FuelCostKg <= craft.FuelMassKg
	switch {
	case !primary.reached && primary.exhausted:
		res.Success = false
		res.Kind = fault.OptimizationNotConverged
		res.Message = fmt.Sprintf("search stopped after %d iterations at %.3f m/s; best attainable is %.3f km for target %.3f km",
			o.cfg.MaxIterations, primary.magnitude*1000, res.NewMissDistanceKm, target)
	case !primary.reached:
		res.Success = false
		res.Kind = fault.ManeuverInfeasible
		res.Message = fmt.Sprintf("target miss distance %.3f km is not reachable with %.3f kg of fuel; best attainable is %.3f km (%s, %.3f m/s)",
			target, craft.FuelMassKg, res.NewMissDistanceKm, primary.name, primary.magnitude*1000)
	case !primary.converged:
		res.Success = false
		res.Kind = fault.OptimizationNotConverged
		res.Message = fmt.Sprintf("line search did not converge within %d iterations; best burn %.3f m/s reaches %.3f km for target %.3f km",
			o.cfg.MaxIterations, primary.magnitude*1000, res.NewMissDistanceKm, target)
	case !feasible || res.NewMissDistanceKm < target:
		res.Success = false
		res.Kind = fault.OptimizationNotConverged
		res.Message = fmt.Sprintf("verification failed: %.3f m/s gives %.3f km for %.3f kg",
			primary.magnitude*1000, res.NewMissDistanceKm, res.FuelCostKg)
	case primary.magnitude == 0:
		res.Success = true
		res.Kind = fault.KindUnknown
		res.Message = fmt.Sprintf("baseline miss distance %.3f km already meets the %.3f km target; no burn needed",
			res.BaselineMissDistanceKm, target)
	default:
		res.Success = true
		res.Kind = fault.KindUnknown
		res.Message = fmt.Sprintf("%s burn of %.3f m/s for %.3f kg opens the miss distance from %.3f km to %.3f km",
			primary.name, primary.magnitude*1000, res.FuelCostKg, res.BaselineMissDistanceKm, res.NewMissDistanceKm)
	}

	o.logger.Info("maneuver optimization complete",
		"norad_id", sc.objectID,
		"threat_id", sc.threatID,
		"success", res.Success,
		"kind", res.Kind.String(),
		"delta_v_mps", res.TotalDeltaVKmS*1000,
		"fuel_kg", res.FuelCostKg,
		"new_miss_km", res.NewMissDistanceKm,
		"evaluations", evals,
	)
	return res, nil
}

// jacobian estimates ∂(miss vector)/∂(delta-V RIC) at zero by central
// differences.
func (o *Optimizer) jacobian(ctx context.Context, sc *scenario) (*r3.Mat, error) {
	var firstErr error
	field := func(dv r3.Vec) r3.Vec {
		if firstErr != nil {
			return r3.Vec{}
		}
		if err := ctx.Err(); err != nil {
			firstErr = fault.Wrap(fault.Cancelled, err)
			return r3.Vec{}
		}
		m, err := sc.missVector(dv)
		if err != nil {
			firstErr = err
		}
		return m
	}

	jac := r3.NewMat(nil)
	probe := o.cfg.ProbeKmS
	jac.Jacobian(r3.Vec{}, r3.Vec{X: probe, Y: probe, Z: probe}, field)
	if firstErr != nil {
		return nil, firstErr
	}
	return jac, nil
}

// candidateDirections returns the first-order gradient of |miss|, the
// principal sensitivity axis, and the six signed RIC axes, without
// near-duplicates.
func candidateDirections(jac *r3.Mat, base r3.Vec) []direction {
	var out []direction
	add := func(v r3.Vec, name string) {
		if n := r3.Norm(v); n == 0 || math.IsNaN(n) {
			return
		}
		u := r3.Unit(v)
		for _, d := range out {
			if r3.Dot(d.dir, u) > 0.9999 {
				return
			}
		}
		out = append(out, direction{dir: u, name: name})
	}

	baseHat := r3.Unit(base)
	if r3.Norm(base) > 0 {
		add(jac.MulVecTrans(baseHat), "gradient")
	}

	var svd mat.SVD
	if svd.Factorize(jac, mat.SVDThin) {
		var v mat.Dense
		svd.VTo(&v)
		top := r3.Vec{X: v.At(0, 0), Y: v.At(1, 0), Z: v.At(2, 0)}
		if r3.Dot(jac.MulVec(top), baseHat) < 0 {
			top = r3.Scale(-1, top)
		}
		add(top, "principal axis")
	}

	for _, ax := range axes {
		add(ax.dir, "+"+ax.name)
		add(r3.Scale(-1, ax.dir), "-"+ax.name)
	}
	return out
}

// lineSearch finds the smallest magnitude along d whose miss reaches target,
// capped at dvMax: a linear prediction, doubling until the target is
// bracketed, then bisection until the miss is within tolerance above it.
func (o *Optimizer) lineSearch(ctx context.Context, sc *scenario, d direction, jac *r3.Mat, base r3.Vec, target, dvMax float64) (*searchOutcome, error) {
	out := &searchOutcome{direction: d}
	eval := func(m float64) (float64, error) {
		if err := ctx.Err(); err != nil {
			return 0, fault.Wrap(fault.Cancelled, err)
		}
		out.evals++
		return sc.miss(r3.Scale(m, d.dir))
	}

	hi := predictMagnitude(jac.MulVec(d.dir), base, target)
	if !(hi > 0) || math.IsInf(hi, 0) {
		hi = o.cfg.ProbeKmS
	}
	hi = math.Min(hi, dvMax)

	lo, loMiss := 0.0, r3.Norm(base)
	hiMiss, err := eval(hi)
	if err != nil {
		return nil, err
	}

	// Expand until the target is bracketed or the fuel runs out.
	for hiMiss < target {
		if hi >= dvMax || out.evals >= o.cfg.MaxIterations {
			out.exhausted = hi < dvMax
			out.magnitude, out.miss = hi, hiMiss
			if loMiss > hiMiss {
				out.magnitude, out.miss = lo, loMiss
			}
			return out, nil
		}
		lo, loMiss = hi, hiMiss
		hi = math.Min(2*hi, dvMax)
		if hiMiss, err = eval(hi); err != nil {
			return nil, err
		}
	}

	// Bisect [lo, hi]: miss(lo) < target <= miss(hi).
	out.reached = true
	for hiMiss-target > o.cfg.ToleranceKm && out.evals < o.cfg.MaxIterations {
		mid := (lo + hi) / 2
		m, err := eval(mid)
		if err != nil {
			return nil, err
		}
		if m >= target {
			hi, hiMiss = mid, m
		} else {
			lo = mid
		}
	}
	out.magnitude, out.miss = hi, hiMiss
	out.converged = hiMiss-target <= o.cfg.ToleranceKm
	return out, nil
}

// predictMagnitude solves |base + m·u| = target for the smallest m > 0.
func predictMagnitude(u, base r3.Vec, target float64) float64 {
	a := r3.Dot(u, u)
	if a == 0 {
		return math.Inf(1)
	}
	b := r3.Dot(base, u)
	c := r3.Dot(base, base) - target*target
	disc := b*b - a*c
	if disc < 0 {
		return math.Inf(1)
	}
	return (-b + math.Sqrt(disc)) / a
}

func describe(s *searchOutcome, target float64) string {
	if s.reached {
		return fmt.Sprintf("%s burn of %.3f m/s reaches %.3f km", s.name, s.magnitude*1000, s.miss)
	}
	return fmt.Sprintf("%s burn of %.3f m/s reaches only %.3f km of %.3f km", s.name, s.magnitude*1000, s.miss, target)
}
