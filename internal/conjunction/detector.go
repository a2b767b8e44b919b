// Package conjunction screens every pair of catalog objects over a time
// horizon and reports their local closest approaches.
//
// A pass runs in two phases. The coarse phase fills a state arena at fixed
// steps and keeps a three-sample distance window per pair; a sample lower
// than both neighbours brackets a local minimum. The first and last samples
// have one neighbour only, so the sign of the range rate stands in for the
// missing one: a pair still closing at the horizon start but farther apart
// at the second sample, or one that fell into the final sample and is
// already opening there, brackets a minimum in that edge interval.
// Brackets whose lower bound, the nearer distance less relative speed times
// one step, clears the screening radius are dropped before any refinement.
// The fine phase runs a golden-section search on each surviving bracket in
// parallel.
package conjunction

import (
	"context"
	"log/slog"
	"math"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/star/orbitguard/internal/catalog"
	"github.com/star/orbitguard/internal/fault"
	"github.com/star/orbitguard/internal/propagation"
	"github.com/star/orbitguard/internal/risk"
)

// Config holds detection settings.
type Config struct {
	CoarseStep          time.Duration // sampling interval (default: 60s)
	TimeTolerance       time.Duration // refined bracket width (default: 1s)
	MaxRefineIterations int           // golden-section iterations per candidate (default: 100)
	HardBodyRadiusKm    float64       // combined radius for risk (0: assessor default)
	MonteCarlo          bool          // sample with the assessor's isotropic covariance
	Workers             int           // screening and refinement parallelism (default: pool size)
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		CoarseStep:          60 * time.Second,
		TimeTolerance:       time.Second,
		MaxRefineIterations: 100,
	}
}

// Detector finds conjunctions in catalog snapshots. Safe for concurrent use;
// every Detect call owns its arena.
type Detector struct {
	prop     *propagation.Propagator
	assessor *risk.Assessor
	cfg      Config
	logger   *slog.Logger
}

// NewDetector creates a Detector. Zero config fields take their defaults.
func NewDetector(prop *propagation.Propagator, assessor *risk.Assessor, cfg Config, logger *slog.Logger) *Detector {
	def := DefaultConfig()
	if cfg.CoarseStep <= 0 {
		cfg.CoarseStep = def.CoarseStep
	}
	if cfg.TimeTolerance <= 0 {
		cfg.TimeTolerance = def.TimeTolerance
	}
	if cfg.MaxRefineIterations <= 0 {
		cfg.MaxRefineIterations = def.MaxRefineIterations
	}
	if cfg.Workers <= 0 {
		cfg.Workers = prop.Pool().Workers()
	}
	return &Detector{prop: prop, assessor: assessor, cfg: cfg, logger: logger}
}

// Config returns the effective configuration.
func (d *Detector) Config() Config { return d.cfg }

// window is the rolling coarse history of one pair: the two previous
// distances, plus the relative speed and the sign of the range rate at the
// latest of them. seen counts the samples folded in.
type window struct {
	prev2, prev1 float64
	speed1       float64
	closing1     bool
	seen         int
}

// candidate is a bracketed local minimum awaiting refinement.
type candidate struct {
	slotA, slotB int
	lo, hi       time.Time
	coarseT      time.Time
	coarseD      float64
}

// Option adjusts how one pass assesses its events.
type Option func(*passOptions)

type passOptions struct {
	hbr   float64
	sigma float64
}

// WithHardBodyRadius replaces the configured combined hard-body radius, in
// km, for one pass. Zero keeps the configured value.
func WithHardBodyRadius(km float64) Option {
	return func(o *passOptions) { o.hbr = km }
}

// WithPositionSigma assesses every event of the pass by Monte-Carlo with an
// isotropic 1-σ position uncertainty of km per axis, whatever MonteCarlo is
// configured to. Zero keeps the configured behaviour.
func WithPositionSigma(km float64) Option {
	return func(o *passOptions) { o.sigma = km }
}

// Detect screens snap over [start, end] and returns the ranked events whose
// miss distance is within radiusKm. The snapshot is never modified; the pass
// sees exactly the elements it was given.
func (d *Detector) Detect(ctx context.Context, snap *catalog.Snapshot, start, end time.Time, radiusKm float64, opts ...Option) (*Result, error) {
	if snap.Len() == 0 {
		return nil, fault.Errorf(fault.InvalidInput, "catalog is empty")
	}
	if !end.After(start) {
		return nil, fault.Errorf(fault.InvalidInput, "horizon end %s is not after start %s",
			end.UTC().Format(time.RFC3339), start.UTC().Format(time.RFC3339))
	}
	if !(radiusKm > 0) || math.IsInf(radiusKm, 0) {
		return nil, fault.Errorf(fault.InvalidInput, "screening radius %.3f km must be positive", radiusKm)
	}
	var po passOptions
	for _, opt := range opts {
		opt(&po)
	}
	if !(po.hbr >= 0) || math.IsInf(po.hbr, 0) {
		return nil, fault.Errorf(fault.InvalidInput, "hard-body radius %g km must not be negative", po.hbr)
	}
	if !(po.sigma >= 0) || math.IsInf(po.sigma, 0) {
		return nil, fault.Errorf(fault.InvalidInput, "position sigma %g km must not be negative", po.sigma)
	}
	hbr := d.cfg.HardBodyRadiusKm
	if po.hbr > 0 {
		hbr = po.hbr
	}
	var cov *risk.Covariance
	switch {
	case po.sigma > 0:
		cov = risk.Isotropic(po.sigma)
	case d.cfg.MonteCarlo:
		cov = d.assessor.IsotropicCovariance()
	}

	began := time.Now()
	mode := d.prop.DefaultMode()
	set, err := d.prop.Orbits(snap, mode)
	if err != nil {
		return nil, err
	}

	excluded := make(map[int]bool, len(set.Invalid))
	for _, inv := range set.Invalid {
		excluded[inv.ObjectID] = true
	}

	arena := propagation.NewArena(set.Orbits)
	n := arena.Len()
	windows := make([]window, n*(n-1)/2)
	times := sampleTimes(start, end, d.cfg.CoarseStep)

	d.logger.Debug("conjunction scan started",
		"catalog_version", snap.Version,
		"objects", n,
		"pairs", len(windows),
		"samples", len(times),
		"mode", mode.String(),
	)

	var cands []candidate
	for k, t := range times {
		failed, err := arena.Fill(ctx, d.prop.Pool(), t)
		if err != nil {
			return nil, fault.Wrap(fault.Cancelled, err)
		}
		for _, f := range failed {
			excluded[f.ObjectID] = true
		}

		found, err := d.screenStep(ctx, arena, windows, k, times, radiusKm)
		if err != nil {
			return nil, fault.Wrap(fault.Cancelled, err)
		}
		cands = append(cands, found...)
	}
	cands = append(cands, d.endCandidates(arena, windows, times, radiusKm)...)

	events, err := d.refineAll(ctx, arena, cands, radiusKm, hbr, cov)
	if err != nil {
		return nil, fault.Wrap(fault.Cancelled, err)
	}

	events = slices.DeleteFunc(events, func(e Event) bool {
		return excluded[e.ObjectA] || excluded[e.ObjectB]
	})
	events = keepDeepest(events, d.cfg.CoarseStep)

	res := &Result{
		CatalogVersion:    snap.Version,
		Mode:              mode,
		HorizonStart:      start,
		HorizonEnd:        end,
		ScreeningRadiusKm: radiusKm,
		PairsScreened:     len(windows),
		Candidates:        len(cands),
	}
	for i := range events {
		if a, ok := snap.Lookup(events[i].ObjectA); ok {
			events[i].NameA = a.Name
		}
		if b, ok := snap.Lookup(events[i].ObjectB); ok {
			events[i].NameB = b.Name
		}
		if events[i].LowConfidence {
			res.LowConfidence++
		}
	}
	risk.Rank(events)
	res.Events = events

	for id := range excluded {
		res.Excluded = append(res.Excluded, id)
	}
	slices.Sort(res.Excluded)
	res.Duration = time.Since(began)

	d.logger.Info("conjunction scan complete",
		"catalog_version", snap.Version,
		"objects", n,
		"pairs", res.PairsScreened,
		"candidates", res.Candidates,
		"events", len(res.Events),
		"low_confidence", res.LowConfidence,
		"excluded", len(res.Excluded),
		"duration_ms", res.Duration.Milliseconds(),
	)
	return res, nil
}

// sampleTimes returns start, start+step, ... and always ends on end.
func sampleTimes(start, end time.Time, step time.Duration) []time.Time {
	times := make([]time.Time, 0, int(end.Sub(start)/step)+2)
	for t := start; t.Before(end); t = t.Add(step) {
		times = append(times, t)
	}
	return append(times, end)
}

// pairBase is the index of pair (i, i+1) in the flattened upper triangle.
func pairBase(n, i int) int {
	return i * (2*n - i - 1) / 2
}

// screenStep folds the arena's current states into every pair window and
// returns the minima bracketed by this sample. Rows are striped across
// goroutines; each pair window belongs to exactly one row.
func (d *Detector) screenStep(ctx context.Context, arena *propagation.Arena, windows []window, k int, times []time.Time, radiusKm float64) ([]candidate, error) {
	n := arena.Len()
	stripes := min(d.cfg.Workers, max(n, 1))
	found := make([][]candidate, stripes)
	reach := d.cfg.CoarseStep.Seconds()

	g, gctx := errgroup.WithContext(ctx)
	for stripe := 0; stripe < stripes; stripe++ {
		g.Go(func() error {
			for i := stripe; i < n; i += stripes {
				if err := gctx.Err(); err != nil {
					return err
				}
				sa, ok := arena.State(i)
				if !ok {
					continue
				}
				base := pairBase(n, i)
				for j := i + 1; j < n; j++ {
					sb, ok := arena.State(j)
					if !ok {
						continue
					}
					w := &windows[base+j-i-1]
					dr := r3.Sub(sa.Position, sb.Position)
					dv := r3.Sub(sa.Velocity, sb.Velocity)
					dist, speed := r3.Norm(dr), r3.Norm(dv)

					switch {
					case k >= 2 && w.seen >= 2 && w.prev2 > w.prev1 && w.prev1 <= dist && w.prev1-w.speed1*reach <= radiusKm:
						found[stripe] = append(found[stripe], candidate{
							slotA:   i,
							slotB:   j,
							lo:      times[k-2],
							hi:      times[k],
							coarseT: times[k-1],
							coarseD: w.prev1,
						})
					case k == 1 && w.seen == 1 && w.closing1 && w.prev1 < dist && w.prev1-w.speed1*reach <= radiusKm:
						// Still closing at the horizon start but already
						// opening by the second sample.
						found[stripe] = append(found[stripe], candidate{
							slotA:   i,
							slotB:   j,
							lo:      times[0],
							hi:      times[1],
							coarseT: times[0],
							coarseD: w.prev1,
						})
					}
					w.prev2, w.prev1, w.speed1 = w.prev1, dist, speed
					w.closing1 = r3.Dot(dr, dv) < 0
					w.seen++
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return slices.Concat(found...), nil
}

// endCandidates brackets minima in the last coarse interval: the distance
// fell into the final sample, yet the pair is already opening there. It
// runs once after the final sample has been folded into every window.
func (d *Detector) endCandidates(arena *propagation.Arena, windows []window, times []time.Time, radiusKm float64) []candidate {
	last := len(times) - 1
	if last < 1 {
		return nil
	}
	n := arena.Len()
	reach := d.cfg.CoarseStep.Seconds()

	var out []candidate
	for i := 0; i < n; i++ {
		base := pairBase(n, i)
		for j := i + 1; j < n; j++ {
			w := &windows[base+j-i-1]
			if w.seen != len(times) || w.closing1 || !(w.prev2 > w.prev1) || w.prev1-w.speed1*reach > radiusKm {
				continue
			}
			out = append(out, candidate{
				slotA:   i,
				slotB:   j,
				lo:      times[last-1],
				hi:      times[last],
				coarseT: times[last],
				coarseD: w.prev1,
			})
		}
	}
	return out
}

// refineAll refines candidates concurrently and drops those outside the
// screening radius.
func (d *Detector) refineAll(ctx context.Context, arena *propagation.Arena, cands []candidate, radiusKm, hbr float64, cov *risk.Covariance) ([]Event, error) {
	events := make([]Event, len(cands))
	keep := make([]bool, len(cands))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Workers)
	for i, c := range cands {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ev, ok := d.refine(arena.Orbit(c.slotA), arena.Orbit(c.slotB), c)
			if !ok || ev.MissDistanceKm > radiusKm {
				return nil
			}
			ev, ok = d.assess(ev, hbr, cov)
			events[i], keep[i] = ev, ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := events[:0]
	for i, ev := range events {
		if keep[i] {
			out = append(out, ev)
		}
	}
	return out, nil
}

// refine locates the minimum inside c's bracket. When the search fails or
// runs out of iterations the coarse sample is reported, flagged low
// confidence. ok is false only if the pair cannot be evaluated at all.
func (d *Detector) refine(oa, ob propagation.Orbit, c candidate) (Event, bool) {
	dist := func(t time.Time) (float64, error) {
		sa, err := oa.StateAt(t)
		if err != nil {
			return 0, err
		}
		sb, err := ob.StateAt(t)
		if err != nil {
			return 0, err
		}
		return r3.Norm(r3.Sub(sa.Position, sb.Position)), nil
	}

	tca := c.coarseT
	lowConfidence := true
	m, err := goldenSection(dist, c.lo, c.hi, d.cfg.TimeTolerance, d.cfg.MaxRefineIterations)
	switch {
	case err != nil:
		d.logger.Warn("refinement failed, using coarse estimate",
			"pair", [2]int{oa.ID(), ob.ID()}, "error", err)
	case !m.converged:
		d.logger.Warn("refinement did not converge, using coarse estimate",
			"pair", [2]int{oa.ID(), ob.ID()},
			"iterations", d.cfg.MaxRefineIterations,
			"error", fault.ErrScanIncomplete)
	default:
		tca = m.t
		lowConfidence = false
	}

	sa, errA := oa.StateAt(tca)
	sb, errB := ob.StateAt(tca)
	if errA != nil || errB != nil {
		return Event{}, false
	}
	if !lowConfidence {
		sa, sb = polish(oa, ob, sa, sb, m.lo, m.hi)
	}

	return Event{
		ObjectA:             oa.ID(),
		ObjectB:             ob.ID(),
		TCA:                 sa.Time,
		MissDistanceKm:      r3.Norm(r3.Sub(sa.Position, sb.Position)),
		RelativeVelocityKmS: r3.Norm(r3.Sub(sa.Velocity, sb.Velocity)),
		LowConfidence:       lowConfidence,
		StateA:              sa,
		StateB:              sb,
	}, true
}

// polish moves the refined TCA to the closest approach of straight-line
// relative motion, staying inside the final bracket. Over a bracket of a
// second or less this removes most of the residual miss-distance error.
func polish(oa, ob propagation.Orbit, sa, sb propagation.StateVector, lo, hi time.Time) (propagation.StateVector, propagation.StateVector) {
	dr := r3.Sub(sa.Position, sb.Position)
	dv := r3.Sub(sa.Velocity, sb.Velocity)
	vv := r3.Dot(dv, dv)
	if vv == 0 {
		return sa, sb
	}
	shift := time.Duration(-r3.Dot(dr, dv) / vv * float64(time.Second))
	t := sa.Time.Add(shift)
	if t.Before(lo) {
		t = lo
	}
	if t.After(hi) {
		t = hi
	}

	pa, errA := oa.StateAt(t)
	pb, errB := ob.StateAt(t)
	if errA != nil || errB != nil {
		return sa, sb
	}
	if r3.Norm(r3.Sub(pa.Position, pb.Position)) < r3.Norm(dr) {
		return pa, pb
	}
	return sa, sb
}

func (d *Detector) assess(ev Event, hbr float64, cov *risk.Covariance) (Event, bool) {
	a, err := d.assessor.Assess(ev.Encounter(), hbr, cov)
	if err != nil {
		d.logger.Warn("risk assessment failed", "pair", [2]int{ev.ObjectA, ev.ObjectB}, "error", err)
		return Event{}, false
	}
	return ev.WithAssessment(a), true
}

// keepDeepest applies the per-pair tie-break: minima of the same pair no
// more than one coarse step apart collapse to the one with the smaller miss
// distance.
func keepDeepest(events []Event, step time.Duration) []Event {
	slices.SortFunc(events, func(a, b Event) int {
		if a.ObjectA != b.ObjectA {
			return a.ObjectA - b.ObjectA
		}
		if a.ObjectB != b.ObjectB {
			return a.ObjectB - b.ObjectB
		}
		return a.TCA.Compare(b.TCA)
	})

	out := make([]Event, 0, len(events))
	for _, e := range events {
		last := len(out) - 1
		if last >= 0 && out[last].ObjectA == e.ObjectA && out[last].ObjectB == e.ObjectB &&
			e.TCA.Sub(out[last].TCA) <= step {
			if e.MissDistanceKm < out[last].MissDistanceKm {
				out[last] = e
			}
			continue
		}
		out = append(out, e)
	}
	return out
}
