package conjunction

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/star/orbitguard/internal/catalog"
	"github.com/star/orbitguard/internal/fault"
	"github.com/star/orbitguard/internal/propagation"
	"github.com/star/orbitguard/internal/risk"
)

var (
	testLogger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	epoch      = time.Date(2024, 4, 9, 12, 0, 0, 0, time.UTC)
)

// crossingCatalog returns an equatorial and a polar circular orbit that
// meet near the ascending node at epoch, about 1 km apart, plus
// a bystander on the far side of the equatorial orbit.
func crossingCatalog(extra ...catalog.OrbitalElement) *catalog.Snapshot {
	elements := []catalog.OrbitalElement{
		{ID: 1, Name: "EQUATORIAL", Epoch: epoch, MeanMotion: 15.5},
		{ID: 2, Name: "POLAR", Epoch: epoch, InclinationDeg: 90, MeanAnomalyDeg: 0.012, MeanMotion: 15.5},
		{ID: 3, Name: "BYSTANDER", Epoch: epoch, MeanAnomalyDeg: 180, MeanMotion: 15.5},
	}
	return catalog.NewSnapshot(1, "test", epoch, append(elements, extra...))
}

func newDetector(cfg Config) *Detector {
	prop := propagation.NewPropagator(propagation.PropConfig{Workers: 2, Mode: propagation.ModeAnalytic}, testLogger)
	return NewDetector(prop, risk.NewAssessor(risk.Config{}), cfg, testLogger)
}

// bruteForceMinimum scans d(t) for the pair at fine resolution.
func bruteForceMinimum(t *testing.T, a, b catalog.OrbitalElement, from, to time.Time) (time.Time, float64) {
	t.Helper()
	oa, err := propagation.New(a, propagation.ModeAnalytic)
	require.NoError(t, err)
	ob, err := propagation.New(b, propagation.ModeAnalytic)
	require.NoError(t, err)

	dist := func(at time.Time) float64 {
		sa, err := oa.StateAt(at)
		require.NoError(t, err)
		sb, err := ob.StateAt(at)
		require.NoError(t, err)
		return r3.Norm(r3.Sub(sa.Position, sb.Position))
	}

	best, bestD := from, math.Inf(1)
	for at := from; !at.After(to); at = at.Add(10 * time.Millisecond) {
		if d := dist(at); d < bestD {
			best, bestD = at, d
		}
	}
	lo := best.Add(-10 * time.Millisecond)
	for at := lo; at.Before(best.Add(10 * time.Millisecond)); at = at.Add(100 * time.Microsecond) {
		if d := dist(at); d < bestD {
			best, bestD = at, d
		}
	}
	return best, bestD
}

func TestDetectFindsCrossing(t *testing.T) {
	snap := crossingCatalog()
	det := newDetector(Config{})
	start, end := epoch.Add(-10*time.Minute), epoch.Add(10*time.Minute)

	res, err := det.Detect(context.Background(), snap, start, end, 10)
	require.NoError(t, err)
	require.Len(t, res.Events, 1)

	ev := res.Events[0]
	assert.Equal(t, 1, ev.ObjectA)
	assert.Equal(t, 2, ev.ObjectB)
	assert.Equal(t, "EQUATORIAL", ev.NameA)
	assert.Equal(t, "POLAR", ev.NameB)
	assert.False(t, ev.LowConfidence)
	assert.Equal(t, 3, res.PairsScreened)
	assert.Equal(t, uint64(1), res.CatalogVersion)
	assert.Empty(t, res.Excluded)

	wantTCA, wantMiss := bruteForceMinimum(t, snap.Elements[0], snap.Elements[1], epoch.Add(-2*time.Minute), epoch.Add(2*time.Minute))
	assert.LessOrEqual(t, ev.TCA.Sub(wantTCA).Abs(), time.Second, "TCA %v vs brute force %v", ev.TCA, wantTCA)
	assert.InDelta(t, wantMiss, ev.MissDistanceKm, 0.01)
	assert.InDelta(t, 1.0, ev.MissDistanceKm, 0.1)

	// Polar and equatorial circular orbits cross at right angles.
	assert.InDelta(t, 7.66*math.Sqrt2, ev.RelativeVelocityKmS, 0.3)

	assert.False(t, ev.TCA.Before(start) || ev.TCA.After(end), "TCA outside horizon")
	assert.Equal(t, risk.TierFor(ev.Probability), ev.Tier)
	assert.Equal(t, risk.MethodProxy, ev.Method)
	assert.InDelta(t, ev.MissDistanceKm, r3.Norm(r3.Sub(ev.StateA.Position, ev.StateB.Position)), 1e-9)
}

func TestDetectMinimumInEdgeInterval(t *testing.T) {
	tests := []struct {
		name       string
		start, end time.Time
	}{
		{"inside first step", epoch.Add(-5 * time.Second), epoch.Add(10 * time.Minute)},
		{"inside last step", epoch.Add(-590 * time.Second), epoch.Add(5 * time.Second)},
		{"horizon shorter than one step", epoch.Add(-30 * time.Second), epoch.Add(20 * time.Second)},
	}
	snap := crossingCatalog()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := newDetector(Config{}).Detect(context.Background(), snap, tt.start, tt.end, 10)
			require.NoError(t, err)
			require.Len(t, res.Events, 1)

			ev := res.Events[0]
			assert.Equal(t, [2]int{1, 2}, [2]int{ev.ObjectA, ev.ObjectB})
			assert.False(t, ev.LowConfidence)
			assert.False(t, ev.TCA.Before(tt.start) || ev.TCA.After(tt.end), "TCA %v outside [%v, %v]", ev.TCA, tt.start, tt.end)

			from, to := epoch.Add(-time.Minute), epoch.Add(time.Minute)
			if tt.start.After(from) {
				from = tt.start
			}
			if tt.end.Before(to) {
				to = tt.end
			}
			wantTCA, wantMiss := bruteForceMinimum(t, snap.Elements[0], snap.Elements[1], from, to)
			assert.LessOrEqual(t, ev.TCA.Sub(wantTCA).Abs(), time.Second, "TCA %v vs brute force %v", ev.TCA, wantTCA)
			assert.InDelta(t, wantMiss, ev.MissDistanceKm, 0.01)
		})
	}
}

func TestDetectNoEdgeEventWithoutMinimum(t *testing.T) {
	tests := []struct {
		name       string
		start, end time.Time
	}{
		{"opening from the start", epoch.Add(5 * time.Second), epoch.Add(10 * time.Minute)},
		{"still closing at the end", epoch.Add(-10 * time.Minute), epoch.Add(-5 * time.Second)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := newDetector(Config{}).Detect(context.Background(), crossingCatalog(), tt.start, tt.end, 10)
			require.NoError(t, err)
			assert.Empty(t, res.Events, "the closest approach lies outside the horizon")
		})
	}
}

func TestDetectRiskOptions(t *testing.T) {
	det := newDetector(Config{})
	start, end := epoch.Add(-10*time.Minute), epoch.Add(10*time.Minute)

	res, err := det.Detect(context.Background(), crossingCatalog(), start, end, 10,
		WithHardBodyRadius(0.05), WithPositionSigma(0.5))
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	ev := res.Events[0]
	assert.Equal(t, risk.MethodMonteCarlo, ev.Method)
	require.NotNil(t, ev.MonteCarlo)
	assert.Equal(t, 0.05, ev.MonteCarlo.HardBodyRadiusKm)
	assert.Equal(t, det.assessor.Config().Samples, ev.MonteCarlo.Samples)

	res, err = det.Detect(context.Background(), crossingCatalog(), start, end, 10, WithPositionSigma(0))
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, risk.MethodProxy, res.Events[0].Method, "zero sigma keeps the configured proxy")

	_, err = det.Detect(context.Background(), crossingCatalog(), start, end, 10, WithHardBodyRadius(-1))
	assert.ErrorIs(t, err, fault.ErrInvalidInput)
	_, err = det.Detect(context.Background(), crossingCatalog(), start, end, 10, WithPositionSigma(math.NaN()))
	assert.ErrorIs(t, err, fault.ErrInvalidInput)
}

func TestDetectScreeningRadius(t *testing.T) {
	res, err := newDetector(Config{}).Detect(context.Background(), crossingCatalog(),
		epoch.Add(-10*time.Minute), epoch.Add(10*time.Minute), 0.9)
	require.NoError(t, err)
	assert.Empty(t, res.Events, "a 1 km miss must not pass a 0.9 km radius")
}

func TestDetectLowConfidence(t *testing.T) {
	det := newDetector(Config{MaxRefineIterations: 1})
	res, err := det.Detect(context.Background(), crossingCatalog(),
		epoch.Add(-10*time.Minute), epoch.Add(10*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, res.Events, 1)

	ev := res.Events[0]
	assert.True(t, ev.LowConfidence)
	assert.Equal(t, 1, res.LowConfidence)
	assert.True(t, ev.TCA.Equal(epoch), "coarse estimate should sit on the sample at epoch, got %v", ev.TCA)
	assert.Less(t, ev.MissDistanceKm, 10.0)
}

func TestDetectExcludesInvalidOrbits(t *testing.T) {
	decayed := catalog.OrbitalElement{ID: 4, Name: "DECAYED", Epoch: epoch, MeanMotion: 0}
	res, err := newDetector(Config{}).Detect(context.Background(), crossingCatalog(decayed),
		epoch.Add(-10*time.Minute), epoch.Add(10*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []int{4}, res.Excluded)
	assert.Len(t, res.Events, 1)
	assert.Equal(t, 3, res.PairsScreened)
}

func TestDetectRejectsBadInput(t *testing.T) {
	det := newDetector(Config{})
	ctx := context.Background()
	snap := crossingCatalog()

	_, err := det.Detect(ctx, catalog.NewSnapshot(1, "empty", epoch, nil), epoch, epoch.Add(time.Hour), 10)
	assert.ErrorIs(t, err, fault.ErrInvalidInput)

	_, err = det.Detect(ctx, nil, epoch, epoch.Add(time.Hour), 10)
	assert.ErrorIs(t, err, fault.ErrInvalidInput)

	_, err = det.Detect(ctx, snap, epoch, epoch, 10)
	assert.ErrorIs(t, err, fault.ErrInvalidInput)

	_, err = det.Detect(ctx, snap, epoch, epoch.Add(time.Hour), 0)
	assert.ErrorIs(t, err, fault.ErrInvalidInput)

	_, err = det.Detect(ctx, snap, epoch, epoch.Add(time.Hour), math.NaN())
	assert.ErrorIs(t, err, fault.ErrInvalidInput)
}

func TestDetectCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newDetector(Config{}).Detect(ctx, crossingCatalog(), epoch, epoch.Add(time.Hour), 10)
	assert.ErrorIs(t, err, fault.ErrCancelled)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestKeepDeepest(t *testing.T) {
	step := time.Minute
	events := []Event{
		{ObjectA: 1, ObjectB: 2, TCA: epoch, MissDistanceKm: 3},
		{ObjectA: 1, ObjectB: 3, TCA: epoch.Add(10 * time.Second), MissDistanceKm: 5},
		{ObjectA: 1, ObjectB: 2, TCA: epoch.Add(30 * time.Second), MissDistanceKm: 1},
		{ObjectA: 1, ObjectB: 2, TCA: epoch.Add(5 * time.Minute), MissDistanceKm: 2},
	}

	got := keepDeepest(events, step)
	require.Len(t, got, 3)
	assert.Equal(t, 1.0, got[0].MissDistanceKm)
	assert.True(t, got[0].TCA.Equal(epoch.Add(30*time.Second)))
	assert.Equal(t, 2.0, got[1].MissDistanceKm)
	assert.Equal(t, 3, got[2].ObjectB)
}

func TestGoldenSection(t *testing.T) {
	lo := epoch
	hi := epoch.Add(120 * time.Second)
	target := epoch.Add(37300 * time.Millisecond)
	f := func(at time.Time) (float64, error) {
		x := at.Sub(target).Seconds()
		return x * x, nil
	}

	m, err := goldenSection(f, lo, hi, time.Millisecond, 100)
	require.NoError(t, err)
	assert.True(t, m.converged)
	assert.LessOrEqual(t, m.t.Sub(target).Abs(), time.Millisecond)
	assert.False(t, m.t.Before(m.lo) || m.t.After(m.hi))

	m, err = goldenSection(f, lo, hi, time.Millisecond, 2)
	require.NoError(t, err)
	assert.False(t, m.converged)

	boom := errors.New("boom")
	_, err = goldenSection(func(time.Time) (float64, error) { return 0, boom }, lo, hi, time.Second, 10)
	assert.ErrorIs(t, err, boom)
}

func TestSampleTimes(t *testing.T) {
	got := sampleTimes(epoch, epoch.Add(150*time.Second), time.Minute)
	require.Len(t, got, 4)
	assert.True(t, got[3].Equal(epoch.Add(150*time.Second)))

	got = sampleTimes(epoch, epoch.Add(120*time.Second), time.Minute)
	require.Len(t, got, 3)
	assert.True(t, got[2].Equal(epoch.Add(120*time.Second)))
}

func TestPairBase(t *testing.T) {
	// Upper triangle of 4 objects: (0,1)(0,2)(0,3)(1,2)(1,3)(2,3).
	assert.Equal(t, 0, pairBase(4, 0))
	assert.Equal(t, 3, pairBase(4, 1))
	assert.Equal(t, 5, pairBase(4, 2))
}

func TestResultCountByTier(t *testing.T) {
	r := &Result{Events: []Event{{Tier: risk.TierHigh}, {Tier: risk.TierHigh}, {Tier: risk.TierLow}}}
	counts := r.CountByTier()
	assert.Equal(t, 2, counts[risk.TierHigh])
	assert.Equal(t, 1, counts[risk.TierLow])
	assert.Zero(t, counts[risk.TierCritical])
}
