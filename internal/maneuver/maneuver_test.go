package maneuver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/star/orbitguard/internal/catalog"
	"github.com/star/orbitguard/internal/conjunction"
	"github.com/star/orbitguard/internal/fault"
	"github.com/star/orbitguard/internal/propagation"
)

var (
	testLogger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	epoch      = time.Date(2024, 4, 9, 12, 0, 0, 0, time.UTC)
)

type orbitMap map[int]propagation.Orbit

func (m orbitMap) Orbit(id int) (propagation.Orbit, error) {
	o, ok := m[id]
	if !ok {
		return nil, fault.Errorf(fault.InvalidInput, "unknown object %d", id)
	}
	return o, nil
}

// crossing builds an equatorial/polar encounter at epoch about 1.4 km apart.
func crossing(t *testing.T) (orbitMap, conjunction.Event) {
	t.Helper()
	eq, err := propagation.New(catalog.OrbitalElement{ID: 1, Epoch: epoch, MeanMotion: 15.5}, propagation.ModeAnalytic)
	require.NoError(t, err)
	polar, err := propagation.New(catalog.OrbitalElement{ID: 2, Epoch: epoch, InclinationDeg: 90, MeanAnomalyDeg: 0.012, MeanMotion: 15.5}, propagation.ModeAnalytic)
	require.NoError(t, err)

	sa, err := eq.StateAt(epoch)
	require.NoError(t, err)
	sb, err := polar.StateAt(epoch)
	require.NoError(t, err)

	ev := conjunction.Event{
		ObjectA:             1,
		ObjectB:             2,
		TCA:                 epoch,
		MissDistanceKm:      r3.Norm(r3.Sub(sa.Position, sb.Position)),
		RelativeVelocityKmS: r3.Norm(r3.Sub(sa.Velocity, sb.Velocity)),
		StateA:              sa,
		StateB:              sb,
	}
	return orbitMap{1: eq, 2: polar}, ev
}

func testCraft() Spacecraft {
	return Spacecraft{MassKg: 1000, IspS: 300, MaxThrustN: 22, FuelMassKg: 50}
}

func newSimulator(res Resolver) *Simulator {
	return NewSimulator(res, propagation.Integrator{Step: 10 * time.Second}, Config{TrajectoryPoints: 12}, testLogger)
}

func TestFuelCost(t *testing.T) {
	// 1000 kg, Isp 300 s, 0.05 km/s.
	fuel := FuelCost(1000, 300, 0.05)
	assert.InDelta(t, 16.85, fuel, 0.01)
	assert.Equal(t, 0.0, FuelCost(1000, 300, 0))
	assert.Equal(t, FuelCost(1000, 300, 0.05), FuelCost(1000, 300, -0.05))
}

func TestRocketEquationRoundTrip(t *testing.T) {
	for _, dv := range []float64{1e-6, 1e-3, 0.05, 0.5, 2.5} {
		fuel := FuelCost(1000, 300, dv)
		back := DeltaVForFuel(1000, 300, fuel)
		assert.InEpsilon(t, dv, back, 1e-9, "dv=%g", dv)
	}
	assert.True(t, math.IsInf(DeltaVForFuel(1000, 300, 1000), 1))
}

func TestBurnDuration(t *testing.T) {
	// 16.85 kg at Isp 300 s through 22 N.
	d := BurnDuration(16.85, 300, 22)
	assert.InDelta(t, 16.85*300*G0/22, d.Seconds(), 1e-6)
	assert.Zero(t, BurnDuration(16.85, 300, 0))
}

func TestSpacecraftValidate(t *testing.T) {
	tests := []struct {
		name  string
		craft Spacecraft
		ok    bool
	}{
		{"valid", testCraft(), true},
		{"zero mass", Spacecraft{IspS: 300, FuelMassKg: 0}, false},
		{"zero isp", Spacecraft{MassKg: 1000, FuelMassKg: 10}, false},
		{"negative fuel", Spacecraft{MassKg: 1000, IspS: 300, FuelMassKg: -1}, false},
		{"fuel above mass", Spacecraft{MassKg: 10, IspS: 300, FuelMassKg: 11}, false},
		{"negative thrust", Spacecraft{MassKg: 1000, IspS: 300, MaxThrustN: -1}, false},
		{"NaN mass", Spacecraft{MassKg: math.NaN(), IspS: 300}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.craft.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, fault.ErrInvalidInput)
			}
		})
	}
}

func TestSimulateZeroDeltaVIsIdentity(t *testing.T) {
	orbits, ev := crossing(t)
	sim := newSimulator(orbits)

	res, err := sim.Simulate(Request{
		ObjectID:   1,
		Spacecraft: testCraft(),
		Event:      ev,
		BurnTime:   epoch.Add(-30 * time.Minute),
	})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, ev.MissDistanceKm, res.BaselineMissDistanceKm)
	assert.Equal(t, res.BaselineMissDistanceKm, res.NewMissDistanceKm)
	assert.Equal(t, 0.0, res.FuelCostKg)
	assert.Zero(t, res.TotalDeltaVKmS)
	assert.Empty(t, res.Alternatives)
	assert.Equal(t, 2, res.ThreatID)

	require.Len(t, res.PredictedTrajectory, 12)
	assert.True(t, res.PredictedTrajectory[0].Time.Equal(epoch.Add(-30*time.Minute)))
	last := res.PredictedTrajectory[11]
	assert.True(t, last.Time.Equal(epoch))
	assert.Equal(t, ev.StateA.Position, last.Position)
}

func TestSimulateFuelScenario(t *testing.T) {
	orbits, ev := crossing(t)
	sim := newSimulator(orbits)

	res, err := sim.Simulate(Request{
		ObjectID:   1,
		DeltaVRIC:  r3.Vec{Y: 0.05},
		Spacecraft: testCraft(),
		Event:      ev,
		BurnTime:   epoch.Add(-30 * time.Minute),
	})
	require.NoError(t, err)

	assert.True(t, res.Success, res.Message)
	assert.InDelta(t, 16.85, res.FuelCostKg, 0.01)
	assert.Less(t, res.FuelCostKg, 50.0)
	assert.InDelta(t, 0.05, res.TotalDeltaVKmS, 1e-15)
	assert.Greater(t, res.NewMissDistanceKm, res.BaselineMissDistanceKm)
	assert.InDelta(t, 16.85*300*G0/22, res.BurnDuration.Seconds(), 0.5)

	require.Len(t, res.Alternatives, 3)
	for _, alt := range res.Alternatives {
		assert.InDelta(t, 0.05, r3.Norm(alt.DeltaVRIC), 1e-15)
		assert.Equal(t, res.FuelCostKg, alt.FuelCostKg)
		assert.Greater(t, alt.NewMissDistanceKm, 0.0)
		assert.NotEmpty(t, alt.Description)
	}
}

func TestSimulateInfeasible(t *testing.T) {
	orbits, ev := crossing(t)
	sim := newSimulator(orbits)
	craft := testCraft()
	craft.FuelMassKg = 1

	res, err := sim.Simulate(Request{
		ObjectID:   2,
		DeltaVRIC:  r3.Vec{X: 0.05},
		Spacecraft: craft,
		Event:      ev,
		BurnTime:   epoch.Add(-20 * time.Minute),
	})
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, fault.ManeuverInfeasible, res.Kind)
	assert.Contains(t, res.Message, "short by")
	assert.Equal(t, 1, res.ThreatID)
	assert.NotEqual(t, res.BaselineMissDistanceKm, res.NewMissDistanceKm, "geometry is reported regardless of fuel")
}

func TestSimulateRejectsBadInput(t *testing.T) {
	orbits, ev := crossing(t)
	sim := newSimulator(orbits)
	base := Request{ObjectID: 1, Spacecraft: testCraft(), Event: ev, BurnTime: epoch.Add(-time.Hour)}

	tests := []struct {
		name   string
		mutate func(*Request)
	}{
		{"object not in event", func(r *Request) { r.ObjectID = 3 }},
		{"burn at TCA", func(r *Request) { r.BurnTime = epoch }},
		{"burn after TCA", func(r *Request) { r.BurnTime = epoch.Add(time.Minute) }},
		{"invalid craft", func(r *Request) { r.Spacecraft.IspS = 0 }},
		{"NaN delta-V", func(r *Request) { r.DeltaVRIC = r3.Vec{X: math.NaN()} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			tt.mutate(&req)
			_, err := sim.Simulate(req)
			assert.ErrorIs(t, err, fault.ErrInvalidInput)
		})
	}
}

func TestSimulateDefaultsBurnTimeToNow(t *testing.T) {
	orbits, ev := crossing(t)
	sim := newSimulator(orbits)
	sim.now = func() time.Time { return epoch.Add(-10 * time.Minute) }

	res, err := sim.Simulate(Request{ObjectID: 1, Spacecraft: testCraft(), Event: ev})
	require.NoError(t, err)
	assert.True(t, res.BurnTime.Equal(epoch.Add(-10*time.Minute)))
}

func newOptimizer(res Resolver, cfg OptimizerConfig) *Optimizer {
	return NewOptimizer(newSimulator(res), cfg, testLogger)
}

func TestOptimizeReachesTarget(t *testing.T) {
	orbits, ev := crossing(t)
	opt := newOptimizer(orbits, OptimizerConfig{})
	craft := testCraft()

	res, err := opt.Optimize(context.Background(), OptimizeRequest{
		ObjectID:             1,
		ThreatID:             2,
		TargetMissDistanceKm: 5,
		TimeToTCA:            45 * time.Minute,
		Spacecraft:           craft,
		Event:                ev,
	})
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)

	assert.GreaterOrEqual(t, res.NewMissDistanceKm, 5.0)
	assert.LessOrEqual(t, res.NewMissDistanceKm, 5.0+0.01)
	assert.LessOrEqual(t, res.FuelCostKg, craft.FuelMassKg)
	assert.Greater(t, res.TotalDeltaVKmS, 0.0)
	assert.LessOrEqual(t, len(res.Alternatives), 4)
	assert.True(t, res.BurnTime.Equal(epoch.Add(-45*time.Minute)))

	// Whatever the optimizer recommends must hold up in a plain simulation.
	check, err := opt.sim.Simulate(Request{
		ObjectID:   1,
		DeltaVRIC:  res.DeltaVRIC,
		Spacecraft: craft,
		Event:      ev,
		BurnTime:   res.BurnTime,
	})
	require.NoError(t, err)
	assert.True(t, check.Success)
	assert.LessOrEqual(t, check.FuelCostKg, craft.FuelMassKg)
	assert.GreaterOrEqual(t, check.NewMissDistanceKm, 5.0)
	assert.Equal(t, res.NewMissDistanceKm, check.NewMissDistanceKm)

	// No alternative that reaches the target is cheaper than the primary.
	for _, alt := range res.Alternatives {
		if alt.NewMissDistanceKm >= 5 {
			assert.GreaterOrEqual(t, alt.FuelCostKg, res.FuelCostKg, alt.Description)
		}
	}
}

func TestOptimizeAlreadySafe(t *testing.T) {
	orbits, ev := crossing(t)
	res, err := newOptimizer(orbits, OptimizerConfig{}).Optimize(context.Background(), OptimizeRequest{
		ObjectID:             1,
		ThreatID:             2,
		TargetMissDistanceKm: 1,
		TimeToTCA:            time.Hour,
		Spacecraft:           testCraft(),
		Event:                ev,
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Zero(t, res.TotalDeltaVKmS)
	assert.Zero(t, res.FuelCostKg)
	assert.Contains(t, res.Message, "no burn needed")
}

func TestOptimizeInfeasible(t *testing.T) {
	orbits, ev := crossing(t)
	craft := testCraft()
	craft.FuelMassKg = 0.001

	res, err := newOptimizer(orbits, OptimizerConfig{}).Optimize(context.Background(), OptimizeRequest{
		ObjectID:             1,
		ThreatID:             2,
		TargetMissDistanceKm: 50,
		TimeToTCA:            30 * time.Minute,
		Spacecraft:           craft,
		Event:                ev,
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, fault.ManeuverInfeasible, res.Kind)
	assert.Less(t, res.NewMissDistanceKm, 50.0)
	assert.LessOrEqual(t, res.FuelCostKg, craft.FuelMassKg)
	assert.Contains(t, res.Message, "best attainable")
}

func TestOptimizeNotConverged(t *testing.T) {
	orbits, ev := crossing(t)
	opt := newOptimizer(orbits, OptimizerConfig{MaxIterations: 1, ToleranceKm: 1e-12})

	res, err := opt.Optimize(context.Background(), OptimizeRequest{
		ObjectID:             1,
		ThreatID:             2,
		TargetMissDistanceKm: 5,
		TimeToTCA:            45 * time.Minute,
		Spacecraft:           testCraft(),
		Event:                ev,
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, fault.OptimizationNotConverged, res.Kind)
	assert.NotEmpty(t, res.Message)
}

func TestOptimizeCancelled(t *testing.T) {
	orbits, ev := crossing(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := newOptimizer(orbits, OptimizerConfig{}).Optimize(ctx, OptimizeRequest{
		ObjectID:             1,
		ThreatID:             2,
		TargetMissDistanceKm: 5,
		TimeToTCA:            45 * time.Minute,
		Spacecraft:           testCraft(),
		Event:                ev,
	})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, fault.ErrCancelled)
}

func TestOptimizeRejectsBadInput(t *testing.T) {
	orbits, ev := crossing(t)
	opt := newOptimizer(orbits, OptimizerConfig{})
	base := OptimizeRequest{ObjectID: 1, ThreatID: 2, TargetMissDistanceKm: 5, TimeToTCA: time.Hour, Spacecraft: testCraft(), Event: ev}

	for i, mutate := range []func(*OptimizeRequest){
		func(r *OptimizeRequest) { r.TargetMissDistanceKm = 0 },
		func(r *OptimizeRequest) { r.TimeToTCA = -time.Minute },
		func(r *OptimizeRequest) { r.ThreatID = 7 },
		func(r *OptimizeRequest) { r.ThreatID = 1 },
		func(r *OptimizeRequest) { r.Spacecraft.MassKg = 0 },
	} {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			req := base
			mutate(&req)
			_, err := opt.Optimize(context.Background(), req)
			assert.ErrorIs(t, err, fault.ErrInvalidInput)
		})
	}
}

func TestPredictMagnitude(t *testing.T) {
	// Moving straight away from a 1 km miss at 1 km per unit reaches 5 km at 4.
	m := predictMagnitude(r3.Vec{X: 1}, r3.Vec{X: 1}, 5)
	assert.InDelta(t, 4, m, 1e-12)
	// Perpendicular: sqrt(1 + m²) = 5.
	m = predictMagnitude(r3.Vec{Y: 1}, r3.Vec{X: 1}, 5)
	assert.InDelta(t, math.Sqrt(24), m, 1e-12)
	assert.True(t, math.IsInf(predictMagnitude(r3.Vec{}, r3.Vec{X: 1}, 5), 1))
}
