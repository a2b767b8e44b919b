package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/star/orbitguard/internal/catalog"
	"github.com/star/orbitguard/internal/conjunction"
	"github.com/star/orbitguard/internal/fault"
	"github.com/star/orbitguard/internal/maneuver"
	"github.com/star/orbitguard/internal/propagation"
	"github.com/star/orbitguard/internal/risk"
)

var (
	testLogger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	epoch      = time.Date(2024, 4, 9, 12, 0, 0, 0, time.UTC)
)

const issTLE = "ISS (ZARYA)\n1 25544U 98067A   24100.50000000  .00016717  00000-0  10270-3 0  9005\n2 25544  51.6400 100.0000 0001000   0.0000   0.0000 15.50000000    09\n"

// crossingElements meet near the ascending node at epoch about 1 km apart.
func crossingElements() []catalog.OrbitalElement {
	return []catalog.OrbitalElement{
		{ID: 1, Name: "EQUATORIAL", Epoch: epoch, MeanMotion: 15.5},
		{ID: 2, Name: "POLAR", Epoch: epoch, InclinationDeg: 90, MeanAnomalyDeg: 0.012, MeanMotion: 15.5},
		{ID: 3, Name: "BYSTANDER", Epoch: epoch, MeanAnomalyDeg: 180, MeanMotion: 15.5},
	}
}

func newEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	prop := propagation.NewPropagator(propagation.PropConfig{
		Workers:         2,
		Mode:            propagation.ModeAnalytic,
		IntegrationStep: 10 * time.Second,
	}, testLogger)
	det := conjunction.NewDetector(prop, risk.NewAssessor(risk.Config{}), conjunction.Config{}, testLogger)
	e := New(catalog.NewStore(), prop, det, cfg, testLogger)
	t.Cleanup(e.Close)
	return e
}

func window() ScanRequest {
	return ScanRequest{Start: epoch.Add(-10 * time.Minute), End: epoch.Add(10 * time.Minute), RadiusKm: 10}
}

// scanned returns an engine with the crossing catalog loaded and scanned.
func scanned(t *testing.T) (*Engine, *ScanResult) {
	t.Helper()
	e := newEngine(t, Config{})
	e.RefreshCatalog("test", epoch, crossingElements())
	task, err := e.StartScan(window())
	require.NoError(t, err)
	res, err := task.Wait(context.Background())
	require.NoError(t, err)
	return e, res
}

func craft() maneuver.Spacecraft {
	return maneuver.Spacecraft{MassKg: 1000, IspS: 300, MaxThrustN: 22, FuelMassKg: 50}
}

func TestScanPublishesLatest(t *testing.T) {
	e, res := scanned(t)

	assert.Same(t, res, e.Latest())
	assert.Equal(t, uint64(1), res.CatalogVersion)
	require.Len(t, res.Events, 1)
	assert.InDelta(t, 1.0, res.Events[0].MissDistanceKm, 0.1)
	assert.Equal(t, e.CurrentScan().ID, res.ID)
	assert.Equal(t, TaskDone, e.CurrentScan().Status())

	ev, ok := res.FindEvent(2, 1)
	require.True(t, ok)
	assert.Equal(t, 1, ev.ObjectA)
	_, ok = res.FindEvent(1, 3)
	assert.False(t, ok)

	sum := e.Summary()
	assert.Equal(t, uint64(1), sum.CatalogVersion)
	assert.Equal(t, 3, sum.CatalogObjects)
	assert.Equal(t, res.ID, sum.LastScanID)
	assert.Equal(t, 1, sum.Events)
	assert.Equal(t, 1, sum.EventsByTier[res.Events[0].Tier.String()])
	assert.Equal(t, uint64(1), sum.ScansCompleted)
	assert.False(t, sum.ScanRunning)
}

func TestStaleScanDiscarded(t *testing.T) {
	e, first := scanned(t)
	old := e.Store().Current()

	e.RefreshCatalog("test", epoch.Add(time.Hour), crossingElements())
	res, err := e.runScan(context.Background(), "stale", old, window())
	assert.Nil(t, res)
	assert.ErrorIs(t, err, fault.ErrCancelled)
	assert.Same(t, first, e.Latest(), "stale result must not replace the published scan")
	assert.Equal(t, uint64(1), e.Summary().ScansDiscarded)
}

func TestPublishKeepsNewestVersion(t *testing.T) {
	e := newEngine(t, Config{})
	newer := &ScanResult{ID: "b", Result: &conjunction.Result{CatalogVersion: 2}}
	older := &ScanResult{ID: "a", Result: &conjunction.Result{CatalogVersion: 1}}

	assert.True(t, e.publish(newer))
	assert.False(t, e.publish(older))
	assert.Same(t, newer, e.Latest())

	again := &ScanResult{ID: "c", Result: &conjunction.Result{CatalogVersion: 2}}
	assert.True(t, e.publish(again), "a later scan of the same version replaces the earlier one")
}

func TestScanOnRefresh(t *testing.T) {
	e := newEngine(t, Config{ScanOnRefresh: true, Horizon: 20 * time.Minute})
	_, task := e.RefreshCatalog("test", epoch, crossingElements())
	require.NotNil(t, task)
	assert.Same(t, task, e.CurrentScan())

	// The scan starts at wall-clock now, far from the test epoch, so the
	// analytic orbits may or may not meet; only completion matters here.
	_, err := task.Wait(context.Background())
	require.NoError(t, err)
}

func TestStartScanValidation(t *testing.T) {
	e := newEngine(t, Config{})
	_, err := e.StartScan(window())
	assert.ErrorIs(t, err, fault.ErrInvalidInput, "empty catalog")

	e.RefreshCatalog("test", epoch, crossingElements())
	_, err = e.StartScan(ScanRequest{Start: epoch, End: epoch.Add(-time.Minute)})
	assert.ErrorIs(t, err, fault.ErrInvalidInput)
	_, err = e.StartScan(ScanRequest{Start: epoch, End: epoch.Add(time.Minute), RadiusKm: -1})
	assert.ErrorIs(t, err, fault.ErrInvalidInput)
	_, err = e.StartScan(ScanRequest{Start: epoch, End: epoch.Add(time.Minute), HardBodyRadiusKm: -0.01})
	assert.ErrorIs(t, err, fault.ErrInvalidInput)
	_, err = e.StartScan(ScanRequest{Start: epoch, End: epoch.Add(time.Minute), PositionSigmaKm: -1})
	assert.ErrorIs(t, err, fault.ErrInvalidInput)
}

func TestScanRiskOverrides(t *testing.T) {
	e := newEngine(t, Config{})
	e.RefreshCatalog("test", epoch, crossingElements())
	req := window()
	req.HardBodyRadiusKm = 0.05
	req.PositionSigmaKm = 0.5
	task, err := e.StartScan(req)
	require.NoError(t, err)
	res, err := task.Wait(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Events, 1)
	ev := res.Events[0]
	assert.Equal(t, risk.MethodMonteCarlo, ev.Method)
	require.NotNil(t, ev.MonteCarlo)
	assert.Equal(t, 0.05, ev.MonteCarlo.HardBodyRadiusKm)
}

func TestScanCancelledOnClose(t *testing.T) {
	e := newEngine(t, Config{})
	e.RefreshCatalog("test", epoch, crossingElements())
	task, err := e.StartScan(ScanRequest{Start: epoch, End: epoch.Add(90 * 24 * time.Hour), RadiusKm: 10})
	require.NoError(t, err)
	e.Close()

	_, err = task.Wait(context.Background())
	assert.ErrorIs(t, err, fault.ErrCancelled)
	assert.Equal(t, TaskCancelled, task.Status())
	assert.Nil(t, e.Latest())
}

func TestSimulateAgainstLatestScan(t *testing.T) {
	e := newEngine(t, Config{})
	_, err := e.Simulate(SimulateRequest{ObjectID: 1, ThreatID: 2, Spacecraft: craft()})
	assert.ErrorIs(t, err, fault.ErrInvalidInput, "no scan yet")

	e, res := scanned(t)
	ev := res.Events[0]
	out, err := e.Simulate(SimulateRequest{
		ObjectID:   1,
		ThreatID:   2,
		Spacecraft: craft(),
		BurnTime:   ev.TCA.Add(-30 * time.Minute),
	})
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, out.BaselineMissDistanceKm, out.NewMissDistanceKm)
	assert.Equal(t, 0.0, out.FuelCostKg)
	assert.InDelta(t, ev.MissDistanceKm, out.BaselineMissDistanceKm, 1e-6)

	out, err = e.Simulate(SimulateRequest{
		ObjectID:   1,
		ThreatID:   2,
		DeltaVRIC:  r3.Vec{Y: 0.002},
		Spacecraft: craft(),
		BurnTime:   ev.TCA.Add(-30 * time.Minute),
	})
	require.NoError(t, err)
	assert.Greater(t, out.FuelCostKg, 0.0)
	assert.NotEqual(t, out.BaselineMissDistanceKm, out.NewMissDistanceKm)

	_, err = e.Simulate(SimulateRequest{ObjectID: 1, ThreatID: 3, Spacecraft: craft()})
	assert.ErrorIs(t, err, fault.ErrInvalidInput, "pair not in scan")
}

func TestOptimizationCompletes(t *testing.T) {
	e, res := scanned(t)
	task, err := e.StartOptimization(OptimizeRequest{
		ObjectID:             1,
		ThreatID:             2,
		TargetMissDistanceKm: 5,
		TimeToTCA:            45 * time.Minute,
		Spacecraft:           craft(),
	})
	require.NoError(t, err)

	out, err := task.Wait(context.Background())
	require.NoError(t, err)
	require.True(t, out.Success, out.Message)
	assert.GreaterOrEqual(t, out.NewMissDistanceKm, 5.0)

	// The recommended burn must hold up when simulated on its own.
	check, err := e.Simulate(SimulateRequest{
		ObjectID:   1,
		ThreatID:   2,
		DeltaVRIC:  out.DeltaVRIC,
		Spacecraft: craft(),
		BurnTime:   res.Events[0].TCA.Add(-45 * time.Minute),
	})
	require.NoError(t, err)
	assert.True(t, check.Success)
	assert.GreaterOrEqual(t, check.NewMissDistanceKm, 5.0)
	assert.LessOrEqual(t, check.FuelCostKg, craft().FuelMassKg)

	got, ok := e.Optimization(1)
	require.True(t, ok)
	assert.Same(t, task, got)
	assert.False(t, e.CancelOptimization(1), "finished tasks are not cancelled")
}

func TestOptimizationSupersede(t *testing.T) {
	e, _ := scanned(t)
	req := OptimizeRequest{ObjectID: 1, ThreatID: 2, TargetMissDistanceKm: 5, TimeToTCA: 45 * time.Minute, Spacecraft: craft()}

	first, err := e.StartOptimization(req)
	require.NoError(t, err)
	second, err := e.StartOptimization(req)
	require.NoError(t, err)

	got, _ := e.Optimization(1)
	assert.Same(t, second, got)

	if _, err := first.Wait(context.Background()); err != nil {
		assert.ErrorIs(t, err, fault.ErrCancelled)
	}
	_, err = second.Wait(context.Background())
	require.NoError(t, err)
}

func TestOptimizationValidation(t *testing.T) {
	e, _ := scanned(t)
	_, err := e.StartOptimization(OptimizeRequest{ObjectID: 1, ThreatID: 2, TargetMissDistanceKm: 5})
	assert.ErrorIs(t, err, fault.ErrInvalidInput, "zero spacecraft")

	_, err = e.StartOptimization(OptimizeRequest{ObjectID: 1, ThreatID: 3, TargetMissDistanceKm: 5, Spacecraft: craft()})
	assert.ErrorIs(t, err, fault.ErrInvalidInput, "pair not in scan")

	assert.False(t, e.CancelOptimization(42))
}

func TestTaskLifecycle(t *testing.T) {
	release := make(chan struct{})
	task := startTask(context.Background(), "", func(ctx context.Context) (int, error) {
		<-release
		return 7, nil
	})
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, TaskRunning, task.Status())
	_, ok, _ := task.Poll()
	assert.False(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	_, err := task.Wait(ctx)
	assert.ErrorIs(t, err, fault.ErrCancelled, "waiting gives up without stopping the task")

	close(release)
	v, err := task.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, TaskDone, task.Status())
	assert.Greater(t, task.Elapsed(), time.Duration(0))
}

func TestTaskCancel(t *testing.T) {
	task := startTask(context.Background(), "fixed", func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	assert.Equal(t, "fixed", task.ID)
	task.Cancel()
	<-task.Done()

	_, err := task.Wait(context.Background())
	assert.ErrorIs(t, err, fault.ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, TaskCancelled, task.Status())

	failed := startTask(context.Background(), "", func(context.Context) (int, error) {
		return 0, errors.New("boom")
	})
	<-failed.Done()
	assert.Equal(t, TaskFailed, failed.Status())
}

func TestIngestTLE(t *testing.T) {
	e := newEngine(t, Config{})
	snap, err := e.IngestTLE("upload", epoch, []byte(issTLE))
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Len())
	assert.True(t, e.Ready())

	_, err = e.IngestTLE("upload", epoch, []byte("not a tle\n"))
	assert.ErrorIs(t, err, fault.ErrInvalidInput)
	assert.Equal(t, snap.Version, e.Store().Current().Version, "failed ingest keeps the catalog")
}

func TestRefresherFetchAndCache(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(issTLE))
	}))
	defer server.Close()

	dir := t.TempDir()
	e := newEngine(t, Config{})
	r := NewRefresher(e, catalog.NewFetcher(server.URL, testLogger), catalog.NewCache(dir, 3), time.Hour, testLogger)

	snap, err := r.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Len())
	assert.Equal(t, server.URL, snap.Source)

	cold := newEngine(t, Config{})
	snap, err = NewRefresher(cold, nil, catalog.NewCache(dir, 3), time.Hour, testLogger).LoadCache()
	require.NoError(t, err)
	assert.Equal(t, "cache", snap.Source)
	assert.Equal(t, 1, snap.Len())

	_, err = NewRefresher(cold, nil, nil, time.Hour, testLogger).Refresh(context.Background())
	assert.Error(t, err)
}

func TestRefresherUnchangedUpstream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-Modified-Since") != "" {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Last-Modified", "Wed, 10 Apr 2024 12:00:00 GMT")
		w.Write([]byte(issTLE))
	}))
	defer server.Close()

	e := newEngine(t, Config{})
	r := NewRefresher(e, catalog.NewFetcher(server.URL, testLogger), nil, time.Hour, testLogger)

	first, err := r.Refresh(context.Background())
	require.NoError(t, err)
	second, err := r.Refresh(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, second, "unchanged upstream keeps the published snapshot")
	assert.Equal(t, first.Version, e.Store().Current().Version)
}
