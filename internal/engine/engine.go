// Package engine orchestrates catalog refreshes, conjunction scans and
// maneuver planning.
//
// Scans and optimizations run as background Tasks. A scan works on the
// catalog snapshot current when it started; if the catalog has moved on by
// the time it finishes, its result is discarded and its Task reports
// fault.Cancelled. Optimizations are keyed by maneuvering object: starting a
// new one cancels the previous search for the same object. Simulations are
// synchronous.
package engine

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/star/orbitguard/internal/catalog"
	"github.com/star/orbitguard/internal/conjunction"
	"github.com/star/orbitguard/internal/fault"
	"github.com/star/orbitguard/internal/maneuver"
	"github.com/star/orbitguard/internal/metrics"
	"github.com/star/orbitguard/internal/propagation"
)

// Config holds engine settings.
type Config struct {
	RadiusKm      float64       // default screening radius (default: 10)
	Horizon       time.Duration // default scan length (default: 24h)
	ScanOnRefresh bool          // start a scan after every catalog refresh
	Simulator     maneuver.Config
	Optimizer     maneuver.OptimizerConfig
}

// ScanRequest bounds one scan. Zero fields take the configured defaults:
// Start is now, End is Start+Horizon.
type ScanRequest struct {
	Start    time.Time
	End      time.Time
	RadiusKm float64

	// Optional risk overrides for this scan; zero keeps the configuration.
	// A positive PositionSigmaKm selects Monte-Carlo assessment.
	HardBodyRadiusKm float64
	PositionSigmaKm  float64
}

// ScanResult is a published scan.
type ScanResult struct {
	ID string
	*conjunction.Result
	Started  time.Time
	Finished time.Time

	snapshot *catalog.Snapshot
}

// FindEvent returns the highest-ranked event between a and b.
func (s *ScanResult) FindEvent(a, b int) (conjunction.Event, bool) {
	for _, ev := range s.Events {
		if ev.Involves(a) && ev.Other(a) == b && a != b {
			return ev, true
		}
	}
	return conjunction.Event{}, false
}

// SimulateRequest is a burn on ObjectID against its conjunction with
// ThreatID in the latest scan.
type SimulateRequest struct {
	ObjectID   int
	ThreatID   int
	DeltaVRIC  r3.Vec
	Spacecraft maneuver.Spacecraft
	BurnTime   time.Time // zero means now
}

// OptimizeRequest asks for an avoidance burn on ObjectID against its
// conjunction with ThreatID in the latest scan.
type OptimizeRequest struct {
	ObjectID             int
	ThreatID             int
	TargetMissDistanceKm float64
	TimeToTCA            time.Duration
	Spacecraft           maneuver.Spacecraft
}

// Engine is safe for concurrent use.
type Engine struct {
	store    *catalog.Store
	prop     *propagation.Propagator
	detector *conjunction.Detector
	cfg      Config
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	latest    atomic.Pointer[ScanResult]
	completed atomic.Uint64
	discarded atomic.Uint64

	mu        sync.Mutex // guards scan and optimizes; never held while waiting
	scan      *Task[*ScanResult]
	optimizes map[int]*Task[*maneuver.OptimizeResult]
}

// New creates an Engine. Close cancels all background work.
func New(store *catalog.Store, prop *propagation.Propagator, detector *conjunction.Detector, cfg Config, logger *slog.Logger) *Engine {
	if cfg.RadiusKm <= 0 {
		cfg.RadiusKm = 10
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = 24 * time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:     store,
		prop:      prop,
		detector:  detector,
		cfg:       cfg,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		optimizes: make(map[int]*Task[*maneuver.OptimizeResult]),
	}
}

// Close cancels every running task.
func (e *Engine) Close() { e.cancel() }

// Store returns the catalog store.
func (e *Engine) Store() *catalog.Store { return e.store }

// Ready reports whether a non-empty catalog is loaded.
func (e *Engine) Ready() bool { return e.store.Current().Len() > 0 }

// Latest returns the most recent published scan, or nil.
func (e *Engine) Latest() *ScanResult { return e.latest.Load() }

// CurrentScan returns the most recently started scan task, or nil.
func (e *Engine) CurrentScan() *Task[*ScanResult] {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scan
}

// IngestTLE parses TLE text and publishes it as the new catalog.
func (e *Engine) IngestTLE(source string, fetchedAt time.Time, data []byte) (*catalog.Snapshot, error) {
	elements, err := catalog.Parse(bytes.NewReader(data), e.logger)
	if err != nil {
		return nil, fault.Errorf(fault.InvalidInput, "parse TLE data: %w", err)
	}
	if len(elements) == 0 {
		return nil, fault.Errorf(fault.InvalidInput, "no valid TLE entries in %d bytes", len(data))
	}
	snap, _ := e.RefreshCatalog(source, fetchedAt, elements)
	return snap, nil
}

// RefreshCatalog replaces the catalog wholesale. With ScanOnRefresh set it
// starts a scan of the new snapshot and returns its task; scans still
// running on older snapshots finish and are discarded.
func (e *Engine) RefreshCatalog(source string, fetchedAt time.Time, elements []catalog.OrbitalElement) (*catalog.Snapshot, *Task[*ScanResult]) {
	snap := e.store.Replace(source, fetchedAt, elements)
	metrics.SetCatalogObjects(snap.Len())
	e.logger.Info("catalog refreshed",
		"catalog_version", snap.Version,
		"objects", snap.Len(),
		"source", source,
		"epoch_min", snap.EpochRange.Min.UTC().Format(time.RFC3339),
		"epoch_max", snap.EpochRange.Max.UTC().Format(time.RFC3339),
	)
	if !e.cfg.ScanOnRefresh || snap.Len() == 0 {
		return snap, nil
	}
	task, err := e.StartScan(ScanRequest{})
	if err != nil {
		e.logger.Warn("scan after refresh not started", "catalog_version", snap.Version, "error", err)
		return snap, nil
	}
	return snap, task
}

// StartScan validates req against the current catalog and starts a scan.
func (e *Engine) StartScan(req ScanRequest) (*Task[*ScanResult], error) {
	snap := e.store.Current()
	if snap.Len() == 0 {
		return nil, fault.Errorf(fault.InvalidInput, "catalog is empty")
	}
	if req.Start.IsZero() {
		req.Start = time.Now().UTC()
	}
	if req.End.IsZero() {
		req.End = req.Start.Add(e.cfg.Horizon)
	}
	if req.RadiusKm == 0 {
		req.RadiusKm = e.cfg.RadiusKm
	}
	if !req.End.After(req.Start) {
		return nil, fault.Errorf(fault.InvalidInput, "horizon end is not after start")
	}
	if !(req.RadiusKm > 0) {
		return nil, fault.Errorf(fault.InvalidInput, "screening radius must be positive")
	}
	if !(req.HardBodyRadiusKm >= 0) || !(req.PositionSigmaKm >= 0) {
		return nil, fault.Errorf(fault.InvalidInput, "hard-body radius and position sigma must not be negative")
	}

	id := uuid.NewString()
	task := startTask(e.ctx, id, func(ctx context.Context) (*ScanResult, error) {
		return e.runScan(ctx, id, snap, req)
	})
	e.mu.Lock()
	e.scan = task
	e.mu.Unlock()

	e.logger.Info("scan started",
		"scan_id", task.ID,
		"catalog_version", snap.Version,
		"horizon_start", req.Start.UTC().Format(time.RFC3339),
		"horizon_end", req.End.UTC().Format(time.RFC3339),
		"radius_km", req.RadiusKm,
	)
	return task, nil
}

func (e *Engine) runScan(ctx context.Context, id string, snap *catalog.Snapshot, req ScanRequest) (*ScanResult, error) {
	started := time.Now()
	res, err := e.detector.Detect(ctx, snap, req.Start, req.End, req.RadiusKm,
		conjunction.WithHardBodyRadius(req.HardBodyRadiusKm),
		conjunction.WithPositionSigma(req.PositionSigmaKm))
	if err != nil {
		outcome := "failed"
		if fault.KindOf(err) == fault.Cancelled {
			outcome = "cancelled"
		}
		metrics.RecordScan(time.Since(started), 0, outcome)
		e.logger.Warn("scan ended without result", "scan_id", id, "catalog_version", snap.Version, "outcome", outcome, "error", err)
		return nil, err
	}

	if !e.store.IsCurrent(snap.Version) {
		e.discarded.Add(1)
		metrics.RecordScan(res.Duration, res.PairsScreened, "discarded")
		e.logger.Info("stale scan discarded",
			"scan_id", id,
			"catalog_version", snap.Version,
			"current_version", e.store.Current().Version,
		)
		return nil, fault.Errorf(fault.Cancelled, "catalog version %d superseded", snap.Version)
	}

	scan := &ScanResult{
		ID:       id,
		Result:   res,
		Started:  started,
		Finished: time.Now(),
		snapshot: snap,
	}
	if !e.publish(scan) {
		e.discarded.Add(1)
		metrics.RecordScan(res.Duration, res.PairsScreened, "discarded")
		return nil, fault.Errorf(fault.Cancelled, "a newer catalog version was already published")
	}

	e.completed.Add(1)
	metrics.RecordScan(res.Duration, res.PairsScreened, "completed")
	for _, ev := range res.Events {
		metrics.RecordConjunction(ev.Tier.String(), ev.LowConfidence)
	}
	return scan, nil
}

// publish stores s as the latest scan unless a scan of a newer catalog
// version is already published.
func (e *Engine) publish(s *ScanResult) bool {
	for {
		cur := e.latest.Load()
		if cur != nil && cur.CatalogVersion > s.CatalogVersion {
			return false
		}
		if e.latest.CompareAndSwap(cur, s) {
			return true
		}
	}
}

// eventFor finds the conjunction between objectID and threatID in the
// latest scan.
func (e *Engine) eventFor(objectID, threatID int) (*ScanResult, conjunction.Event, error) {
	scan := e.latest.Load()
	if scan == nil {
		return nil, conjunction.Event{}, fault.Errorf(fault.InvalidInput, "no scan results available")
	}
	ev, ok := scan.FindEvent(objectID, threatID)
	if !ok {
		return nil, conjunction.Event{}, fault.Errorf(fault.InvalidInput,
			"no conjunction between %d and %d in scan %s", objectID, threatID, scan.ID)
	}
	return scan, ev, nil
}

// simulator returns a simulator resolving orbits from the scan's own
// catalog snapshot and mode, so burns are evaluated against the same
// trajectories that produced the event.
func (e *Engine) simulator(scan *ScanResult) *maneuver.Simulator {
	return maneuver.NewSimulator(
		scanResolver{prop: e.prop, snap: scan.snapshot, mode: scan.Mode},
		e.prop.Integrator(),
		e.cfg.Simulator,
		e.logger,
	)
}

// Simulate evaluates one burn synchronously.
func (e *Engine) Simulate(req SimulateRequest) (*maneuver.Result, error) {
	scan, ev, err := e.eventFor(req.ObjectID, req.ThreatID)
	if err != nil {
		return nil, err
	}
	return e.simulator(scan).Simulate(maneuver.Request{
		ObjectID:   req.ObjectID,
		DeltaVRIC:  req.DeltaVRIC,
		Spacecraft: req.Spacecraft,
		Event:      ev,
		BurnTime:   req.BurnTime,
	})
}

// StartOptimization starts an avoidance search, cancelling any search
// already running for the same object.
func (e *Engine) StartOptimization(req OptimizeRequest) (*Task[*maneuver.OptimizeResult], error) {
	if err := req.Spacecraft.Validate(); err != nil {
		return nil, err
	}
	scan, ev, err := e.eventFor(req.ObjectID, req.ThreatID)
	if err != nil {
		return nil, err
	}
	opt := maneuver.NewOptimizer(e.simulator(scan), e.cfg.Optimizer, e.logger)
	mreq := maneuver.OptimizeRequest{
		ObjectID:             req.ObjectID,
		ThreatID:             req.ThreatID,
		TargetMissDistanceKm: req.TargetMissDistanceKm,
		TimeToTCA:            req.TimeToTCA,
		Spacecraft:           req.Spacecraft,
		Event:                ev,
	}

	task := startTask(e.ctx, "", func(ctx context.Context) (*maneuver.OptimizeResult, error) {
		res, err := opt.Optimize(ctx, mreq)
		metrics.RecordOptimizer(optimizerOutcome(res, err))
		return res, err
	})

	e.mu.Lock()
	prev := e.optimizes[req.ObjectID]
	e.optimizes[req.ObjectID] = task
	e.mu.Unlock()
	if prev != nil {
		prev.Cancel()
		e.logger.Info("optimization superseded", "norad_id", req.ObjectID, "task_id", prev.ID, "by", task.ID)
	}

	e.logger.Info("optimization started",
		"task_id", task.ID,
		"norad_id", req.ObjectID,
		"threat_id", req.ThreatID,
		"target_km", req.TargetMissDistanceKm,
		"scan_id", scan.ID,
	)
	return task, nil
}

func optimizerOutcome(res *maneuver.OptimizeResult, err error) string {
	switch {
	case err != nil && fault.KindOf(err) == fault.Cancelled:
		return "cancelled"
	case err != nil:
		return "failed"
	case res.Success:
		return "success"
	default:
		return res.Kind.String()
	}
}

// Optimization returns the latest optimization task for objectID.
func (e *Engine) Optimization(objectID int) (*Task[*maneuver.OptimizeResult], bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.optimizes[objectID]
	return t, ok
}

// CancelOptimization cancels the running search for objectID. It reports
// whether a running search was found.
func (e *Engine) CancelOptimization(objectID int) bool {
	t, ok := e.Optimization(objectID)
	if !ok || t.Status() != TaskRunning {
		return false
	}
	t.Cancel()
	e.logger.Info("optimization cancelled", "norad_id", objectID, "task_id", t.ID)
	return true
}

// Summary is a point-in-time view of engine state.
type Summary struct {
	CatalogVersion   uint64
	CatalogObjects   int
	CatalogSource    string
	CatalogFetchedAt time.Time

	ScanRunning      bool
	LastScanID       string
	LastScanFinished time.Time
	LastScanDuration time.Duration
	Events           int
	EventsByTier     map[string]int
	LowConfidence    int
	Excluded         int

	ScansCompleted       uint64
	ScansDiscarded       uint64
	OptimizationsRunning int
}

// Summary reports catalog, scan and optimizer statistics.
func (e *Engine) Summary() Summary {
	var s Summary
	if snap := e.store.Current(); snap != nil {
		s.CatalogVersion = snap.Version
		s.CatalogObjects = snap.Len()
		s.CatalogSource = snap.Source
		s.CatalogFetchedAt = snap.FetchedAt
	}
	if scan := e.latest.Load(); scan != nil {
		s.LastScanID = scan.ID
		s.LastScanFinished = scan.Finished
		s.LastScanDuration = scan.Duration
		s.Events = len(scan.Events)
		s.EventsByTier = make(map[string]int, 4)
		for tier, n := range scan.CountByTier() {
			s.EventsByTier[tier.String()] = n
		}
		s.LowConfidence = scan.LowConfidence
		s.Excluded = len(scan.Excluded)
	}
	s.ScansCompleted = e.completed.Load()
	s.ScansDiscarded = e.discarded.Load()

	e.mu.Lock()
	if e.scan != nil && e.scan.Status() == TaskRunning {
		s.ScanRunning = true
	}
	for _, t := range e.optimizes {
		if t.Status() == TaskRunning {
			s.OptimizationsRunning++
		}
	}
	e.mu.Unlock()
	return s
}

// scanResolver resolves orbits from one catalog snapshot.
type scanResolver struct {
	prop *propagation.Propagator
	snap *catalog.Snapshot
	mode propagation.Mode
}

func (r scanResolver) Orbit(id int) (propagation.Orbit, error) {
	set, err := r.prop.Orbits(r.snap, r.mode)
	if err != nil {
		return nil, err
	}
	o, ok := set.Lookup(id)
	if !ok {
		return nil, fault.Errorf(fault.InvalidInput, "object %d not in catalog version %d", id, r.snap.Version)
	}
	return o, nil
}
