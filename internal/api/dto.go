package api

import (
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/star/orbitguard/internal/catalog"
	"github.com/star/orbitguard/internal/conjunction"
	"github.com/star/orbitguard/internal/engine"
	"github.com/star/orbitguard/internal/maneuver"
	"github.com/star/orbitguard/internal/propagation"
	"github.com/star/orbitguard/internal/replay"
	"github.com/star/orbitguard/internal/risk"
)

// JSON bodies exchanged with the UI. Distances are km, velocities km/s,
// delta-V km/s, masses kg and times Unix seconds.

var unix = replay.UnixSeconds

func vec(v r3.Vec) [3]float64 { return [3]float64{v.X, v.Y, v.Z} }

type catalogResponse struct {
	Version    uint64  `json:"version"`
	Objects    int     `json:"objects"`
	Source     string  `json:"source"`
	FetchedAt  float64 `json:"fetched_at"`
	AgeSeconds int64   `json:"age_seconds"`
	EpochMin   float64 `json:"epoch_min"`
	EpochMax   float64 `json:"epoch_max"`
	ScanID     string  `json:"scan_id,omitempty"`
}

func newCatalogResponse(snap *catalog.Snapshot, now time.Time) catalogResponse {
	if snap == nil {
		return catalogResponse{}
	}
	resp := catalogResponse{
		Version:   snap.Version,
		Objects:   snap.Len(),
		Source:    snap.Source,
		FetchedAt: unix(snap.FetchedAt),
		EpochMin:  unix(snap.EpochRange.Min),
		EpochMax:  unix(snap.EpochRange.Max),
	}
	if !snap.FetchedAt.IsZero() {
		resp.AgeSeconds = int64(now.Sub(snap.FetchedAt).Seconds())
	}
	return resp
}

type summaryResponse struct {
	CatalogVersion       uint64         `json:"catalog_version"`
	CatalogObjects       int            `json:"catalog_objects"`
	CatalogSource        string         `json:"catalog_source"`
	CatalogFetchedAt     float64        `json:"catalog_fetched_at"`
	ScanRunning          bool           `json:"scan_running"`
	LastScanID           string         `json:"last_scan_id,omitempty"`
	LastScanFinished     float64        `json:"last_scan_finished,omitempty"`
	LastScanDurationMs   int64          `json:"last_scan_duration_ms"`
	Events               int            `json:"events"`
	EventsByTier         map[string]int `json:"events_by_tier"`
	LowConfidence        int            `json:"low_confidence"`
	Excluded             int            `json:"excluded"`
	ScansCompleted       uint64         `json:"scans_completed"`
	ScansDiscarded       uint64         `json:"scans_discarded"`
	OptimizationsRunning int            `json:"optimizations_running"`
}

func newSummaryResponse(s engine.Summary) summaryResponse {
	byTier := s.EventsByTier
	if byTier == nil {
		byTier = map[string]int{}
	}
	return summaryResponse{
		CatalogVersion:       s.CatalogVersion,
		CatalogObjects:       s.CatalogObjects,
		CatalogSource:        s.CatalogSource,
		CatalogFetchedAt:     unix(s.CatalogFetchedAt),
		ScanRunning:          s.ScanRunning,
		LastScanID:           s.LastScanID,
		LastScanFinished:     unix(s.LastScanFinished),
		LastScanDurationMs:   s.LastScanDuration.Milliseconds(),
		Events:               s.Events,
		EventsByTier:         byTier,
		LowConfidence:        s.LowConfidence,
		Excluded:             s.Excluded,
		ScansCompleted:       s.ScansCompleted,
		ScansDiscarded:       s.ScansDiscarded,
		OptimizationsRunning: s.OptimizationsRunning,
	}
}

type scanRequest struct {
	Start            float64 `json:"start"` // 0 means now
	End              float64 `json:"end"`   // 0 means start + configured horizon
	RadiusKm         float64 `json:"radius_km"`
	HardBodyRadiusKm float64 `json:"hard_body_radius_km"`
	PositionSigmaKm  float64 `json:"position_sigma_km"` // > 0 selects Monte-Carlo
	Wait             bool    `json:"wait"`
}

func (r scanRequest) toEngine() engine.ScanRequest {
	var req engine.ScanRequest
	if r.Start != 0 {
		req.Start = replay.FromUnixSeconds(r.Start)
	}
	if r.End != 0 {
		req.End = replay.FromUnixSeconds(r.End)
	}
	req.RadiusKm = r.RadiusKm
	req.HardBodyRadiusKm = r.HardBodyRadiusKm
	req.PositionSigmaKm = r.PositionSigmaKm
	return req
}

type scanAccepted struct {
	ScanID         string `json:"scan_id"`
	CatalogVersion uint64 `json:"catalog_version"`
}

type eventResponse struct {
	ObjectA             int                   `json:"object_a"`
	ObjectB             int                   `json:"object_b"`
	NameA               string                `json:"name_a"`
	NameB               string                `json:"name_b"`
	TCA                 float64               `json:"tca"`
	MissDistanceKm      float64               `json:"miss_distance_km"`
	RelativeVelocityKmS float64               `json:"relative_velocity_km_s"`
	Probability         float64               `json:"probability"`
	Tier                string                `json:"tier"`
	Method              string                `json:"method"`
	LowConfidence       bool                  `json:"low_confidence"`
	MonteCarlo          *risk.MonteCarloStats `json:"monte_carlo,omitempty"`
}

func newEventResponse(e conjunction.Event) eventResponse {
	return eventResponse{
		ObjectA:             e.ObjectA,
		ObjectB:             e.ObjectB,
		NameA:               e.NameA,
		NameB:               e.NameB,
		TCA:                 unix(e.TCA),
		MissDistanceKm:      e.MissDistanceKm,
		RelativeVelocityKmS: e.RelativeVelocityKmS,
		Probability:         e.Probability,
		Tier:                e.Tier.String(),
		Method:              e.Method,
		LowConfidence:       e.LowConfidence,
		MonteCarlo:          e.MonteCarlo,
	}
}

type scanResponse struct {
	ScanID            string          `json:"scan_id"`
	CatalogVersion    uint64          `json:"catalog_version"`
	Mode              string          `json:"mode"`
	HorizonStart      float64         `json:"horizon_start"`
	HorizonEnd        float64         `json:"horizon_end"`
	ScreeningRadiusKm float64         `json:"screening_radius_km"`
	Started           float64         `json:"started"`
	Finished          float64         `json:"finished"`
	DurationMs        int64           `json:"duration_ms"`
	PairsScreened     int             `json:"pairs_screened"`
	Candidates        int             `json:"candidates"`
	LowConfidence     int             `json:"low_confidence"`
	Excluded          []int           `json:"excluded"`
	TotalEvents       int             `json:"total_events"`
	Events            []eventResponse `json:"events"`
}

// newScanResponse renders s with at most limit events; limit <= 0 means all.
func newScanResponse(s *engine.ScanResult, limit int) scanResponse {
	events := s.Events
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	resp := scanResponse{
		ScanID:            s.ID,
		CatalogVersion:    s.CatalogVersion,
		Mode:              s.Mode.String(),
		HorizonStart:      unix(s.HorizonStart),
		HorizonEnd:        unix(s.HorizonEnd),
		ScreeningRadiusKm: s.ScreeningRadiusKm,
		Started:           unix(s.Started),
		Finished:          unix(s.Finished),
		DurationMs:        s.Duration.Milliseconds(),
		PairsScreened:     s.PairsScreened,
		Candidates:        s.Candidates,
		LowConfidence:     s.LowConfidence,
		Excluded:          s.Excluded,
		TotalEvents:       len(s.Events),
		Events:            make([]eventResponse, len(events)),
	}
	if resp.Excluded == nil {
		resp.Excluded = []int{}
	}
	for i, e := range events {
		resp.Events[i] = newEventResponse(e)
	}
	return resp
}

type simulateRequest struct {
	ObjectID   int                 `json:"object_id"`
	ThreatID   int                 `json:"threat_id"`
	DeltaVRIC  [3]float64          `json:"delta_v_ric"`
	Spacecraft maneuver.Spacecraft `json:"spacecraft"`
	BurnTime   float64             `json:"burn_time"` // 0 means now
}

func (r simulateRequest) toEngine() engine.SimulateRequest {
	req := engine.SimulateRequest{
		ObjectID:   r.ObjectID,
		ThreatID:   r.ThreatID,
		DeltaVRIC:  r3.Vec{X: r.DeltaVRIC[0], Y: r.DeltaVRIC[1], Z: r.DeltaVRIC[2]},
		Spacecraft: r.Spacecraft,
	}
	if r.BurnTime != 0 {
		req.BurnTime = replay.FromUnixSeconds(r.BurnTime)
	}
	return req
}

type optimizeRequest struct {
	ObjectID             int                 `json:"object_id"`
	ThreatID             int                 `json:"threat_id"`
	TargetMissDistanceKm float64             `json:"target_miss_distance_km"`
	TimeToTCA            float64             `json:"time_to_tca_s"` // lead time of the burn before TCA; 0 burns now
	Spacecraft           maneuver.Spacecraft `json:"spacecraft"`
	Async                bool                `json:"async"`
}

func (r optimizeRequest) toEngine() engine.OptimizeRequest {
	return engine.OptimizeRequest{
		ObjectID:             r.ObjectID,
		ThreatID:             r.ThreatID,
		TargetMissDistanceKm: r.TargetMissDistanceKm,
		TimeToTCA:            time.Duration(r.TimeToTCA * float64(time.Second)),
		Spacecraft:           r.Spacecraft,
	}
}

type stateVector struct {
	ID       int        `json:"id"`
	Position [3]float64 `json:"position"`
	Velocity [3]float64 `json:"velocity"`
	Time     float64    `json:"t"`
}

type alternativeResponse struct {
	DeltaVRIC         [3]float64 `json:"delta_v_ric"`
	BurnTime          float64    `json:"burn_time"`
	NewMissDistanceKm float64    `json:"new_miss_distance_km"`
	FuelCostKg        float64    `json:"fuel_cost_kg"`
	Description       string     `json:"description"`
}

type maneuverResponse struct {
	Success                bool                  `json:"success"`
	Kind                   string                `json:"kind,omitempty"`
	Message                string                `json:"message"`
	ObjectID               int                   `json:"object_id"`
	ThreatID               int                   `json:"threat_id"`
	BurnTime               float64               `json:"burn_time"`
	TCA                    float64               `json:"tca"`
	DeltaVRIC              [3]float64            `json:"delta_v_ric"`
	TotalDeltaVKmS         float64               `json:"total_delta_v_km_s"`
	FuelCostKg             float64               `json:"fuel_cost_kg"`
	BurnDurationS          float64               `json:"burn_duration_s"`
	BaselineMissDistanceKm float64               `json:"baseline_miss_distance_km"`
	NewMissDistanceKm      float64               `json:"new_miss_distance_km"`
	TargetMissDistanceKm   float64               `json:"target_miss_distance_km,omitempty"`
	Iterations             int                   `json:"iterations,omitempty"`
	PredictedTrajectory    []stateVector         `json:"predicted_trajectory"`
	Alternatives           []alternativeResponse `json:"alternatives"`
}

func newManeuverResponse(r *maneuver.Result) maneuverResponse {
	resp := maneuverResponse{
		Success:                r.Success,
		Message:                r.Message,
		ObjectID:               r.ObjectID,
		ThreatID:               r.ThreatID,
		BurnTime:               unix(r.BurnTime),
		TCA:                    unix(r.TCA),
		DeltaVRIC:              vec(r.DeltaVRIC),
		TotalDeltaVKmS:         r.TotalDeltaVKmS,
		FuelCostKg:             r.FuelCostKg,
		BurnDurationS:          r.BurnDuration.Seconds(),
		BaselineMissDistanceKm: r.BaselineMissDistanceKm,
		NewMissDistanceKm:      r.NewMissDistanceKm,
		PredictedTrajectory:    make([]stateVector, len(r.PredictedTrajectory)),
		Alternatives:           make([]alternativeResponse, len(r.Alternatives)),
	}
	if !r.Success {
		resp.Kind = r.Kind.String()
	}
	for i, sv := range r.PredictedTrajectory {
		resp.PredictedTrajectory[i] = newStateVector(sv)
	}
	for i, a := range r.Alternatives {
		resp.Alternatives[i] = alternativeResponse{
			DeltaVRIC:         vec(a.DeltaVRIC),
			BurnTime:          unix(a.BurnTime),
			NewMissDistanceKm: a.NewMissDistanceKm,
			FuelCostKg:        a.FuelCostKg,
			Description:       a.Description,
		}
	}
	return resp
}

func newOptimizeResponse(r *maneuver.OptimizeResult) maneuverResponse {
	resp := newManeuverResponse(&r.Result)
	resp.TargetMissDistanceKm = r.TargetMissDistanceKm
	resp.Iterations = r.Iterations
	return resp
}

func newStateVector(sv propagation.StateVector) stateVector {
	return stateVector{
		ID:       sv.ObjectID,
		Position: vec(sv.Position),
		Velocity: vec(sv.Velocity),
		Time:     unix(sv.Time),
	}
}

type optimizationResponse struct {
	TaskID    string            `json:"task_id"`
	ObjectID  int               `json:"object_id"`
	Status    string            `json:"status"`
	Started   float64           `json:"started"`
	ElapsedMs int64             `json:"elapsed_ms"`
	Error     string            `json:"error,omitempty"`
	Result    *maneuverResponse `json:"result,omitempty"`
}

// newOptimizationResponse reports a task's status. A cancelled task carries
// neither a result nor an error.
func newOptimizationResponse(objectID int, t *engine.Task[*maneuver.OptimizeResult]) optimizationResponse {
	resp := optimizationResponse{
		TaskID:    t.ID,
		ObjectID:  objectID,
		Status:    string(t.Status()),
		Started:   unix(t.Started),
		ElapsedMs: t.Elapsed().Milliseconds(),
	}
	res, ok, err := t.Poll()
	switch {
	case !ok:
	case err == nil && res != nil:
		out := newOptimizeResponse(res)
		resp.Result = &out
	case err != nil && t.Status() == engine.TaskFailed:
		resp.Error = err.Error()
	}
	return resp
}

type replayCommand struct {
	Time  float64 `json:"time"`  // seek target
	Speed float64 `json:"speed"` // playback multiplier
}
