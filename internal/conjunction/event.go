package conjunction

import (
	"time"

	"github.com/star/orbitguard/internal/propagation"
	"github.com/star/orbitguard/internal/risk"
)

// Event is one predicted close approach between two objects. Events are
// produced per scan and replaced wholesale by the next one.
type Event struct {
	ObjectA, ObjectB int
	NameA, NameB     string

	TCA                 time.Time
	MissDistanceKm      float64
	RelativeVelocityKmS float64

	Probability float64
	Tier        risk.Tier
	Method      string
	MonteCarlo  *risk.MonteCarloStats

	// LowConfidence marks an event reported from the coarse samples because
	// refinement did not converge.
	LowConfidence bool

	// States at TCA, in the propagation frame.
	StateA, StateB propagation.StateVector
}

// Involves reports whether id is one of the pair.
func (e Event) Involves(id int) bool { return e.ObjectA == id || e.ObjectB == id }

// Other returns the id of the pair member that is not id.
func (e Event) Other(id int) int {
	if e.ObjectA == id {
		return e.ObjectB
	}
	return e.ObjectA
}

// RiskTier implements risk.Ranked.
func (e Event) RiskTier() risk.Tier { return e.Tier }

// ClosestApproach implements risk.Ranked.
func (e Event) ClosestApproach() time.Time { return e.TCA }

// Encounter returns the geometry handed to the risk assessor.
func (e Event) Encounter() risk.Encounter {
	return risk.Encounter{
		ObjectA:   e.ObjectA,
		ObjectB:   e.ObjectB,
		TCA:       e.TCA,
		PositionA: e.StateA.Position,
		VelocityA: e.StateA.Velocity,
		PositionB: e.StateB.Position,
		VelocityB: e.StateB.Velocity,
	}
}

// WithAssessment returns a copy of e carrying a.
func (e Event) WithAssessment(a risk.Assessment) Event {
	e.Probability = a.Probability
	e.Tier = a.Tier
	e.Method = a.Method
	e.MonteCarlo = a.MonteCarlo
	return e
}

// Result is the output of one detection pass.
type Result struct {
	CatalogVersion    uint64
	Mode              propagation.Mode
	HorizonStart      time.Time
	HorizonEnd        time.Time
	ScreeningRadiusKm float64

	Events        []Event // ranked
	PairsScreened int
	Candidates    int   // local minima that passed the coarse pre-filter
	LowConfidence int   // events emitted from coarse estimates
	Excluded      []int // objects dropped for invalid orbits
	Duration      time.Duration
}

// CountByTier tallies events per tier.
func (r *Result) CountByTier() map[risk.Tier]int {
	out := make(map[risk.Tier]int, 4)
	for _, e := range r.Events {
		out[e.Tier]++
	}
	return out
}
