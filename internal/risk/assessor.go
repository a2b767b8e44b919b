// Package risk turns close-approach geometry into a collision probability
// and a risk tier.
//
// Without covariance the probability is a closed-form proxy: the miss
// distance is treated as a sample of an isotropic Gaussian whose spread
// combines position uncertainty with timing uncertainty along the relative
// velocity. With covariance, displaced positions at TCA are sampled for both
// objects and the hit fraction is reported.
package risk

import (
	"math"
	"math/rand/v2"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distmv"

	"github.com/star/orbitguard/internal/fault"
)

// Method names how a probability was obtained.
const (
	MethodProxy      = "proxy"
	MethodMonteCarlo = "monte_carlo"
)

// Encounter is the geometry of one close approach at TCA.
type Encounter struct {
	ObjectA, ObjectB int
	TCA              time.Time
	PositionA        r3.Vec // km
	VelocityA        r3.Vec // km/s
	PositionB        r3.Vec
	VelocityB        r3.Vec
}

// MissDistance returns |rA − rB| in km.
func (e Encounter) MissDistance() float64 {
	return r3.Norm(r3.Sub(e.PositionA, e.PositionB))
}

// RelativeSpeed returns |vA − vB| in km/s.
func (e Encounter) RelativeSpeed() float64 {
	return r3.Norm(r3.Sub(e.VelocityA, e.VelocityB))
}

// Covariance holds per-object 3×3 position covariances (km²) at TCA in the
// same frame as the encounter positions.
type Covariance struct {
	A, B mat.Symmetric
}

// MonteCarloStats summarizes a sampled assessment.
type MonteCarloStats struct {
	Samples          int     `json:"sample_count"`
	Hits             int     `json:"hits"`
	MinMissKm        float64 `json:"min_miss_km"`
	MaxMissKm        float64 `json:"max_miss_km"`
	MeanMissKm       float64 `json:"mean_miss_km"`
	StdMissKm        float64 `json:"std_miss_km"`
	HardBodyRadiusKm float64 `json:"combined_hard_body_radius_km"`
}

// Assessment is the outcome for one encounter.
type Assessment struct {
	Probability float64
	Tier        Tier
	Method      string
	MonteCarlo  *MonteCarloStats
}

// Config controls the assessor.
type Config struct {
	HardBodyRadiusKm float64 // default combined radius (default: 0.02)
	PositionSigmaKm  float64 // 1-σ position uncertainty per axis (default: 0.1)
	TimingSigma      float64 // 1-σ TCA timing uncertainty in seconds (default: 0.01)
	Samples          int     // Monte-Carlo sample count (default: 10000)
	Seed             uint64  // base seed; samples are reproducible per pair
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		HardBodyRadiusKm: 0.02,
		PositionSigmaKm:  0.1,
		TimingSigma:      0.01,
		Samples:          10000,
		Seed:             1,
	}
}

// Assessor computes collision probabilities. Safe for concurrent use.
type Assessor struct {
	cfg Config
}

// NewAssessor creates an Assessor, filling unset fields from DefaultConfig.
func NewAssessor(cfg Config) *Assessor {
	def := DefaultConfig()
	if cfg.HardBodyRadiusKm <= 0 {
		cfg.HardBodyRadiusKm = def.HardBodyRadiusKm
	}
	if cfg.PositionSigmaKm <= 0 {
		cfg.PositionSigmaKm = def.PositionSigmaKm
	}
	if cfg.TimingSigma <= 0 {
		cfg.TimingSigma = def.TimingSigma
	}
	if cfg.Samples <= 0 {
		cfg.Samples = def.Samples
	}
	return &Assessor{cfg: cfg}
}

// Config returns the effective configuration.
func (a *Assessor) Config() Config { return a.cfg }

// IsotropicCovariance returns a diagonal covariance with the configured
// position sigma for both objects.
func (a *Assessor) IsotropicCovariance() *Covariance {
	return Isotropic(a.cfg.PositionSigmaKm)
}

// Isotropic returns a diagonal covariance with sigmaKm per axis for both
// objects.
func Isotropic(sigmaKm float64) *Covariance {
	v := sigmaKm * sigmaKm
	diag := mat.NewSymDense(3, []float64{v, 0, 0, 0, v, 0, 0, 0, v})
	return &Covariance{A: diag, B: diag}
}

// Assess classifies enc. A non-positive hbr selects the configured default.
// When cov is nil the closed-form proxy is used.
func (a *Assessor) Assess(enc Encounter, hbr float64, cov *Covariance) (Assessment, error) {
	if hbr <= 0 {
		hbr = a.cfg.HardBodyRadiusKm
	}
	if cov == nil {
		p := ProxyProbability(enc.MissDistance(), enc.RelativeSpeed(), hbr, a.cfg.PositionSigmaKm, a.cfg.TimingSigma)
		return Assessment{Probability: p, Tier: TierFor(p), Method: MethodProxy}, nil
	}

	st, err := a.monteCarlo(enc, hbr, cov)
	if err != nil {
		return Assessment{}, err
	}
	p := float64(st.Hits) / float64(st.Samples)
	return Assessment{Probability: p, Tier: TierFor(p), Method: MethodMonteCarlo, MonteCarlo: st}, nil
}

// ProxyProbability is the closed-form exceedance model
//
//	σ² = σ_pos² + (σ_t·v_rel)²
//	P  = exp(−d²/2σ²) · (1 − exp(−R²/2σ²))
//
// clamped to [0, 1]. With zero spread the result is 1 inside R and 0 outside.
func ProxyProbability(missKm, relSpeedKmS, hbrKm, sigmaPosKm, sigmaTimeS float64) float64 {
	sigma2 := sigmaPosKm*sigmaPosKm + (sigmaTimeS*relSpeedKmS)*(sigmaTimeS*relSpeedKmS)
	if sigma2 <= 0 || math.IsNaN(sigma2) {
		if missKm <= hbrKm {
			return 1
		}
		return 0
	}
	p := math.Exp(-missKm*missKm/(2*sigma2)) * -math.Expm1(-hbrKm*hbrKm/(2*sigma2))
	return math.Min(1, math.Max(0, p))
}

func (a *Assessor) monteCarlo(enc Encounter, hbr float64, cov *Covariance) (*MonteCarloStats, error) {
	if cov.A == nil || cov.B == nil {
		return nil, fault.Errorf(fault.InvalidInput, "covariance requires both objects")
	}
	if ra, _ := cov.A.Dims(); ra != 3 {
		return nil, fault.Errorf(fault.InvalidInput, "covariance must be 3x3, got %dx%d", ra, ra)
	}
	if rb, _ := cov.B.Dims(); rb != 3 {
		return nil, fault.Errorf(fault.InvalidInput, "covariance must be 3x3, got %dx%d", rb, rb)
	}

	src := rand.NewPCG(a.cfg.Seed, pairSeed(enc.ObjectA, enc.ObjectB))
	pa := enc.PositionA
	pb := enc.PositionB
	distA, ok := distmv.NewNormal([]float64{pa.X, pa.Y, pa.Z}, cov.A, src)
	if !ok {
		return nil, fault.Errorf(fault.InvalidInput, "covariance of object %d is not positive definite", enc.ObjectA)
	}
	distB, ok := distmv.NewNormal([]float64{pb.X, pb.Y, pb.Z}, cov.B, src)
	if !ok {
		return nil, fault.Errorf(fault.InvalidInput, "covariance of object %d is not positive definite", enc.ObjectB)
	}

	n := a.cfg.Samples
	miss := make([]float64, n)
	xa := make([]float64, 3)
	xb := make([]float64, 3)
	hits := 0
	for i := range miss {
		distA.Rand(xa)
		distB.Rand(xb)
		d := math.Sqrt((xa[0]-xb[0])*(xa[0]-xb[0]) + (xa[1]-xb[1])*(xa[1]-xb[1]) + (xa[2]-xb[2])*(xa[2]-xb[2]))
		miss[i] = d
		if d < hbr {
			hits++
		}
	}

	mean, std := stat.MeanStdDev(miss, nil)
	return &MonteCarloStats{
		Samples:          n,
		Hits:             hits,
		MinMissKm:        floats.Min(miss),
		MaxMissKm:        floats.Max(miss),
		MeanMissKm:       mean,
		StdMissKm:        std,
		HardBodyRadiusKm: hbr,
	}, nil
}

// pairSeed gives a pair the same stream whichever object is listed first.
func pairSeed(a, b int) uint64 {
	if a > b {
		a, b = b, a
	}
	return uint64(a)<<32 ^ uint64(b) ^ 0x9e3779b97f4a7c15
}
