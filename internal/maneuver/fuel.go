package maneuver

import (
	"math"
	"time"

	"github.com/star/orbitguard/internal/fault"
)

// G0 is standard gravity in m/s².
const G0 = 9.80665

// Spacecraft describes the maneuvering vehicle for one request.
type Spacecraft struct {
	MassKg     float64 `json:"mass_kg"`      // dry + wet
	IspS       float64 `json:"isp_s"`        // specific impulse
	MaxThrustN float64 `json:"max_thrust_n"` // 0 when unknown
	FuelMassKg float64 `json:"fuel_mass_kg"` // propellant available
}

// Validate rejects parameters no burn can be computed for.
func (s Spacecraft) Validate() error {
	switch {
	case !(s.MassKg > 0) || math.IsInf(s.MassKg, 0):
		return fault.Errorf(fault.InvalidInput, "spacecraft mass %.3f kg must be positive", s.MassKg)
	case !(s.IspS > 0) || math.IsInf(s.IspS, 0):
		return fault.Errorf(fault.InvalidInput, "specific impulse %.3f s must be positive", s.IspS)
	case !(s.FuelMassKg >= 0) || s.FuelMassKg > s.MassKg:
		return fault.Errorf(fault.InvalidInput, "fuel mass %.3f kg must be within [0, %.3f]", s.FuelMassKg, s.MassKg)
	case !(s.MaxThrustN >= 0) || math.IsInf(s.MaxThrustN, 0):
		return fault.Errorf(fault.InvalidInput, "max thrust %.3f N must not be negative", s.MaxThrustN)
	}
	return nil
}

// FuelCost is the Tsiolkovsky propellant mass for a delta-V in km/s:
//
//	m · (1 − exp(−Δv / (Isp · g0)))
//
// Zero delta-V costs exactly zero.
func FuelCost(massKg, ispS, deltaVKmS float64) float64 {
	dvMps := math.Abs(deltaVKmS) * 1000
	return massKg * -math.Expm1(-dvMps/(ispS*G0))
}

// DeltaVForFuel inverts FuelCost: the delta-V in km/s bought by fuelKg.
// Spending the whole mass gives +Inf.
func DeltaVForFuel(massKg, ispS, fuelKg float64) float64 {
	if fuelKg >= massKg {
		return math.Inf(1)
	}
	return -ispS * G0 * math.Log1p(-fuelKg/massKg) / 1000
}

// BurnDuration is the time needed to expel fuelKg at constant thrust. It is
// zero when thrust is unknown.
func BurnDuration(fuelKg, ispS, thrustN float64) time.Duration {
	if thrustN <= 0 || fuelKg <= 0 {
		return 0
	}
	return time.Duration(fuelKg * ispS * G0 / thrustN * float64(time.Second))
}
