package propagation

import (
	"fmt"
	"strings"
	"time"

	"gonum.org/v1/gonum/spatial/r3"
)

// Physical constants (WGS-84 / EGM-96 values).
const (
	MuEarth       = 398600.4418 // km³/s²
	EarthRadiusKm = 6378.137
	J2            = 1.08262668e-3
)

// Mode selects the propagation model.
//
// ModeSGP4 is the production model: the full SGP4/SDP4 perturbation theory
// applied to the raw TLE, accurate to about a kilometre near epoch.
//
// ModeAnalytic is a two-body Kepler solution with J2 secular drift of the
// node and perigee. It needs only the mean elements and is roughly an order
// of magnitude cheaper, but drifts by kilometres to tens of kilometres per
// day away from SGP4. Use it for interactive scrubbing, never for screening
// decisions that feed collision risk.
type Mode int

const (
	ModeSGP4 Mode = iota
	ModeAnalytic
)

func (m Mode) String() string {
	switch m {
	case ModeSGP4:
		return "sgp4"
	case ModeAnalytic:
		return "analytic"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode accepts "sgp4" or "analytic" (case-insensitive).
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sgp4":
		return ModeSGP4, nil
	case "analytic", "kepler":
		return ModeAnalytic, nil
	default:
		return 0, fmt.Errorf("unknown propagation mode %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// StateVector is an object's inertial (TEME) state at one instant.
type StateVector struct {
	ObjectID int
	Position r3.Vec // km
	Velocity r3.Vec // km/s
	Time     time.Time
}

// PropConfig holds propagation settings.
type PropConfig struct {
	Workers         int           // worker pool size (default: runtime.NumCPU())
	Mode            Mode          // default mode for catalog-wide propagation
	IntegrationStep time.Duration // Cowell step for maneuver re-propagation (default: 10s)
}
