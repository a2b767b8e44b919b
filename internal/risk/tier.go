package risk

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Tier is a discrete risk class. Tiers order by severity, so comparisons
// such as t >= TierHigh are meaningful.
type Tier int

const (
	TierLow Tier = iota
	TierMedium
	TierHigh
	TierCritical
)

// Probability thresholds. Consumers render by tier; these values must not
// change between releases.
const (
	CriticalThreshold = 1e-3
	HighThreshold     = 1e-4
	MediumThreshold   = 1e-5
)

// TierFor classifies a collision probability. Thresholds are exclusive:
// exactly 1e-3 is high, not critical.
func TierFor(p float64) Tier {
	switch {
	case p > CriticalThreshold:
		return TierCritical
	case p > HighThreshold:
		return TierHigh
	case p > MediumThreshold:
		return TierMedium
	default:
		return TierLow
	}
}

func (t Tier) String() string {
	switch t {
	case TierLow:
		return "low"
	case TierMedium:
		return "medium"
	case TierHigh:
		return "high"
	case TierCritical:
		return "critical"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// ParseTier is the inverse of Tier.String.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(s) {
	case "low":
		return TierLow, nil
	case "medium":
		return TierMedium, nil
	case "high":
		return TierHigh, nil
	case "critical":
		return TierCritical, nil
	default:
		return 0, fmt.Errorf("unknown risk tier %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tier) UnmarshalText(b []byte) error {
	v, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Ranked is anything that can be placed in the display order.
type Ranked interface {
	RiskTier() Tier
	ClosestApproach() time.Time
}

// Rank sorts items for display: critical first, then by ascending TCA.
// The sort is stable so equal keys keep detection order.
func Rank[T Ranked](items []T) {
	slices.SortStableFunc(items, func(a, b T) int {
		if ta, tb := a.RiskTier(), b.RiskTier(); ta != tb {
			return int(tb) - int(ta)
		}
		return a.ClosestApproach().Compare(b.ClosestApproach())
	})
}
