package catalog

import "time"

// OrbitalElement is one tracked object's mean element set. Values are never
// mutated after ingest; a catalog refresh replaces the whole Snapshot.
type OrbitalElement struct {
	ID             int // NORAD catalog number
	Name           string
	IntlDesignator string // e.g. "98067A"
	Epoch          time.Time

	InclinationDeg float64
	RAANDeg        float64
	Eccentricity   float64
	ArgPerigeeDeg  float64
	MeanAnomalyDeg float64
	MeanMotion     float64 // revolutions per day

	// Raw TLE lines, required by the SGP4 propagation mode.
	Line1 string
	Line2 string
}

// HasTLE reports whether the element set carries both raw TLE lines.
func (e OrbitalElement) HasTLE() bool {
	return e.Line1 != "" && e.Line2 != ""
}

// EpochRange is the minimum and maximum element epoch in a snapshot.
type EpochRange struct {
	Min time.Time
	Max time.Time
}

// Snapshot is an immutable view of the catalog at one refresh.
// Safe for concurrent reads; callers must not modify Elements.
type Snapshot struct {
	Version    uint64
	Source     string
	FetchedAt  time.Time
	EpochRange EpochRange
	Elements   []OrbitalElement

	index map[int]int
}

// NewSnapshot copies elements into a new snapshot. Duplicate IDs keep the
// first occurrence.
func NewSnapshot(version uint64, source string, fetchedAt time.Time, elements []OrbitalElement) *Snapshot {
	s := &Snapshot{
		Version:   version,
		Source:    source,
		FetchedAt: fetchedAt,
		Elements:  make([]OrbitalElement, 0, len(elements)),
		index:     make(map[int]int, len(elements)),
	}
	for _, e := range elements {
		if _, dup := s.index[e.ID]; dup {
			continue
		}
		s.index[e.ID] = len(s.Elements)
		s.Elements = append(s.Elements, e)

		if s.EpochRange.Min.IsZero() || e.Epoch.Before(s.EpochRange.Min) {
			s.EpochRange.Min = e.Epoch
		}
		if e.Epoch.After(s.EpochRange.Max) {
			s.EpochRange.Max = e.Epoch
		}
	}
	return s
}

// Lookup returns the element set for id.
func (s *Snapshot) Lookup(id int) (OrbitalElement, bool) {
	if s == nil {
		return OrbitalElement{}, false
	}
	i, ok := s.index[id]
	if !ok {
		return OrbitalElement{}, false
	}
	return s.Elements[i], true
}

// Len returns the number of objects in the snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Elements)
}
