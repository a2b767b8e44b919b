package replay

import (
	"context"
	"time"

	"github.com/star/orbitguard/internal/catalog"
	"github.com/star/orbitguard/internal/fault"
	"github.com/star/orbitguard/internal/propagation"
	"github.com/star/orbitguard/internal/transform"
)

// ObjectState is one object's display position in a snapshot.
type ObjectState struct {
	ID           int        `json:"id"`
	PositionECEF [3]float64 `json:"p"` // km
	LatDeg       float64    `json:"lat"`
	LonDeg       float64    `json:"lon"`
	AltitudeKm   float64    `json:"alt"`
}

// Snapshot is the catalog's display state at one instant.
type Snapshot struct {
	Time    time.Time
	Mode    propagation.Mode
	Objects []ObjectState
}

// FromFrame converts a propagated frame into display coordinates.
func FromFrame(f *propagation.Frame, mode propagation.Mode) *Snapshot {
	gmst := transform.GMST(f.Time)
	objects := make([]ObjectState, len(f.States))
	for i, sv := range f.States {
		pos, _ := transform.TEMEToECEFWithGMST(sv.Position, sv.Velocity, gmst)
		geo := transform.ECEFToGeodetic(pos)
		objects[i] = ObjectState{
			ID:           sv.ObjectID,
			PositionECEF: [3]float64{pos.X, pos.Y, pos.Z},
			LatDeg:       geo.LatDeg,
			LonDeg:       geo.LonDeg,
			AltitudeKm:   geo.AltKm,
		}
	}
	return &Snapshot{Time: f.Time, Mode: mode, Objects: objects}
}

// Source produces snapshots for recording.
type Source interface {
	Capture(ctx context.Context, at time.Time) (*Snapshot, error)
}

// CatalogSource captures the store's current catalog with a fixed
// propagation mode.
type CatalogSource struct {
	store *catalog.Store
	prop  *propagation.Propagator
	mode  propagation.Mode
}

// NewCatalogSource creates a Source backed by store and prop.
func NewCatalogSource(store *catalog.Store, prop *propagation.Propagator, mode propagation.Mode) *CatalogSource {
	return &CatalogSource{store: store, prop: prop, mode: mode}
}

// Capture propagates the current catalog to at.
func (s *CatalogSource) Capture(ctx context.Context, at time.Time) (*Snapshot, error) {
	snap := s.store.Current()
	if snap == nil {
		return nil, fault.Errorf(fault.InvalidInput, "no catalog loaded")
	}
	frame, err := s.prop.PropagateToTime(ctx, snap, s.mode, at)
	if err != nil {
		return nil, err
	}
	return FromFrame(frame, s.mode), nil
}
