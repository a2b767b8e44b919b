package propagation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/star/orbitguard/internal/catalog"
	"github.com/star/orbitguard/internal/metrics"
)

// OrbitSet holds the initialized orbits for one catalog snapshot under one
// mode. Immutable after construction; safe for concurrent reads.
type OrbitSet struct {
	Version uint64
	Mode    Mode
	Orbits  []Orbit
	Invalid []SlotError // elements rejected at initialization
	byID    map[int]Orbit
}

// Lookup returns the orbit for id.
func (s *OrbitSet) Lookup(id int) (Orbit, bool) {
	o, ok := s.byID[id]
	return o, ok
}

// Frame is every valid object's state at one instant. States is a copy and
// owned by the caller.
type Frame struct {
	Time   time.Time
	States []StateVector
	Failed []SlotError
}

// Propagator turns catalog snapshots into orbits and batch states.
type Propagator struct {
	pool   *WorkerPool
	config PropConfig
	logger *slog.Logger
	sets   [2]atomic.Pointer[OrbitSet] // indexed by Mode
	setsMu sync.Mutex                  // serializes cache rebuilds
}

// NewPropagator creates a new propagation orchestrator.
func NewPropagator(config PropConfig, logger *slog.Logger) *Propagator {
	return &Propagator{
		pool:   NewWorkerPool(config.Workers, logger),
		config: config,
		logger: logger,
	}
}

// Pool returns the worker pool used for batch propagation.
func (p *Propagator) Pool() *WorkerPool { return p.pool }

// DefaultMode returns the configured catalog-wide mode.
func (p *Propagator) DefaultMode() Mode { return p.config.Mode }

// Integrator returns a Cowell integrator with the configured step.
func (p *Propagator) Integrator() Integrator {
	return Integrator{Step: p.config.IntegrationStep}
}

// Orbits returns the initialized orbits for snap under mode. The set is
// rebuilt only when the snapshot version changes (double-checked locking).
func (p *Propagator) Orbits(snap *catalog.Snapshot, mode Mode) (*OrbitSet, error) {
	if snap == nil {
		return nil, fmt.Errorf("no catalog snapshot loaded")
	}
	if mode != ModeSGP4 && mode != ModeAnalytic {
		return nil, fmt.Errorf("unknown propagation mode %d", int(mode))
	}
	slot := &p.sets[mode]
	if s := slot.Load(); s != nil && s.Version == snap.Version {
		return s, nil
	}

	p.setsMu.Lock()
	defer p.setsMu.Unlock()

	if s := slot.Load(); s != nil && s.Version == snap.Version {
		return s, nil
	}

	set := &OrbitSet{
		Version: snap.Version,
		Mode:    mode,
		Orbits:  make([]Orbit, 0, len(snap.Elements)),
		byID:    make(map[int]Orbit, len(snap.Elements)),
	}
	for _, el := range snap.Elements {
		o, err := New(el, mode)
		if err != nil {
			p.logger.Warn("orbit init failed, object excluded", "norad_id", el.ID, "mode", mode.String(), "error", err)
			set.Invalid = append(set.Invalid, SlotError{Slot: -1, ObjectID: el.ID, Err: err})
			continue
		}
		set.Orbits = append(set.Orbits, o)
		set.byID[el.ID] = o
	}

	p.logger.Info("orbit cache rebuilt",
		"mode", mode.String(),
		"cached", len(set.Orbits),
		"skipped", len(set.Invalid),
		"catalog_version", snap.Version,
	)
	slot.Store(set)
	return set, nil
}

// PropagateToTime propagates every valid object in snap to t.
func (p *Propagator) PropagateToTime(ctx context.Context, snap *catalog.Snapshot, mode Mode, t time.Time) (*Frame, error) {
	set, err := p.Orbits(snap, mode)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	arena := NewArena(set.Orbits)
	failed, err := arena.Fill(ctx, p.pool, t)
	duration := time.Since(start)
	if err != nil {
		return nil, err
	}

	metrics.RecordPropagation(duration, arena.Len()-len(failed), len(failed))

	p.logger.Debug("propagation complete",
		"success", arena.Len()-len(failed),
		"errors", len(failed),
		"duration_ms", duration.Milliseconds(),
	)

	return &Frame{Time: t, States: arena.Snapshot(), Failed: failed}, nil
}
