// Package replay records catalog snapshots and plays them back on a
// scrubbable timeline.
//
// All state changes go through Transition. The Controller owns a single
// loop that applies commands, playback ticks and finished captures in
// arrival order and publishes each resulting State through an atomic
// pointer, so readers never block the loop and never observe a partially
// applied transition.
package replay

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/star/orbitguard/internal/fault"
)

// Config controls the controller loop.
type Config struct {
	TickInterval   time.Duration // playback advance cadence (default: 100ms)
	RecordInterval time.Duration // snapshot cadence while recording (default: 10s)
	MaxSnapshots   int           // retained snapshots per session (default: 720)
	MaxSpeed       float64       // playback speed ceiling (default: 3600)
}

// DefaultConfig returns the default replay configuration.
func DefaultConfig() Config {
	return Config{
		TickInterval:   100 * time.Millisecond,
		RecordInterval: 10 * time.Second,
		MaxSnapshots:   720,
		MaxSpeed:       3600,
	}
}

type reply struct {
	state *State
	err   error
}

type request struct {
	cmd   Command
	reply chan reply
}

// Controller serializes replay commands through one goroutine.
type Controller struct {
	cfg    Config
	source Source
	logger *slog.Logger
	now    func() time.Time

	cmds     chan request
	captured chan Command
	state    atomic.Pointer[State]
}

// NewController creates an idle controller. Run must be started before
// commands are accepted.
func NewController(source Source, cfg Config, logger *slog.Logger) *Controller {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.RecordInterval <= 0 {
		cfg.RecordInterval = def.RecordInterval
	}
	if cfg.MaxSnapshots <= 0 {
		cfg.MaxSnapshots = def.MaxSnapshots
	}
	if cfg.MaxSpeed <= 0 {
		cfg.MaxSpeed = def.MaxSpeed
	}
	c := &Controller{
		cfg:      cfg,
		source:   source,
		logger:   logger,
		now:      time.Now,
		cmds:     make(chan request),
		captured: make(chan Command, 1),
	}
	st := NewState(uuid.NewString(), c.now())
	c.state.Store(&st)
	return c
}

// State returns the latest published state.
func (c *Controller) State() *State { return c.state.Load() }

func (c *Controller) limits() Limits {
	return Limits{MaxSnapshots: c.cfg.MaxSnapshots, MaxSpeed: c.cfg.MaxSpeed}
}

// Run drives the controller until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	tick := time.NewTicker(c.cfg.TickInterval)
	defer tick.Stop()
	record := time.NewTicker(c.cfg.RecordInterval)
	defer record.Stop()

	capturing := false
	capture := func() {
		st := c.state.Load()
		if capturing || !st.Recording() {
			return
		}
		capturing = true
		go c.capture(ctx, st.Session, c.now())
	}

	c.logger.Info("replay controller started", "session", c.State().Session)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("replay controller stopped")
			return

		case req := <-c.cmds:
			st, err := c.apply(req.cmd)
			req.reply <- reply{state: st, err: err}
			if err == nil && req.cmd.Op == OpStartRecording {
				capture()
			}

		case <-tick.C:
			c.apply(Command{Op: opTick})

		case <-record.C:
			capture()

		case cmd := <-c.captured:
			capturing = false
			c.apply(cmd)
		}
	}
}

// capture runs one snapshot off the loop and hands it back through
// c.captured. At most one capture is in flight, so the send never blocks.
func (c *Controller) capture(ctx context.Context, session string, at time.Time) {
	snap, err := c.source.Capture(ctx, at)
	if err != nil {
		c.logger.Warn("replay capture failed", "session", session, "error", err)
	}
	c.captured <- Command{Op: opAppend, Session: session, Snapshot: snap}
}

// apply runs one transition and publishes the result. A seek publishes the
// transient Seeking state before resolving it.
func (c *Controller) apply(cmd Command) (*State, error) {
	cmd.Now = c.now()
	cur := c.state.Load()
	next, err := Transition(*cur, cmd, c.limits())
	if err != nil {
		return cur, err
	}
	if next.Version == cur.Version {
		return cur, nil
	}
	if next.Status == StatusSeeking {
		seeking := next
		c.state.Store(&seeking)
		next, _ = Transition(seeking, Command{Op: opSeekDone, Now: cmd.Now}, c.limits())
	}
	if next.Status != cur.Status || next.Session != cur.Session {
		c.logger.Info("replay state changed",
			"session", next.Session,
			"command", cmd.Op.String(),
			"from", cur.Status.String(),
			"to", next.Status.String(),
			"snapshots", len(next.Snapshots),
		)
	}
	c.state.Store(&next)
	return &next, nil
}

// Do submits an external command and waits for the resulting state.
func (c *Controller) Do(ctx context.Context, cmd Command) (*State, error) {
	if cmd.Op < OpStartRecording || cmd.Op > OpReset {
		return nil, fault.Errorf(fault.InvalidInput, "unknown replay command %s", cmd.Op)
	}
	if cmd.Op == OpReset {
		cmd.Session = uuid.NewString()
	}
	req := request{cmd: cmd, reply: make(chan reply, 1)}
	select {
	case c.cmds <- req:
	case <-ctx.Done():
		return nil, fault.Wrap(fault.Cancelled, ctx.Err())
	}
	select {
	case r := <-req.reply:
		return r.state, r.err
	case <-ctx.Done():
		return nil, fault.Wrap(fault.Cancelled, ctx.Err())
	}
}

// StartRecording begins a fresh recording from Idle, dropping earlier snapshots.
func (c *Controller) StartRecording(ctx context.Context) (*State, error) {
	return c.Do(ctx, Command{Op: OpStartRecording})
}

// StopRecording ends the recording and returns to Idle with the snapshots kept.
func (c *Controller) StopRecording(ctx context.Context) (*State, error) {
	return c.Do(ctx, Command{Op: OpStopRecording})
}

// Play advances CurrentTime at Speed, restarting from StartTime when at the end.
func (c *Controller) Play(ctx context.Context) (*State, error) {
	return c.Do(ctx, Command{Op: OpPlay})
}

// Pause freezes CurrentTime.
func (c *Controller) Pause(ctx context.Context) (*State, error) {
	return c.Do(ctx, Command{Op: OpPause})
}

// Stop leaves playback for Idle without discarding the recording.
func (c *Controller) Stop(ctx context.Context) (*State, error) {
	return c.Do(ctx, Command{Op: OpStop})
}

// Seek moves CurrentTime to t, clamped into the recorded range.
func (c *Controller) Seek(ctx context.Context, t time.Time) (*State, error) {
	return c.Do(ctx, Command{Op: OpSeek, Target: t})
}

// SetSpeed changes the playback rate without moving CurrentTime.
func (c *Controller) SetSpeed(ctx context.Context, speed float64) (*State, error) {
	return c.Do(ctx, Command{Op: OpSetSpeed, Speed: speed})
}

// Reset discards the session and starts a new, empty one.
func (c *Controller) Reset(ctx context.Context) (*State, error) {
	return c.Do(ctx, Command{Op: OpReset})
}
