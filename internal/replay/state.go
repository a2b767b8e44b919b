package replay

import (
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/star/orbitguard/internal/fault"
)

// Status is the controller's current mode.
type Status int

const (
	StatusIdle Status = iota
	StatusRecording
	StatusPlaying
	StatusPaused
	StatusSeeking // transient; resolves back to the status a seek started from
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRecording:
		return "recording"
	case StatusPlaying:
		return "playing"
	case StatusPaused:
		return "paused"
	case StatusSeeking:
		return "seeking"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText encodes s by name.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses a name produced by MarshalText.
func (s *Status) UnmarshalText(b []byte) error {
	for st := StatusIdle; st <= StatusSeeking; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown replay status %q", b)
}

// Op names a replay command.
type Op int

const (
	OpStartRecording Op = iota + 1
	OpStopRecording
	OpPlay
	OpPause
	OpStop
	OpSeek
	OpSetSpeed
	OpReset

	// Issued by the controller loop only.
	opTick
	opAppend
	opSeekDone
)

var opNames = map[Op]string{
	OpStartRecording: "record_start",
	OpStopRecording:  "record_stop",
	OpPlay:           "play",
	OpPause:          "pause",
	OpStop:           "stop",
	OpSeek:           "seek",
	OpSetSpeed:       "speed",
	OpReset:          "reset",
	opTick:           "tick",
	opAppend:         "append",
	opSeekDone:       "seek_done",
}

func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// ParseOp maps an external command name to its Op. Internal ops are not
// accepted.
func ParseOp(s string) (Op, error) {
	for op := OpStartRecording; op <= OpReset; op++ {
		if opNames[op] == s {
			return op, nil
		}
	}
	return 0, fault.Errorf(fault.InvalidInput, "unknown replay command %q", s)
}

// Command is one input to Transition. Now is the wall-clock instant the
// controller applied it.
type Command struct {
	Op       Op
	Now      time.Time
	Target   time.Time // OpSeek
	Speed    float64   // OpSetSpeed
	Session  string    // OpReset: new session; opAppend: session captured for
	Snapshot *Snapshot // opAppend
}

// Limits bound what Transition accepts.
type Limits struct {
	MaxSnapshots int     // oldest snapshots are dropped beyond this; 0 = unbounded
	MaxSpeed     float64 // upper bound for OpSetSpeed
}

// State is an immutable view of the replay session. Transition never
// mutates its input; Snapshots may share a backing array between versions
// but published elements are never rewritten.
type State struct {
	Session     string
	Version     uint64
	Status      Status
	StartTime   time.Time
	CurrentTime time.Time
	EndTime     time.Time
	Speed       float64
	Snapshots   []*Snapshot

	resume Status    // restored when a seek completes
	anchor time.Time // wall-clock instant CurrentTime last advanced
}

// NewState returns an empty Idle session starting at now.
func NewState(session string, now time.Time) State {
	return State{
		Session:     session,
		Status:      StatusIdle,
		StartTime:   now,
		CurrentTime: now,
		EndTime:     now,
		Speed:       1,
		anchor:      now,
	}
}

// Recording reports whether snapshots are being captured.
func (s State) Recording() bool { return s.Status == StatusRecording }

// Playing reports whether CurrentTime is advancing, counting a seek issued
// during playback.
func (s State) Playing() bool {
	return s.Status == StatusPlaying || (s.Status == StatusSeeking && s.resume == StatusPlaying)
}

// SnapshotAt returns the latest snapshot recorded at or before t, or nil.
func (s State) SnapshotAt(t time.Time) *Snapshot {
	i, found := slices.BinarySearchFunc(s.Snapshots, t, func(snap *Snapshot, t time.Time) int {
		return snap.Time.Compare(t)
	})
	if found {
		return s.Snapshots[i]
	}
	if i == 0 {
		return nil
	}
	return s.Snapshots[i-1]
}

// Transition applies cmd to s and returns the next state. A command that
// changes nothing returns s with its Version unchanged; every effective
// transition increments Version.
func Transition(s State, cmd Command, lim Limits) (State, error) {
	next := s

	switch cmd.Op {
	case OpStartRecording:
		switch s.Status {
		case StatusRecording:
			return s, nil
		case StatusIdle:
		default:
			return s, fault.Errorf(fault.InvalidInput, "cannot start recording while %s", s.Status)
		}
		next.Status = StatusRecording
		next.Snapshots = nil
		next.StartTime, next.CurrentTime, next.EndTime = cmd.Now, cmd.Now, cmd.Now

	case OpStopRecording:
		if s.Status != StatusRecording {
			return s, fault.Errorf(fault.InvalidInput, "not recording")
		}
		next.Status = StatusIdle

	case OpPlay:
		switch s.Status {
		case StatusPlaying:
			return s, nil
		case StatusRecording:
			return s, fault.Errorf(fault.InvalidInput, "stop recording before playback")
		case StatusSeeking:
			return s, fault.Errorf(fault.InvalidInput, "seek in progress")
		}
		if len(s.Snapshots) == 0 {
			return s, fault.Errorf(fault.InvalidInput, "nothing recorded")
		}
		if !s.CurrentTime.Before(s.EndTime) {
			next.CurrentTime = s.StartTime
		}
		next.Status = StatusPlaying
		next.anchor = cmd.Now

	case OpPause:
		switch s.Status {
		case StatusPaused:
			return s, nil
		case StatusPlaying:
			next.Status = StatusPaused
		default:
			return s, fault.Errorf(fault.InvalidInput, "cannot pause while %s", s.Status)
		}

	case OpStop:
		switch s.Status {
		case StatusIdle:
			return s, nil
		case StatusPlaying, StatusPaused:
			next.Status = StatusIdle
		default:
			return s, fault.Errorf(fault.InvalidInput, "cannot stop while %s", s.Status)
		}

	case OpSeek:
		if s.Status == StatusSeeking {
			return s, fault.Errorf(fault.InvalidInput, "seek in progress")
		}
		next.resume = s.Status
		next.Status = StatusSeeking
		next.CurrentTime = clampTime(cmd.Target, s.StartTime, s.EndTime)

	case opSeekDone:
		if s.Status != StatusSeeking {
			return s, nil
		}
		next.Status = s.resume
		next.anchor = cmd.Now
		if next.Status == StatusPlaying && !next.CurrentTime.Before(next.EndTime) {
			next.Status = StatusPaused
		}

	case OpSetSpeed:
		if math.IsNaN(cmd.Speed) || cmd.Speed <= 0 || (lim.MaxSpeed > 0 && cmd.Speed > lim.MaxSpeed) {
			return s, fault.Errorf(fault.InvalidInput, "speed %g out of range (0, %g]", cmd.Speed, lim.MaxSpeed)
		}
		next.Speed = cmd.Speed
		next.anchor = cmd.Now

	case OpReset:
		if cmd.Session == "" {
			return s, fault.Errorf(fault.InvalidInput, "reset needs a session id")
		}
		next = NewState(cmd.Session, cmd.Now)

	case opTick:
		if s.Status != StatusPlaying {
			return s, nil
		}
		elapsed := cmd.Now.Sub(s.anchor)
		if elapsed <= 0 {
			return s, nil
		}
		next.CurrentTime = s.CurrentTime.Add(time.Duration(float64(elapsed) * s.Speed))
		next.anchor = cmd.Now
		if !next.CurrentTime.Before(s.EndTime) {
			next.CurrentTime = s.EndTime
			next.Status = StatusPaused
		}

	case opAppend:
		snap := cmd.Snapshot
		if s.Status != StatusRecording || cmd.Session != s.Session || snap == nil {
			return s, nil
		}
		if n := len(s.Snapshots); n > 0 && !snap.Time.After(s.Snapshots[n-1].Time) {
			return s, nil
		}
		snaps := append(slices.Clip(s.Snapshots), snap)
		if lim.MaxSnapshots > 0 && len(snaps) > lim.MaxSnapshots {
			snaps = snaps[len(snaps)-lim.MaxSnapshots:]
		}
		next.Snapshots = snaps
		next.StartTime = snaps[0].Time
		next.EndTime = snap.Time
		next.CurrentTime = snap.Time

	default:
		return s, fault.Errorf(fault.InvalidInput, "unknown replay command %s", cmd.Op)
	}

	next.Version = s.Version + 1
	return next, nil
}

func clampTime(t, lo, hi time.Time) time.Time {
	if t.Before(lo) {
		return lo
	}
	if t.After(hi) {
		return hi
	}
	return t
}
