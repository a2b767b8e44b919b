package replay

import "time"

// View is the JSON form of a State handed to display clients. Times are
// Unix seconds.
type View struct {
	Session      string        `json:"session"`
	Version      uint64        `json:"version"`
	Status       Status        `json:"status"`
	Recording    bool          `json:"recording"`
	Playing      bool          `json:"playing"`
	StartTime    float64       `json:"start_time"`
	CurrentTime  float64       `json:"current_time"`
	EndTime      float64       `json:"end_time"`
	Speed        float64       `json:"speed"`
	Snapshots    int           `json:"snapshot_count"`
	SnapshotTime float64       `json:"snapshot_time,omitempty"`
	Mode         string        `json:"mode,omitempty"`
	Objects      []ObjectState `json:"objects,omitempty"`
}

// View renders s. With objects set, the snapshot shown at CurrentTime is
// included.
func (s State) View(objects bool) View {
	v := View{
		Session:     s.Session,
		Version:     s.Version,
		Status:      s.Status,
		Recording:   s.Recording(),
		Playing:     s.Playing(),
		StartTime:   UnixSeconds(s.StartTime),
		CurrentTime: UnixSeconds(s.CurrentTime),
		EndTime:     UnixSeconds(s.EndTime),
		Speed:       s.Speed,
		Snapshots:   len(s.Snapshots),
	}
	if !objects {
		return v
	}
	if snap := s.SnapshotAt(s.CurrentTime); snap != nil {
		v.SnapshotTime = UnixSeconds(snap.Time)
		v.Mode = snap.Mode.String()
		v.Objects = snap.Objects
	}
	return v
}

// UnixSeconds converts t to fractional Unix seconds; the zero time maps to 0.
func UnixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

// FromUnixSeconds is the inverse of UnixSeconds.
func FromUnixSeconds(s float64) time.Time {
	sec := int64(s)
	return time.Unix(sec, int64((s-float64(sec))*1e9)).UTC()
}
