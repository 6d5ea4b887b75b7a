package protocol

import (
	"time"

	"github.com/chewxy/math32"
)

// TrackerSample mirrors the device payload layout for one tracker:
// struct { float pos[3]; float quat[4]; float linVel[3]; float angVel[3]; }.
type TrackerSample struct {
	Position        [3]float32 `json:"position"`
	Orientation     [4]float32 `json:"orientation"` // x, y, z, w
	LinearVelocity  [3]float32 `json:"linear_velocity"`
	AngularVelocity [3]float32 `json:"angular_velocity"`
}

// IdentityOrientation is the unit quaternion with no rotation.
var IdentityOrientation = [4]float32{0, 0, 0, 1}

// OrientationNorm returns the length of the orientation quaternion.
func (s TrackerSample) OrientationNorm() float32 {
	q := s.Orientation
	return math32.Sqrt(q[0]*q[0] + q[1]*q[1] + q[2]*q[2] + q[3]*q[3])
}

// NormalizedOrientation returns the orientation scaled to unit length.
// A zero quaternion maps to the identity.
func (s TrackerSample) NormalizedOrientation() [4]float32 {
	n := s.OrientationNorm()
	if n == 0 || math32.IsNaN(n) || math32.IsInf(n, 0) {
		return IdentityOrientation
	}
	q := s.Orientation
	return [4]float32{q[0] / n, q[1] / n, q[2] / n, q[3] / n}
}

// Layout is the tracker/button/valuator count triple announced in CONNECT_REPLY.
type Layout struct {
	Trackers  int `json:"trackers"`
	Buttons   int `json:"buttons"`
	Valuators int `json:"valuators"`
}

// ServerState holds the latest device sample. Slice lengths are fixed by the
// Layout it was created with.
type ServerState struct {
	Trackers  []TrackerSample `json:"trackers"`
	Buttons   []bool          `json:"buttons"`
	Valuators []float32       `json:"valuators"`
}

func NewServerState(layout Layout) *ServerState {
	st := &ServerState{
		Trackers:  make([]TrackerSample, layout.Trackers),
		Buttons:   make([]bool, layout.Buttons),
		Valuators: make([]float32, layout.Valuators),
	}
	for i := range st.Trackers {
		st.Trackers[i].Orientation = IdentityOrientation
	}
	return st
}

func (st *ServerState) Layout() Layout {
	if st == nil {
		return Layout{}
	}
	return Layout{
		Trackers:  len(st.Trackers),
		Buttons:   len(st.Buttons),
		Valuators: len(st.Valuators),
	}
}

// Clone returns a deep copy.
func (st *ServerState) Clone() ServerState {
	if st == nil {
		return ServerState{}
	}
	out := NewServerState(st.Layout())
	out.CopyFrom(st)
	return *out
}

// CopyFrom overwrites st in place. It reports false and leaves st untouched
// when the layouts differ.
func (st *ServerState) CopyFrom(src *ServerState) bool {
	if st.Layout() != src.Layout() {
		return false
	}
	copy(st.Trackers, src.Trackers)
	copy(st.Buttons, src.Buttons)
	copy(st.Valuators, src.Valuators)
	return true
}

// Snapshot is a decoded state sample flowing through the pipeline.
type Snapshot struct {
	Session string
	Seq     uint64
	Time    time.Time
	State   ServerState
}
