package devicesim

import (
	"math"

	"vruitrack/pkg/protocol"
)

const (
	orbitRadius = 0.4
	orbitHeight = 1.6

	rollAmplitudeRad  = 15.0 * math.Pi / 180.0
	pitchAmplitudeRad = 10.0 * math.Pi / 180.0
	yawAmplitudeRad   = 40.0 * math.Pi / 180.0

	rollFreqHz  = 0.23
	pitchFreqHz = 0.31
	yawFreqHz   = 0.17

	pitchPhaseRad = math.Pi / 3.0
	yawPhaseRad   = 2.0 * math.Pi / 3.0
)

// Orbit moves tracker 0 on a slow horizontal Lissajous path at head height
// while it looks around. Other trackers trail it at fixed offsets, buttons
// toggle once per second and valuators sweep between -1 and 1.
func Orbit(t float64, st *protocol.ServerState) {
	for i := range st.Trackers {
		phase := float64(i) * 0.5
		tt := t + phase
		x := orbitRadius * math.Sin(2*math.Pi*0.1*tt)
		z := orbitRadius * math.Sin(2*math.Pi*0.2*tt)
		vx := orbitRadius * 2 * math.Pi * 0.1 * math.Cos(2*math.Pi*0.1*tt)
		vz := orbitRadius * 2 * math.Pi * 0.2 * math.Cos(2*math.Pi*0.2*tt)

		tr := &st.Trackers[i]
		tr.Position = [3]float32{float32(x), float32(orbitHeight - 0.3*float64(i)), float32(z)}
		tr.LinearVelocity = [3]float32{float32(vx), 0, float32(vz)}
		tr.Orientation = lookQuaternion(tt)
		tr.AngularVelocity = [3]float32{
			float32(rollAmplitudeRad * 2 * math.Pi * rollFreqHz * math.Cos(2*math.Pi*rollFreqHz*tt)),
			float32(yawAmplitudeRad * 2 * math.Pi * yawFreqHz * math.Cos(2*math.Pi*yawFreqHz*tt+yawPhaseRad)),
			float32(pitchAmplitudeRad * 2 * math.Pi * pitchFreqHz * math.Cos(2*math.Pi*pitchFreqHz*tt+pitchPhaseRad)),
		}
	}
	sec := int(t)
	for i := range st.Buttons {
		st.Buttons[i] = (sec+i)%2 == 0
	}
	for i := range st.Valuators {
		st.Valuators[i] = float32(math.Sin(t + float64(i)))
	}
}

// Static leaves every tracker at the origin with identity orientation.
func Static(_ float64, st *protocol.ServerState) {
	for i := range st.Trackers {
		st.Trackers[i] = protocol.TrackerSample{Orientation: protocol.IdentityOrientation}
	}
}

// lookQuaternion returns an x, y, z, w unit quaternion for a ZYX euler rotation.
func lookQuaternion(t float64) [4]float32 {
	roll := rollAmplitudeRad * math.Sin(2.0*math.Pi*rollFreqHz*t)
	pitch := pitchAmplitudeRad * math.Sin(2.0*math.Pi*pitchFreqHz*t+pitchPhaseRad)
	yaw := yawAmplitudeRad * math.Sin(2.0*math.Pi*yawFreqHz*t+yawPhaseRad)

	cr := math.Cos(roll * 0.5)
	sr := math.Sin(roll * 0.5)
	cp := math.Cos(pitch * 0.5)
	sp := math.Sin(pitch * 0.5)
	cy := math.Cos(yaw * 0.5)
	sy := math.Sin(yaw * 0.5)

	w := cr*cp*cy + sr*sp*sy
	x := sr*cp*cy - cr*sp*sy
	y := cr*sp*cy + sr*cp*sy
	z := cr*cp*sy - sr*sp*cy

	norm := math.Sqrt(w*w + x*x + y*y + z*z)
	if norm == 0 {
		return protocol.IdentityOrientation
	}
	inv := 1.0 / norm
	return [4]float32{float32(x * inv), float32(y * inv), float32(z * inv), float32(w * inv)}
}
