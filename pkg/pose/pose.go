// Package pose turns tracker samples into head-pose transforms and feeds them
// to rendering sinks on a fixed tick.
package pose

import (
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"vruitrack/pkg/protocol"
)

// Pose is a rigid head transform. Matrix is the 4x4 row-major homogeneous
// form of Orientation followed by translation to Position.
type Pose struct {
	Seq         uint64
	Time        time.Time
	Position    r3.Vec
	Orientation quat.Number
	Matrix      *mat.Dense
}

// Orientation converts the sample's x, y, z, w quaternion to a unit
// quat.Number. A zero or non-finite quaternion maps to the identity.
func Orientation(sample protocol.TrackerSample) quat.Number {
	q := sample.NormalizedOrientation()
	return quat.Number{
		Real: float64(q[3]),
		Imag: float64(q[0]),
		Jmag: float64(q[1]),
		Kmag: float64(q[2]),
	}
}

func Position(sample protocol.TrackerSample) r3.Vec {
	return r3.Vec{
		X: float64(sample.Position[0]),
		Y: float64(sample.Position[1]),
		Z: float64(sample.Position[2]),
	}
}

// HeadPose builds the 4x4 transform for a tracker sample.
func HeadPose(sample protocol.TrackerSample) *mat.Dense {
	return Matrix(Orientation(sample), Position(sample))
}

// Matrix returns the homogeneous transform rotating by the unit quaternion q
// and then translating by p.
func Matrix(q quat.Number, p r3.Vec) *mat.Dense {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return mat.NewDense(4, 4, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - z*w), 2 * (x*z + y*w), p.X,
		2 * (x*y + z*w), 1 - 2*(x*x+z*z), 2 * (y*z - x*w), p.Y,
		2 * (x*z - y*w), 2 * (y*z + x*w), 1 - 2*(x*x+y*y), p.Z,
		0, 0, 0, 1,
	})
}

// Apply transforms point p by the homogeneous matrix m.
func Apply(m mat.Matrix, p r3.Vec) r3.Vec {
	in := mat.NewVecDense(4, []float64{p.X, p.Y, p.Z, 1})
	var out mat.VecDense
	out.MulVec(m, in)
	return r3.Vec{X: out.AtVec(0), Y: out.AtVec(1), Z: out.AtVec(2)}
}

// FromSample builds a Pose for sample.
func FromSample(sample protocol.TrackerSample, seq uint64, ts time.Time) Pose {
	q := Orientation(sample)
	p := Position(sample)
	return Pose{
		Seq:         seq,
		Time:        ts,
		Position:    p,
		Orientation: q,
		Matrix:      Matrix(q, p),
	}
}

// RowMajor returns the 16 matrix entries in row-major order.
func (p Pose) RowMajor() [16]float64 {
	var out [16]float64
	if p.Matrix == nil {
		out[0], out[5], out[10], out[15] = 1, 1, 1, 1
		return out
	}
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			out[r*4+c] = p.Matrix.At(r, c)
		}
	}
	return out
}
