package transform

import (
	"errors"

	"gonum.org/v1/gonum/spatial/r3"
)

// ErrDegenerateFrame is returned when position and velocity are parallel or
// zero, so no orbital plane is defined.
var ErrDegenerateFrame = errors.New("degenerate RIC frame: position and velocity are parallel")

// RIC is the Radial / In-track / Cross-track frame of an orbiting object:
//
//	R = r̂
//	C = (r × v)^
//	I = C × R
type RIC struct {
	R, I, C r3.Vec
}

// NewRIC builds the RIC basis from an inertial position and velocity.
func NewRIC(pos, vel r3.Vec) (RIC, error) {
	h := r3.Cross(pos, vel)
	if r3.Norm(pos) == 0 || r3.Norm(h) <= 1e-12*r3.Norm(pos)*r3.Norm(vel) {
		return RIC{}, ErrDegenerateFrame
	}
	rHat := r3.Unit(pos)
	cHat := r3.Unit(h)
	return RIC{R: rHat, I: r3.Cross(cHat, rHat), C: cHat}, nil
}

// Matrix returns the RIC→inertial rotation; its columns are R, I and C.
func (f RIC) Matrix() *r3.Mat {
	return r3.NewMat([]float64{
		f.R.X, f.I.X, f.C.X,
		f.R.Y, f.I.Y, f.C.Y,
		f.R.Z, f.I.Z, f.C.Z,
	})
}

// ToInertial rotates a RIC vector (x=radial, y=in-track, z=cross-track) into
// the inertial frame.
func (f RIC) ToInertial(v r3.Vec) r3.Vec {
	return f.Matrix().MulVec(v)
}

// FromInertial projects an inertial vector onto the RIC axes.
func (f RIC) FromInertial(v r3.Vec) r3.Vec {
	return f.Matrix().MulVecTrans(v)
}
