// Package rotation converts between rotation matrices and pitch/yaw/roll Euler
// angles for pose diagnostics.
//
// Angles compose as R = Rx(pitch) * Ry(yaw) * Rz(roll). Pose displays depend on
// that order, so it must not change.
package rotation

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrInvalidShape is returned for inputs that are not 3x3, 3x1 or 1x3.
	ErrInvalidShape = errors.New("input matrix must be 1x3, 3x1 or 3x3")
	// ErrInvalidUnit is returned for a Unit other than Radians or Degrees.
	ErrInvalidUnit = errors.New("invalid angle unit")
)

// Unit selects how angles are expressed.
type Unit int

const (
	// Radians is the default unit.
	Radians Unit = iota
	// Degrees scales angles by 180/pi.
	Degrees
)

func (u Unit) String() string {
	switch u {
	case Radians:
		return "radians"
	case Degrees:
		return "degrees"
	default:
		return fmt.Sprintf("Unit(%d)", int(u))
	}
}

func (u Unit) validate() error {
	if u != Radians && u != Degrees {
		return fmt.Errorf("%w: %v", ErrInvalidUnit, u)
	}
	return nil
}

// gimbalLimit is the |R[0][2]| above which yaw is taken as +-pi/2.
const gimbalLimit = 0.998

// Angles holds a rotation as pitch (about x), yaw (about y) and roll (about z).
type Angles struct {
	Pitch float64
	Yaw   float64
	Roll  float64
}

// Vector returns the angles as a 3x1 matrix.
func (a Angles) Vector() *mat.Dense {
	return mat.NewDense(3, 1, []float64{a.Pitch, a.Yaw, a.Roll})
}

func (a Angles) scale(f float64) Angles {
	return Angles{Pitch: a.Pitch * f, Yaw: a.Yaw * f, Roll: a.Roll * f}
}

// Euler converts in either direction depending on the shape of src: a 3x3
// rotation matrix yields a 3x1 vector of angles, and a 3x1 or 1x3 vector of
// angles yields a 3x3 rotation matrix.
func Euler(src mat.Matrix, unit Unit) (*mat.Dense, error) {
	if err := unit.validate(); err != nil {
		return nil, err
	}
	r, c := src.Dims()
	switch {
	case r == 3 && c == 3:
		a, err := MatrixToEuler(src, unit)
		if err != nil {
			return nil, err
		}
		return a.Vector(), nil
	case r == 3 && c == 1:
		return EulerToMatrix(Angles{Pitch: src.At(0, 0), Yaw: src.At(1, 0), Roll: src.At(2, 0)}, unit)
	case r == 1 && c == 3:
		return EulerToMatrix(Angles{Pitch: src.At(0, 0), Yaw: src.At(0, 1), Roll: src.At(0, 2)}, unit)
	default:
		return nil, fmt.Errorf("%w: got %dx%d", ErrInvalidShape, r, c)
	}
}

// MatrixToEuler decomposes a 3x3 rotation matrix. Near gimbal lock roll is
// folded into pitch and reported as zero.
func MatrixToEuler(m mat.Matrix, unit Unit) (Angles, error) {
	if err := unit.validate(); err != nil {
		return Angles{}, err
	}
	if r, c := m.Dims(); r != 3 || c != 3 {
		return Angles{}, fmt.Errorf("%w: rotation matrix is %dx%d", ErrInvalidShape, r, c)
	}

	var a Angles
	switch r02 := m.At(0, 2); {
	case r02 < -gimbalLimit:
		a = Angles{Pitch: -math.Atan2(m.At(1, 0), m.At(1, 1)), Yaw: -math.Pi / 2}
	case r02 > gimbalLimit:
		a = Angles{Pitch: math.Atan2(m.At(1, 0), m.At(1, 1)), Yaw: math.Pi / 2}
	default:
		a = Angles{
			Pitch: math.Atan2(-m.At(1, 2), m.At(2, 2)),
			Yaw:   math.Asin(r02),
			Roll:  math.Atan2(-m.At(0, 1), m.At(0, 0)),
		}
	}

	if unit == Degrees {
		a = a.scale(180 / math.Pi)
	}
	return a, nil
}

// EulerToMatrix composes Rx(pitch) * Ry(yaw) * Rz(roll).
func EulerToMatrix(a Angles, unit Unit) (*mat.Dense, error) {
	if err := unit.validate(); err != nil {
		return nil, err
	}
	if unit == Degrees {
		a = a.scale(math.Pi / 180)
	}

	sp, cp := math.Sincos(a.Pitch)
	sy, cy := math.Sincos(a.Yaw)
	sr, cr := math.Sincos(a.Roll)

	rx := mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, cp, -sp,
		0, sp, cp,
	})
	ry := mat.NewDense(3, 3, []float64{
		cy, 0, sy,
		0, 1, 0,
		-sy, 0, cy,
	})
	rz := mat.NewDense(3, 3, []float64{
		cr, -sr, 0,
		sr, cr, 0,
		0, 0, 1,
	})

	var rxy, out mat.Dense
	rxy.Mul(rx, ry)
	out.Mul(&rxy, rz)
	return &out, nil
}

// Rodrigues turns a 3-element rotation vector into a 3x3 rotation matrix.
type Rodrigues func(vec mat.Matrix) (*mat.Dense, error)

// RodriguesToEuler converts a rotation vector to Euler angles, returned as a
// 3x1 matrix.
func RodriguesToEuler(src mat.Matrix, unit Unit, rodrigues Rodrigues) (*mat.Dense, error) {
	if err := unit.validate(); err != nil {
		return nil, err
	}
	if r, c := src.Dims(); !(r == 3 && c == 1) && !(r == 1 && c == 3) {
		return nil, fmt.Errorf("%w: rotation vector is %dx%d", ErrInvalidShape, r, c)
	}

	m, err := rodrigues(src)
	if err != nil {
		return nil, fmt.Errorf("rodrigues conversion: %w", err)
	}
	a, err := MatrixToEuler(m, unit)
	if err != nil {
		return nil, err
	}
	return a.Vector(), nil
}
