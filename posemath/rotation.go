// Package posemath holds the pure numeric side of the arm client: orientation
// conversions, homogeneous transforms, frame chaining and forward/inverse
// kinematics. Nothing in here performs I/O or keeps shared state.
package posemath

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"
)

// UnitTolerance is how far a quaternion norm may drift from 1 and still be
// accepted as a rotation.
const UnitTolerance = 1e-4

// ErrNonUnitQuaternion is returned when a quaternion does not describe a rotation.
var ErrNonUnitQuaternion = errors.New("quaternion is not unit norm")

// Quaternion is a rotation in (w, x, y, z) order.
type Quaternion struct {
	W, X, Y, Z float64
}

// Euler angles in radians, applied as an aerospace (Z-Y-X intrinsic) sequence:
// R = Rz(RZ) * Ry(RY) * Rx(RX).
type Euler struct {
	RX, RY, RZ float64
}

// IdentityQuaternion is the zero rotation.
var IdentityQuaternion = Quaternion{W: 1}

func (q Quaternion) number() quat.Number {
	return quat.Number{Real: q.W, Imag: q.X, Jmag: q.Y, Kmag: q.Z}
}

func fromNumber(n quat.Number) Quaternion {
	return Quaternion{W: n.Real, X: n.Imag, Y: n.Jmag, Z: n.Kmag}
}

// Norm returns the Euclidean length of q.
func (q Quaternion) Norm() float64 {
	return quat.Abs(q.number())
}

// IsUnit reports whether q is within UnitTolerance of unit length.
func (q Quaternion) IsUnit() bool {
	return math.Abs(q.Norm()-1) <= UnitTolerance
}

// Normalize scales q to unit length. The zero quaternion is returned unchanged.
func (q Quaternion) Normalize() Quaternion {
	n := q.Norm()
	if n == 0 {
		return q
	}
	return fromNumber(quat.Scale(1/n, q.number()))
}

// Mul returns the Hamilton product q*o.
func (q Quaternion) Mul(o Quaternion) Quaternion {
	return fromNumber(quat.Mul(q.number(), o.number()))
}

// Conj returns the conjugate, which is the inverse for unit quaternions.
func (q Quaternion) Conj() Quaternion {
	return fromNumber(quat.Conj(q.number()))
}

// Dot is the four-component inner product.
func (q Quaternion) Dot(o Quaternion) float64 {
	return q.W*o.W + q.X*o.X + q.Y*o.Y + q.Z*o.Z
}

// SameRotation reports whether a and b describe the same rotation. q and -q are
// the same rotation, so the sign is aligned before comparing.
func SameRotation(a, b Quaternion, tol float64) bool {
	return math.Abs(a.Normalize().Dot(b.Normalize())) >= 1-tol
}

// EulerToQuaternion converts aerospace-convention Euler angles to a unit quaternion.
func EulerToQuaternion(e Euler) Quaternion {
	cr, sr := math.Cos(e.RX/2), math.Sin(e.RX/2)
	cp, sp := math.Cos(e.RY/2), math.Sin(e.RY/2)
	cy, sy := math.Cos(e.RZ/2), math.Sin(e.RZ/2)

	return Quaternion{
		W: cr*cp*cy + sr*sp*sy,
		X: sr*cp*cy - cr*sp*sy,
		Y: cr*sp*cy + sr*cp*sy,
		Z: cr*cp*sy - sr*sp*cy,
	}
}

// QuaternionToEuler converts q to Euler angles. Many Euler triples map to the
// same rotation and no canonical form is chosen beyond what atan2/asin return;
// compare rotations with SameRotation, not the triples.
func QuaternionToEuler(q Quaternion) Euler {
	q = q.Normalize()

	sinp := 2 * (q.W*q.Y - q.Z*q.X)
	if sinp > 1 {
		sinp = 1
	} else if sinp < -1 {
		sinp = -1
	}

	return Euler{
		RX: math.Atan2(2*(q.W*q.X+q.Y*q.Z), 1-2*(q.X*q.X+q.Y*q.Y)),
		RY: math.Asin(sinp),
		RZ: math.Atan2(2*(q.W*q.Z+q.X*q.Y), 1-2*(q.Y*q.Y+q.Z*q.Z)),
	}
}

// rotationVector is the axis*angle form of q, used as an orientation error.
func rotationVector(q Quaternion) [3]float64 {
	if q.W < 0 {
		q = Quaternion{W: -q.W, X: -q.X, Y: -q.Y, Z: -q.Z}
	}
	s := math.Sqrt(q.X*q.X + q.Y*q.Y + q.Z*q.Z)
	if s < 1e-12 {
		return [3]float64{2 * q.X, 2 * q.Y, 2 * q.Z}
	}
	angle := 2 * math.Atan2(s, q.W)
	return [3]float64{q.X / s * angle, q.Y / s * angle, q.Z / s * angle}
}
