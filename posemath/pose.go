package posemath

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// MaxDOF is the largest joint count any supported arm reports.
const MaxDOF = 7

// MaxFrameNameLen is the controller's limit for frame names, in bytes.
const MaxFrameNameLen = 10

// Pose is a position in meters plus an orientation. It is immutable: the
// quaternion and Euler views are fixed at construction and always agree.
type Pose struct {
	position r3.Vector
	quat     Quaternion
	euler    Euler
}

// NewPose builds a Pose from a position and Euler angles.
func NewPose(position r3.Vector, e Euler) Pose {
	q := EulerToQuaternion(e)
	return Pose{position: position, quat: q, euler: e}
}

// NewPoseFromQuaternion builds a Pose from a position and a unit quaternion.
func NewPoseFromQuaternion(position r3.Vector, q Quaternion) (Pose, error) {
	if !q.IsUnit() {
		return Pose{}, errors.Wrapf(ErrNonUnitQuaternion, "norm %.6f", q.Norm())
	}
	q = q.Normalize()
	return Pose{position: position, quat: q, euler: QuaternionToEuler(q)}, nil
}

// NewPoseFromPoint is a Pose with no rotation.
func NewPoseFromPoint(position r3.Vector) Pose {
	return Pose{position: position, quat: IdentityQuaternion}
}

// ZeroPose is the identity transform.
func ZeroPose() Pose {
	return NewPoseFromPoint(r3.Vector{})
}

func (p Pose) Position() r3.Vector { return p.position }

func (p Pose) Quaternion() Quaternion { return p.quat }

func (p Pose) Euler() Euler { return p.euler }

// IsZero reports whether p is the unset zero value, which is not a valid pose.
func (p Pose) IsZero() bool { return p.quat == Quaternion{} }

func (p Pose) String() string {
	return fmt.Sprintf("pos(%.6f, %.6f, %.6f) euler(%.6f, %.6f, %.6f)",
		p.position.X, p.position.Y, p.position.Z, p.euler.RX, p.euler.RY, p.euler.RZ)
}

// AlmostEqual compares positions component-wise within posTol meters and
// rotations within rotTol radians of each other.
func (p Pose) AlmostEqual(o Pose, posTol, rotTol float64) bool {
	d := p.position.Sub(o.position)
	if math.Abs(d.X) > posTol || math.Abs(d.Y) > posTol || math.Abs(d.Z) > posTol {
		return false
	}
	return RotationDistance(p.quat, o.quat) <= rotTol
}

// RotationDistance is the angle in radians of the rotation taking a to b.
func RotationDistance(a, b Quaternion) float64 {
	rel := a.Normalize().Conj().Mul(b.Normalize())
	v := math.Sqrt(rel.X*rel.X + rel.Y*rel.Y + rel.Z*rel.Z)
	return 2 * math.Atan2(v, math.Abs(rel.W))
}

// OrientationMode selects which orientation view of a PoseInput is authoritative.
// The numeric values match the controller's IK flag.
type OrientationMode int

const (
	OrientationQuaternion OrientationMode = 0
	OrientationEuler      OrientationMode = 1
)

func (m OrientationMode) String() string {
	switch m {
	case OrientationQuaternion:
		return "quaternion"
	case OrientationEuler:
		return "euler"
	default:
		return fmt.Sprintf("OrientationMode(%d)", int(m))
	}
}

// PoseInput is an unvalidated pose as a caller supplies it.
type PoseInput struct {
	Position   r3.Vector
	Quaternion Quaternion
	Euler      Euler
	Mode       OrientationMode
}

// PoseInputFrom wraps an already valid Pose, taking its Euler view.
func PoseInputFrom(p Pose) PoseInput {
	return PoseInput{Position: p.position, Quaternion: p.quat, Euler: p.euler, Mode: OrientationEuler}
}

// Resolve validates the input and returns the Pose it describes.
func (in PoseInput) Resolve() (Pose, error) {
	for _, v := range []float64{in.Position.X, in.Position.Y, in.Position.Z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Pose{}, errors.New("position is not finite")
		}
	}
	switch in.Mode {
	case OrientationQuaternion:
		return NewPoseFromQuaternion(in.Position, in.Quaternion)
	case OrientationEuler:
		for _, v := range []float64{in.Euler.RX, in.Euler.RY, in.Euler.RZ} {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return Pose{}, errors.New("euler angles are not finite")
			}
		}
		return NewPose(in.Position, in.Euler), nil
	default:
		return Pose{}, errors.Errorf("unknown orientation mode %d", in.Mode)
	}
}

// JointVector is a set of joint angles in degrees, one per axis.
type JointVector []float64

// NewJointVector checks that values has exactly dof entries.
func NewJointVector(dof int, values ...float64) (JointVector, error) {
	if dof < 1 || dof > MaxDOF {
		return nil, errors.Errorf("dof must be between 1 and %d, got %d", MaxDOF, dof)
	}
	if len(values) != dof {
		return nil, errors.Errorf("expected %d joint values, got %d", dof, len(values))
	}
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errors.Errorf("joint %d is not finite", i+1)
		}
	}
	out := make(JointVector, dof)
	copy(out, values)
	return out, nil
}

// Radians converts every joint to radians.
func (j JointVector) Radians() []float64 {
	out := make([]float64, len(j))
	for i, v := range j {
		out[i] = v * math.Pi / 180
	}
	return out
}

func jointsFromRadians(r []float64) JointVector {
	out := make(JointVector, len(r))
	for i, v := range r {
		out[i] = v * 180 / math.Pi
	}
	return out
}

// Frame is a named work or tool coordinate system.
type Frame struct {
	Name         string
	Pose         Pose
	Payload      float64 // kg
	CenterOfMass r3.Vector
}

// Validate checks the name bound and payload sign.
func (f Frame) Validate() error {
	if f.Name == "" {
		return errors.New("frame name is required")
	}
	if len(f.Name) > MaxFrameNameLen {
		return errors.Errorf("frame name %q exceeds %d bytes", f.Name, MaxFrameNameLen)
	}
	if f.Payload < 0 {
		return errors.Errorf("frame payload must not be negative, got %.3f", f.Payload)
	}
	return nil
}

// Matrix returns the frame's transform; an unset pose is the identity.
func (f Frame) Matrix() Matrix {
	if f.Pose.IsZero() {
		return Identity()
	}
	return PoseToMatrix(f.Pose)
}
