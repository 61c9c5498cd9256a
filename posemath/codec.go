package posemath

import (
	"encoding/binary"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// EncodedPoseSize is the size of a binary pose block:
// position xyz, quaternion wxyz and euler xyz as little-endian float32.
const EncodedPoseSize = 40

// DecodePose reads a pose block. The quaternion is authoritative; if it is not
// a rotation (some firmware leaves it zeroed) the Euler angles are used instead.
func DecodePose(b []byte) (Pose, error) {
	if len(b) < EncodedPoseSize {
		return Pose{}, errors.Errorf("pose block needs %d bytes, got %d", EncodedPoseSize, len(b))
	}
	f := func(off int) float64 {
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b[off:])))
	}
	pos := r3.Vector{X: f(0), Y: f(4), Z: f(8)}
	q := Quaternion{W: f(12), X: f(16), Y: f(20), Z: f(24)}
	e := Euler{RX: f(28), RY: f(32), RZ: f(36)}

	if q.IsUnit() {
		return NewPoseFromQuaternion(pos, q)
	}
	return PoseInput{Position: pos, Euler: e, Mode: OrientationEuler}.Resolve()
}

// EncodePose writes p into b, which must hold EncodedPoseSize bytes.
func EncodePose(b []byte, p Pose) {
	put := func(off int, v float64) {
		binary.LittleEndian.PutUint32(b[off:], math.Float32bits(float32(v)))
	}
	put(0, p.position.X)
	put(4, p.position.Y)
	put(8, p.position.Z)
	put(12, p.quat.W)
	put(16, p.quat.X)
	put(20, p.quat.Y)
	put(24, p.quat.Z)
	put(28, p.euler.RX)
	put(32, p.euler.RY)
	put(36, p.euler.RZ)
}
