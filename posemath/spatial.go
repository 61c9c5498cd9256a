package posemath

import (
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/num/quat"
)

// ToSpatialPose converts to an rdk pose. rdk works in millimeters.
func ToSpatialPose(p Pose) spatialmath.Pose {
	q := quat.Number{Real: p.quat.W, Imag: p.quat.X, Jmag: p.quat.Y, Kmag: p.quat.Z}
	return spatialmath.NewPose(p.position.Mul(1000), (*spatialmath.Quaternion)(&q))
}

// FromSpatialPose converts an rdk pose (millimeters) to a Pose in meters.
func FromSpatialPose(sp spatialmath.Pose) (Pose, error) {
	q := sp.Orientation().Quaternion()
	return NewPoseFromQuaternion(sp.Point().Mul(0.001), Quaternion{W: q.Real, X: q.Imag, Y: q.Jmag, Z: q.Kmag})
}
