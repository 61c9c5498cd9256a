package posemath

import (
	"math"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/mat"
)

// Matrix is a 4x4 homogeneous transform in row-major order.
type Matrix [4][4]float64

// Identity returns the identity transform.
func Identity() Matrix {
	return Matrix{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
}

// PoseToMatrix builds the homogeneous transform of p.
func PoseToMatrix(p Pose) Matrix {
	rm := spatialmath.QuatToRotationMatrix(p.quat.Normalize().number())
	m := translation(p.position)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			// rdk stores the transpose of the conventional rotation matrix
			m[i][j] = rm.At(j, i)
		}
	}
	return m
}

// MatrixToPose extracts the Pose of a rigid transform.
func MatrixToPose(m Matrix) Pose {
	q := rotationToQuaternion(m)
	return Pose{
		position: r3.Vector{X: m[0][3], Y: m[1][3], Z: m[2][3]},
		quat:     q,
		euler:    QuaternionToEuler(q),
	}
}

// rotationToQuaternion returns the unit quaternion of m's rotation block.
func rotationToQuaternion(m Matrix) Quaternion {
	// column by column, matching rdk's transposed layout; nine values never fail
	rm, _ := spatialmath.NewRotationMatrix([]float64{
		m[0][0], m[1][0], m[2][0],
		m[0][1], m[1][1], m[2][1],
		m[0][2], m[1][2], m[2][2],
	})
	return fromNumber(rm.Quaternion())
}

func (m Matrix) dense() *mat.Dense {
	return mat.NewDense(4, 4, []float64{
		m[0][0], m[0][1], m[0][2], m[0][3],
		m[1][0], m[1][1], m[1][2], m[1][3],
		m[2][0], m[2][1], m[2][2], m[2][3],
		m[3][0], m[3][1], m[3][2], m[3][3],
	})
}

func fromDense(d mat.Matrix) Matrix {
	var m Matrix
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			m[i][j] = d.At(i, j)
		}
	}
	return m
}

// Mul returns m*o.
func (m Matrix) Mul(o Matrix) Matrix {
	var out mat.Dense
	out.Mul(m.dense(), o.dense())
	return fromDense(&out)
}

// Inverse returns the inverse of a rigid transform: [R^T, -R^T t].
func (m Matrix) Inverse() Matrix {
	d := m.dense()
	rt := d.Slice(0, 3, 0, 3).T()
	var t mat.Dense
	t.Mul(rt, d.Slice(0, 3, 3, 4))
	t.Scale(-1, &t)

	out := mat.NewDense(4, 4, nil)
	out.Slice(0, 3, 0, 3).(*mat.Dense).Copy(rt)
	out.Slice(0, 3, 3, 4).(*mat.Dense).Copy(&t)
	out.Set(3, 3, 1)
	return fromDense(out)
}

// AlmostEqual compares every element within tol.
func (m Matrix) AlmostEqual(o Matrix, tol float64) bool {
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			if math.Abs(m[i][j]-o[i][j]) > tol {
				return false
			}
		}
	}
	return true
}

// BaseToWorkFrame re-expresses a base-frame pose in the work frame whose
// transform (relative to base) is work.
func BaseToWorkFrame(work Matrix, p Pose) Pose {
	return MatrixToPose(work.Inverse().Mul(PoseToMatrix(p)))
}

// WorkFrameToBase is the inverse of BaseToWorkFrame.
func WorkFrameToBase(work Matrix, p Pose) Pose {
	return MatrixToPose(work.Mul(PoseToMatrix(p)))
}

func translation(v r3.Vector) Matrix {
	m := Identity()
	m[0][3], m[1][3], m[2][3] = v.X, v.Y, v.Z
	return m
}
