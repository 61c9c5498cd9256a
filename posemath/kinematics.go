package posemath

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ErrNoSolution is returned by InverseKinematics when the solver does not
// converge from the given seed or lands outside the joint limits.
var ErrNoSolution = errors.New("no inverse kinematics solution")

const (
	ikMaxIterations = 400
	ikPosTolerance  = 1e-6 // m
	ikRotTolerance  = 1e-6 // rad
	ikDamping       = 0.005
	ikMaxStep       = 0.2 // rad per iteration
	jacobianDelta   = 1e-7
)

// Kinematics combines an arm model with the tool and work frames currently in
// effect. It is a value type; copies are independent.
type Kinematics struct {
	Model Model
	// Tool is applied at the flange. The zero Frame means the bare flange.
	Tool Frame
	// Work is the user frame relative to base. The zero Frame means base.
	Work Frame
	// Install is the mounting rotation of the base (rad). Zero for a floor mount.
	Install Euler
}

// NewKinematics returns kinematics for m with no tool and the base as work frame.
func NewKinematics(m Model) Kinematics {
	return Kinematics{Model: m}
}

func (k Kinematics) checkJoints(j JointVector) error {
	if len(j) != k.Model.DOF() {
		return errors.Errorf("expected %d joints for %s, got %d", k.Model.DOF(), k.Model.Arm, len(j))
	}
	return nil
}

func (k Kinematics) flangeMatrix(rad []float64) Matrix {
	m := Identity()
	if k.Install != (Euler{}) {
		m = PoseToMatrix(NewPose(r3.Vector{}, k.Install))
	}
	for i, link := range k.Model.Links {
		m = m.Mul(link.matrix(rad[i]))
	}
	return m
}

func (k Kinematics) toolMatrix(rad []float64) Matrix {
	return k.flangeMatrix(rad).Mul(k.Tool.Matrix())
}

// ForwardKinematics returns the tool pose in the base frame for joints in degrees.
func (k Kinematics) ForwardKinematics(joints JointVector) (Pose, error) {
	if err := k.checkJoints(joints); err != nil {
		return Pose{}, err
	}
	return MatrixToPose(k.toolMatrix(joints.Radians())), nil
}

// ForwardKinematicsInWork is ForwardKinematics expressed in the work frame.
func (k Kinematics) ForwardKinematicsInWork(joints JointVector) (Pose, error) {
	p, err := k.ForwardKinematics(joints)
	if err != nil {
		return Pose{}, err
	}
	return BaseToWorkFrame(k.Work.Matrix(), p), nil
}

// InverseKinematics searches for joints placing the tool at target (base frame).
//
// The search is a damped least-squares descent starting at seed, so the answer
// depends on the seed: an arm generally reaches one pose with several joint
// configurations and the solver returns whichever one the seed converges to.
// Callers wanting a particular branch (elbow up, wrist flipped) should seed
// near it. mode picks which orientation view of target is used.
func (k Kinematics) InverseKinematics(seed JointVector, target Pose, mode OrientationMode) (JointVector, error) {
	if err := k.checkJoints(seed); err != nil {
		return nil, err
	}
	if target.IsZero() {
		return nil, errors.New("target pose is unset")
	}

	var goal Pose
	switch mode {
	case OrientationQuaternion:
		goal = target
	case OrientationEuler:
		goal = NewPose(target.Position(), target.Euler())
	default:
		return nil, errors.Errorf("unknown orientation mode %d", mode)
	}
	goalMatrix := PoseToMatrix(goal)
	goalQuat := goal.Quaternion()

	n := k.Model.DOF()
	q := seed.Radians()
	errVec := mat.NewVecDense(6, nil)

	for iter := 0; iter < ikMaxIterations; iter++ {
		cur := k.toolMatrix(q)
		e := poseError(goalMatrix, goalQuat, cur)
		posErr := math.Sqrt(e[0]*e[0] + e[1]*e[1] + e[2]*e[2])
		rotErr := math.Sqrt(e[3]*e[3] + e[4]*e[4] + e[5]*e[5])
		if posErr < ikPosTolerance && rotErr < ikRotTolerance {
			return k.withinLimits(q)
		}

		jac := k.jacobian(q, cur)

		// dq = J^T (J J^T + lambda^2 I)^-1 e
		var jjt mat.Dense
		jjt.Mul(jac, jac.T())
		for i := 0; i < 6; i++ {
			jjt.Set(i, i, jjt.At(i, i)+ikDamping*ikDamping)
		}
		for i := 0; i < 6; i++ {
			errVec.SetVec(i, e[i])
		}
		var y mat.VecDense
		if err := y.SolveVec(&jjt, errVec); err != nil {
			return nil, errors.Wrap(ErrNoSolution, err.Error())
		}
		var dq mat.VecDense
		dq.MulVec(jac.T(), &y)

		step := 1.0
		if m := mat.Norm(&dq, math.Inf(1)); m > ikMaxStep {
			step = ikMaxStep / m
		}
		for i := 0; i < n; i++ {
			q[i] += step * dq.AtVec(i)
		}
	}
	return nil, ErrNoSolution
}

// poseError stacks the translation error and the world-frame rotation vector
// taking cur to goal.
func poseError(goal Matrix, goalQuat Quaternion, cur Matrix) [6]float64 {
	curQuat := rotationToQuaternion(cur).Normalize()
	rv := rotationVector(goalQuat.Mul(curQuat.Conj()))
	return [6]float64{
		goal[0][3] - cur[0][3],
		goal[1][3] - cur[1][3],
		goal[2][3] - cur[2][3],
		rv[0], rv[1], rv[2],
	}
}

// jacobian is the 6xN numeric Jacobian of tool position and world-frame
// rotation with respect to joint radians.
func (k Kinematics) jacobian(q []float64, cur Matrix) *mat.Dense {
	n := len(q)
	jac := mat.NewDense(6, n, nil)
	curQuat := rotationToQuaternion(cur).Normalize()
	nudged := make([]float64, n)
	for j := 0; j < n; j++ {
		copy(nudged, q)
		nudged[j] += jacobianDelta
		m := k.toolMatrix(nudged)
		rv := rotationVector(rotationToQuaternion(m).Normalize().Mul(curQuat.Conj()))
		jac.Set(0, j, (m[0][3]-cur[0][3])/jacobianDelta)
		jac.Set(1, j, (m[1][3]-cur[1][3])/jacobianDelta)
		jac.Set(2, j, (m[2][3]-cur[2][3])/jacobianDelta)
		jac.Set(3, j, rv[0]/jacobianDelta)
		jac.Set(4, j, rv[1]/jacobianDelta)
		jac.Set(5, j, rv[2]/jacobianDelta)
	}
	return jac
}

// withinLimits folds each joint by whole turns into its limit range when
// possible and rejects the solution otherwise.
func (k Kinematics) withinLimits(q []float64) (JointVector, error) {
	out := jointsFromRadians(q)
	for i, v := range out {
		lim := k.Model.Limits[i]
		for v > lim[1] && v-360 >= lim[0] {
			v -= 360
		}
		for v < lim[0] && v+360 <= lim[1] {
			v += 360
		}
		if v < lim[0] || v > lim[1] {
			return nil, errors.Wrapf(ErrNoSolution, "joint %d at %.2f deg outside [%.0f, %.0f]", i+1, v, lim[0], lim[1])
		}
		out[i] = v
	}
	return out, nil
}

// EndEffectorToTool converts a flange pose to the pose of the current tool.
func (k Kinematics) EndEffectorToTool(flange Pose) Pose {
	return MatrixToPose(PoseToMatrix(flange).Mul(k.Tool.Matrix()))
}

// ToolToEndEffector converts a tool pose back to the flange pose.
func (k Kinematics) ToolToEndEffector(tool Pose) Pose {
	return MatrixToPose(PoseToMatrix(tool).Mul(k.Tool.Matrix().Inverse()))
}

// CartesianToolOffset moves the current tool pose by (dx, dy, dz) meters along
// the tool's own axes and returns the result in the base frame.
func (k Kinematics) CartesianToolOffset(joints JointVector, dx, dy, dz float64) (Pose, error) {
	if err := k.checkJoints(joints); err != nil {
		return Pose{}, err
	}
	cur := k.toolMatrix(joints.Radians())
	return MatrixToPose(cur.Mul(translation(r3.Vector{X: dx, Y: dy, Z: dz}))), nil
}

// LinkTransforms returns each link's transform from the frame its joint turns
// in, with the joint at zero. Chained with a rotation about z per joint they
// reproduce ForwardKinematics.
func (k Kinematics) LinkTransforms() []Pose {
	out := make([]Pose, len(k.Model.Links))
	for i, link := range k.Model.Links {
		out[i] = MatrixToPose(link.matrix(0))
	}
	return out
}
