package posemath

import (
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/spatialmath"
)

func randomUnitQuaternion(r *rand.Rand) Quaternion {
	for {
		q := Quaternion{W: r.NormFloat64(), X: r.NormFloat64(), Y: r.NormFloat64(), Z: r.NormFloat64()}
		if q.Norm() > 1e-3 {
			return q.Normalize()
		}
	}
}

func TestEulerQuaternionRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 2000; i++ {
		q := randomUnitQuaternion(r)
		back := EulerToQuaternion(QuaternionToEuler(q))
		if !SameRotation(q, back, 1e-4) {
			t.Fatalf("round trip changed rotation: %+v -> %+v (dot %.6f)", q, back, math.Abs(q.Dot(back)))
		}
	}

	t.Run("gimbal lock", func(t *testing.T) {
		for _, e := range []Euler{
			{RX: 0.3, RY: math.Pi / 2, RZ: -0.2},
			{RX: -1.1, RY: -math.Pi / 2, RZ: 2.5},
		} {
			q := EulerToQuaternion(e)
			back := EulerToQuaternion(QuaternionToEuler(q))
			assert.True(t, SameRotation(q, back, 1e-4), "euler %+v", e)
		}
	})
}

func TestEulerIsNotCanonical(t *testing.T) {
	a := EulerToQuaternion(Euler{RX: math.Pi})
	b := EulerToQuaternion(Euler{RX: -math.Pi})
	assert.True(t, SameRotation(a, b, 1e-9))
	assert.NotEqual(t, Euler{RX: math.Pi}, Euler{RX: -math.Pi})
}

func TestNewPoseFromQuaternion(t *testing.T) {
	_, err := NewPoseFromQuaternion(r3.Vector{}, Quaternion{W: 1, X: 0.1})
	assert.ErrorIs(t, err, ErrNonUnitQuaternion)

	p, err := NewPoseFromQuaternion(r3.Vector{X: 0.1}, Quaternion{W: 1, X: 0.00001})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, p.Quaternion().Norm(), 1e-12)
	assert.True(t, SameRotation(p.Quaternion(), EulerToQuaternion(p.Euler()), 1e-9))
}

func TestPoseInputResolve(t *testing.T) {
	tests := []struct {
		name    string
		in      PoseInput
		wantErr bool
	}{
		{"euler", PoseInput{Euler: Euler{RX: 0.1}, Mode: OrientationEuler}, false},
		{"unit quaternion", PoseInput{Quaternion: IdentityQuaternion, Mode: OrientationQuaternion}, false},
		{"zero quaternion", PoseInput{Mode: OrientationQuaternion}, true},
		{"scaled quaternion", PoseInput{Quaternion: Quaternion{W: 2}, Mode: OrientationQuaternion}, true},
		{"nan position", PoseInput{Position: r3.Vector{X: math.NaN()}, Mode: OrientationEuler}, true},
		{"bad mode", PoseInput{Mode: 7}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.in.Resolve()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPoseMatrixRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		p, err := NewPoseFromQuaternion(
			r3.Vector{X: r.Float64() - 0.5, Y: r.Float64() - 0.5, Z: r.Float64()},
			randomUnitQuaternion(r),
		)
		require.NoError(t, err)
		back := MatrixToPose(PoseToMatrix(p))
		if !back.AlmostEqual(p, 1e-9, 1e-6) {
			t.Fatalf("round trip mismatch: %s vs %s", p, back)
		}
	}
}

func TestMatrixInverse(t *testing.T) {
	p := NewPose(r3.Vector{X: 0.3, Y: -0.2, Z: 0.5}, Euler{RX: 0.4, RY: -0.7, RZ: 1.9})
	m := PoseToMatrix(p)
	assert.True(t, m.Inverse().Mul(m).AlmostEqual(Identity(), 1e-12))
	assert.True(t, m.Mul(m.Inverse()).AlmostEqual(Identity(), 1e-12))
}

func TestMatrixAgreesWithSpatialmath(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	randomPose := func() Pose {
		p, err := NewPoseFromQuaternion(
			r3.Vector{X: r.Float64() - 0.5, Y: r.Float64() - 0.5, Z: r.Float64()},
			randomUnitQuaternion(r),
		)
		require.NoError(t, err)
		return p
	}
	for i := 0; i < 200; i++ {
		a, b := randomPose(), randomPose()

		want, err := FromSpatialPose(spatialmath.Compose(ToSpatialPose(a), ToSpatialPose(b)))
		require.NoError(t, err)
		got := MatrixToPose(PoseToMatrix(a).Mul(PoseToMatrix(b)))
		if !got.AlmostEqual(want, 1e-9, 1e-6) {
			t.Fatalf("compose mismatch: %s vs %s", got, want)
		}

		want, err = FromSpatialPose(spatialmath.PoseInverse(ToSpatialPose(a)))
		require.NoError(t, err)
		got = MatrixToPose(PoseToMatrix(a).Inverse())
		if !got.AlmostEqual(want, 1e-9, 1e-6) {
			t.Fatalf("inverse mismatch: %s vs %s", got, want)
		}
	}
}

func TestMatrixRotationLayout(t *testing.T) {
	m := PoseToMatrix(NewPose(r3.Vector{X: 1, Y: 2, Z: 3}, Euler{RZ: math.Pi / 2}))
	want := Matrix{
		{0, -1, 0, 1},
		{1, 0, 0, 2},
		{0, 0, 1, 3},
		{0, 0, 0, 1},
	}
	assert.True(t, m.AlmostEqual(want, 1e-12), "got %v", m)

	q := MatrixToPose(m).Quaternion()
	assert.InDelta(t, math.Sqrt2/2, math.Abs(q.W), 1e-12)
	assert.InDelta(t, math.Sqrt2/2, math.Abs(q.Z), 1e-12)
}

func TestWorkFrameConversions(t *testing.T) {
	work := PoseToMatrix(NewPose(r3.Vector{X: 0.5, Y: 0.1, Z: -0.05}, Euler{RZ: math.Pi / 3, RX: 0.1}))
	p := NewPose(r3.Vector{X: 0.2, Y: 0.3, Z: 0.4}, Euler{RX: 0.2, RY: 0.3, RZ: -0.4})

	inWork := BaseToWorkFrame(work, p)
	assert.False(t, inWork.AlmostEqual(p, 1e-3, 1e-3))
	assert.True(t, WorkFrameToBase(work, inWork).AlmostEqual(p, 1e-9, 1e-9))
	assert.True(t, BaseToWorkFrame(work, WorkFrameToBase(work, p)).AlmostEqual(p, 1e-9, 1e-9))
}

func TestToolConversions(t *testing.T) {
	m, err := ModelFor(ModelRM65)
	require.NoError(t, err)
	k := NewKinematics(m)
	k.Tool = Frame{Name: "gripper", Pose: NewPose(r3.Vector{Z: 0.12}, Euler{RZ: math.Pi / 4}), Payload: 0.5}

	flange := NewPose(r3.Vector{X: 0.3, Z: 0.4}, Euler{RY: math.Pi})
	tool := k.EndEffectorToTool(flange)
	assert.InDelta(t, 0.28, tool.Position().Z, 1e-9)
	assert.True(t, k.ToolToEndEffector(tool).AlmostEqual(flange, 1e-9, 1e-9))
	assert.True(t, k.EndEffectorToTool(k.ToolToEndEffector(tool)).AlmostEqual(tool, 1e-9, 1e-9))
}

func TestForwardInverseKinematics(t *testing.T) {
	cases := []struct {
		arm    ArmModel
		joints []float64
	}{
		{ModelRM65, []float64{10, -20, 70, 15, 40, 30}},
		{ModelRM65, []float64{-35, 25, 45, -60, -50, 90}},
		{ModelRM75, []float64{5, 30, -10, 60, 20, 45, -30}},
		{ModelGEN72, []float64{-15, 20, 10, 50, -25, 30, 10}},
		{ModelRML63, []float64{20, 10, 60, 0, 45, 0}},
	}

	for _, c := range cases {
		t.Run(c.arm.String(), func(t *testing.T) {
			m, err := ModelFor(c.arm)
			require.NoError(t, err)
			k := NewKinematics(m)

			joints, err := NewJointVector(m.DOF(), c.joints...)
			require.NoError(t, err)
			target, err := k.ForwardKinematics(joints)
			require.NoError(t, err)

			seeds := []JointVector{shift(joints, 5), shift(joints, -8), shift(joints, 15)}
			solved := 0
			for _, seed := range seeds {
				sol, err := k.InverseKinematics(seed, target, OrientationQuaternion)
				if err != nil {
					continue
				}
				solved++
				got, err := k.ForwardKinematics(sol)
				require.NoError(t, err)
				assert.True(t, got.AlmostEqual(target, 1e-3, 1e-3), "seed %v: %s vs %s", seed, got, target)
			}
			assert.Positive(t, solved, "no seed converged")
		})
	}
}

func TestInverseKinematicsEulerMode(t *testing.T) {
	m, err := ModelFor(ModelRM65)
	require.NoError(t, err)
	k := NewKinematics(m)
	joints := JointVector{0, 10, 80, 0, 30, 0}
	target, err := k.ForwardKinematics(joints)
	require.NoError(t, err)

	sol, err := k.InverseKinematics(shift(joints, 4), NewPose(target.Position(), target.Euler()), OrientationEuler)
	require.NoError(t, err)
	got, err := k.ForwardKinematics(sol)
	require.NoError(t, err)
	assert.True(t, got.AlmostEqual(target, 1e-3, 1e-3))
}

func TestInstallAngle(t *testing.T) {
	m, err := ModelFor(ModelRM65)
	require.NoError(t, err)
	floor := NewKinematics(m)
	wall := floor
	wall.Install = Euler{RY: math.Pi / 2}

	joints := JointVector{10, -20, 70, 15, 40, 30}
	fp, err := floor.ForwardKinematics(joints)
	require.NoError(t, err)
	wp, err := wall.ForwardKinematics(joints)
	require.NoError(t, err)

	mount := PoseToMatrix(NewPose(r3.Vector{}, wall.Install))
	want := MatrixToPose(mount.Mul(PoseToMatrix(fp)))
	assert.True(t, wp.AlmostEqual(want, 1e-9, 1e-9))

	sol, err := wall.InverseKinematics(shift(joints, 5), wp, OrientationQuaternion)
	require.NoError(t, err)
	got, err := wall.ForwardKinematics(sol)
	require.NoError(t, err)
	assert.True(t, got.AlmostEqual(wp, 1e-3, 1e-3))
}

func TestInverseKinematicsUnreachable(t *testing.T) {
	m, err := ModelFor(ModelRM65)
	require.NoError(t, err)
	k := NewKinematics(m)

	far := NewPoseFromPoint(r3.Vector{X: 5, Y: 5, Z: 5})
	_, err = k.InverseKinematics(JointVector{0, 0, 0, 0, 30, 0}, far, OrientationQuaternion)
	assert.ErrorIs(t, err, ErrNoSolution)

	_, err = k.InverseKinematics(JointVector{0, 0, 0}, far, OrientationQuaternion)
	assert.Error(t, err)
}

func TestCartesianToolOffset(t *testing.T) {
	m, err := ModelFor(ModelRM65)
	require.NoError(t, err)
	k := NewKinematics(m)
	joints := JointVector{0, 20, 60, 0, 45, 0}

	cur, err := k.ForwardKinematics(joints)
	require.NoError(t, err)
	moved, err := k.CartesianToolOffset(joints, 0, 0, 0.05)
	require.NoError(t, err)

	rot := PoseToMatrix(cur)
	want := cur.Position().Add(r3.Vector{X: rot[0][2], Y: rot[1][2], Z: rot[2][2]}.Mul(0.05))
	assert.InDelta(t, want.X, moved.Position().X, 1e-9)
	assert.InDelta(t, want.Y, moved.Position().Y, 1e-9)
	assert.InDelta(t, want.Z, moved.Position().Z, 1e-9)
	assert.True(t, SameRotation(cur.Quaternion(), moved.Quaternion(), 1e-12))
}

func TestJointVector(t *testing.T) {
	_, err := NewJointVector(7, 1, 2, 3, 4, 5, 6)
	assert.Error(t, err)
	_, err = NewJointVector(8, 1, 2, 3, 4, 5, 6, 7, 8)
	assert.Error(t, err)
	j, err := NewJointVector(6, 1, 2, 3, 4, 5, 6)
	require.NoError(t, err)
	assert.Len(t, j, 6)
	assert.InDelta(t, math.Pi/180, j.Radians()[0], 1e-15)
}

func TestFrameValidate(t *testing.T) {
	assert.NoError(t, Frame{Name: "tool1"}.Validate())
	assert.Error(t, Frame{}.Validate())
	assert.Error(t, Frame{Name: "eleven_char"}.Validate())
	assert.Error(t, Frame{Name: "t", Payload: -1}.Validate())
	assert.Equal(t, Identity(), Frame{Name: "t"}.Matrix())
}

func TestPoseBinaryCodec(t *testing.T) {
	p := NewPose(r3.Vector{X: 0.25, Y: -0.125, Z: 0.5}, Euler{RX: 0.5, RY: -0.25, RZ: 1})
	buf := make([]byte, EncodedPoseSize)
	EncodePose(buf, p)

	got, err := DecodePose(buf)
	require.NoError(t, err)
	assert.True(t, got.AlmostEqual(p, 1e-6, 1e-5))

	_, err = DecodePose(buf[:20])
	assert.Error(t, err)

	// a zeroed quaternion falls back to the Euler block
	for i := 12; i < 28; i++ {
		buf[i] = 0
	}
	got, err = DecodePose(buf)
	require.NoError(t, err)
	assert.True(t, got.AlmostEqual(p, 1e-6, 1e-5))
}

func TestSpatialPoseInterop(t *testing.T) {
	p := NewPose(r3.Vector{X: 0.1, Y: 0.2, Z: 0.3}, Euler{RX: 0.3, RY: 0.2, RZ: 0.1})
	sp := ToSpatialPose(p)
	assert.InDelta(t, 100, sp.Point().X, 1e-9)

	back, err := FromSpatialPose(sp)
	require.NoError(t, err)
	assert.True(t, back.AlmostEqual(p, 1e-9, 1e-9))
}

func TestParseArmModel(t *testing.T) {
	for _, s := range []string{"RM_65", "rm65", "RM-65"} {
		m, err := ParseArmModel(s)
		require.NoError(t, err, s)
		assert.Equal(t, ModelRM65, m)
	}
	_, err := ParseArmModel("XYZ")
	assert.Error(t, err)
	_, err = ModelFor(ModelUnknown)
	assert.Error(t, err)
}

func shift(j JointVector, deg float64) JointVector {
	out := make(JointVector, len(j))
	for i, v := range j {
		out[i] = v + deg
	}
	return out
}
