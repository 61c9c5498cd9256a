package robot

import (
	"context"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rm_arm/posemath"
	"rm_arm/robot/robottest"
)

func TestToolFrameLifecycle(t *testing.T) {
	ctrl := robottest.New(t)
	d := openSession(t, ctrl, Dual).Dispatcher()
	ctx := context.Background()

	cur, err := d.CurrentToolFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Arm_Tip", cur.Name)

	grip := posemath.Frame{
		Name:         "grip",
		Pose:         posemath.NewPoseFromPoint(r3.Vector{Z: 0.1}),
		Payload:      0.5,
		CenterOfMass: r3.Vector{Z: 0.05},
	}
	_, err = d.SetManualToolFrame(ctx, grip)
	require.NoError(t, err)
	payload, err := ctrl.Last(CmdSetToolFrame).Int("payload")
	require.NoError(t, err)
	assert.Equal(t, 500, payload)

	_, err = d.SetManualToolFrame(ctx, grip)
	assert.Error(t, err, "controller refuses a duplicate name")

	_, err = d.ChangeToolFrame(ctx, "grip")
	require.NoError(t, err)
	k, err := d.Kinematics()
	require.NoError(t, err)
	assert.Equal(t, "grip", k.Tool.Name)

	cur, err = d.CurrentToolFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, "grip", cur.Name)
	assert.InDelta(t, 0.1, cur.Pose.Position().Z, 1e-9)
	assert.InDelta(t, 0.5, cur.Payload, 1e-9)

	_, err = d.DeleteToolFrame(ctx, "grip")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, 0, ctrl.Count(CmdDeleteToolFrame))

	_, err = d.ChangeToolFrame(ctx, "Arm_Tip")
	require.NoError(t, err)
	_, err = d.DeleteToolFrame(ctx, "grip")
	require.NoError(t, err)
	_, err = d.UpdateToolFrame(ctx, grip)
	assert.Error(t, err, "grip no longer exists")
}

func TestToolFrameMovesTheTcp(t *testing.T) {
	ctrl := robottest.New(t)
	d := openSession(t, ctrl, Dual).Dispatcher()
	ctx := context.Background()

	flange, err := d.Kinematics()
	require.NoError(t, err)
	base, err := flange.ForwardKinematics(home)
	require.NoError(t, err)

	_, err = d.SetManualToolFrame(ctx, posemath.Frame{Name: "long", Pose: posemath.NewPoseFromPoint(r3.Vector{Z: 0.2})})
	require.NoError(t, err)
	_, err = d.ChangeToolFrame(ctx, "long")
	require.NoError(t, err)

	k, err := d.Kinematics()
	require.NoError(t, err)
	tcp, err := k.ForwardKinematics(home)
	require.NoError(t, err)
	assert.InDelta(t, 0.2, tcp.Position().Sub(base.Position()).Norm(), 1e-9)
}

func TestFrameValidation(t *testing.T) {
	ctrl := robottest.New(t)
	d := openSession(t, ctrl, Dual).Dispatcher()
	ctx := context.Background()
	var verr *ValidationError

	_, err := d.SetManualToolFrame(ctx, posemath.Frame{Name: "much_too_long"})
	assert.ErrorAs(t, err, &verr)
	_, err = d.SetManualToolFrame(ctx, posemath.Frame{Name: "neg", Payload: -1})
	assert.ErrorAs(t, err, &verr)
	_, err = d.SetManualWorkFrame(ctx, posemath.Frame{Name: "table", Payload: 1})
	assert.ErrorAs(t, err, &verr)
	_, err = d.ChangeWorkFrame(ctx, "")
	assert.ErrorAs(t, err, &verr)
	assert.Equal(t, 1, ctrl.Total())
}

func TestWorkFrame(t *testing.T) {
	ctrl := robottest.New(t)
	d := openSession(t, ctrl, Dual).Dispatcher()
	ctx := context.Background()

	table := posemath.Frame{Name: "table", Pose: posemath.NewPose(r3.Vector{X: 0.4}, posemath.Euler{RZ: 1.571})}
	_, err := d.SetManualWorkFrame(ctx, table)
	require.NoError(t, err)
	_, err = d.ChangeWorkFrame(ctx, "table")
	require.NoError(t, err)

	cur, err := d.CurrentWorkFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, "table", cur.Name)
	assert.InDelta(t, 1.571, cur.Pose.Euler().RZ, 1e-9)

	k, err := d.Kinematics()
	require.NoError(t, err)
	assert.Equal(t, "table", k.Work.Name)
}
