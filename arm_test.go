package rm_arm

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/components/arm"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/resource"

	"rm_arm/robot"
	"rm_arm/robot/robottest"
	"rm_arm/wire"
)

func newTestArm(t *testing.T, ctrl *robottest.Controller) arm.Arm {
	t.Helper()
	r := newTestRegistry(t)
	a, err := NewArm(context.Background(), r, resource.NewName(arm.API, "rm"), testAttrs(t, ctrl), logging.NewTestLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })
	return a
}

func degrees(in []referenceframe.Input) []float64 {
	return []float64(fromInputs(in))
}

func TestArmJointPositions(t *testing.T) {
	ctrl := robottest.New(t)
	a := newTestArm(t, ctrl)

	in, err := a.JointPositions(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, in, 6)
	for _, v := range in {
		assert.Zero(t, v.Value)
	}
	assert.Equal(t, 1, ctrl.Count(robot.CmdArmState))
}

func TestArmMoveToJointPositions(t *testing.T) {
	ctrl := robottest.New(t)
	a := newTestArm(t, ctrl)
	ctx := context.Background()

	target := toInputs([]float64{10, -20, 30, 0, 45, 90})
	require.NoError(t, a.MoveToJointPositions(ctx, target, nil))
	assert.Equal(t, 1, ctrl.Count(robot.CmdMoveJ))

	v, err := ctrl.Last(robot.CmdMoveJ).Int("v")
	require.NoError(t, err)
	assert.Equal(t, DefaultArmSpeed, v)

	moving, err := a.IsMoving(ctx)
	require.NoError(t, err)
	assert.False(t, moving)

	require.NoError(t, a.MoveToJointPositions(ctx, target, map[string]interface{}{"speed": 55.0}))
	v, err = ctrl.Last(robot.CmdMoveJ).Int("v")
	require.NoError(t, err)
	assert.Equal(t, 55, v)
}

func TestArmMoveFaultIsError(t *testing.T) {
	ctrl := robottest.New(t)
	ctrl.Handle(robot.CmdMoveJ, func(wire.Fields) robottest.Response {
		return robottest.Response{OK: false}
	})
	a := newTestArm(t, ctrl)

	err := a.MoveToJointPositions(context.Background(), toInputs([]float64{0, 0, 0, 0, 0, 0}), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), robot.StatusRejected.String())
}

func TestArmMoveThroughJointPositions(t *testing.T) {
	ctrl := robottest.New(t)
	a := newTestArm(t, ctrl)

	steps := [][]referenceframe.Input{
		toInputs([]float64{0, 10, 0, 0, 0, 0}),
		toInputs([]float64{0, 20, 0, 0, 0, 0}),
		toInputs([]float64{0, 30, 0, 0, 0, 0}),
	}
	require.NoError(t, a.MoveThroughJointPositions(context.Background(), steps, nil, nil))
	assert.Equal(t, 3, ctrl.Count(robot.CmdMoveJ))

	connect, err := ctrl.Last(robot.CmdMoveJ).Bool("trajectory_connect")
	require.NoError(t, err)
	assert.False(t, connect, "the last waypoint ends the trajectory")

	assert.NoError(t, a.MoveThroughJointPositions(context.Background(), nil, nil, nil))
	assert.Equal(t, 3, ctrl.Count(robot.CmdMoveJ))
}

func TestArmEndPositionMatchesModel(t *testing.T) {
	ctrl := robottest.New(t)
	a := newTestArm(t, ctrl)
	ctx := context.Background()

	pose, err := a.EndPosition(ctx, nil)
	require.NoError(t, err)

	model, err := a.Kinematics(ctx)
	require.NoError(t, err)
	assert.Len(t, model.DoF(), 6)

	inputs, err := a.CurrentInputs(ctx)
	require.NoError(t, err)
	fromModel, err := model.Transform(inputs)
	require.NoError(t, err)
	assert.InDelta(t, pose.Point().X, fromModel.Point().X, 1e-6)
	assert.InDelta(t, pose.Point().Y, fromModel.Point().Y, 1e-6)
	assert.InDelta(t, pose.Point().Z, fromModel.Point().Z, 1e-6)

	again, err := a.Kinematics(ctx)
	require.NoError(t, err)
	assert.Same(t, model, again, "model is cached until the tool frame changes")

	_, err = a.Geometries(ctx, nil)
	assert.NoError(t, err)
}

func TestArmMoveToPosition(t *testing.T) {
	ctrl := robottest.New(t)
	a := newTestArm(t, ctrl)
	ctx := context.Background()

	home, err := a.EndPosition(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, a.MoveToPosition(ctx, home, nil))
	assert.Equal(t, 1, ctrl.Count(robot.CmdMoveJ), "joint moves go through inverse kinematics")

	require.NoError(t, a.MoveToPosition(ctx, home, map[string]interface{}{"linear": true}))
	assert.Equal(t, 1, ctrl.Count(robot.CmdMoveL))
}

func TestArmStop(t *testing.T) {
	ctrl := robottest.New(t)
	a := newTestArm(t, ctrl)

	require.NoError(t, a.Stop(context.Background(), nil))
	assert.Equal(t, 1, ctrl.Count(robot.CmdStop))
}

func TestArmDoCommand(t *testing.T) {
	ctrl := robottest.New(t)
	a := newTestArm(t, ctrl)
	ctx := context.Background()

	t.Run("set_speed", func(t *testing.T) {
		resp, err := a.DoCommand(ctx, map[string]interface{}{"command": "set_speed", "speed": 40.0})
		require.NoError(t, err)
		assert.Equal(t, 40, resp["speed_set"])

		require.NoError(t, a.MoveToJointPositions(ctx, toInputs(make([]float64, 6)), nil))
		v, err := ctrl.Last(robot.CmdMoveJ).Int("v")
		require.NoError(t, err)
		assert.Equal(t, 40, v)

		_, err = a.DoCommand(ctx, map[string]interface{}{"command": "set_speed", "speed": 0.0})
		assert.Error(t, err)
	})

	t.Run("robot_info", func(t *testing.T) {
		resp, err := a.DoCommand(ctx, map[string]interface{}{"command": "robot_info"})
		require.NoError(t, err)
		assert.Equal(t, 6, resp["dof"])
		assert.Equal(t, "RM_65", resp["arm_model"])
	})

	t.Run("run_program", func(t *testing.T) {
		resp, err := a.DoCommand(ctx, map[string]interface{}{"command": "run_program", "id": 3.0})
		require.NoError(t, err)
		assert.Equal(t, robot.StatusCompleted.String(), resp["status"])
	})

	t.Run("drag_teach needs enable", func(t *testing.T) {
		_, err := a.DoCommand(ctx, map[string]interface{}{"command": "drag_teach"})
		assert.Error(t, err)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := a.DoCommand(ctx, map[string]interface{}{"command": "dance"})
		assert.Error(t, err)
	})
}

func TestInputConversion(t *testing.T) {
	in := toInputs([]float64{180, -90})
	assert.InDelta(t, math.Pi, in[0].Value, 1e-12)
	assert.InDelta(t, -math.Pi/2, in[1].Value, 1e-12)
	assert.InDeltaSlice(t, []float64{180, -90}, degrees(in), 1e-9)
}
