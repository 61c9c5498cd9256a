package robot

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rm_arm/posemath"
	"rm_arm/robot/robottest"
	"rm_arm/telemetry"
	"rm_arm/wire"
)

func TestLiftHeightWaitsForLiftEvent(t *testing.T) {
	for _, mode := range []ThreadMode{Single, Dual} {
		t.Run(mode.String(), func(t *testing.T) {
			ctrl := robottest.New(t)
			ctrl.SetAutoFinish(false)
			d := openSession(t, ctrl, mode).Dispatcher()

			res := goDispatch(func() (Outcome, error) {
				return d.SetLiftHeight(context.Background(), 500, 30, true, 0)
			})
			require.Eventually(t, func() bool { return d.InFlight() == 1 }, 2*time.Second, 5*time.Millisecond)

			// an arm event must not finish the lift
			ctrl.Emit(trajectoryEvent(true, false, ""))
			lift := trajectoryEvent(true, false, "")
			lift.Device = telemetry.DeviceLift
			ctrl.Emit(lift)

			r := await(t, res)
			require.NoError(t, r.err)
			assert.Equal(t, StatusCompleted, r.out.Status)
			assert.Equal(t, 0, d.InFlight())

			height, err := ctrl.Last(CmdLiftHeight).Int("height")
			require.NoError(t, err)
			assert.Equal(t, 500, height)
		})
	}
}

func TestExpandPosition(t *testing.T) {
	ctrl := robottest.New(t)
	d := openSession(t, ctrl, Dual).Dispatcher()

	out, err := d.SetExpandPosition(context.Background(), -12.5, 40, true, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.Status)

	pos, err := ctrl.Last(CmdExpandPos).Int("pos")
	require.NoError(t, err)
	assert.Equal(t, -12500, pos)
}

func TestLiftValidation(t *testing.T) {
	ctrl := robottest.New(t)
	d := openSession(t, ctrl, Dual).Dispatcher()
	ctx := context.Background()

	_, err := d.SetLiftHeight(ctx, LiftMaxHeight+1, 30, true, 0)
	assert.Error(t, err)
	_, err = d.SetLiftHeight(ctx, 100, 0, true, 0)
	assert.Error(t, err)

	_, err = d.Configure(ctx, CmdLiftHeight, map[string]any{"height": 100, "speed": 10})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Zero(t, ctrl.Count(CmdLiftHeight))
}

func TestMoveJCANFDIsFireAndForget(t *testing.T) {
	for _, mode := range []ThreadMode{Single, Dual} {
		t.Run(mode.String(), func(t *testing.T) {
			ctrl := robottest.New(t)
			d := openSession(t, ctrl, mode).Dispatcher()
			ctx := context.Background()

			start := time.Now()
			for i := range 5 {
				target := posemath.JointVector{float64(i), 10, 80, 0, 30, 0}
				out, err := d.MoveJCANFD(ctx, target, PassthroughOptions{Follow: FollowHigh, Mode: PassthroughFilter, Smoothing: 50})
				require.NoError(t, err)
				assert.Equal(t, StatusCompleted, out.Status)
			}
			assert.Less(t, time.Since(start), time.Second, "no reply is awaited")
			assert.Zero(t, d.InFlight())

			require.Eventually(t, func() bool { return ctrl.Count(CmdMoveJCANFD) == 5 }, 2*time.Second, 5*time.Millisecond)
			follow, err := ctrl.Last(CmdMoveJCANFD).Bool("follow")
			require.NoError(t, err)
			assert.True(t, follow)
			joints, err := ctrl.Last(CmdMoveJCANFD).Ints("joint")
			require.NoError(t, err)
			assert.EqualValues(t, 4000, joints[0])

			// the stream leaves the command channel usable
			out, err := d.Pause(ctx)
			require.NoError(t, err)
			assert.Equal(t, StatusCompleted, out.Status)
		})
	}
}

func TestMoveJCANFDValidation(t *testing.T) {
	ctrl := robottest.New(t)
	d := openSession(t, ctrl, Dual).Dispatcher()
	ctx := context.Background()

	_, err := d.MoveJCANFD(ctx, posemath.JointVector{0, 0, 0}, PassthroughOptions{})
	assert.Error(t, err)
	_, err = d.MoveJCANFD(ctx, home, PassthroughOptions{Mode: PassthroughFilter, Smoothing: 101})
	assert.Error(t, err)
	_, err = d.MoveJCANFD(ctx, home, PassthroughOptions{Mode: 7})
	assert.Error(t, err)
	_, err = d.Configure(ctx, CmdMoveJCANFD, nil)
	assert.Error(t, err)
	assert.Zero(t, ctrl.Count(CmdMoveJCANFD))
}

func writeProject(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "pick.txt")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestSendProject(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		ctrl := robottest.New(t)
		d := openSession(t, ctrl, Dual).Dispatcher()

		out, err := d.SendProject(context.Background(), Project{Path: writeProject(t, "movej 0 0 0\n"), SaveOnly: true, SaveID: 4})
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, out.Status)

		sent := ctrl.Last(CmdSendProject)
		name, _ := sent.String("name")
		assert.Equal(t, "pick.txt", name)
		speed, _ := sent.Int("plan_speed")
		assert.Equal(t, 20, speed)
		saveOnly, _ := sent.Int("only_save")
		assert.Equal(t, 1, saveOnly)
	})

	t.Run("bad line", func(t *testing.T) {
		ctrl := robottest.New(t)
		ctrl.Handle(CmdSendProject, func(wire.Fields) robottest.Response {
			return robottest.Response{OK: false, Fields: map[string]any{"err_line": 7}}
		})
		d := openSession(t, ctrl, Dual).Dispatcher()

		out, err := d.SendProject(context.Background(), Project{Path: writeProject(t, "bogus\n")})
		require.NoError(t, err)
		assert.Equal(t, StatusRejected, out.Status)
		assert.Equal(t, 7, out.ErrorLine)
	})

	t.Run("invalid", func(t *testing.T) {
		ctrl := robottest.New(t)
		d := openSession(t, ctrl, Dual).Dispatcher()
		ctx := context.Background()

		_, err := d.SendProject(ctx, Project{})
		assert.Error(t, err)
		_, err = d.SendProject(ctx, Project{Path: filepath.Join(t.TempDir(), "missing.txt")})
		assert.Error(t, err)
		_, err = d.SendProject(ctx, Project{Path: writeProject(t, "")})
		assert.Error(t, err)
		_, err = d.SendProject(ctx, Project{Path: writeProject(t, "x"), PlanSpeed: 101})
		assert.Error(t, err)
		assert.Zero(t, ctrl.Count(CmdSendProject))
	})
}
