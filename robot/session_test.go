package robot

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"

	"rm_arm/posemath"
	"rm_arm/robot/robottest"
	"rm_arm/telemetry"
	"rm_arm/wire"
)

func testConfig(ctrl *robottest.Controller, mode ThreadMode) Config {
	return Config{
		Host:            ctrl.Host(),
		Port:            ctrl.Port(),
		Mode:            mode,
		ReplyTimeout:    time.Second,
		MotionTimeout:   5 * time.Second,
		CloseTimeout:    time.Second,
		TelemetryListen: "127.0.0.1:0",
	}
}

func openSession(t *testing.T, ctrl *robottest.Controller, mode ThreadMode) *Session {
	t.Helper()
	s, err := Open(context.Background(), testConfig(ctrl, mode), logging.NewTestLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func TestOpenReportsRobotInfo(t *testing.T) {
	for _, mode := range []ThreadMode{Single, Dual, Triple} {
		t.Run(mode.String(), func(t *testing.T) {
			ctrl := robottest.New(t)
			s := openSession(t, ctrl, mode)

			info, err := s.RobotInfo()
			require.NoError(t, err)
			assert.Equal(t, 6, info.DOF)
			assert.Equal(t, posemath.ModelRM65, info.Model)
			assert.Equal(t, ForceSensorNone, info.ForceSensor)
			assert.Equal(t, "1.2.0", info.APIVersion.String())
			assert.Equal(t, mode, s.Mode())
			assert.Equal(t, ctrl.Addr(), s.Address())
			assert.Equal(t, mode == Triple, s.TelemetryAddr() != nil)

			_, err = s.Kinematics()
			assert.NoError(t, err)
		})
	}
}

// TestOpenUnreachable dials a port nobody listens on.
func TestOpenUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	start := time.Now()
	_, err = Open(context.Background(), Config{Host: "127.0.0.1", Port: port, DialTimeout: 500 * time.Millisecond}, logging.NewTestLogger(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.NotErrorIs(t, err, ErrProtocolMismatch)
	assert.Less(t, time.Since(start), 2*time.Second)

	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, Unreachable, ce.Kind)
}

func TestOpenHandshakeTimeout(t *testing.T) {
	ctrl := robottest.New(t)
	ctrl.Handle(CmdRobotInfo, func(wire.Fields) robottest.Response { return robottest.Response{NoReply: true} })

	cfg := testConfig(ctrl, Dual)
	cfg.ReplyTimeout = 100 * time.Millisecond
	_, err := Open(context.Background(), cfg, logging.NewTestLogger(t))
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestOpenProtocolMismatch(t *testing.T) {
	for _, version := range []string{"2.0.0", "0.9.1", "not-a-version"} {
		t.Run(version, func(t *testing.T) {
			ctrl := robottest.New(t)
			ctrl.SetInfo(6, "RM_65", version)
			_, err := Open(context.Background(), testConfig(ctrl, Dual), logging.NewTestLogger(t))
			assert.ErrorIs(t, err, ErrProtocolMismatch)
		})
	}

	t.Run("custom constraint", func(t *testing.T) {
		ctrl := robottest.New(t)
		ctrl.SetInfo(6, "RM_65", "2.3.0")
		cfg := testConfig(ctrl, Dual)
		cfg.APIConstraint = ">=2.0.0"
		s, err := Open(context.Background(), cfg, logging.NewTestLogger(t))
		require.NoError(t, err)
		require.NoError(t, s.Close(context.Background()))
	})
}

func TestOpenValidatesConfig(t *testing.T) {
	_, err := Open(context.Background(), Config{}, logging.NewTestLogger(t))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "host", verr.Field)

	_, err = Open(context.Background(), Config{Host: "x", APIConstraint: "not a constraint"}, logging.NewTestLogger(t))
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "api_constraint", verr.Field)
}

func TestCloseIsIdempotent(t *testing.T) {
	ctrl := robottest.New(t)
	s := openSession(t, ctrl, Triple)
	sub := s.Telemetry().Subscribe()

	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()))

	_, err := s.RobotInfo()
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = s.Kinematics()
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = s.Dispatcher().Stop(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = sub.Next(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestCloseDoesNotHangOnStuckWorker(t *testing.T) {
	tests := []struct {
		name         string
		closeTimeout time.Duration
		ctxTimeout   time.Duration
		wantErr      string
	}{
		{name: "close timeout", closeTimeout: 50 * time.Millisecond, ctxTimeout: 5 * time.Second, wantErr: "still running"},
		{name: "context", closeTimeout: 5 * time.Second, ctxTimeout: 100 * time.Millisecond, wantErr: context.DeadlineExceeded.Error()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := robottest.New(t)
			cfg := testConfig(ctrl, Dual)
			cfg.CloseTimeout = tt.closeTimeout
			s, err := Open(context.Background(), cfg, logging.NewTestLogger(t))
			require.NoError(t, err)

			release := make(chan struct{})
			defer close(release)
			s.workers.Add(func(context.Context) { <-release })

			ctx, cancel := context.WithTimeout(context.Background(), tt.ctxTimeout)
			defer cancel()
			start := time.Now()
			err = s.Close(ctx)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Less(t, time.Since(start), 2*time.Second)
		})
	}
}

func TestProbe(t *testing.T) {
	ctrl := robottest.New(t)
	ctrl.SetInfo(7, "GEN_72", "1.0.4")
	info, err := Probe(context.Background(), ctrl.Addr(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 7, info.DOF)
	assert.Equal(t, posemath.ModelGEN72, info.Model)
}

func TestParseThreadMode(t *testing.T) {
	for in, want := range map[string]ThreadMode{"single": Single, "Dual": Dual, "triple": Triple, "2": Triple, "": Triple} {
		got, err := ParseThreadMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseThreadMode("quad")
	assert.Error(t, err)
}

func telemetryPacket(t *testing.T, seq uint32) []byte {
	t.Helper()
	s := telemetry.Snapshot{
		Seq:       seq,
		ArmIP:     "127.0.0.1",
		ArmStatus: telemetry.StatusIdle,
		Pose:      posemath.NewPose(r3.Vector{X: 0.3, Z: 0.4}, posemath.Euler{RX: 3.14}),
		Joints:    make([]telemetry.JointStatus, 6),
	}
	for i := range s.Joints {
		s.Joints[i] = telemetry.JointStatus{Position: float64(seq) / 10, Enabled: true}
	}
	b, err := telemetry.EncodePacket(s)
	require.NoError(t, err)
	return b
}

// TestTripleModeTelemetry configures the broadcast and feeds 100 packets, three
// of them flagged bad by the controller.
func TestTripleModeTelemetry(t *testing.T) {
	ctrl := robottest.New(t)
	s := openSession(t, ctrl, Triple)
	ctx := context.Background()

	port := s.TelemetryAddr().(*net.UDPAddr).Port
	_, err := s.Dispatcher().ConfigurePush(ctx, PushConfig{
		Cycle:   10,
		Enabled: true,
		Port:    port,
		IP:      "127.0.0.1",
		Custom:  PushCustom{JointSpeed: PushOn, LiftState: PushKeep},
	})
	require.NoError(t, err)

	bad := map[int]bool{7: true, 42: true, 98: true}
	packets := make([][]byte, 100)
	for i := range packets {
		packets[i] = telemetryPacket(t, uint32(i+1))
		if bad[i] {
			telemetry.MarkError(packets[i])
		}
	}
	require.NoError(t, ctrl.Broadcast(packets...))

	tel := s.Telemetry()
	require.Eventually(t, func() bool {
		return tel.Updates()+tel.Dropped() == 100
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(97), tel.Updates())
	assert.Equal(t, uint64(3), tel.Dropped())

	latest := tel.Latest()
	assert.Equal(t, 0, latest.ErrCode)
	assert.Equal(t, uint32(100), latest.Seq)
	assert.InDelta(t, 10.0, latest.Joints[0].Position, 1e-5)

	pc, err := s.Dispatcher().GetPushConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, pc.Cycle)
	assert.Equal(t, port, pc.Port)
	assert.Equal(t, PushOn, pc.Custom.JointSpeed)
	assert.Equal(t, PushKeep, pc.Custom.LiftState)
}

func TestLastMalformedPacketFlagsSnapshot(t *testing.T) {
	ctrl := robottest.New(t)
	s := openSession(t, ctrl, Triple)
	port := s.TelemetryAddr().(*net.UDPAddr).Port
	_, err := s.Dispatcher().ConfigurePush(context.Background(), PushConfig{Cycle: 5, Enabled: true, Port: port})
	require.NoError(t, err)

	last := telemetryPacket(t, 2)
	telemetry.MarkError(last)
	require.NoError(t, ctrl.Broadcast(telemetryPacket(t, 1), last))

	tel := s.Telemetry()
	require.Eventually(t, func() bool { return tel.Updates()+tel.Dropped() == 2 }, 3*time.Second, 10*time.Millisecond)
	latest := tel.Latest()
	assert.Equal(t, telemetry.ErrCodeParse, latest.ErrCode)
	assert.Equal(t, uint32(1), latest.Seq)
}
