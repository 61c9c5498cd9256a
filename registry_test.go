package rm_arm

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"

	"rm_arm/robot"
	"rm_arm/robot/robottest"
)

// testAttrs points a resource config at ctrl. Dual mode keeps tests off the
// fixed telemetry port.
func testAttrs(t *testing.T, ctrl *robottest.Controller) *Config {
	t.Helper()
	cfg := &Config{
		Host:             ctrl.Host(),
		Port:             ctrl.Port(),
		ThreadMode:       "dual",
		ReplyTimeoutSec:  1,
		MotionTimeoutSec: 5,
		TelemetryListen:  "127.0.0.1:0",
	}
	_, _, err := cfg.Validate("test")
	require.NoError(t, err)
	return cfg
}

func testSessionConfig(t *testing.T, ctrl *robottest.Controller) robot.Config {
	t.Helper()
	cfg, err := testAttrs(t, ctrl).SessionConfig(logging.NewTestLogger(t))
	require.NoError(t, err)
	return cfg
}

func newTestRegistry(t *testing.T) *SessionRegistry {
	t.Helper()
	r := NewSessionRegistry(nil)
	t.Cleanup(func() { r.CloseAll(context.Background()) })
	return r
}

// countingOpen wraps robot.Open and fails the first failFirst calls.
func countingOpen(calls *atomic.Int32, failFirst int32) OpenFunc {
	return func(ctx context.Context, cfg robot.Config, logger logging.Logger) (*robot.Session, error) {
		if calls.Add(1) <= failFirst {
			return nil, errors.New("boom")
		}
		return robot.Open(ctx, cfg, logger)
	}
}

func TestRegistrySharesSession(t *testing.T) {
	ctrl := robottest.New(t)
	logger := logging.NewTestLogger(t)
	ctx := context.Background()
	r := newTestRegistry(t)
	cfg := testSessionConfig(t, ctrl)

	s1, err := r.Acquire(ctx, cfg, logger)
	require.NoError(t, err)
	s2, err := r.Acquire(ctx, cfg, logger)
	require.NoError(t, err)
	assert.Same(t, s1, s2)
	assert.Equal(t, 1, ctrl.Count("get_robot_info"), "second holder must not reconnect")

	refs, open, summary := r.Status(ctrl.Addr())
	assert.EqualValues(t, 2, refs)
	assert.True(t, open)
	assert.Contains(t, summary, "dual@"+ctrl.Addr())
	assert.Equal(t, []string{ctrl.Addr()}, r.Addresses())

	require.NoError(t, r.Release(ctx, ctrl.Addr()))
	refs, open, _ = r.Status(ctrl.Addr())
	assert.EqualValues(t, 1, refs)
	assert.True(t, open)

	require.NoError(t, r.Release(ctx, ctrl.Addr()))
	refs, open, _ = r.Status(ctrl.Addr())
	assert.Zero(t, refs)
	assert.False(t, open)
	assert.Empty(t, r.Addresses())

	_, err = s1.Dispatcher().ArmState(ctx)
	assert.Error(t, err, "session is closed with its last holder")
}

func TestRegistryReleaseUnknownAddress(t *testing.T) {
	r := newTestRegistry(t)
	assert.NoError(t, r.Release(context.Background(), "10.0.0.1:8080"))
	assert.NoError(t, r.ForceClose(context.Background(), "10.0.0.1:8080"))
}

func TestRegistryConflictingConfig(t *testing.T) {
	ctrl := robottest.New(t)
	logger := logging.NewTestLogger(t)
	ctx := context.Background()
	r := newTestRegistry(t)
	cfg := testSessionConfig(t, ctrl)

	_, err := r.Acquire(ctx, cfg, logger)
	require.NoError(t, err)

	other := cfg
	other.Mode = robot.Single
	_, err = r.Acquire(ctx, other, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conflict")
	assert.Contains(t, err.Error(), "refCount: 1")

	refs, _, _ := r.Status(ctrl.Addr())
	assert.EqualValues(t, 1, refs)
}

func TestRegistryRetriesAfterFailure(t *testing.T) {
	ctrl := robottest.New(t)
	logger := logging.NewTestLogger(t)
	ctx := context.Background()
	var calls atomic.Int32
	r := NewSessionRegistry(countingOpen(&calls, 1))
	t.Cleanup(func() { r.CloseAll(ctx) })
	cfg := testSessionConfig(t, ctrl)

	_, err := r.Acquire(ctx, cfg, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	refs, open, summary := r.Status(ctrl.Addr())
	assert.Zero(t, refs)
	assert.False(t, open)
	assert.Contains(t, summary, "last error: boom")

	s, err := r.Acquire(ctx, cfg, logger)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.EqualValues(t, 2, calls.Load())

	_, _, summary = r.Status(ctrl.Addr())
	assert.NotContains(t, summary, "last error")
}

func TestRegistryForceClose(t *testing.T) {
	ctrl := robottest.New(t)
	logger := logging.NewTestLogger(t)
	ctx := context.Background()
	r := newTestRegistry(t)
	cfg := testSessionConfig(t, ctrl)

	for range 3 {
		_, err := r.Acquire(ctx, cfg, logger)
		require.NoError(t, err)
	}
	require.NoError(t, r.ForceClose(ctx, ctrl.Addr()))

	refs, open, _ := r.Status(ctrl.Addr())
	assert.Zero(t, refs)
	assert.False(t, open)

	// late releases from the old holders are harmless
	assert.NoError(t, r.Release(ctx, ctrl.Addr()))

	s, err := r.Acquire(ctx, cfg, logger)
	require.NoError(t, err)
	_, err = s.Dispatcher().ArmState(ctx)
	assert.NoError(t, err, "a fresh session is opened after a force close")
}

func TestRegistryCloseAll(t *testing.T) {
	logger := logging.NewTestLogger(t)
	ctx := context.Background()
	r := NewSessionRegistry(nil)

	a, b := robottest.New(t), robottest.New(t)
	_, err := r.Acquire(ctx, testSessionConfig(t, a), logger)
	require.NoError(t, err)
	_, err = r.Acquire(ctx, testSessionConfig(t, b), logger)
	require.NoError(t, err)
	assert.Len(t, r.Addresses(), 2)

	require.NoError(t, r.CloseAll(ctx))
	assert.Empty(t, r.Addresses())
}

func TestRegistryConcurrentAcquire(t *testing.T) {
	ctrl := robottest.New(t)
	logger := logging.NewTestLogger(t)
	ctx := context.Background()
	var calls atomic.Int32
	r := NewSessionRegistry(countingOpen(&calls, 0))
	t.Cleanup(func() { r.CloseAll(ctx) })
	cfg := testSessionConfig(t, ctrl)

	const holders = 10
	var wg sync.WaitGroup
	sessions := make([]*robot.Session, holders)
	errs := make([]error, holders)
	for i := range holders {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessions[i], errs[i] = r.Acquire(ctx, cfg, logger)
		}(i)
	}
	wg.Wait()

	for i := range holders {
		require.NoError(t, errs[i])
		assert.Same(t, sessions[0], sessions[i])
	}
	assert.EqualValues(t, 1, calls.Load())
	refs, _, _ := r.Status(ctrl.Addr())
	assert.EqualValues(t, holders, refs)

	for range holders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.Release(ctx, ctrl.Addr()))
		}()
	}
	wg.Wait()
	assert.Empty(t, r.Addresses())
}
