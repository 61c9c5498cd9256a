package rm_arm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/components/gripper"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/spatialmath"

	"rm_arm/robot"
)

var GripperModel = resource.NewModel("devrel", "rm_arm", "gripper")

func init() {
	resource.RegisterComponent(
		gripper.API,
		GripperModel,
		resource.Registration[gripper.Gripper, *Config]{
			Constructor: newGripper,
		},
	)
}

// Finger envelope in mm, measured from the flange.
var fingerSize = r3.Vector{X: 80, Y: 30, Z: 110}

type rmGripper struct {
	resource.AlwaysRebuild

	name       resource.Name
	logger     logging.Logger
	handle     *sessionHandle
	geometries []spatialmath.Geometry

	speed int
	force int

	mu       sync.Mutex
	isMoving atomic.Bool
	holding  atomic.Bool
}

func newGripper(ctx context.Context, deps resource.Dependencies, conf resource.Config, logger logging.Logger) (gripper.Gripper, error) {
	cfg, err := resource.NativeConfig[*Config](conf)
	if err != nil {
		return nil, err
	}
	return NewGripper(ctx, nil, conf.ResourceName(), cfg, logger)
}

// NewGripper drives the gripper mounted on the controller's end tool port.
func NewGripper(ctx context.Context, registry *SessionRegistry, name resource.Name, cfg *Config, logger logging.Logger) (gripper.Gripper, error) {
	speed, force := cfg.GripperSpeed, cfg.GripperForce
	if speed == 0 {
		speed = DefaultGripperSpeed
	}
	if force == 0 {
		force = DefaultGripperForce
	}
	if speed < robot.GripperMinSpeed || speed > robot.GripperMaxSpeed {
		return nil, fmt.Errorf("gripper_speed must be between %d and %d, got %d", robot.GripperMinSpeed, robot.GripperMaxSpeed, speed)
	}
	if force < robot.GripperMinForce || force > robot.GripperMaxForce {
		return nil, fmt.Errorf("gripper_force must be between %d and %d, got %d", robot.GripperMinForce, robot.GripperMaxForce, force)
	}

	fingers, err := spatialmath.NewBox(spatialmath.NewPoseFromPoint(r3.Vector{Z: fingerSize.Z / 2}), fingerSize, "fingers")
	if err != nil {
		return nil, err
	}

	handle, err := acquireSession(ctx, registry, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to get shared session for gripper: %w", err)
	}

	logger.Debugf("gripper on %s: speed %d, force %d", handle.addr, speed, force)
	return &rmGripper{
		name:       name,
		logger:     logger,
		handle:     handle,
		geometries: []spatialmath.Geometry{fingers},
		speed:      speed,
		force:      force,
	}, nil
}

func (g *rmGripper) Name() resource.Name {
	return g.name
}

func (g *rmGripper) speedFrom(extra map[string]interface{}) int {
	if v, ok := numberArg(extra, "speed"); ok {
		return int(v)
	}
	return g.speed
}

func (g *rmGripper) Open(ctx context.Context, extra map[string]interface{}) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.isMoving.Store(true)
	defer g.isMoving.Store(false)

	g.logger.Debug("opening gripper")
	if err := settle(g.handle.dispatcher().GripperRelease(ctx, g.speedFrom(extra), true, 0)); err != nil {
		return fmt.Errorf("failed to open gripper: %w", err)
	}
	g.holding.Store(false)
	return nil
}

// Grab closes until the force threshold is reached. It reports true once the
// controller signals the gripper has stopped on an object.
func (g *rmGripper) Grab(ctx context.Context, extra map[string]interface{}) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.isMoving.Store(true)
	defer g.isMoving.Store(false)

	force := g.force
	if v, ok := numberArg(extra, "force"); ok {
		force = int(v)
	}
	out, err := g.handle.dispatcher().GripperPick(ctx, g.speedFrom(extra), force, true, 0)
	if err != nil {
		return false, fmt.Errorf("failed to grab: %w", err)
	}
	switch out.Status {
	case robot.StatusCompleted:
		g.holding.Store(true)
		return true, nil
	case robot.StatusFaulted:
		g.holding.Store(false)
		return false, nil
	default:
		return false, fmt.Errorf("grab %s (code %d)", out.Status, out.Code)
	}
}

func (g *rmGripper) Stop(ctx context.Context, extra map[string]interface{}) error {
	g.isMoving.Store(false)
	return settle(g.handle.dispatcher().Stop(ctx))
}

func (g *rmGripper) IsMoving(ctx context.Context) (bool, error) {
	return g.isMoving.Load(), nil
}

func (g *rmGripper) Geometries(ctx context.Context, extra map[string]interface{}) ([]spatialmath.Geometry, error) {
	return g.geometries, nil
}

func (g *rmGripper) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	switch cmd["command"] {
	case "set_position":
		pos, ok := numberArg(cmd, "position")
		if !ok {
			return nil, fmt.Errorf("set_position requires 'position' (%d-%d)", robot.GripperMinPosition, robot.GripperMaxPosition)
		}
		blocking := true
		if b, ok := cmd["blocking"].(bool); ok {
			blocking = b
		}
		g.mu.Lock()
		defer g.mu.Unlock()
		g.isMoving.Store(true)
		defer g.isMoving.Store(false)
		return outcomeMap(g.handle.dispatcher().GripperPosition(ctx, int(pos), blocking, 0))

	case "get_settings":
		return map[string]interface{}{
			"speed":   g.speed,
			"force":   g.force,
			"holding": g.holding.Load(),
		}, nil

	default:
		return nil, fmt.Errorf("unknown command: %v", cmd["command"])
	}
}

func (g *rmGripper) Close(ctx context.Context) error {
	return g.handle.release(ctx)
}

func (g *rmGripper) CurrentInputs(ctx context.Context) ([]referenceframe.Input, error) {
	return nil, errors.ErrUnsupported
}

func (g *rmGripper) GoToInputs(ctx context.Context, inputs ...[]referenceframe.Input) error {
	return errors.ErrUnsupported
}

func (g *rmGripper) Kinematics(ctx context.Context) (referenceframe.Model, error) {
	return nil, errors.ErrUnsupported
}

// IsHoldingSomething reports the result of the last Grab or Open.
func (g *rmGripper) IsHoldingSomething(ctx context.Context, extra map[string]interface{}) (gripper.HoldingStatus, error) {
	return gripper.HoldingStatus{IsHoldingSomething: g.holding.Load()}, nil
}
