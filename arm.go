package rm_arm

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/arm"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/operation"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/spatialmath"

	"rm_arm/posemath"
	"rm_arm/robot"
)

var ArmModel = resource.NewModel("devrel", "rm_arm", "arm")

func init() {
	resource.RegisterComponent(arm.API, ArmModel,
		resource.Registration[arm.Arm, *Config]{
			Constructor: newArm,
		},
	)
}

type rmArm struct {
	resource.AlwaysRebuild

	name   resource.Name
	logger logging.Logger
	cfg    *Config
	opMgr  *operation.SingleOperationManager
	handle *sessionHandle

	isMoving atomic.Bool

	mu       sync.Mutex
	speed    int
	model    referenceframe.Model
	modelKey string
}

func newArm(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (arm.Arm, error) {
	conf, err := resource.NativeConfig[*Config](rawConf)
	if err != nil {
		return nil, err
	}
	return NewArm(ctx, nil, rawConf.ResourceName(), conf, logger)
}

// NewArm builds an arm on a session from registry, or the module-wide one
// when registry is nil.
func NewArm(ctx context.Context, registry *SessionRegistry, name resource.Name, conf *Config, logger logging.Logger) (arm.Arm, error) {
	handle, err := acquireSession(ctx, registry, conf, logger)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize arm")
	}
	speed := conf.DefaultSpeed
	if speed == 0 {
		speed = DefaultArmSpeed
	}
	a := &rmArm{
		name:   name,
		logger: logger,
		cfg:    conf,
		opMgr:  operation.NewSingleOperationManager(),
		handle: handle,
		speed:  speed,
	}
	info, err := handle.session.RobotInfo()
	if err == nil {
		logger.Infof("%s arm (%d dof) ready on %s", info.Model, info.DOF, handle.addr)
	}
	return a, nil
}

func (a *rmArm) Name() resource.Name {
	return a.name
}

func (a *rmArm) Close(ctx context.Context) error {
	a.logger.Debug("closing arm")
	return a.handle.release(ctx)
}

func (a *rmArm) kinematics() (posemath.Kinematics, error) {
	return a.handle.dispatcher().Kinematics()
}

func (a *rmArm) currentJoints(ctx context.Context) (posemath.JointVector, error) {
	dof := 0
	if info, err := a.handle.session.RobotInfo(); err == nil {
		dof = info.DOF
	}
	if a.handle.session.Mode() == robot.Triple {
		snap := a.handle.session.Telemetry().Latest()
		if snap.Seq > 0 && snap.ErrCode == 0 && len(snap.Joints) == dof {
			return snap.JointPositions(), nil
		}
	}
	st, err := a.handle.dispatcher().ArmState(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read joint positions")
	}
	return st.Joints, nil
}

func (a *rmArm) JointPositions(ctx context.Context, extra map[string]interface{}) ([]referenceframe.Input, error) {
	joints, err := a.currentJoints(ctx)
	if err != nil {
		return nil, err
	}
	return toInputs(joints), nil
}

func (a *rmArm) EndPosition(ctx context.Context, extra map[string]interface{}) (spatialmath.Pose, error) {
	k, err := a.kinematics()
	if err != nil {
		return nil, err
	}
	joints, err := a.currentJoints(ctx)
	if err != nil {
		return nil, err
	}
	pose, err := k.ForwardKinematics(joints)
	if err != nil {
		return nil, errors.Wrap(err, "failed to compute end position")
	}
	return posemath.ToSpatialPose(pose), nil
}

func (a *rmArm) motionOptions(extra map[string]interface{}) robot.MotionOptions {
	a.mu.Lock()
	speed := a.speed
	a.mu.Unlock()
	if v, ok := numberArg(extra, "speed"); ok && v >= 1 && v <= 100 {
		speed = int(v)
	}
	return robot.MotionOptions{Speed: speed, Blocking: true}
}

// settle turns a blocking motion's outcome into an error unless it completed.
func settle(out robot.Outcome, err error) error {
	if err != nil {
		return err
	}
	if out.Status != robot.StatusCompleted {
		return errors.Errorf("%s %s: %s (code %d)", out.Command, out.Status, out.Reason, out.Code)
	}
	return nil
}

func (a *rmArm) MoveToPosition(ctx context.Context, pose spatialmath.Pose, extra map[string]interface{}) error {
	ctx, done := a.opMgr.New(ctx)
	defer done()

	target, err := posemath.FromSpatialPose(pose)
	if err != nil {
		return err
	}
	opts := a.motionOptions(extra)

	a.isMoving.Store(true)
	defer a.isMoving.Store(false)

	if linear, _ := extra["linear"].(bool); linear {
		return settle(a.handle.dispatcher().MoveL(ctx, posemath.PoseInputFrom(target), opts))
	}

	k, err := a.kinematics()
	if err != nil {
		return err
	}
	seed, err := a.currentJoints(ctx)
	if err != nil {
		return err
	}
	joints, err := k.InverseKinematics(seed, target, posemath.OrientationQuaternion)
	if err != nil {
		return errors.Wrap(err, "no joint solution for pose")
	}
	return settle(a.handle.dispatcher().MoveJ(ctx, joints, opts))
}

func (a *rmArm) MoveToJointPositions(ctx context.Context, positions []referenceframe.Input, extra map[string]interface{}) error {
	ctx, done := a.opMgr.New(ctx)
	defer done()

	a.isMoving.Store(true)
	defer a.isMoving.Store(false)
	return settle(a.handle.dispatcher().MoveJ(ctx, fromInputs(positions), a.motionOptions(extra)))
}

// MoveThroughJointPositions fuses the waypoints into one trajectory and
// waits for the last.
func (a *rmArm) MoveThroughJointPositions(ctx context.Context, positions [][]referenceframe.Input, options *arm.MoveOptions, extra map[string]interface{}) error {
	if len(positions) == 0 {
		return nil
	}
	ctx, done := a.opMgr.New(ctx)
	defer done()

	a.isMoving.Store(true)
	defer a.isMoving.Store(false)

	opts := a.motionOptions(extra)
	d := a.handle.dispatcher()
	for i, step := range positions {
		stepOpts := opts
		if i < len(positions)-1 {
			stepOpts.TrajectoryConnect = true
			stepOpts.Blocking = false
		}
		out, err := d.MoveJ(ctx, fromInputs(step), stepOpts)
		if err != nil {
			return errors.Wrapf(err, "waypoint %d", i)
		}
		if i < len(positions)-1 {
			if out.Status != robot.StatusAccepted && out.Status != robot.StatusCompleted {
				return errors.Errorf("waypoint %d %s (code %d)", i, out.Status, out.Code)
			}
			continue
		}
		if err := settle(out, nil); err != nil {
			return errors.Wrapf(err, "waypoint %d", i)
		}
	}
	return nil
}

func (a *rmArm) Stop(ctx context.Context, extra map[string]interface{}) error {
	a.opMgr.CancelRunning(ctx)
	a.isMoving.Store(false)
	return settle(a.handle.dispatcher().Stop(ctx))
}

func (a *rmArm) IsMoving(ctx context.Context) (bool, error) {
	return a.isMoving.Load(), nil
}

// Kinematics rebuilds the model when the tool frame or mounting changes.
func (a *rmArm) Kinematics(ctx context.Context) (referenceframe.Model, error) {
	k, err := a.kinematics()
	if err != nil {
		return nil, err
	}
	key := fmt.Sprintf("%s/%v/%v", k.Model.Arm, k.Tool, k.Install)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.model != nil && a.modelKey == key {
		return a.model, nil
	}
	m, err := buildModel(a.name.ShortName(), k)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build kinematic model")
	}
	a.model, a.modelKey = m, key
	return m, nil
}

func (a *rmArm) CurrentInputs(ctx context.Context) ([]referenceframe.Input, error) {
	return a.JointPositions(ctx, nil)
}

func (a *rmArm) GoToInputs(ctx context.Context, inputSteps ...[]referenceframe.Input) error {
	return a.MoveThroughJointPositions(ctx, inputSteps, nil, nil)
}

func (a *rmArm) Geometries(ctx context.Context, extra map[string]interface{}) ([]spatialmath.Geometry, error) {
	model, err := a.Kinematics(ctx)
	if err != nil {
		return nil, err
	}
	inputs, err := a.CurrentInputs(ctx)
	if err != nil {
		return nil, err
	}
	gif, err := model.Geometries(inputs)
	if err != nil {
		return nil, err
	}
	return gif.Geometries(), nil
}

func (a *rmArm) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	d := a.handle.dispatcher()
	switch cmd["command"] {
	case "set_speed":
		v, ok := numberArg(cmd, "speed")
		if !ok || v < 1 || v > 100 {
			return nil, fmt.Errorf("set_speed requires 'speed' between 1 and 100")
		}
		a.mu.Lock()
		a.speed = int(v)
		a.mu.Unlock()
		return map[string]interface{}{"speed_set": int(v)}, nil

	case "robot_info":
		info, err := a.handle.session.RobotInfo()
		if err != nil {
			return nil, err
		}
		return info.Map(), nil

	case "move_tool_offset":
		dx, _ := numberArg(cmd, "dx")
		dy, _ := numberArg(cmd, "dy")
		dz, _ := numberArg(cmd, "dz")
		joints, err := a.currentJoints(ctx)
		if err != nil {
			return nil, err
		}
		a.isMoving.Store(true)
		defer a.isMoving.Store(false)
		return outcomeMap(d.MoveToolOffset(ctx, joints, dx, dy, dz, a.motionOptions(cmd)))

	case "slow_stop":
		return outcomeMap(d.SlowStop(ctx))
	case "pause":
		return outcomeMap(d.Pause(ctx))
	case "continue":
		return outcomeMap(d.Continue(ctx))

	case "change_tool_frame":
		name, _ := cmd["name"].(string)
		return outcomeMap(d.ChangeToolFrame(ctx, name))

	case "drag_teach":
		enable, ok := cmd["enable"].(bool)
		if !ok {
			return nil, fmt.Errorf("drag_teach requires 'enable' boolean parameter")
		}
		if enable {
			record, _ := cmd["record"].(bool)
			return outcomeMap(d.StartDragTeach(ctx, record))
		}
		return outcomeMap(d.StopDragTeach(ctx))

	case "run_program":
		id, ok := numberArg(cmd, "id")
		if !ok {
			return nil, fmt.Errorf("run_program requires 'id'")
		}
		speed, ok := numberArg(cmd, "speed")
		if !ok {
			speed = float64(a.motionOptions(nil).Speed)
		}
		return outcomeMap(d.RunProgram(ctx, int(id), int(speed), true, 0))

	default:
		return nil, fmt.Errorf("unknown command: %v", cmd["command"])
	}
}

func toInputs(j posemath.JointVector) []referenceframe.Input {
	out := make([]referenceframe.Input, len(j))
	for i, deg := range j {
		out[i] = referenceframe.Input{Value: deg * math.Pi / 180}
	}
	return out
}

func fromInputs(in []referenceframe.Input) posemath.JointVector {
	out := make(posemath.JointVector, len(in))
	for i, v := range in {
		out[i] = v.Value * 180 / math.Pi
	}
	return out
}
