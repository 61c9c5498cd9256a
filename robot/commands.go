package robot

import (
	"context"
	"maps"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"rm_arm/posemath"
	"rm_arm/telemetry"
	"rm_arm/wire"
)

// Command names understood by the controller.
const (
	CmdRobotInfo = "get_robot_info"

	CmdMoveJ  = "movej"
	CmdMoveL  = "movel"
	CmdMoveJP = "movej_p"
	CmdMoveS  = "moves"
	CmdMoveC  = "movec"

	CmdStop     = "set_arm_stop"
	CmdSlowStop = "set_arm_slow_stop"
	CmdPause    = "set_arm_pause"
	CmdContinue = "set_arm_continue"

	CmdSetPush          = "set_realtime_push"
	CmdGetPush          = "get_realtime_push"
	CmdJointMaxSpeed    = "set_joint_max_speed"
	CmdArmMaxLineSpeed  = "set_arm_max_line_speed"
	CmdArmState         = "get_current_arm_state"
	CmdStartDragTeach   = "start_drag_teach"
	CmdStopDragTeach    = "stop_drag_teach"
	CmdRunProgram       = "set_program_id_run"
	CmdGripperRelease   = "set_gripper_release"
	CmdGripperPick      = "set_gripper_pick"
	CmdGripperPosition  = "set_gripper_position"
	CmdSetToolFrame     = "set_manual_tool_frame"
	CmdChangeToolFrame  = "change_tool_frame"
	CmdUpdateToolFrame  = "update_tool_frame"
	CmdDeleteToolFrame  = "delete_tool_frame"
	CmdCurrentToolFrame = "get_current_tool_frame"
	CmdSetWorkFrame     = "set_manual_work_frame"
	CmdChangeWorkFrame  = "change_work_frame"
	CmdUpdateWorkFrame  = "update_work_frame"
	CmdDeleteWorkFrame  = "delete_work_frame"
	CmdCurrentWorkFrame = "get_current_work_frame"

	CmdLiftHeight  = "set_lift_height"
	CmdExpandPos   = "set_expand_pos"
	CmdMoveJCANFD  = "movej_canfd"
	CmdSendProject = "send_project"
)

type argKind int

const (
	argNone argKind = iota
	argJoints
	argPose
	argArc
)

type speedKind int

const (
	speedNone speedKind = iota
	speedJoint
	speedCartesian
	speedPlain
)

type commandSpec struct {
	args   argKind
	speed  speedKind
	motion bool
	device telemetry.Device
	// program commands complete on a ProgramFinished event.
	program bool
	// armMotion commands are refused while drag teach is active.
	armMotion bool
	// noReply commands are streamed; the controller does not answer them.
	noReply   bool
	onAccept  func(d *Dispatcher, c *command)
}

var commands = map[string]commandSpec{
	CmdRobotInfo: {},

	CmdMoveJ:  {args: argJoints, speed: speedJoint, motion: true, armMotion: true},
	CmdMoveL:  {args: argPose, speed: speedCartesian, motion: true, armMotion: true},
	CmdMoveJP: {args: argPose, speed: speedJoint, motion: true, armMotion: true},
	CmdMoveS:  {args: argPose, speed: speedCartesian, motion: true, armMotion: true},
	CmdMoveC:  {args: argArc, speed: speedCartesian, motion: true, armMotion: true},

	CmdStop:     {onAccept: func(d *Dispatcher, _ *command) { d.cancelAll() }},
	CmdSlowStop: {onAccept: func(d *Dispatcher, _ *command) { d.cancelAll() }},
	CmdPause:    {},
	CmdContinue: {},

	CmdSetPush:         {},
	CmdGetPush:         {},
	CmdJointMaxSpeed:   {},
	CmdArmMaxLineSpeed: {},
	CmdArmState:        {},
	CmdStartDragTeach:  {onAccept: func(d *Dispatcher, _ *command) { d.dragTeach = true }},
	CmdStopDragTeach:   {onAccept: func(d *Dispatcher, _ *command) { d.dragTeach = false }},
	CmdRunProgram:      {speed: speedPlain, program: true, armMotion: true},

	CmdGripperRelease:  {motion: true, device: telemetry.DeviceGripper},
	CmdGripperPick:     {motion: true, device: telemetry.DeviceGripper},
	CmdGripperPosition: {motion: true, device: telemetry.DeviceGripper},

	CmdSetToolFrame:     {},
	CmdChangeToolFrame:  {},
	CmdUpdateToolFrame:  {},
	CmdDeleteToolFrame:  {},
	CmdCurrentToolFrame: {},
	CmdSetWorkFrame:     {},
	CmdChangeWorkFrame:  {},
	CmdUpdateWorkFrame:  {},
	CmdDeleteWorkFrame:  {},
	CmdCurrentWorkFrame: {},

	CmdLiftHeight:  {motion: true, device: telemetry.DeviceLift},
	CmdExpandPos:   {motion: true, device: telemetry.DeviceExpand},
	CmdMoveJCANFD:  {args: argJoints, armMotion: true, noReply: true},
	CmdSendProject: {},
}

// configPrefixes admit controller settings that have no typed helper.
var configPrefixes = []string{"set_", "get_", "change_", "update_", "delete_", "clear_", "save_", "write_", "read_"}

// IsMotionCommand reports whether name completes on a trajectory event.
func IsMotionCommand(name string) bool {
	return commands[name].motion
}

func (d *Dispatcher) prepare(req Request, generic bool) (*command, []byte, error) {
	spec, known := commands[req.Command]
	switch {
	case req.Command == "":
		return nil, nil, invalid("command", "required")
	case !known && !generic:
		return nil, nil, invalid("command", "unknown command %q", req.Command)
	case !known && !hasConfigPrefix(req.Command):
		return nil, nil, invalid("command", "%q is not a configuration command", req.Command)
	case known && generic && (spec.motion || spec.program || spec.noReply):
		return nil, nil, invalid("command", "%q is a motion; use its typed helper", req.Command)
	}

	params := maps.Clone(req.Params)
	if params == nil {
		params = make(map[string]any)
	}

	d.mu.Lock()
	info, drag := d.info, d.dragTeach
	d.mu.Unlock()

	if spec.armMotion && drag {
		return nil, nil, invalid("command", "%s refused while drag teach is active", req.Command)
	}
	if spec.motion && req.Device != telemetry.DeviceJoint && req.Device != spec.device {
		return nil, nil, invalid("device", "%s drives %s, not %s", req.Command, spec.device, req.Device)
	}
	if req.Radius < 0 || math.IsNaN(req.Radius) {
		return nil, nil, invalid("radius", "must not be negative, got %g", req.Radius)
	}
	if req.Loop < 0 {
		return nil, nil, invalid("loop", "must not be negative, got %d", req.Loop)
	}

	switch spec.args {
	case argJoints:
		if len(req.Joints) != info.DOF {
			return nil, nil, invalid("joints", "expected %d values for a %d-dof arm, got %d", info.DOF, info.DOF, len(req.Joints))
		}
		j, err := posemath.NewJointVector(info.DOF, req.Joints...)
		if err != nil {
			return nil, nil, invalid("joints", "%v", err)
		}
		params["joint"] = wire.JointsToWire(j)
	case argPose:
		p, err := resolvePose("pose", req.Pose)
		if err != nil {
			return nil, nil, err
		}
		params["pose"] = wire.PoseToWire(p)
	case argArc:
		via, err := resolvePose("via", req.Via)
		if err != nil {
			return nil, nil, err
		}
		to, err := resolvePose("pose", req.Pose)
		if err != nil {
			return nil, nil, err
		}
		params["pose_via"] = wire.PoseToWire(via)
		params["pose_to"] = wire.PoseToWire(to)
		params["loop"] = req.Loop
	}

	if spec.speed != speedNone {
		if req.Speed < 1 || req.Speed > 100 {
			return nil, nil, invalid("speed", "must be 1..100, got %d", req.Speed)
		}
		if limit := d.speedLimit(spec.speed); req.Speed > limit {
			return nil, nil, invalid("speed", "%d%% exceeds the configured maximum of %d%%", req.Speed, limit)
		}
	}
	switch {
	case spec.program:
		if req.ProgramID < 1 {
			return nil, nil, invalid("program_id", "must be positive, got %d", req.ProgramID)
		}
		params["id"] = req.ProgramID
		params["speed"] = req.Speed
	case spec.speed != speedNone:
		params["v"] = req.Speed
		params["r"] = wire.MetersToWire(req.Radius)
		params["trajectory_connect"] = boolInt(req.TrajectoryConnect)
	}

	frame, err := wire.EncodeRequest(req.Command, params)
	if err != nil {
		return nil, nil, invalid("params", "%v", err)
	}
	return &command{
		id:        uuid.New(),
		name:      req.Command,
		spec:      spec,
		device:    spec.device,
		programID: req.ProgramID,
		connect:   req.TrajectoryConnect && spec.motion,
		replied:   make(chan struct{}),
		done:      make(chan struct{}),
	}, frame, nil
}

func resolvePose(field string, in *posemath.PoseInput) (posemath.Pose, error) {
	if in == nil {
		return posemath.Pose{}, invalid(field, "required")
	}
	p, err := in.Resolve()
	if err != nil {
		return posemath.Pose{}, invalid(field, "%v", err)
	}
	return p, nil
}

func hasConfigPrefix(name string) bool {
	for _, p := range configPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// speedLimit is the largest speed percentage the configured maximums allow.
// Without a known model or configured maximum it is 100.
func (d *Dispatcher) speedLimit(kind speedKind) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	model, err := posemath.ModelFor(d.info.Model)
	if err != nil {
		return 100
	}
	ratio := 1.0
	switch kind {
	case speedJoint:
		for i, limit := range d.jointMax {
			if limit > 0 && i < len(model.RatedSpeed) && model.RatedSpeed[i] > 0 {
				ratio = min(ratio, limit/model.RatedSpeed[i])
			}
		}
	case speedCartesian:
		if d.lineMax > 0 && model.RatedLineSpeed > 0 {
			ratio = min(ratio, d.lineMax/model.RatedLineSpeed)
		}
	}
	return max(1, int(math.Floor(ratio*100+1e-9)))
}

// MotionOptions are the knobs shared by the arm motion helpers.
type MotionOptions struct {
	Speed             int
	Radius            float64
	TrajectoryConnect bool
	Blocking          bool
	Timeout           time.Duration
}

func (o MotionOptions) request(cmd string) Request {
	return Request{
		Command:           cmd,
		Speed:             o.Speed,
		Radius:            o.Radius,
		TrajectoryConnect: o.TrajectoryConnect,
		Blocking:          o.Blocking,
		Timeout:           o.Timeout,
	}
}

// MoveJ moves in joint space to joints (degrees).
func (d *Dispatcher) MoveJ(ctx context.Context, joints posemath.JointVector, opts MotionOptions) (Outcome, error) {
	req := opts.request(CmdMoveJ)
	req.Joints = joints
	return d.Dispatch(ctx, req)
}

// MoveL moves the tool in a straight line to pose.
func (d *Dispatcher) MoveL(ctx context.Context, pose posemath.PoseInput, opts MotionOptions) (Outcome, error) {
	req := opts.request(CmdMoveL)
	req.Pose = &pose
	return d.Dispatch(ctx, req)
}

// MoveJP moves in joint space to whatever configuration reaches pose.
func (d *Dispatcher) MoveJP(ctx context.Context, pose posemath.PoseInput, opts MotionOptions) (Outcome, error) {
	req := opts.request(CmdMoveJP)
	req.Pose = &pose
	return d.Dispatch(ctx, req)
}

// MoveS adds pose to a spline. Chain several with TrajectoryConnect and end
// with a point that has it unset.
func (d *Dispatcher) MoveS(ctx context.Context, pose posemath.PoseInput, opts MotionOptions) (Outcome, error) {
	req := opts.request(CmdMoveS)
	req.Pose = &pose
	return d.Dispatch(ctx, req)
}

// MoveC moves along the arc through via to to, repeating it loop times.
func (d *Dispatcher) MoveC(ctx context.Context, via, to posemath.PoseInput, loop int, opts MotionOptions) (Outcome, error) {
	req := opts.request(CmdMoveC)
	req.Via = &via
	req.Pose = &to
	req.Loop = loop
	return d.Dispatch(ctx, req)
}

// MoveToolOffset shifts the tool by (dx, dy, dz) meters along its own axes
// starting from joints, with a straight-line move.
func (d *Dispatcher) MoveToolOffset(ctx context.Context, joints posemath.JointVector, dx, dy, dz float64, opts MotionOptions) (Outcome, error) {
	if dof := d.sessionInfo().DOF; len(joints) != dof {
		return Outcome{}, invalid("joints", "expected %d values, got %d", dof, len(joints))
	}
	k, err := d.Kinematics()
	if err != nil {
		return Outcome{}, err
	}
	target, err := k.CartesianToolOffset(joints, dx, dy, dz)
	if err != nil {
		return Outcome{}, invalid("joints", "%v", err)
	}
	return d.MoveL(ctx, posemath.PoseInputFrom(target), opts)
}

// Stop halts immediately and cancels every in-flight motion.
func (d *Dispatcher) Stop(ctx context.Context) (Outcome, error) {
	return d.Dispatch(ctx, Request{Command: CmdStop})
}

// SlowStop decelerates along the current trajectory and cancels every
// in-flight motion.
func (d *Dispatcher) SlowStop(ctx context.Context) (Outcome, error) {
	return d.Dispatch(ctx, Request{Command: CmdSlowStop})
}

// Pause suspends the current trajectory.
func (d *Dispatcher) Pause(ctx context.Context) (Outcome, error) {
	return d.Dispatch(ctx, Request{Command: CmdPause})
}

// Continue resumes a paused trajectory.
func (d *Dispatcher) Continue(ctx context.Context) (Outcome, error) {
	return d.Dispatch(ctx, Request{Command: CmdContinue})
}

// Configure sends a configuration command by name. Settings without a typed
// helper (I/O, networking, modbus, fences) go through here. Motion commands are
// refused.
func (d *Dispatcher) Configure(ctx context.Context, name string, params map[string]any) (Outcome, error) {
	return d.dispatch(ctx, Request{Command: name, Params: params}, true)
}

// completed turns a non-completed outcome into an error for helpers whose
// callers only care about success.
func completed(out Outcome, err error) (Outcome, error) {
	if err != nil {
		return out, err
	}
	if out.Status != StatusCompleted {
		return out, errors.Errorf("%s %s (code %d)", out.Command, out.Status, out.Code)
	}
	return out, nil
}
