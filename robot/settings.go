package robot

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"

	"rm_arm/posemath"
	"rm_arm/telemetry"
	"rm_arm/wire"
)

// MaxPushIPLen is the controller's limit for the telemetry target address.
const MaxPushIPLen = 27

// PushFlag toggles an optional telemetry section. PushKeep leaves the
// controller's current setting alone.
type PushFlag int

const (
	PushKeep PushFlag = -1
	PushOff  PushFlag = 0
	PushOn   PushFlag = 1
)

// PushCustom selects the optional telemetry sections.
type PushCustom struct {
	JointSpeed       PushFlag
	LiftState        PushFlag
	ExpandState      PushFlag
	HandState        PushFlag
	ArmCurrentStatus PushFlag
	AlohaState       PushFlag
	PlusBase         PushFlag
	PlusState        PushFlag
}

func (c *PushCustom) fields() map[string]*PushFlag {
	return map[string]*PushFlag{
		"joint_speed":        &c.JointSpeed,
		"lift_state":         &c.LiftState,
		"expand_state":       &c.ExpandState,
		"hand_state":         &c.HandState,
		"arm_current_status": &c.ArmCurrentStatus,
		"aloha_state":        &c.AlohaState,
		"plus_base":          &c.PlusBase,
		"plus_state":         &c.PlusState,
	}
}

// PushConfig is the realtime telemetry broadcast setup.
type PushConfig struct {
	// Cycle is the broadcast period in ms, a positive multiple of 5.
	Cycle           int
	Enabled         bool
	Port            int
	IP              string
	ForceCoordinate telemetry.ForceCoordinate
	Custom          PushCustom
}

// Validate checks the bounds the controller enforces.
func (p PushConfig) Validate() error {
	if p.Cycle <= 0 || p.Cycle%5 != 0 {
		return invalid("cycle", "must be a positive multiple of 5 ms, got %d", p.Cycle)
	}
	if p.Enabled && (p.Port < 1 || p.Port > 65535) {
		return invalid("port", "%d out of range", p.Port)
	}
	if len(p.IP) > MaxPushIPLen {
		return invalid("ip", "%q exceeds %d bytes", p.IP, MaxPushIPLen)
	}
	if p.ForceCoordinate < telemetry.ForceNone || p.ForceCoordinate > telemetry.ForceTool {
		return invalid("force_coordinate", "%d out of range", p.ForceCoordinate)
	}
	for name, f := range p.Custom.fields() {
		if *f < PushKeep || *f > PushOn {
			return invalid("custom."+name, "must be -1, 0 or 1, got %d", *f)
		}
	}
	return nil
}

func (p PushConfig) params() map[string]any {
	custom := make(map[string]any)
	for name, f := range p.Custom.fields() {
		custom[name] = int(*f)
	}
	return map[string]any{
		"cycle":            p.Cycle,
		"enable":           p.Enabled,
		"port":             p.Port,
		"ip":               p.IP,
		"force_coordinate": int(p.ForceCoordinate),
		"custom":           custom,
	}
}

func parsePushConfig(f wire.Fields) (PushConfig, error) {
	var p PushConfig
	var err error
	if p.Cycle, err = f.Int("cycle"); err != nil {
		return PushConfig{}, err
	}
	if p.Enabled, err = f.Bool("enable"); err != nil {
		return PushConfig{}, err
	}
	if p.Port, err = f.Int("port"); err != nil {
		return PushConfig{}, err
	}
	p.IP, _ = f.String("ip")
	if fc, err := f.Int("force_coordinate"); err == nil {
		p.ForceCoordinate = telemetry.ForceCoordinate(fc)
	}
	custom, err := f.Object("custom")
	if err != nil {
		return p, nil
	}
	for name, dst := range p.Custom.fields() {
		if v, err := custom.Int(name); err == nil {
			*dst = PushFlag(v)
		}
	}
	return p, nil
}

// ConfigurePush sets up the UDP telemetry broadcast.
func (d *Dispatcher) ConfigurePush(ctx context.Context, p PushConfig) (Outcome, error) {
	if err := p.Validate(); err != nil {
		return Outcome{}, err
	}
	return completed(d.Dispatch(ctx, Request{Command: CmdSetPush, Params: p.params()}))
}

// GetPushConfig reads the broadcast setup back.
func (d *Dispatcher) GetPushConfig(ctx context.Context) (PushConfig, error) {
	out, err := completed(d.Dispatch(ctx, Request{Command: CmdGetPush}))
	if err != nil {
		return PushConfig{}, err
	}
	p, err := parsePushConfig(out.Fields)
	if err != nil {
		return PushConfig{}, errors.Wrapf(err, "%s reply (code %d)", CmdGetPush, CodeParseFailed)
	}
	return p, nil
}

// SetJointMaxSpeed caps joint (1-based) at degPerSec. Later joint-space
// motions are validated against the cap.
func (d *Dispatcher) SetJointMaxSpeed(ctx context.Context, joint int, degPerSec float64) (Outcome, error) {
	if dof := d.sessionInfo().DOF; joint < 1 || joint > dof {
		return Outcome{}, invalid("joint", "must be 1..%d, got %d", dof, joint)
	}
	if !(degPerSec > 0) || math.IsInf(degPerSec, 0) {
		return Outcome{}, invalid("speed", "must be positive, got %g", degPerSec)
	}
	out, err := completed(d.Dispatch(ctx, Request{
		Command: CmdJointMaxSpeed,
		Params: map[string]any{
			"joint_max_speed": []int64{int64(joint), int64(math.Round(degPerSec * wire.JointScale))},
		},
	}))
	if err != nil {
		return out, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jointMax[joint-1] = degPerSec
	return out, nil
}

// SetArmMaxLineSpeed caps the Cartesian speed in m/s. Later Cartesian motions
// are validated against the cap.
func (d *Dispatcher) SetArmMaxLineSpeed(ctx context.Context, metersPerSec float64) (Outcome, error) {
	if !(metersPerSec > 0) || math.IsInf(metersPerSec, 0) {
		return Outcome{}, invalid("speed", "must be positive, got %g", metersPerSec)
	}
	out, err := completed(d.Dispatch(ctx, Request{
		Command: CmdArmMaxLineSpeed,
		Params:  map[string]any{"speed": int64(math.Round(metersPerSec * 1000))},
	}))
	if err != nil {
		return out, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lineMax = metersPerSec
	return out, nil
}

// ArmState is the controller's view of the arm on request.
type ArmState struct {
	Joints    posemath.JointVector
	Pose      posemath.Pose
	ArmError  int
	SysError  int
	ErrorList []int
}

// ArmState queries joints, pose and error codes.
func (d *Dispatcher) ArmState(ctx context.Context) (ArmState, error) {
	out, err := completed(d.Dispatch(ctx, Request{Command: CmdArmState}))
	if err != nil {
		return ArmState{}, err
	}
	st, err := parseArmState(out.Fields)
	if err != nil {
		return ArmState{}, errors.Wrapf(err, "%s reply (code %d)", CmdArmState, CodeParseFailed)
	}
	return st, nil
}

func parseArmState(f wire.Fields) (ArmState, error) {
	obj, err := f.Object("arm_state")
	if err != nil {
		return ArmState{}, err
	}
	joints, err := obj.Ints("joint")
	if err != nil {
		return ArmState{}, err
	}
	rawPose, err := obj.Ints("pose")
	if err != nil {
		return ArmState{}, err
	}
	pose, err := wire.PoseFromWire(rawPose)
	if err != nil {
		return ArmState{}, err
	}
	st := ArmState{Joints: wire.JointsFromWire(joints), Pose: pose}
	st.ArmError, _ = obj.Int("arm_err")
	st.SysError, _ = obj.Int("sys_err")
	if list, err := obj.Ints("err"); err == nil {
		for _, e := range list {
			st.ErrorList = append(st.ErrorList, int(e))
		}
	}
	return st, nil
}

// StartDragTeach enters hand-guiding mode. Arm motions are refused until
// StopDragTeach.
func (d *Dispatcher) StartDragTeach(ctx context.Context, record bool) (Outcome, error) {
	return completed(d.Dispatch(ctx, Request{
		Command: CmdStartDragTeach,
		Params:  map[string]any{"trajectory_record": boolInt(record)},
	}))
}

// StopDragTeach leaves hand-guiding mode.
func (d *Dispatcher) StopDragTeach(ctx context.Context) (Outcome, error) {
	return completed(d.Dispatch(ctx, Request{Command: CmdStopDragTeach}))
}

// RunProgram starts a stored program. A blocking run waits for the program's
// finish event; a non-zero error line faults it.
func (d *Dispatcher) RunProgram(ctx context.Context, id, speed int, blocking bool, timeout time.Duration) (Outcome, error) {
	return d.Dispatch(ctx, Request{
		Command:   CmdRunProgram,
		ProgramID: id,
		Speed:     speed,
		Blocking:  blocking,
		Timeout:   timeout,
	})
}

// Gripper bounds, in the controller's dimensionless units.
const (
	GripperMinSpeed    = 1
	GripperMaxSpeed    = 1000
	GripperMinForce    = 50
	GripperMaxForce    = 1000
	GripperMinPosition = 1
	GripperMaxPosition = 1000
)

func checkRange(field string, v, lo, hi int) error {
	if v < lo || v > hi {
		return invalid(field, "must be %d..%d, got %d", lo, hi, v)
	}
	return nil
}

func (d *Dispatcher) gripper(ctx context.Context, cmd string, params map[string]any, blocking bool, timeout time.Duration) (Outcome, error) {
	return d.Dispatch(ctx, Request{
		Command:  cmd,
		Params:   params,
		Device:   telemetry.DeviceGripper,
		Blocking: blocking,
		Timeout:  timeout,
	})
}

// GripperRelease opens the gripper at speed.
func (d *Dispatcher) GripperRelease(ctx context.Context, speed int, blocking bool, timeout time.Duration) (Outcome, error) {
	if err := checkRange("speed", speed, GripperMinSpeed, GripperMaxSpeed); err != nil {
		return Outcome{}, err
	}
	return d.gripper(ctx, CmdGripperRelease, map[string]any{"speed": speed}, blocking, timeout)
}

// GripperPick closes the gripper at speed until it reaches force.
func (d *Dispatcher) GripperPick(ctx context.Context, speed, force int, blocking bool, timeout time.Duration) (Outcome, error) {
	if err := checkRange("speed", speed, GripperMinSpeed, GripperMaxSpeed); err != nil {
		return Outcome{}, err
	}
	if err := checkRange("force", force, GripperMinForce, GripperMaxForce); err != nil {
		return Outcome{}, err
	}
	return d.gripper(ctx, CmdGripperPick, map[string]any{"speed": speed, "force": force}, blocking, timeout)
}

// GripperPosition moves the fingers to position.
func (d *Dispatcher) GripperPosition(ctx context.Context, position int, blocking bool, timeout time.Duration) (Outcome, error) {
	if err := checkRange("position", position, GripperMinPosition, GripperMaxPosition); err != nil {
		return Outcome{}, err
	}
	return d.gripper(ctx, CmdGripperPosition, map[string]any{"position": position}, blocking, timeout)
}
