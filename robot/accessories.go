package robot

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"rm_arm/posemath"
	"rm_arm/telemetry"
	"rm_arm/wire"
)

// LiftMaxHeight is the tallest lift position, in mm.
const LiftMaxHeight = 2600

// SetLiftHeight drives the lift to heightMM at speed percent. A blocking call
// returns once the lift reports its trajectory finished.
func (d *Dispatcher) SetLiftHeight(ctx context.Context, heightMM, speed int, blocking bool, timeout time.Duration) (Outcome, error) {
	if err := checkRange("height", heightMM, 0, LiftMaxHeight); err != nil {
		return Outcome{}, err
	}
	if err := checkRange("speed", speed, 1, 100); err != nil {
		return Outcome{}, err
	}
	return d.Dispatch(ctx, Request{
		Command:  CmdLiftHeight,
		Params:   map[string]any{"height": heightMM, "speed": speed},
		Device:   telemetry.DeviceLift,
		Blocking: blocking,
		Timeout:  timeout,
	})
}

// SetExpandPosition drives the expansion joint to deg degrees.
func (d *Dispatcher) SetExpandPosition(ctx context.Context, deg float64, speed int, blocking bool, timeout time.Duration) (Outcome, error) {
	if math.IsNaN(deg) || math.IsInf(deg, 0) {
		return Outcome{}, invalid("pos", "must be finite, got %g", deg)
	}
	if err := checkRange("speed", speed, 1, 100); err != nil {
		return Outcome{}, err
	}
	return d.Dispatch(ctx, Request{
		Command:  CmdExpandPos,
		Params:   map[string]any{"pos": wire.JointsToWire(posemath.JointVector{deg})[0], "speed": speed},
		Device:   telemetry.DeviceExpand,
		Blocking: blocking,
		Timeout:  timeout,
	})
}

// FollowMode picks how closely the arm tracks streamed joint targets.
type FollowMode int

const (
	FollowLow FollowMode = iota
	// FollowHigh needs a target at least every 10 ms.
	FollowHigh
)

// Smoothing applied to high-follow passthrough.
const (
	PassthroughRaw = iota
	PassthroughCurveFit
	PassthroughFilter
)

// PassthroughOptions tune MoveJCANFD.
type PassthroughOptions struct {
	Follow FollowMode
	// Expand is the expansion joint target in degrees, when one is fitted.
	Expand float64
	// Mode is one of the Passthrough constants and only matters with FollowHigh.
	Mode int
	// Smoothing is 0..100 for filtering and 0..999 for curve fitting.
	Smoothing int
}

func (o PassthroughOptions) params() (map[string]any, error) {
	switch o.Mode {
	case PassthroughRaw:
	case PassthroughCurveFit:
		if err := checkRange("radio", o.Smoothing, 0, 999); err != nil {
			return nil, err
		}
	case PassthroughFilter:
		if err := checkRange("radio", o.Smoothing, 0, 100); err != nil {
			return nil, err
		}
	default:
		return nil, invalid("trajectory_mode", "unknown passthrough mode %d", o.Mode)
	}
	return map[string]any{
		"follow":          o.Follow == FollowHigh,
		"expand":          wire.JointsToWire(posemath.JointVector{o.Expand})[0],
		"trajectory_mode": o.Mode,
		"radio":           o.Smoothing,
	}, nil
}

// MoveJCANFD streams joints (degrees) straight to the joint drives without
// planning. The controller does not answer, so the outcome is Completed once
// the frame is written. Callers stream at a steady period.
func (d *Dispatcher) MoveJCANFD(ctx context.Context, joints posemath.JointVector, opts PassthroughOptions) (Outcome, error) {
	params, err := opts.params()
	if err != nil {
		return Outcome{}, err
	}
	return d.Dispatch(ctx, Request{Command: CmdMoveJCANFD, Joints: joints, Params: params})
}

// ProjectKind says what a project file holds.
type ProjectKind int

const (
	ProjectProgram ProjectKind = iota
	ProjectDragTrajectory
)

// maxProjectPath matches the controller's path buffer.
const maxProjectPath = 300

// Project is an online programming file to upload.
type Project struct {
	Path string
	Kind ProjectKind
	// PlanSpeed scales every motion in the file, 1..100. Zero means 20.
	PlanSpeed int
	// SaveOnly stores the file without running it.
	SaveOnly bool
	// SaveID is the slot it is stored under; zero does not store it.
	SaveID    int
	StepMode  bool
	AutoStart bool
}

func (p Project) params() (map[string]any, error) {
	if p.Path == "" {
		return nil, invalid("project_path", "required")
	}
	if len(p.Path) >= maxProjectPath {
		return nil, invalid("project_path", "longer than %d bytes", maxProjectPath-1)
	}
	speed := p.PlanSpeed
	if speed == 0 {
		speed = 20
	}
	if err := checkRange("plan_speed", speed, 1, 100); err != nil {
		return nil, err
	}
	if p.SaveID < 0 {
		return nil, invalid("save_id", "must not be negative, got %d", p.SaveID)
	}
	body, err := os.ReadFile(p.Path)
	if err != nil {
		return nil, errors.Wrap(err, "read project")
	}
	if len(body) == 0 {
		return nil, invalid("project_path", "%s is empty", p.Path)
	}
	return map[string]any{
		"name":         filepath.Base(p.Path),
		"file":         string(body),
		"plan_speed":   speed,
		"only_save":    boolInt(p.SaveOnly),
		"save_id":      p.SaveID,
		"step_flag":    boolInt(p.StepMode),
		"auto_start":   boolInt(p.AutoStart),
		"project_type": int(p.Kind),
	}, nil
}

// SendProject uploads a program file. A rejection carries the first bad line
// in Outcome.ErrorLine.
func (d *Dispatcher) SendProject(ctx context.Context, p Project) (Outcome, error) {
	params, err := p.params()
	if err != nil {
		return Outcome{}, err
	}
	return d.Dispatch(ctx, Request{Command: CmdSendProject, Params: params})
}
