package robot

import (
	"context"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"rm_arm/posemath"
	"rm_arm/wire"
)

type frameKind int

const (
	toolFrame frameKind = iota
	workFrame
)

type frameCommands struct {
	set, change, update, del, current string
	nameKey, replyKey                 string
}

var frameCmds = map[frameKind]frameCommands{
	toolFrame: {
		set: CmdSetToolFrame, change: CmdChangeToolFrame, update: CmdUpdateToolFrame,
		del: CmdDeleteToolFrame, current: CmdCurrentToolFrame,
		nameKey: "tool_name", replyKey: "tool_frame",
	},
	workFrame: {
		set: CmdSetWorkFrame, change: CmdChangeWorkFrame, update: CmdUpdateWorkFrame,
		del: CmdDeleteWorkFrame, current: CmdCurrentWorkFrame,
		nameKey: "frame_name", replyKey: "work_frame",
	},
}

// frameCache remembers frames this session defined and which one is current.
type frameCache struct {
	current posemath.Frame
	known   map[string]posemath.Frame
}

func newFrameCache() *frameCache {
	return &frameCache{known: make(map[string]posemath.Frame)}
}

func (d *Dispatcher) defineFrame(ctx context.Context, kind frameKind, update bool, f posemath.Frame) (Outcome, error) {
	if err := f.Validate(); err != nil {
		return Outcome{}, invalid("frame", "%v", err)
	}
	if kind == workFrame && (f.Payload != 0 || f.CenterOfMass != (r3.Vector{})) {
		return Outcome{}, invalid("frame", "work frames carry no payload")
	}
	cmds := frameCmds[kind]
	cmd := cmds.set
	if update {
		cmd = cmds.update
	}
	out, err := completed(d.Configure(ctx, cmd, wire.FrameParams(cmds.nameKey, f)))
	if err != nil {
		return out, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	fc := d.frames[kind]
	fc.known[f.Name] = f
	if fc.current.Name == f.Name {
		fc.current = f
	}
	return out, nil
}

func (d *Dispatcher) changeFrame(ctx context.Context, kind frameKind, name string) (Outcome, error) {
	if err := (posemath.Frame{Name: name}).Validate(); err != nil {
		return Outcome{}, invalid("frame", "%v", err)
	}
	out, err := completed(d.Configure(ctx, frameCmds[kind].change, map[string]any{frameCmds[kind].nameKey: name}))
	if err != nil {
		return out, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	fc := d.frames[kind]
	if f, ok := fc.known[name]; ok {
		fc.current = f
	} else {
		// pose unknown until CurrentToolFrame/CurrentWorkFrame reads it back
		fc.current = posemath.Frame{Name: name}
	}
	return out, nil
}

func (d *Dispatcher) deleteFrame(ctx context.Context, kind frameKind, name string) (Outcome, error) {
	if err := (posemath.Frame{Name: name}).Validate(); err != nil {
		return Outcome{}, invalid("frame", "%v", err)
	}
	d.mu.Lock()
	isCurrent := d.frames[kind].current.Name == name
	d.mu.Unlock()
	if isCurrent {
		return Outcome{}, invalid("frame", "%q is the current frame", name)
	}
	out, err := completed(d.Configure(ctx, frameCmds[kind].del, map[string]any{frameCmds[kind].nameKey: name}))
	if err != nil {
		return out, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.frames[kind].known, name)
	return out, nil
}

func (d *Dispatcher) currentFrame(ctx context.Context, kind frameKind) (posemath.Frame, error) {
	cmds := frameCmds[kind]
	out, err := completed(d.Configure(ctx, cmds.current, nil))
	if err != nil {
		return posemath.Frame{}, err
	}
	obj, err := wire.Fields(out.Fields).Object(cmds.replyKey)
	if err != nil {
		return posemath.Frame{}, errors.Wrapf(err, "%s reply (code %d)", cmds.current, CodeParseFailed)
	}
	f, err := wire.ParseFrame(cmds.nameKey, obj)
	if err != nil {
		return posemath.Frame{}, errors.Wrapf(err, "%s reply (code %d)", cmds.current, CodeParseFailed)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	fc := d.frames[kind]
	fc.current = f
	fc.known[f.Name] = f
	return f, nil
}

// SetManualToolFrame defines a tool frame on the controller.
func (d *Dispatcher) SetManualToolFrame(ctx context.Context, f posemath.Frame) (Outcome, error) {
	return d.defineFrame(ctx, toolFrame, false, f)
}

// UpdateToolFrame replaces an existing tool frame's pose and payload.
func (d *Dispatcher) UpdateToolFrame(ctx context.Context, f posemath.Frame) (Outcome, error) {
	return d.defineFrame(ctx, toolFrame, true, f)
}

// ChangeToolFrame makes the named tool frame current.
func (d *Dispatcher) ChangeToolFrame(ctx context.Context, name string) (Outcome, error) {
	return d.changeFrame(ctx, toolFrame, name)
}

// DeleteToolFrame removes a tool frame. The current frame cannot be deleted.
func (d *Dispatcher) DeleteToolFrame(ctx context.Context, name string) (Outcome, error) {
	return d.deleteFrame(ctx, toolFrame, name)
}

// CurrentToolFrame reads the current tool frame from the controller.
func (d *Dispatcher) CurrentToolFrame(ctx context.Context) (posemath.Frame, error) {
	return d.currentFrame(ctx, toolFrame)
}

// SetManualWorkFrame defines a work frame on the controller.
func (d *Dispatcher) SetManualWorkFrame(ctx context.Context, f posemath.Frame) (Outcome, error) {
	return d.defineFrame(ctx, workFrame, false, f)
}

// UpdateWorkFrame replaces an existing work frame's pose.
func (d *Dispatcher) UpdateWorkFrame(ctx context.Context, f posemath.Frame) (Outcome, error) {
	return d.defineFrame(ctx, workFrame, true, f)
}

// ChangeWorkFrame makes the named work frame current.
func (d *Dispatcher) ChangeWorkFrame(ctx context.Context, name string) (Outcome, error) {
	return d.changeFrame(ctx, workFrame, name)
}

// DeleteWorkFrame removes a work frame. The current frame cannot be deleted.
func (d *Dispatcher) DeleteWorkFrame(ctx context.Context, name string) (Outcome, error) {
	return d.deleteFrame(ctx, workFrame, name)
}

// CurrentWorkFrame reads the current work frame from the controller.
func (d *Dispatcher) CurrentWorkFrame(ctx context.Context) (posemath.Frame, error) {
	return d.currentFrame(ctx, workFrame)
}

// SetInstallAngle records how the arm base is mounted. It is a local setting
// used by Kinematics.
func (d *Dispatcher) SetInstallAngle(e posemath.Euler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.install = e
}

// Kinematics returns the model for the connected arm with the cached tool and
// work frames and the install angle.
func (d *Dispatcher) Kinematics() (posemath.Kinematics, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, err := posemath.ModelFor(d.info.Model)
	if err != nil {
		return posemath.Kinematics{}, err
	}
	k := posemath.NewKinematics(m)
	k.Tool = d.frames[toolFrame].current
	k.Work = d.frames[workFrame].current
	k.Install = d.install
	return k, nil
}
