// Package telemetry ingests the controller's periodic state broadcast and
// carries discrete arm events to subscribers.
package telemetry

import (
	"fmt"
	"slices"

	"rm_arm/posemath"
)

// ErrCodeParse marks a snapshot whose most recent packet could not be decoded.
const ErrCodeParse = -3

// ArmStatus is the controller's coarse motion state.
type ArmStatus uint8

const (
	StatusIdle ArmStatus = iota
	StatusMoveL
	StatusMoveJ
	StatusMoveC
	StatusMoveS
	StatusMoveThroughJoint
	StatusMoveThroughPose
	StatusMoveThroughForcePose
	StatusMoveThroughCurrent
	StatusStop
	StatusSlowStop
	StatusPause
	StatusCurrentDrag
	StatusSensorDrag
	StatusTechDemonstration
)

var armStatusNames = [...]string{
	"idle", "move_l", "move_j", "move_c", "move_s",
	"move_through_joint", "move_through_pose", "move_through_force_pose", "move_through_current",
	"stop", "slow_stop", "pause", "current_drag", "sensor_drag", "tech_demonstration",
}

func (s ArmStatus) String() string {
	if int(s) < len(armStatusNames) {
		return armStatusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// ForceCoordinate is the frame force readings are expressed in.
type ForceCoordinate int32

const (
	ForceNone   ForceCoordinate = -1
	ForceSensor ForceCoordinate = 0
	ForceWork   ForceCoordinate = 1
	ForceTool   ForceCoordinate = 2
)

func (c ForceCoordinate) String() string {
	switch c {
	case ForceNone:
		return "none"
	case ForceSensor:
		return "sensor"
	case ForceWork:
		return "work"
	case ForceTool:
		return "tool"
	default:
		return fmt.Sprintf("coordinate(%d)", int32(c))
	}
}

// JointStatus is the per-axis drive state.
type JointStatus struct {
	Position    float64 // deg
	Current     float64 // mA
	Voltage     float64 // V
	Temperature float64 // C
	Speed       float64 // deg/s
	ErrCode     uint16
	Enabled     bool
}

// ForceReading is a six-axis force/torque sample.
type ForceReading struct {
	Raw        [6]float64
	Zeroed     [6]float64
	Coordinate ForceCoordinate
}

// LinearAxisState describes the lift or the expansion joint.
type LinearAxisState struct {
	Position int32
	Current  int32
	ErrFlag  uint16
	Mode     uint16
}

// HandState describes a dexterous hand.
type HandState struct {
	Angle   [6]int16
	Pos     [6]int32
	Force   [6]int16
	ErrFlag uint16
	Status  uint16
}

// Snapshot is the latest decoded broadcast. Optional sections are nil when the
// controller was not asked to report them.
type Snapshot struct {
	ErrCode   int
	Seq       uint32
	ArmIP     string
	ArmStatus ArmStatus
	Pose      posemath.Pose
	Joints    []JointStatus
	Errors    []int32
	Force     *ForceReading
	Lift      *LinearAxisState
	Expand    *LinearAxisState
	Hand      *HandState
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Joints = slices.Clone(s.Joints)
	out.Errors = slices.Clone(s.Errors)
	if s.Force != nil {
		f := *s.Force
		out.Force = &f
	}
	if s.Lift != nil {
		l := *s.Lift
		out.Lift = &l
	}
	if s.Expand != nil {
		e := *s.Expand
		out.Expand = &e
	}
	if s.Hand != nil {
		h := *s.Hand
		out.Hand = &h
	}
	return out
}

// JointPositions returns the joint angles as a vector.
func (s Snapshot) JointPositions() posemath.JointVector {
	out := make(posemath.JointVector, len(s.Joints))
	for i, j := range s.Joints {
		out[i] = j.Position
	}
	return out
}

// EventKind distinguishes edge-triggered notifications.
type EventKind int

const (
	EventNone EventKind = iota
	EventTrajectoryState
	EventProgramFinished
)

func (k EventKind) String() string {
	switch k {
	case EventTrajectoryState:
		return "trajectory_state"
	case EventProgramFinished:
		return "program_finished"
	default:
		return "none"
	}
}

// Device identifies what a trajectory event refers to.
type Device int

const (
	DeviceJoint Device = iota
	DeviceGripper
	DeviceHand
	DeviceLift
	DeviceExpand
)

func (d Device) String() string {
	switch d {
	case DeviceJoint:
		return "joint"
	case DeviceGripper:
		return "gripper"
	case DeviceHand:
		return "hand"
	case DeviceLift:
		return "lift"
	case DeviceExpand:
		return "expand"
	default:
		return fmt.Sprintf("device(%d)", int(d))
	}
}

// ReasonCancelled is the reason the controller reports for an interrupted trajectory.
const ReasonCancelled = "cancelled"

// Event is a discrete notification from the controller.
type Event struct {
	Kind EventKind
	// Finished is true when a trajectory reached its target.
	Finished          bool
	Device            Device
	TrajectoryConnect bool
	Reason            string
	ProgramID         int
	ErrorLine         int
}
