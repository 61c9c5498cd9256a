// Package wire encodes and decodes the newline-delimited JSON frames spoken on
// the controller's TCP command channel.
//
// Requests are objects of the form {"command": name, ...}. Replies echo the
// command and report success through one of the state flags below. Events
// carry a "state" key instead of a command.
package wire

import (
	"bytes"
	"encoding/json"
	"math"

	"github.com/pkg/errors"

	"rm_arm/posemath"
	"rm_arm/telemetry"
)

// Reply state flags.
const (
	FlagReceive = "receive_state"
	FlagSet     = "set_state"
	FlagDelete  = "delete_state"
	FlagChange  = "change_state"
	FlagUpdate  = "update_state"
)

var replyFlags = []string{FlagReceive, FlagSet, FlagDelete, FlagChange, FlagUpdate}

// Event states.
const (
	StateTrajectory    = "current_trajectory_state"
	StateProgramFinish = "program_run_finish"
)

// Unit scaling applied on the wire.
const (
	JointScale    = 1000 // 0.001 deg
	PositionScale = 1e6  // um
	AngleScale    = 1000 // 0.001 rad
	MassScale     = 1000 // g
)

var (
	// ErrUnknownMessage is returned for frames that are neither a reply nor a
	// known event.
	ErrUnknownMessage = errors.New("unknown message")
	errNotObject      = errors.New("frame is not a JSON object")
)

// EncodeRequest renders one request frame, newline terminated. params must not
// contain a "command" key.
func EncodeRequest(command string, params map[string]any) ([]byte, error) {
	if command == "" {
		return nil, errors.New("command name is required")
	}
	if _, ok := params["command"]; ok {
		return nil, errors.New(`params must not set "command"`)
	}
	obj := make(map[string]any, len(params)+1)
	for k, v := range params {
		obj[k] = v
	}
	obj["command"] = command
	return marshalLine(obj)
}

// EncodeReply renders a reply frame. flag may be empty for pure data replies.
func EncodeReply(command, flag string, ok bool, fields map[string]any) ([]byte, error) {
	obj := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		obj[k] = v
	}
	obj["command"] = command
	if flag != "" {
		obj[flag] = ok
	}
	return marshalLine(obj)
}

// EncodeEvent renders a controller event frame.
func EncodeEvent(ev telemetry.Event) ([]byte, error) {
	switch ev.Kind {
	case telemetry.EventTrajectoryState:
		obj := map[string]any{
			"state":              StateTrajectory,
			"trajectory_state":   ev.Finished,
			"device":             int(ev.Device),
			"trajectory_connect": boolToInt(ev.TrajectoryConnect),
		}
		if ev.Reason != "" {
			obj["reason"] = ev.Reason
		}
		return marshalLine(obj)
	case telemetry.EventProgramFinished:
		return marshalLine(map[string]any{
			"state":      StateProgramFinish,
			"program_id": ev.ProgramID,
			"err_line":   ev.ErrorLine,
		})
	default:
		return nil, errors.Errorf("cannot encode event kind %s", ev.Kind)
	}
}

func marshalLine(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "encode frame")
	}
	return append(b, '\n'), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Message is one decoded frame. Exactly one of Command or Event is set.
type Message struct {
	Command string
	// Flag is the reply state flag that was present, if any.
	Flag string
	// OK is the flag's value; replies without a flag are treated as OK.
	OK     bool
	Fields map[string]any
	Event  *telemetry.Event
}

// IsEvent reports whether m is a controller event.
func (m Message) IsEvent() bool { return m.Event != nil }

// DecodeMessage parses one frame, without its trailing newline.
func DecodeMessage(frame []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(frame))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return Message{}, errors.Wrap(err, "decode frame")
	}
	if obj == nil {
		return Message{}, errNotObject
	}

	if cmd, ok := obj["command"].(string); ok && cmd != "" {
		delete(obj, "command")
		m := Message{Command: cmd, OK: true, Fields: obj}
		for _, f := range replyFlags {
			v, present := obj[f]
			if !present {
				continue
			}
			m.Flag = f
			m.OK = truthy(v)
			delete(obj, f)
			break
		}
		return m, nil
	}

	state, _ := obj["state"].(string)
	f := Fields(obj)
	switch state {
	case StateTrajectory:
		ev := telemetry.Event{Kind: telemetry.EventTrajectoryState}
		var err error
		if ev.Finished, err = f.Bool("trajectory_state"); err != nil {
			return Message{}, err
		}
		dev, err := f.Int("device")
		if err != nil {
			return Message{}, err
		}
		ev.Device = telemetry.Device(dev)
		if _, ok := obj["trajectory_connect"]; ok {
			if ev.TrajectoryConnect, err = f.Bool("trajectory_connect"); err != nil {
				return Message{}, err
			}
		}
		ev.Reason, _ = obj["reason"].(string)
		return Message{Event: &ev, Fields: obj}, nil
	case StateProgramFinish:
		ev := telemetry.Event{Kind: telemetry.EventProgramFinished}
		var err error
		if ev.ProgramID, err = f.Int("program_id"); err != nil {
			return Message{}, err
		}
		if _, ok := obj["err_line"]; ok {
			if ev.ErrorLine, err = f.Int("err_line"); err != nil {
				return Message{}, err
			}
		}
		return Message{Event: &ev, Fields: obj}, nil
	default:
		return Message{}, errors.Wrapf(ErrUnknownMessage, "state %q", state)
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case json.Number:
		n, err := t.Int64()
		return err == nil && n != 0
	case string:
		return t == "true"
	default:
		return false
	}
}

// Fields is a decoded JSON object with typed accessors.
type Fields map[string]any

// Int reads an integral number.
func (f Fields) Int(key string) (int, error) {
	v, ok := f[key]
	if !ok {
		return 0, errors.Errorf("missing field %q", key)
	}
	return toInt(key, v)
}

// Float reads any number.
func (f Fields) Float(key string) (float64, error) {
	v, ok := f[key]
	if !ok {
		return 0, errors.Errorf("missing field %q", key)
	}
	return toFloat(key, v)
}

// Bool reads a boolean; 0 and 1 are accepted as well.
func (f Fields) Bool(key string) (bool, error) {
	switch t := f[key].(type) {
	case bool:
		return t, nil
	case json.Number:
		n, err := t.Int64()
		if err != nil || (n != 0 && n != 1) {
			return false, errors.Errorf("field %q: %s is not a boolean", key, t)
		}
		return n == 1, nil
	case nil:
		return false, errors.Errorf("missing field %q", key)
	default:
		return false, errors.Errorf("field %q: unexpected %T", key, t)
	}
}

// String reads a string.
func (f Fields) String(key string) (string, error) {
	s, ok := f[key].(string)
	if !ok {
		return "", errors.Errorf("field %q is not a string", key)
	}
	return s, nil
}

// Ints reads an array of integral numbers.
func (f Fields) Ints(key string) ([]int64, error) {
	arr, ok := f[key].([]any)
	if !ok {
		return nil, errors.Errorf("field %q is not an array", key)
	}
	out := make([]int64, len(arr))
	for i, v := range arr {
		n, err := toInt(key, v)
		if err != nil {
			return nil, err
		}
		out[i] = int64(n)
	}
	return out, nil
}

// Object reads a nested object.
func (f Fields) Object(key string) (Fields, error) {
	obj, ok := f[key].(map[string]any)
	if !ok {
		return nil, errors.Errorf("field %q is not an object", key)
	}
	return Fields(obj), nil
}

func toInt(key string, v any) (int, error) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, errors.Errorf("field %q: %v is not a number", key, v)
	}
	if i, err := n.Int64(); err == nil {
		return int(i), nil
	}
	fl, err := n.Float64()
	if err != nil || fl != math.Trunc(fl) {
		return 0, errors.Errorf("field %q: %s is not an integer", key, n)
	}
	return int(fl), nil
}

func toFloat(key string, v any) (float64, error) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, errors.Errorf("field %q: %v is not a number", key, v)
	}
	fl, err := n.Float64()
	if err != nil {
		return 0, errors.Wrapf(err, "field %q", key)
	}
	return fl, nil
}

// JointsToWire scales joint angles to 0.001 deg integers.
func JointsToWire(j posemath.JointVector) []int64 {
	out := make([]int64, len(j))
	for i, v := range j {
		out[i] = int64(math.Round(v * JointScale))
	}
	return out
}

// JointsFromWire is the inverse of JointsToWire.
func JointsFromWire(w []int64) posemath.JointVector {
	out := make(posemath.JointVector, len(w))
	for i, v := range w {
		out[i] = float64(v) / JointScale
	}
	return out
}

// PoseToWire renders a pose as [x, y, z, rx, ry, rz] in um and 0.001 rad.
func PoseToWire(p posemath.Pose) []int64 {
	pos, e := p.Position(), p.Euler()
	return []int64{
		int64(math.Round(pos.X * PositionScale)),
		int64(math.Round(pos.Y * PositionScale)),
		int64(math.Round(pos.Z * PositionScale)),
		int64(math.Round(e.RX * AngleScale)),
		int64(math.Round(e.RY * AngleScale)),
		int64(math.Round(e.RZ * AngleScale)),
	}
}

// PoseFromWire is the inverse of PoseToWire.
func PoseFromWire(w []int64) (posemath.Pose, error) {
	if len(w) != 6 {
		return posemath.Pose{}, errors.Errorf("pose needs 6 values, got %d", len(w))
	}
	return posemath.NewPose(
		vec(float64(w[0])/PositionScale, float64(w[1])/PositionScale, float64(w[2])/PositionScale),
		posemath.Euler{RX: float64(w[3]) / AngleScale, RY: float64(w[4]) / AngleScale, RZ: float64(w[5]) / AngleScale},
	), nil
}

// MetersToWire scales a length to um.
func MetersToWire(m float64) int64 { return int64(math.Round(m * PositionScale)) }

// MetersFromWire scales um back to meters.
func MetersFromWire(v int64) float64 { return float64(v) / PositionScale }

// KilogramsToWire scales a mass to grams.
func KilogramsToWire(kg float64) int64 { return int64(math.Round(kg * MassScale)) }

// KilogramsFromWire scales grams back to kilograms.
func KilogramsFromWire(g int64) float64 { return float64(g) / MassScale }
