package rm_arm

import (
	"fmt"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"rm_arm/posemath"
	"rm_arm/robot"
	"rm_arm/telemetry"
)

// numberArg reads a numeric DoCommand or extra argument. JSON numbers arrive
// as float64.
func numberArg(m map[string]interface{}, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func intArg(m map[string]interface{}, key string, def int) int {
	if v, ok := numberArg(m, key); ok {
		return int(v)
	}
	return def
}

// jointsArg reads a list of joint angles in degrees.
func jointsArg(m map[string]interface{}, key string) (posemath.JointVector, error) {
	raw, ok := m[key].([]interface{})
	if !ok {
		return nil, fmt.Errorf("'%s' must be a list of joint angles in degrees", key)
	}
	out := make(posemath.JointVector, len(raw))
	for i, v := range raw {
		f, ok := numberArg(map[string]interface{}{"v": v}, "v")
		if !ok {
			return nil, fmt.Errorf("'%s'[%d] is not a number", key, i)
		}
		out[i] = f
	}
	return out, nil
}

// poseArg reads {"x","y","z"} in meters plus either {"rx","ry","rz"} in
// radians or a quaternion {"qw","qx","qy","qz"}.
func poseArg(m map[string]interface{}, key string) (posemath.PoseInput, error) {
	raw, ok := m[key].(map[string]interface{})
	if !ok {
		return posemath.PoseInput{}, fmt.Errorf("'%s' must be an object", key)
	}
	num := func(k string) float64 {
		v, _ := numberArg(raw, k)
		return v
	}
	in := posemath.PoseInput{Position: r3.Vector{X: num("x"), Y: num("y"), Z: num("z")}}
	if _, ok := raw["qw"]; ok {
		in.Mode = posemath.OrientationQuaternion
		in.Quaternion = posemath.Quaternion{W: num("qw"), X: num("qx"), Y: num("qy"), Z: num("qz")}
	} else {
		in.Mode = posemath.OrientationEuler
		in.Euler = posemath.Euler{RX: num("rx"), RY: num("ry"), RZ: num("rz")}
	}
	return in, nil
}

func poseMap(p posemath.Pose) map[string]interface{} {
	pos, e, q := p.Position(), p.Euler(), p.Quaternion()
	return map[string]interface{}{
		"x": pos.X, "y": pos.Y, "z": pos.Z,
		"rx": e.RX, "ry": e.RY, "rz": e.RZ,
		"qw": q.W, "qx": q.X, "qy": q.Y, "qz": q.Z,
	}
}

func jointsList(j posemath.JointVector) []interface{} {
	out := make([]interface{}, len(j))
	for i, v := range j {
		out[i] = v
	}
	return out
}

// outcomeMap renders a dispatch outcome for DoCommand. Rejected and faulted
// commands are data, not errors.
func outcomeMap(out robot.Outcome, err error) (map[string]interface{}, error) {
	if err != nil {
		return nil, err
	}
	m := map[string]interface{}{
		"id":      out.ID.String(),
		"command": out.Command,
		"state":   out.State.String(),
		"status":  out.Status.String(),
		"code":    out.Code,
	}
	if out.Reason != robot.ReasonNone {
		m["reason"] = out.Reason.String()
	}
	if out.ErrorLine != 0 {
		m["error_line"] = out.ErrorLine
	}
	return m, nil
}

// pushConfigArg reads a configure_push command over the current settings.
func pushConfigArg(m map[string]interface{}, cur robot.PushConfig) (robot.PushConfig, error) {
	p := cur
	p.Cycle = intArg(m, "cycle", p.Cycle)
	if v, ok := m["enable"].(bool); ok {
		p.Enabled = v
	}
	p.Port = intArg(m, "port", p.Port)
	if v, ok := m["ip"].(string); ok {
		p.IP = v
	}
	p.ForceCoordinate = telemetry.ForceCoordinate(intArg(m, "force_coordinate", int(p.ForceCoordinate)))
	if custom, ok := m["custom"].(map[string]interface{}); ok {
		flags := map[string]*robot.PushFlag{
			"joint_speed":        &p.Custom.JointSpeed,
			"lift_state":         &p.Custom.LiftState,
			"expand_state":       &p.Custom.ExpandState,
			"hand_state":         &p.Custom.HandState,
			"arm_current_status": &p.Custom.ArmCurrentStatus,
			"aloha_state":        &p.Custom.AlohaState,
			"plus_base":          &p.Custom.PlusBase,
			"plus_state":         &p.Custom.PlusState,
		}
		for name, v := range custom {
			dst, ok := flags[name]
			if !ok {
				return robot.PushConfig{}, errors.Errorf("unknown custom push flag %q", name)
			}
			f, ok := numberArg(custom, name)
			if !ok {
				return robot.PushConfig{}, errors.Errorf("custom.%s must be -1, 0 or 1, got %v", name, v)
			}
			*dst = robot.PushFlag(f)
		}
	}
	return p, p.Validate()
}

// snapshotReadings flattens a telemetry snapshot into sensor readings.
func snapshotReadings(s telemetry.Snapshot) map[string]interface{} {
	out := map[string]interface{}{
		"seq":        int(s.Seq),
		"err_code":   s.ErrCode,
		"arm_ip":     s.ArmIP,
		"arm_status": s.ArmStatus.String(),
		"joints":     jointsList(s.JointPositions()),
	}
	if !s.Pose.IsZero() {
		out["pose"] = poseMap(s.Pose)
	}
	if len(s.Errors) > 0 {
		errs := make([]interface{}, len(s.Errors))
		for i, e := range s.Errors {
			errs[i] = int(e)
		}
		out["errors"] = errs
	}
	joints := make([]interface{}, len(s.Joints))
	for i, j := range s.Joints {
		joints[i] = map[string]interface{}{
			"position":    j.Position,
			"current":     j.Current,
			"voltage":     j.Voltage,
			"temperature": j.Temperature,
			"speed":       j.Speed,
			"err_code":    int(j.ErrCode),
			"enabled":     j.Enabled,
		}
	}
	out["joint_status"] = joints
	if s.Force != nil {
		raw := make([]interface{}, 6)
		zeroed := make([]interface{}, 6)
		for i := range 6 {
			raw[i] = s.Force.Raw[i]
			zeroed[i] = s.Force.Zeroed[i]
		}
		out["force"] = map[string]interface{}{
			"raw":        raw,
			"zeroed":     zeroed,
			"coordinate": s.Force.Coordinate.String(),
		}
	}
	for name, axis := range map[string]*telemetry.LinearAxisState{"lift": s.Lift, "expand": s.Expand} {
		if axis == nil {
			continue
		}
		out[name] = map[string]interface{}{
			"position": int(axis.Position),
			"current":  int(axis.Current),
			"err_flag": int(axis.ErrFlag),
			"mode":     int(axis.Mode),
		}
	}
	if s.Hand != nil {
		out["hand"] = map[string]interface{}{
			"err_flag": int(s.Hand.ErrFlag),
			"status":   int(s.Hand.Status),
		}
	}
	return out
}

func eventMap(ev telemetry.Event) map[string]interface{} {
	m := map[string]interface{}{"kind": ev.Kind.String()}
	switch ev.Kind {
	case telemetry.EventProgramFinished:
		m["program_id"] = ev.ProgramID
		m["error_line"] = ev.ErrorLine
	default:
		m["finished"] = ev.Finished
		m["device"] = ev.Device.String()
		m["trajectory_connect"] = ev.TrajectoryConnect
		if ev.Reason != "" {
			m["reason"] = ev.Reason
		}
	}
	return m
}
