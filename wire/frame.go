package wire

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"rm_arm/posemath"
)

func vec(x, y, z float64) r3.Vector { return r3.Vector{X: x, Y: y, Z: z} }

// FrameParams renders a tool or work frame for the set/update frame commands.
// nameKey is "tool_name" or "frame_name".
func FrameParams(nameKey string, f posemath.Frame) map[string]any {
	pose := f.Pose
	if pose.IsZero() {
		pose = posemath.ZeroPose()
	}
	return map[string]any{
		nameKey:    f.Name,
		"pose":     PoseToWire(pose),
		"payload":  KilogramsToWire(f.Payload),
		"center_x": MetersToWire(f.CenterOfMass.X),
		"center_y": MetersToWire(f.CenterOfMass.Y),
		"center_z": MetersToWire(f.CenterOfMass.Z),
	}
}

// ParseFrame reads a frame object as produced by FrameParams. Payload and
// center of mass are optional; work frames do not carry them.
func ParseFrame(nameKey string, obj Fields) (posemath.Frame, error) {
	name, err := obj.String(nameKey)
	if err != nil {
		return posemath.Frame{}, err
	}
	raw, err := obj.Ints("pose")
	if err != nil {
		return posemath.Frame{}, err
	}
	pose, err := PoseFromWire(raw)
	if err != nil {
		return posemath.Frame{}, errors.Wrapf(err, "frame %q", name)
	}
	f := posemath.Frame{Name: name, Pose: pose}
	if g, err := obj.Int("payload"); err == nil {
		f.Payload = KilogramsFromWire(int64(g))
	}
	var com [3]float64
	for i, k := range []string{"center_x", "center_y", "center_z"} {
		if v, err := obj.Int(k); err == nil {
			com[i] = MetersFromWire(int64(v))
		}
	}
	f.CenterOfMass = vec(com[0], com[1], com[2])
	return f, nil
}
