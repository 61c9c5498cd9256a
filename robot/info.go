package robot

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"

	"rm_arm/posemath"
	"rm_arm/wire"
)

// ForceSensorType is the arm's force sensing option.
type ForceSensorType int

const (
	ForceSensorNone       ForceSensorType = iota // B
	ForceSensorOneAxis                           // ZF
	ForceSensorSixAxis                           // SF
	ForceSensorIntegrated                        // ISF
)

var forceSensorNames = map[ForceSensorType]string{
	ForceSensorNone:       "B",
	ForceSensorOneAxis:    "ZF",
	ForceSensorSixAxis:    "SF",
	ForceSensorIntegrated: "ISF",
}

func (f ForceSensorType) String() string {
	if s, ok := forceSensorNames[f]; ok {
		return s
	}
	return fmt.Sprintf("ForceSensorType(%d)", int(f))
}

// ParseForceSensorType accepts the controller's short names.
func ParseForceSensorType(s string) (ForceSensorType, error) {
	for k, v := range forceSensorNames {
		if strings.EqualFold(v, s) {
			return k, nil
		}
	}
	return 0, errors.Errorf("unknown force sensor type %q", s)
}

// Info is what the controller reports at handshake.
type Info struct {
	DOF               int
	Model             posemath.ArmModel
	ForceSensor       ForceSensorType
	APIVersion        *semver.Version
	ControllerVersion string
}

// Map renders Info for DoCommand replies.
func (i Info) Map() map[string]any {
	out := map[string]any{
		"dof":                i.DOF,
		"arm_model":          i.Model.String(),
		"force_type":         i.ForceSensor.String(),
		"controller_version": i.ControllerVersion,
	}
	if i.APIVersion != nil {
		out["api_version"] = i.APIVersion.String()
	}
	return out
}

// parseInfo reads a get_robot_info reply. A missing or malformed field is a
// protocol mismatch.
func parseInfo(f wire.Fields, constraint *semver.Constraints) (Info, error) {
	var info Info
	dof, err := f.Int("arm_dof")
	if err != nil {
		return Info{}, err
	}
	if dof < 1 || dof > posemath.MaxDOF {
		return Info{}, errors.Errorf("arm_dof %d out of range", dof)
	}
	info.DOF = dof

	if s, err := f.String("arm_model"); err == nil {
		// unknown models still connect; kinematics just isn't available
		info.Model, _ = posemath.ParseArmModel(s)
	}
	if s, err := f.String("force_type"); err == nil {
		if info.ForceSensor, err = ParseForceSensorType(s); err != nil {
			return Info{}, err
		}
	}
	info.ControllerVersion, _ = f.String("controller_version")

	raw, err := f.String("api_version")
	if err != nil {
		return Info{}, err
	}
	v, err := semver.NewVersion(raw)
	if err != nil {
		return Info{}, errors.Wrapf(err, "api_version %q", raw)
	}
	if ok, errs := constraint.Validate(v); !ok {
		msg := fmt.Sprintf("api_version %s does not satisfy %s", v, constraint)
		if len(errs) > 0 {
			msg = errs[0].Error()
		}
		return Info{}, errors.New(msg)
	}
	info.APIVersion = v
	return info, nil
}
