package rm_arm

import (
	"encoding/json"
	"fmt"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/referenceframe"

	"rm_arm/posemath"
)

type svaVector struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type svaOrientation struct {
	Type  string         `json:"type"`
	Value map[string]any `json:"value"`
}

type svaLink struct {
	ID          string          `json:"id"`
	Parent      string          `json:"parent"`
	Translation svaVector       `json:"translation"`
	Orientation *svaOrientation `json:"orientation,omitempty"`
}

type svaJoint struct {
	ID     string    `json:"id"`
	Type   string    `json:"type"`
	Parent string    `json:"parent"`
	Axis   svaVector `json:"axis"`
	Max    float64   `json:"max"`
	Min    float64   `json:"min"`
}

type svaModel struct {
	Name         string     `json:"name"`
	KinParamType string     `json:"kinematic_param_type"`
	Links        []svaLink  `json:"links"`
	Joints       []svaJoint `json:"joints"`
}

// staticLink renders a pose in meters as an SVA link in millimeters.
func staticLink(id, parent string, p posemath.Pose) svaLink {
	pos := p.Position().Mul(1000)
	link := svaLink{ID: id, Parent: parent, Translation: svaVector{pos.X, pos.Y, pos.Z}}
	if !posemath.SameRotation(p.Quaternion(), posemath.IdentityQuaternion, 1e-12) {
		ov := posemath.ToSpatialPose(p).Orientation().OrientationVectorDegrees()
		link.Orientation = &svaOrientation{
			Type:  "ov_degrees",
			Value: map[string]any{"x": ov.OX, "y": ov.OY, "z": ov.OZ, "th": ov.Theta},
		}
	}
	return link
}

// modelJSON describes k's chain in rdk's SVA kinematics format: the mounting
// rotation, then a z revolute joint and a static link per DH row, then the
// tool.
func modelJSON(name string, k posemath.Kinematics) ([]byte, error) {
	m := svaModel{Name: name, KinParamType: "SVA"}
	parent := "world"
	if k.Install != (posemath.Euler{}) {
		m.Links = append(m.Links, staticLink("mount", parent, posemath.NewPose(r3.Vector{}, k.Install)))
		parent = "mount"
	}
	for i, link := range k.LinkTransforms() {
		joint := fmt.Sprintf("joint_%d", i+1)
		limits := k.Model.Limits[i]
		m.Joints = append(m.Joints, svaJoint{
			ID:     joint,
			Type:   "revolute",
			Parent: parent,
			Axis:   svaVector{Z: 1},
			Min:    limits[0],
			Max:    limits[1],
		})
		parent = fmt.Sprintf("link_%d", i+1)
		m.Links = append(m.Links, staticLink(parent, joint, link))
	}
	tool := k.Tool.Pose
	if tool.IsZero() {
		tool = posemath.ZeroPose()
	}
	m.Links = append(m.Links, staticLink("tool", parent, tool))
	return json.Marshal(m)
}

// buildModel turns the arm's kinematics into a referenceframe.Model.
func buildModel(name string, k posemath.Kinematics) (referenceframe.Model, error) {
	data, err := modelJSON(name, k)
	if err != nil {
		return nil, err
	}
	m := &referenceframe.ModelConfigJSON{
		OriginalFile: &referenceframe.ModelFile{
			Bytes:     data,
			Extension: "json",
		},
	}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal kinematics json")
	}
	return m.ParseConfig(name)
}
