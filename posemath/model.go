package posemath

import (
	"math"
	"strings"

	"github.com/pkg/errors"
)

// ArmModel identifies an arm family as reported by the controller.
type ArmModel int

const (
	ModelUnknown ArmModel = iota
	ModelRM65
	ModelRM75
	ModelRML63
	ModelECO65
	ModelECO62
	ModelECO63
	ModelGEN72
)

var armModelNames = map[ArmModel]string{
	ModelRM65:  "RM_65",
	ModelRM75:  "RM_75",
	ModelRML63: "RML_63",
	ModelECO65: "ECO_65",
	ModelECO62: "ECO_62",
	ModelECO63: "ECO_63",
	ModelGEN72: "GEN_72",
}

func (m ArmModel) String() string {
	if name, ok := armModelNames[m]; ok {
		return name
	}
	return "unknown"
}

// ParseArmModel accepts the controller's spelling with or without underscores.
func ParseArmModel(s string) (ArmModel, error) {
	norm := strings.ToUpper(strings.ReplaceAll(strings.ReplaceAll(s, "-", ""), "_", ""))
	for m, name := range armModelNames {
		if strings.ReplaceAll(name, "_", "") == norm {
			return m, nil
		}
	}
	return ModelUnknown, errors.Errorf("unknown arm model %q", s)
}

// DH is one standard Denavit-Hartenberg row. Lengths in meters, angles in radians.
type DH struct {
	A, Alpha, D, Offset float64
}

// Model is the kinematic description of an arm family.
type Model struct {
	Arm    ArmModel
	Links  []DH
	Limits [][2]float64 // degrees
	// RatedSpeed is the per-joint ceiling in deg/s that speed percentages scale.
	RatedSpeed []float64
	// RatedLineSpeed is the Cartesian ceiling in m/s.
	RatedLineSpeed float64
}

// DOF is the number of joints.
func (m Model) DOF() int { return len(m.Links) }

const halfPi = math.Pi / 2

// Nominal geometry. These match the published link lengths closely enough
// for planning offsets and interpreting telemetry; the controller's own
// calibrated DH remains authoritative for motion.
var models = map[ArmModel]Model{
	ModelRM65: {
		Arm: ModelRM65,
		Links: []DH{
			{A: 0, Alpha: halfPi, D: 0.2405},
			{A: 0.256, Alpha: 0, D: 0, Offset: halfPi},
			{A: 0, Alpha: halfPi, D: 0, Offset: halfPi},
			{A: 0, Alpha: -halfPi, D: 0.210},
			{A: 0, Alpha: halfPi, D: 0},
			{A: 0, Alpha: 0, D: 0.144},
		},
		Limits:         [][2]float64{{-178, 178}, {-130, 130}, {-135, 135}, {-178, 178}, {-128, 128}, {-360, 360}},
		RatedSpeed:     []float64{180, 180, 225, 225, 225, 225},
		RatedLineSpeed: 0.25,
	},
	ModelRM75: {
		Arm: ModelRM75,
		Links: []DH{
			{A: 0, Alpha: -halfPi, D: 0.2405},
			{A: 0, Alpha: halfPi, D: 0},
			{A: 0, Alpha: -halfPi, D: 0.256},
			{A: 0, Alpha: halfPi, D: 0},
			{A: 0, Alpha: -halfPi, D: 0.210},
			{A: 0, Alpha: halfPi, D: 0},
			{A: 0, Alpha: 0, D: 0.144},
		},
		Limits:         [][2]float64{{-178, 178}, {-130, 130}, {-178, 178}, {-135, 135}, {-178, 178}, {-128, 128}, {-360, 360}},
		RatedSpeed:     []float64{180, 180, 225, 225, 225, 225, 225},
		RatedLineSpeed: 0.25,
	},
	ModelRML63: {
		Arm: ModelRML63,
		Links: []DH{
			{A: 0, Alpha: halfPi, D: 0.172},
			{A: 0.380, Alpha: 0, D: 0, Offset: halfPi},
			{A: 0.069, Alpha: halfPi, D: 0, Offset: halfPi},
			{A: 0, Alpha: -halfPi, D: 0.405},
			{A: 0, Alpha: halfPi, D: 0},
			{A: 0, Alpha: 0, D: 0.115},
		},
		Limits:         [][2]float64{{-178, 178}, {-178, 178}, {-178, 145}, {-178, 178}, {-178, 178}, {-360, 360}},
		RatedSpeed:     []float64{180, 180, 180, 225, 225, 225},
		RatedLineSpeed: 0.25,
	},
	ModelECO65: {
		Arm: ModelECO65,
		Links: []DH{
			{A: 0, Alpha: halfPi, D: 0.2185},
			{A: 0.280, Alpha: 0, D: 0, Offset: halfPi},
			{A: 0, Alpha: halfPi, D: 0, Offset: halfPi},
			{A: 0, Alpha: -halfPi, D: 0.260},
			{A: 0, Alpha: halfPi, D: 0},
			{A: 0, Alpha: 0, D: 0.144},
		},
		Limits:         [][2]float64{{-178, 178}, {-178, 178}, {-178, 178}, {-178, 178}, {-178, 178}, {-360, 360}},
		RatedSpeed:     []float64{180, 180, 180, 225, 225, 225},
		RatedLineSpeed: 0.25,
	},
	ModelECO62: {
		Arm: ModelECO62,
		Links: []DH{
			{A: 0, Alpha: halfPi, D: 0.2185},
			{A: 0.280, Alpha: 0, D: 0, Offset: halfPi},
			{A: 0, Alpha: halfPi, D: 0, Offset: halfPi},
			{A: 0, Alpha: -halfPi, D: 0.260},
			{A: 0, Alpha: halfPi, D: 0},
			{A: 0, Alpha: 0, D: 0.100},
		},
		Limits:         [][2]float64{{-178, 178}, {-178, 178}, {-178, 178}, {-178, 178}, {-178, 178}, {-360, 360}},
		RatedSpeed:     []float64{180, 180, 180, 225, 225, 225},
		RatedLineSpeed: 0.25,
	},
	ModelECO63: {
		Arm: ModelECO63,
		Links: []DH{
			{A: 0, Alpha: halfPi, D: 0.172},
			{A: 0.380, Alpha: 0, D: 0, Offset: halfPi},
			{A: 0.069, Alpha: halfPi, D: 0, Offset: halfPi},
			{A: 0, Alpha: -halfPi, D: 0.405},
			{A: 0, Alpha: halfPi, D: 0},
			{A: 0, Alpha: 0, D: 0.1155},
		},
		Limits:         [][2]float64{{-178, 178}, {-178, 178}, {-178, 145}, {-178, 178}, {-178, 178}, {-360, 360}},
		RatedSpeed:     []float64{180, 180, 180, 225, 225, 225},
		RatedLineSpeed: 0.25,
	},
	ModelGEN72: {
		Arm: ModelGEN72,
		Links: []DH{
			{A: 0, Alpha: -halfPi, D: 0.218},
			{A: 0, Alpha: halfPi, D: 0},
			{A: 0.0865, Alpha: halfPi, D: 0.280},
			{A: -0.0865, Alpha: -halfPi, D: 0},
			{A: 0, Alpha: halfPi, D: 0.3345},
			{A: 0, Alpha: -halfPi, D: 0},
			{A: 0, Alpha: 0, D: 0.0985},
		},
		Limits:         [][2]float64{{-178, 178}, {-130, 130}, {-178, 178}, {-135, 135}, {-178, 178}, {-128, 128}, {-360, 360}},
		RatedSpeed:     []float64{180, 180, 225, 225, 225, 225, 225},
		RatedLineSpeed: 0.25,
	},
}

// ModelFor returns the kinematic model of arm.
func ModelFor(arm ArmModel) (Model, error) {
	m, ok := models[arm]
	if !ok {
		return Model{}, errors.Errorf("no kinematic model for %s", arm)
	}
	return m, nil
}

func (l DH) matrix(theta float64) Matrix {
	ct, st := math.Cos(theta+l.Offset), math.Sin(theta+l.Offset)
	ca, sa := math.Cos(l.Alpha), math.Sin(l.Alpha)
	return Matrix{
		{ct, -st * ca, st * sa, l.A * ct},
		{st, ct * ca, -ct * sa, l.A * st},
		{0, sa, ca, l.D},
		{0, 0, 0, 1},
	}
}
