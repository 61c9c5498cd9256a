package main

import (
	"go.viam.com/rdk/components/arm"
	"go.viam.com/rdk/components/gripper"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/discovery"
	rmArm "rm_arm"
)

func main() {
	module.ModularMain(
		resource.APIModel{API: arm.API, Model: rmArm.ArmModel},
		resource.APIModel{API: gripper.API, Model: rmArm.GripperModel},
		resource.APIModel{API: sensor.API, Model: rmArm.TelemetrySensorModel},
		resource.APIModel{API: discovery.API, Model: rmArm.DiscoveryModel},
	)
}
