// README: Vehicle classes offered to riders and declared by drivers.
package types

import "strings"

type VehicleType string

const (
	VehicleAuto        VehicleType = "Auto"
	VehicleMiniCar     VehicleType = "MiniCar"
	VehicleSedan       VehicleType = "Sedan"
	VehicleSUV         VehicleType = "SUV"
	VehicleSevenSeater VehicleType = "SevenSeater"
)

// VehicleTypes lists every class in display order.
var VehicleTypes = []VehicleType{VehicleAuto, VehicleMiniCar, VehicleSedan, VehicleSUV, VehicleSevenSeater}

// ParseVehicleType accepts the canonical names plus the app's display labels
// ("Mini Car", "7-Seater"), case-insensitively.
func ParseVehicleType(v string) (VehicleType, bool) {
	norm := strings.ToLower(strings.NewReplacer(" ", "", "-", "", "_", "").Replace(v))
	switch norm {
	case "auto":
		return VehicleAuto, true
	case "minicar", "mini":
		return VehicleMiniCar, true
	case "sedan":
		return VehicleSedan, true
	case "suv":
		return VehicleSUV, true
	case "sevenseater", "7seater":
		return VehicleSevenSeater, true
	}
	return "", false
}
