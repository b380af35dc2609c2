// README: Fare multipliers per vehicle class and quote results.
package pricing

import "rideline/internal/types"

// DefaultMultipliers scale the per-km rate for each vehicle class.
var DefaultMultipliers = map[types.VehicleType]float64{
	types.VehicleAuto:        0.7,
	types.VehicleMiniCar:     0.9,
	types.VehicleSedan:       1.0,
	types.VehicleSUV:         1.2,
	types.VehicleSevenSeater: 1.5,
}

// Rate is a persisted multiplier override for one vehicle class.
type Rate struct {
	VehicleType types.VehicleType
	Multiplier  float64
}

type Quote struct {
	VehicleType types.VehicleType
	DistanceKm  float64
	Price       types.Money
	ETA         string
}
