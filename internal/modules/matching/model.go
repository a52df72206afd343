// README: Allocation request, scored candidates and result.
package matching

import (
	"arkdispatch/internal/types"
)

type Request struct {
	Pickup      types.Point
	VehicleType string
	// Exclude lists drivers that must not be offered this trip (declined set).
	Exclude  map[types.ID]struct{}
	RadiusKm float64
}

type Score struct {
	Distance float64
	Verified float64
	Loyalty  float64
}

func (s Score) Total() float64 {
	return s.Distance + s.Verified + s.Loyalty
}

type Result struct {
	DriverID   types.ID
	DistanceKm float64
	Score      Score
}
