// README: Driver presence records held by the location registry.
package location

import (
	"errors"
	"time"

	"arkdispatch/internal/types"
)

var (
	ErrUnknownDriver   = errors.New("unknown driver")
	ErrInvalidPosition = errors.New("invalid position")
)

// Profile carries the registration facts a driver brings online.
type Profile struct {
	VehicleType  string
	Capacity     int
	Verified     bool
	LoyaltyLevel int
}

type Presence struct {
	DriverID      types.ID
	Location      types.Point
	Heading       float64
	SpeedKmh      float64
	Profile       Profile
	Online        bool
	Banned        bool
	CurrentTripID *types.ID
	UpdatedAt     time.Time
}

// Idle reports whether the driver could take a new trip right now.
func (p Presence) Idle() bool {
	return p.Online && !p.Banned && p.CurrentTripID == nil
}

type PositionUpdate struct {
	DriverID types.ID
	Location types.Point
	SpeedKmh float64
	Heading  float64
}

// Filter narrows QueryNearby. Zero value matches every idle driver.
type Filter struct {
	VehicleType string
	Exclude     map[types.ID]struct{}
	Limit       int
}

type Candidate struct {
	Presence
	DistanceKm float64
}

func (p Presence) clone() Presence {
	if p.CurrentTripID != nil {
		id := *p.CurrentTripID
		p.CurrentTripID = &id
	}
	return p
}
