// README: Trip aggregate, status machine and lifecycle events.
package trip

import (
	"time"

	"arkdispatch/internal/types"
)

type Status string

const (
	StatusNone           Status = ""
	StatusSearching      Status = "SEARCHING"
	StatusDriverAssigned Status = "DRIVER_ASSIGNED"
	StatusEnRoutePickup  Status = "EN_ROUTE_PICKUP"
	StatusActive         Status = "TRIP_ACTIVE"
	StatusCompleted      Status = "COMPLETED"
	StatusCancelled      Status = "CANCELLED"
	StatusNoDrivers      Status = "NO_DRIVERS"
)

const (
	ActorPassenger = "passenger"
	ActorDriver    = "driver"
	ActorSystem    = "system"
)

type Trip struct {
	ID             types.ID      `json:"id"`
	PassengerID    types.ID      `json:"passengerId"`
	DriverID       *types.ID     `json:"driverId,omitempty"`
	Status         Status        `json:"status"`
	StatusVersion  int           `json:"statusVersion"`
	Pickup         types.Point   `json:"pickup"`
	Dropoff        types.Point   `json:"dropoff"`
	VehicleType    string        `json:"vehicleType,omitempty"`
	Passengers     int           `json:"passengers"`
	Route          []types.Point `json:"route"`
	DistanceKm     float64       `json:"distanceKm"`
	OriginalEtaMin float64       `json:"originalEtaMin"`
	CurrentEtaMin  float64       `json:"currentEtaMin"`
	EtaUpdatedAt   *time.Time    `json:"etaUpdatedAt,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	AssignedAt     *time.Time    `json:"assignedAt,omitempty"`
	AcceptedAt     *time.Time    `json:"acceptedAt,omitempty"`
	StartedAt      *time.Time    `json:"startedAt,omitempty"`
	CompletedAt    *time.Time    `json:"completedAt,omitempty"`
	CancelledAt    *time.Time    `json:"cancelledAt,omitempty"`
	CancelReason   *string       `json:"cancelReason,omitempty"`
}

// HasDriver reports whether id is the trip's current driver.
func (t *Trip) HasDriver(id types.ID) bool {
	return t.DriverID != nil && *t.DriverID == id
}

func (t *Trip) clone() *Trip {
	c := *t
	if t.DriverID != nil {
		d := *t.DriverID
		c.DriverID = &d
	}
	c.Route = append([]types.Point(nil), t.Route...)
	return &c
}

type Event struct {
	ID         int64
	TripID     types.ID
	FromStatus Status
	ToStatus   Status
	ActorType  string
	ActorID    *types.ID
	CreatedAt  time.Time
}

// AllowedTransitions represents the trip state flow as code. Terminal states
// have no entry.
var AllowedTransitions = map[Status][]Status{
	StatusSearching:      {StatusDriverAssigned, StatusNoDrivers, StatusCancelled},
	StatusDriverAssigned: {StatusEnRoutePickup, StatusSearching, StatusCancelled},
	StatusEnRoutePickup:  {StatusActive, StatusCancelled},
	StatusActive:         {StatusCompleted, StatusCancelled},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusNoDrivers:
		return true
	}
	return false
}

// InProgress covers the statuses a driver is physically serving.
func (s Status) InProgress() bool {
	return s == StatusEnRoutePickup || s == StatusActive
}

// UnfulfilledStatuses are the request states counted as pending demand.
var UnfulfilledStatuses = []Status{StatusSearching, StatusDriverAssigned, StatusNoDrivers}

// ActiveStatuses block a passenger from requesting another ride.
var ActiveStatuses = []Status{StatusSearching, StatusDriverAssigned, StatusEnRoutePickup, StatusActive}
