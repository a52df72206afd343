// README: Dispatch offer state and the collaborator contracts of the coordinator.
package dispatch

import (
	"context"
	"errors"
	"time"

	"arkdispatch/internal/modules/matching"
	"arkdispatch/internal/modules/trip"
	"arkdispatch/internal/types"
)

var (
	ErrNoOffer            = errors.New("driver does not hold a live offer for this trip")
	ErrAlreadyDispatching = errors.New("trip is already being dispatched")
	ErrClosed             = errors.New("dispatch coordinator closed")
)

// Offer is the live dispatch state of one trip. DriverID is empty while the
// coordinator waits between attempts.
type Offer struct {
	TripID   types.ID   `json:"tripId"`
	DriverID types.ID   `json:"offeredDriverId,omitempty"`
	Attempt  int        `json:"attemptNumber"`
	Declined []types.ID `json:"declinedDriverIds"`
	Deadline time.Time  `json:"deadline,omitempty"`
}

func (o Offer) clone() Offer {
	o.Declined = append([]types.ID(nil), o.Declined...)
	return o
}

// Outcome summarises what the first dispatch attempt produced.
type Outcome struct {
	Offer     *Offer
	NoDrivers bool
}

type Allocator interface {
	Allocate(ctx context.Context, req matching.Request) *matching.Result
}

type Registry interface {
	TryAssign(ctx context.Context, driverID, tripID types.ID) bool
	ReleaseTrip(ctx context.Context, driverID, tripID types.ID) bool
}

type Trips interface {
	Get(ctx context.Context, id types.ID) (*trip.Trip, error)
	ListByStatus(ctx context.Context, statuses ...trip.Status) ([]*trip.Trip, error)
	Assign(ctx context.Context, id, driverID types.ID) error
	Revert(ctx context.Context, id, driverID types.ID) error
	Accept(ctx context.Context, id, driverID types.ID) error
	NoDrivers(ctx context.Context, id types.ID) error
	Cancel(ctx context.Context, cmd trip.CancelCommand) (*trip.Trip, error)
}

// OfferStore persists offer snapshots outside the process so a restarted
// coordinator can resume with the same attempt count and declined set.
type OfferStore interface {
	Save(ctx context.Context, o Offer) error
	Load(ctx context.Context, tripID types.ID) (Offer, bool, error)
	Delete(ctx context.Context, tripID types.ID) error
}

type offerPayload struct {
	TripID     types.ID    `json:"tripId"`
	Pickup     types.Point `json:"pickup"`
	Dropoff    types.Point `json:"dropoff"`
	Passengers int         `json:"passengers"`
	Attempt    int         `json:"attemptNumber"`
	DistanceKm float64     `json:"distanceKm"`
	Deadline   time.Time   `json:"deadline"`
}

type revokedPayload struct {
	TripID types.ID `json:"tripId"`
	Reason string   `json:"reason"`
}

type assignedPayload struct {
	TripID   types.ID `json:"tripId"`
	DriverID types.ID `json:"driverId"`
}

type noDriversPayload struct {
	TripID   types.ID `json:"tripId"`
	Attempts int      `json:"attempts"`
}
