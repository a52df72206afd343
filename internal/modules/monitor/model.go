// README: Reroute proposals and the collaborators the trip monitor reads from.
package monitor

import (
	"context"
	"errors"
	"time"

	"arkdispatch/internal/modules/location"
	"arkdispatch/internal/modules/traffic"
	"arkdispatch/internal/modules/trip"
	"arkdispatch/internal/types"
)

var ErrNoProposal = errors.New("no live reroute proposal for this trip")

// Proposal is an alternate route offered to the driver of an active trip.
type Proposal struct {
	TripID        types.ID         `json:"tripId"`
	Path          []types.Point    `json:"path"`
	DistanceKm    float64          `json:"distanceKm"`
	DurationMin   float64          `json:"durationMin"`
	CurrentEtaMin float64          `json:"currentEtaMin"`
	SavedMinutes  float64          `json:"savedMinutes"`
	Severity      traffic.Severity `json:"severity"`
	ProposedAt    time.Time        `json:"proposedAt"`
	ExpiresAt     time.Time        `json:"expiresAt"`
}

func (p Proposal) clone() Proposal {
	p.Path = append([]types.Point(nil), p.Path...)
	return p
}

type Registry interface {
	Get(id types.ID) (location.Presence, bool)
}

type Traffic interface {
	DetectSlowdown(points []types.Point) traffic.Slowdown
}

type Trips interface {
	Get(ctx context.Context, id types.ID) (*trip.Trip, error)
	ListByStatus(ctx context.Context, statuses ...trip.Status) ([]*trip.Trip, error)
	UpdateEta(ctx context.Context, id types.ID, etaMin float64, at time.Time) error
	UpdateRoute(ctx context.Context, id types.ID, route []types.Point, distanceKm, etaMin float64) error
}

type etaPayload struct {
	TripID      types.ID         `json:"tripId"`
	EtaMin      float64          `json:"etaMinutes"`
	RemainingKm float64          `json:"remainingKm"`
	DelayMin    float64          `json:"delayMinutes"`
	Severity    traffic.Severity `json:"severity"`
}

type routeChangedPayload struct {
	TripID       types.ID      `json:"tripId"`
	Route        []types.Point `json:"route"`
	DistanceKm   float64       `json:"distanceKm"`
	EtaMin       float64       `json:"etaMinutes"`
	SavedMinutes float64       `json:"savedMinutes"`
}
