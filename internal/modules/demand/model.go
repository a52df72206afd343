// README: Route demand entries and the collaborators the demand tracker reads from.
package demand

import (
	"context"
	"math"
	"strconv"
	"time"

	"arkdispatch/internal/modules/location"
	"arkdispatch/internal/modules/trip"
	"arkdispatch/internal/types"
)

// Entry is the pending demand on one origin-destination pair.
type Entry struct {
	RouteKey     string      `json:"routeKey"`
	From         types.Point `json:"from"`
	To           types.Point `json:"to"`
	PendingCount int         `json:"pendingCount"`
	DemandScore  float64     `json:"demandScore"`
	IsHot        bool        `json:"isHot"`
	ComputedAt   time.Time   `json:"computedAt"`
}

// AddResult reports how a passenger addition was absorbed.
type AddResult struct {
	TripID     types.ID  `json:"tripId"`
	Passengers int       `json:"passengers"`
	Capacity   int       `json:"capacity"`
	Overflow   int       `json:"overflow"`
	BackupID   *types.ID `json:"backupDriverId,omitempty"`
}

type Registry interface {
	Get(id types.ID) (location.Presence, bool)
	QueryNearby(ctx context.Context, center types.Point, radiusKm float64, f location.Filter) []location.Candidate
}

type Trips interface {
	Get(ctx context.Context, id types.ID) (*trip.Trip, error)
	ListCreatedSince(ctx context.Context, since time.Time, statuses ...trip.Status) ([]*trip.Trip, error)
	AddPassengers(ctx context.Context, id types.ID, n, capacity int) (boarded, overflow int, err error)
}

type SnapshotStore interface {
	ReplaceAll(ctx context.Context, entries []Entry) error
	LoadAll(ctx context.Context) ([]Entry, error)
}

// Score is perRequest points per pending request, capped at 100.
func Score(pending int, perRequest float64) float64 {
	if pending <= 0 {
		return 0
	}
	return math.Min(100, float64(pending)*perRequest)
}

// RoundPoint snaps p to prec decimal places.
func RoundPoint(p types.Point, prec int) types.Point {
	scale := math.Pow(10, float64(prec))
	return types.Point{
		Lat: math.Round(p.Lat*scale) / scale,
		Lng: math.Round(p.Lng*scale) / scale,
	}
}

// RouteKey identifies the origin-destination pair after rounding both ends.
func RouteKey(from, to types.Point, prec int) string {
	f, t := RoundPoint(from, prec), RoundPoint(to, prec)
	return coord(f.Lat, prec) + "," + coord(f.Lng, prec) + ">" + coord(t.Lat, prec) + "," + coord(t.Lng, prec)
}

func coord(v float64, prec int) string {
	return strconv.FormatFloat(v, 'f', prec, 64)
}

type hotRoutePayload struct {
	RouteKey     string      `json:"routeKey"`
	From         types.Point `json:"from"`
	To           types.Point `json:"to"`
	PendingCount int         `json:"pendingCount"`
	DemandScore  float64     `json:"demandScore"`
	DistanceKm   float64     `json:"distanceKm"`
}

type overflowPayload struct {
	TripID      types.ID    `json:"tripId"`
	Passengers  int         `json:"passengers"`
	Pickup      types.Point `json:"pickup"`
	Dropoff     types.Point `json:"dropoff"`
	VehicleType string      `json:"vehicleType,omitempty"`
}
