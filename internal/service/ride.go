// README: Ride facade; the operations exposed to passengers and drivers, delegating to module services.
package service

import (
	"context"
	"fmt"
	"log/slog"

	"arkdispatch/internal/maps"
	"arkdispatch/internal/modules/demand"
	"arkdispatch/internal/modules/dispatch"
	"arkdispatch/internal/modules/location"
	"arkdispatch/internal/modules/monitor"
	"arkdispatch/internal/modules/trip"
	"arkdispatch/internal/types"
)

// VehicleSixSeat is requested for parties too large for a standard car.
const VehicleSixSeat = "six_seat"

type Deps struct {
	Trips    *trip.Service
	Registry *location.Service
	Dispatch *dispatch.Coordinator
	Monitor  *monitor.Service
	Demand   *demand.Service
	Router   maps.Provider
	Fallback maps.StraightLine
	Log      *slog.Logger
}

type RideService struct {
	trips    *trip.Service
	registry *location.Service
	dispatch *dispatch.Coordinator
	monitor  *monitor.Service
	demand   *demand.Service
	router   maps.Provider
	fallback maps.StraightLine
	log      *slog.Logger
}

func NewRideService(d Deps) *RideService {
	return &RideService{
		trips:    d.Trips,
		registry: d.Registry,
		dispatch: d.Dispatch,
		monitor:  d.Monitor,
		demand:   d.Demand,
		router:   d.Router,
		fallback: d.Fallback,
		log:      d.Log,
	}
}

type RideRequest struct {
	PassengerID types.ID
	Pickup      types.Point
	Dropoff     types.Point
	VehicleType string
	Passengers  int
}

// RideResult reports where dispatch stands after the first attempt.
type RideResult struct {
	TripID      types.ID    `json:"tripId"`
	Status      trip.Status `json:"status"`
	VehicleType string      `json:"vehicleType"`
	DriverID    *types.ID   `json:"offeredDriverId,omitempty"`
	DistanceKm  float64     `json:"distanceKm"`
	EtaMinutes  float64     `json:"etaMinutes"`
}

// RequestRide creates the trip and runs the first dispatch attempt.
func (s *RideService) RequestRide(ctx context.Context, req RideRequest) (RideResult, error) {
	if !req.Pickup.Valid() || !req.Dropoff.Valid() || req.Pickup.IsZero() || req.Dropoff.IsZero() {
		return RideResult{}, trip.ErrBadRequest
	}
	if req.Passengers == 0 {
		req.Passengers = 1
	}
	req.VehicleType = resolveVehicleType(req.Passengers, req.VehicleType)

	route := s.route(ctx, req.Pickup, req.Dropoff)
	t, err := s.trips.Create(ctx, trip.CreateCommand{
		PassengerID: req.PassengerID,
		Pickup:      req.Pickup,
		Dropoff:     req.Dropoff,
		VehicleType: req.VehicleType,
		Passengers:  req.Passengers,
		Route:       route.Path,
		DistanceKm:  route.DistanceKm,
		EtaMin:      route.DurationMin,
	})
	if err != nil {
		return RideResult{}, err
	}

	res := RideResult{
		TripID:      t.ID,
		Status:      trip.StatusSearching,
		VehicleType: t.VehicleType,
		DistanceKm:  t.DistanceKm,
		EtaMinutes:  t.CurrentEtaMin,
	}
	out, err := s.dispatch.Start(ctx, t.ID)
	if err != nil {
		return res, fmt.Errorf("start dispatch: %w", err)
	}
	switch {
	case out.NoDrivers:
		res.Status = trip.StatusNoDrivers
	case out.Offer != nil && out.Offer.DriverID != "":
		res.Status = trip.StatusDriverAssigned
		id := out.Offer.DriverID
		res.DriverID = &id
	}
	s.log.Info("ride requested", "trip_id", t.ID, "passenger_id", req.PassengerID, "vehicle_type", req.VehicleType, "status", res.Status)
	return res, nil
}

// resolveVehicleType keeps an explicit choice and otherwise asks for a six
// seater only when the party needs one. Empty matches any vehicle.
func resolveVehicleType(passengers int, requested string) string {
	if requested == "" && passengers >= 5 {
		return VehicleSixSeat
	}
	return requested
}

func (s *RideService) route(ctx context.Context, from, to types.Point) maps.Route {
	if s.router != nil {
		r, err := s.router.Route(ctx, from, to)
		if err == nil && len(r.Path) >= 2 {
			return r
		}
		if err != nil {
			s.log.Warn("route lookup failed; using straight line", "error", err)
		}
	}
	return s.fallback.Estimate(from, to)
}

func (s *RideService) RespondToOffer(ctx context.Context, tripID, driverID types.ID, accept bool) error {
	return s.dispatch.Respond(ctx, tripID, driverID, accept)
}

func (s *RideService) ReportDriverPosition(ctx context.Context, driverID types.ID, lat, lng, speedKmh, heading float64) error {
	return s.registry.Upsert(ctx, location.PositionUpdate{
		DriverID: driverID,
		Location: types.Point{Lat: lat, Lng: lng},
		SpeedKmh: speedKmh,
		Heading:  heading,
	})
}

func (s *RideService) GoOnline(ctx context.Context, driverID types.ID, profile location.Profile) error {
	return s.registry.SetOnline(ctx, driverID, profile)
}

func (s *RideService) GoOffline(ctx context.Context, driverID types.ID) error {
	return s.registry.SetOffline(ctx, driverID)
}

// LiveStatus is what a client polls when pushed notifications are missed.
type LiveStatus struct {
	TripID         types.ID          `json:"tripId"`
	Status         trip.Status       `json:"status"`
	DriverID       *types.ID         `json:"driverId,omitempty"`
	DriverPosition *types.Point      `json:"driverPosition,omitempty"`
	EtaMinutes     float64           `json:"etaMinutes"`
	RemainingKm    float64           `json:"remainingKm"`
	Route          []types.Point     `json:"routePolyline"`
	Passengers     int               `json:"passengers"`
	Offer          *dispatch.Offer   `json:"offer,omitempty"`
	Proposal       *monitor.Proposal `json:"proposal,omitempty"`
}

func (s *RideService) GetTripLiveStatus(ctx context.Context, tripID types.ID) (LiveStatus, error) {
	t, err := s.trips.Get(ctx, tripID)
	if err != nil {
		return LiveStatus{}, err
	}
	st := LiveStatus{
		TripID:      t.ID,
		Status:      t.Status,
		DriverID:    t.DriverID,
		EtaMinutes:  t.CurrentEtaMin,
		RemainingKm: t.DistanceKm,
		Route:       t.Route,
		Passengers:  t.Passengers,
	}
	if o, ok := s.dispatch.Offer(tripID); ok {
		st.Offer = &o
	}
	if p, ok := s.monitor.Proposal(tripID); ok {
		st.Proposal = &p
	}
	if t.DriverID == nil || t.Status.Terminal() {
		return st, nil
	}
	presence, ok := s.registry.Get(*t.DriverID)
	if !ok || presence.Location.IsZero() {
		return st, nil
	}
	pos := presence.Location
	st.DriverPosition = &pos
	switch t.Status {
	case trip.StatusActive:
		if rest := types.RemainingPath(t.Route, pos); len(rest) >= 2 {
			st.RemainingKm = types.PathLengthKm(rest)
		} else {
			st.RemainingKm = types.DistanceKm(pos, t.Dropoff)
		}
	case trip.StatusDriverAssigned, trip.StatusEnRoutePickup:
		st.RemainingKm = types.DistanceKm(pos, t.Pickup) + t.DistanceKm
	}
	return st, nil
}

func (s *RideService) GetHotRoutesNear(lat, lng float64) ([]demand.Entry, error) {
	p := types.Point{Lat: lat, Lng: lng}
	if !p.Valid() {
		return nil, trip.ErrBadRequest
	}
	return s.demand.HotRoutesNear(p), nil
}

// PredictDemand forecasts pending requests on a route key at an hour of day.
func (s *RideService) PredictDemand(routeKey string, hour int) (demand.Forecast, error) {
	return s.demand.Predict(routeKey, hour)
}

func (s *RideService) RespondToReroute(ctx context.Context, tripID, driverID types.ID, accept bool) error {
	return s.monitor.RespondToReroute(ctx, tripID, driverID, accept)
}

// CancelRide cancels on behalf of actorType and frees whichever driver held
// the trip.
func (s *RideService) CancelRide(ctx context.Context, tripID types.ID, actorType, reason string) error {
	_, err := s.dispatch.Cancel(ctx, trip.CancelCommand{TripID: tripID, ActorType: actorType, Reason: reason})
	return err
}

func (s *RideService) StartTrip(ctx context.Context, tripID, driverID types.ID) error {
	return s.trips.Start(ctx, tripID, driverID)
}

// CompleteTrip finishes the trip and makes its driver available again.
func (s *RideService) CompleteTrip(ctx context.Context, tripID, driverID types.ID) error {
	if _, err := s.trips.Complete(ctx, tripID, driverID); err != nil {
		return err
	}
	if !s.registry.ReleaseTrip(ctx, driverID, tripID) {
		s.log.Warn("completed trip was not held by its driver", "trip_id", tripID, "driver_id", driverID)
	}
	return nil
}

func (s *RideService) AddPassengers(ctx context.Context, tripID types.ID, n int) (demand.AddResult, error) {
	return s.demand.AddPassengers(ctx, tripID, n)
}

// RestoreAssignments re-locks the drivers of trips that were past dispatch
// when the process stopped. It runs at startup before any driver can come
// back online, so none of them is offered a second trip.
func (s *RideService) RestoreAssignments(ctx context.Context) (int, error) {
	trips, err := s.trips.ListByStatus(ctx, trip.StatusEnRoutePickup, trip.StatusActive)
	if err != nil {
		return 0, fmt.Errorf("list trips in progress: %w", err)
	}
	n := 0
	for _, t := range trips {
		if t.DriverID == nil {
			continue
		}
		s.registry.RestoreAssignment(ctx, *t.DriverID, t.ID)
		n++
	}
	return n, nil
}
