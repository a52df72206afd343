// README: Trip service implements state transitions and persistence.
package trip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"arkdispatch/internal/types"
)

var (
	ErrInvalidState = errors.New("invalid state transition")
	ErrNotFound     = errors.New("trip not found")
	ErrConflict     = errors.New("trip state conflict")
	ErrActiveTrip   = errors.New("passenger has active trip")
	ErrBadRequest   = errors.New("bad request")
	ErrWrongDriver  = errors.New("driver does not hold this trip")
)

type Service struct {
	repo Repository
	log  *slog.Logger
}

func NewService(repo Repository, log *slog.Logger) *Service {
	return &Service{repo: repo, log: log}
}

type CreateCommand struct {
	PassengerID types.ID
	Pickup      types.Point
	Dropoff     types.Point
	VehicleType string
	Passengers  int
	Route       []types.Point
	DistanceKm  float64
	EtaMin      float64
}

type CancelCommand struct {
	TripID    types.ID
	ActorType string
	Reason    string
}

func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*Trip, error) {
	if cmd.PassengerID == "" || !cmd.Pickup.Valid() || !cmd.Dropoff.Valid() {
		return nil, ErrBadRequest
	}
	if cmd.Passengers < 0 {
		return nil, ErrBadRequest
	}
	if cmd.Passengers == 0 {
		cmd.Passengers = 1
	}
	active, err := s.repo.HasActiveByPassenger(ctx, cmd.PassengerID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, ErrActiveTrip
	}

	route := cmd.Route
	if len(route) < 2 {
		route = []types.Point{cmd.Pickup, cmd.Dropoff}
	}
	dist := cmd.DistanceKm
	if dist <= 0 {
		dist = types.PathLengthKm(route)
	}
	now := time.Now()
	t := &Trip{
		ID:             types.ID(uuid.NewString()),
		PassengerID:    cmd.PassengerID,
		Status:         StatusSearching,
		Pickup:         cmd.Pickup,
		Dropoff:        cmd.Dropoff,
		VehicleType:    cmd.VehicleType,
		Passengers:     cmd.Passengers,
		Route:          route,
		DistanceKm:     dist,
		OriginalEtaMin: cmd.EtaMin,
		CurrentEtaMin:  cmd.EtaMin,
		EtaUpdatedAt:   &now,
		CreatedAt:      now,
	}
	if err := s.repo.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("create trip: %w", err)
	}
	s.appendEvent(ctx, t.ID, StatusNone, StatusSearching, ActorPassenger, &t.PassengerID)
	return t, nil
}

// Assign records the driver holding the live offer.
func (s *Service) Assign(ctx context.Context, id, driverID types.ID) error {
	_, err := s.transition(ctx, id, StatusDriverAssigned, ActorSystem, nil, func(t *Trip, tr *Transition) error {
		tr.DriverID = &driverID
		return nil
	})
	return err
}

// Revert returns an assigned trip to SEARCHING after the driver declined or
// let the offer lapse.
func (s *Service) Revert(ctx context.Context, id, driverID types.ID) error {
	_, err := s.transition(ctx, id, StatusSearching, ActorDriver, &driverID, func(t *Trip, tr *Transition) error {
		if !t.HasDriver(driverID) {
			return ErrWrongDriver
		}
		tr.ClearDriver = true
		return nil
	})
	return err
}

func (s *Service) Accept(ctx context.Context, id, driverID types.ID) error {
	_, err := s.transition(ctx, id, StatusEnRoutePickup, ActorDriver, &driverID, func(t *Trip, _ *Transition) error {
		if !t.HasDriver(driverID) {
			return ErrWrongDriver
		}
		return nil
	})
	return err
}

func (s *Service) Start(ctx context.Context, id, driverID types.ID) error {
	_, err := s.transition(ctx, id, StatusActive, ActorDriver, &driverID, func(t *Trip, _ *Transition) error {
		if !t.HasDriver(driverID) {
			return ErrWrongDriver
		}
		return nil
	})
	return err
}

// Complete finishes the ride and returns the trip as it was before the
// transition.
func (s *Service) Complete(ctx context.Context, id, driverID types.ID) (*Trip, error) {
	return s.transition(ctx, id, StatusCompleted, ActorDriver, &driverID, func(t *Trip, _ *Transition) error {
		if !t.HasDriver(driverID) {
			return ErrWrongDriver
		}
		return nil
	})
}

func (s *Service) NoDrivers(ctx context.Context, id types.ID) error {
	_, err := s.transition(ctx, id, StatusNoDrivers, ActorSystem, nil, nil)
	return err
}

// Cancel returns the trip as it was before cancellation so callers can
// release the driver that held it.
func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (*Trip, error) {
	actorType := cmd.ActorType
	if actorType == "" {
		actorType = ActorPassenger
	}
	var reason *string
	if cmd.Reason != "" {
		reason = &cmd.Reason
	}
	return s.transition(ctx, cmd.TripID, StatusCancelled, actorType, nil, func(t *Trip, tr *Transition) error {
		tr.Reason = reason
		return nil
	})
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Trip, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) ListByStatus(ctx context.Context, statuses ...Status) ([]*Trip, error) {
	return s.repo.ListByStatus(ctx, statuses...)
}

func (s *Service) ListCreatedSince(ctx context.Context, since time.Time, statuses ...Status) ([]*Trip, error) {
	return s.repo.ListCreatedSince(ctx, since, statuses...)
}

func (s *Service) UpdateRoute(ctx context.Context, id types.ID, route []types.Point, distanceKm, etaMin float64) error {
	if len(route) < 2 {
		return ErrBadRequest
	}
	return s.repo.UpdateRoute(ctx, id, route, distanceKm, etaMin)
}

func (s *Service) UpdateEta(ctx context.Context, id types.ID, etaMin float64, at time.Time) error {
	return s.repo.UpdateEta(ctx, id, etaMin, at)
}

func (s *Service) AddPassengers(ctx context.Context, id types.ID, n, capacity int) (boarded, overflow int, err error) {
	if n < 1 || capacity < 1 {
		return 0, 0, ErrBadRequest
	}
	return s.repo.AddPassengers(ctx, id, n, capacity)
}

// transition loads the trip, validates the move against the state table,
// lets prepare adjust the write and performs it as a compare-and-set.
func (s *Service) transition(ctx context.Context, id types.ID, to Status, actorType string, actorID *types.ID, prepare func(*Trip, *Transition) error) (*Trip, error) {
	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(t.Status, to) {
		return nil, ErrInvalidState
	}
	tr := Transition{TripID: t.ID, From: t.Status, To: to, Version: t.StatusVersion}
	if prepare != nil {
		if err := prepare(t, &tr); err != nil {
			return nil, err
		}
	}
	ok, err := s.repo.UpdateStatus(ctx, tr)
	if err != nil {
		return nil, fmt.Errorf("update trip status: %w", err)
	}
	if !ok {
		return nil, ErrConflict
	}
	s.appendEvent(ctx, t.ID, t.Status, to, actorType, actorID)
	return t, nil
}

func (s *Service) appendEvent(ctx context.Context, id types.ID, from, to Status, actorType string, actorID *types.ID) {
	err := s.repo.AppendEvent(ctx, &Event{
		TripID:     id,
		FromStatus: from,
		ToStatus:   to,
		ActorType:  actorType,
		ActorID:    actorID,
		CreatedAt:  time.Now(),
	})
	if err != nil && s.log != nil {
		s.log.Warn("append trip event failed", "trip_id", id, "to", to, "error", err)
	}
}
