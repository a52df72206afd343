// README: Trip store backed by PostgreSQL.
package trip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"arkdispatch/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

const tripColumns = `
	id, passenger_id, driver_id, status, status_version,
	pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
	vehicle_type, passengers, route, distance_km,
	original_eta_min, current_eta_min, eta_updated_at,
	created_at, assigned_at, accepted_at, started_at, completed_at, cancelled_at, cancel_reason`

func (s *Store) Create(ctx context.Context, t *Trip) error {
	route, err := json.Marshal(t.Route)
	if err != nil {
		return fmt.Errorf("encode route: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO trips (
			id, passenger_id, driver_id, status, status_version,
			pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
			vehicle_type, passengers, route, distance_km,
			original_eta_min, current_eta_min, eta_updated_at, created_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13,
			$14, $15, $16, $17
		)`,
		string(t.ID),
		string(t.PassengerID),
		toStringPtr(t.DriverID),
		string(t.Status),
		t.StatusVersion,
		t.Pickup.Lat, t.Pickup.Lng,
		t.Dropoff.Lat, t.Dropoff.Lng,
		t.VehicleType,
		t.Passengers,
		route,
		t.DistanceKm,
		t.OriginalEtaMin,
		t.CurrentEtaMin,
		t.EtaUpdatedAt,
		t.CreatedAt,
	)
	return err
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Trip, error) {
	row := s.db.QueryRow(ctx, `SELECT `+tripColumns+` FROM trips WHERE id = $1`, string(id))
	t, err := scanTrip(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (s *Store) UpdateStatus(ctx context.Context, tr Transition) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE trips
		SET status = $1,
			status_version = status_version + 1,
			driver_id = CASE WHEN $2 THEN NULL ELSE COALESCE($3, driver_id) END,
			cancel_reason = COALESCE($4, cancel_reason),
			assigned_at = CASE WHEN $1 = 'DRIVER_ASSIGNED' THEN NOW() ELSE assigned_at END,
			accepted_at = CASE WHEN $1 = 'EN_ROUTE_PICKUP' THEN NOW() ELSE accepted_at END,
			started_at = CASE WHEN $1 = 'TRIP_ACTIVE' THEN NOW() ELSE started_at END,
			completed_at = CASE WHEN $1 = 'COMPLETED' THEN NOW() ELSE completed_at END,
			cancelled_at = CASE WHEN $1 = 'CANCELLED' THEN NOW() ELSE cancelled_at END
		WHERE id = $5 AND status = $6 AND status_version = $7`,
		string(tr.To),
		tr.ClearDriver,
		toStringPtr(tr.DriverID),
		tr.Reason,
		string(tr.TripID),
		string(tr.From),
		tr.Version,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) UpdateRoute(ctx context.Context, id types.ID, route []types.Point, distanceKm, etaMin float64) error {
	raw, err := json.Marshal(route)
	if err != nil {
		return fmt.Errorf("encode route: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE trips
		SET route = $1, distance_km = $2, current_eta_min = $3, eta_updated_at = NOW()
		WHERE id = $4`,
		raw, distanceKm, etaMin, string(id),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) UpdateEta(ctx context.Context, id types.ID, etaMin float64, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE trips SET current_eta_min = $1, eta_updated_at = $2 WHERE id = $3`,
		etaMin, at, string(id),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) AddPassengers(ctx context.Context, id types.ID, n, capacity int) (int, int, error) {
	var boarded, previous int
	err := s.db.QueryRow(ctx, `
		WITH prev AS (
			SELECT id, passengers FROM trips WHERE id = $1 FOR UPDATE
		)
		UPDATE trips t
		SET passengers = GREATEST(prev.passengers, LEAST(prev.passengers + $2, $3))
		FROM prev
		WHERE t.id = prev.id
		RETURNING t.passengers, prev.passengers`,
		string(id), n, capacity,
	).Scan(&boarded, &previous)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, ErrNotFound
	}
	if err != nil {
		return 0, 0, err
	}
	return boarded, previous + n - boarded, nil
}

func (s *Store) ListByStatus(ctx context.Context, statuses ...Status) ([]*Trip, error) {
	return s.ListCreatedSince(ctx, time.Time{}, statuses...)
}

func (s *Store) ListCreatedSince(ctx context.Context, since time.Time, statuses ...Status) ([]*Trip, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+tripColumns+`
		FROM trips
		WHERE status = ANY($1) AND created_at >= $2
		ORDER BY created_at, id`,
		statusStrings(statuses), since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) AppendEvent(ctx context.Context, e *Event) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO trip_events (
			trip_id, from_status, to_status, actor_type, actor_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)`,
		string(e.TripID),
		string(e.FromStatus),
		string(e.ToStatus),
		e.ActorType,
		toStringPtr(e.ActorID),
		e.CreatedAt,
	)
	return err
}

func (s *Store) HasActiveByPassenger(ctx context.Context, passengerID types.ID) (bool, error) {
	row := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM trips
			WHERE passenger_id = $1 AND status = ANY($2)
		)`, string(passengerID), statusStrings(ActiveStatuses),
	)
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func scanTrip(row pgx.Row) (*Trip, error) {
	var t Trip
	var driverID *string
	var route []byte
	err := row.Scan(
		&t.ID, &t.PassengerID, &driverID, &t.Status, &t.StatusVersion,
		&t.Pickup.Lat, &t.Pickup.Lng, &t.Dropoff.Lat, &t.Dropoff.Lng,
		&t.VehicleType, &t.Passengers, &route, &t.DistanceKm,
		&t.OriginalEtaMin, &t.CurrentEtaMin, &t.EtaUpdatedAt,
		&t.CreatedAt, &t.AssignedAt, &t.AcceptedAt, &t.StartedAt, &t.CompletedAt, &t.CancelledAt, &t.CancelReason,
	)
	if err != nil {
		return nil, err
	}
	if driverID != nil {
		d := types.ID(*driverID)
		t.DriverID = &d
	}
	if len(route) > 0 {
		if err := json.Unmarshal(route, &t.Route); err != nil {
			return nil, fmt.Errorf("decode route: %w", err)
		}
	}
	return &t, nil
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}
