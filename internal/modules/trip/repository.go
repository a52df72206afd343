// README: Persistence contract for trips; PostgreSQL and in-memory implementations.
package trip

import (
	"context"
	"time"

	"arkdispatch/internal/types"
)

// Transition is a compare-and-set status change. The row is updated only if
// it is still in From at Version.
type Transition struct {
	TripID      types.ID
	From        Status
	To          Status
	Version     int
	DriverID    *types.ID
	ClearDriver bool
	Reason      *string
}

type Repository interface {
	Create(ctx context.Context, t *Trip) error
	Get(ctx context.Context, id types.ID) (*Trip, error)
	UpdateStatus(ctx context.Context, tr Transition) (bool, error)
	UpdateRoute(ctx context.Context, id types.ID, route []types.Point, distanceKm, etaMin float64) error
	UpdateEta(ctx context.Context, id types.ID, etaMin float64, at time.Time) error
	// AddPassengers boards up to n more passengers without exceeding capacity
	// and reports how many could not board. Read and write are one atomic step.
	AddPassengers(ctx context.Context, id types.ID, n, capacity int) (boarded, overflow int, err error)
	ListByStatus(ctx context.Context, statuses ...Status) ([]*Trip, error)
	ListCreatedSince(ctx context.Context, since time.Time, statuses ...Status) ([]*Trip, error)
	AppendEvent(ctx context.Context, e *Event) error
	HasActiveByPassenger(ctx context.Context, passengerID types.ID) (bool, error)
}

// boardedCount never lowers an existing load, even one already above capacity.
func boardedCount(current, n, capacity int) int {
	boarded := current + n
	if boarded > capacity {
		boarded = capacity
	}
	if boarded < current {
		boarded = current
	}
	return boarded
}

func statusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func stamp(t *Trip, to Status, now time.Time) {
	switch to {
	case StatusDriverAssigned:
		t.AssignedAt = &now
	case StatusEnRoutePickup:
		t.AcceptedAt = &now
	case StatusActive:
		t.StartedAt = &now
	case StatusCompleted:
		t.CompletedAt = &now
	case StatusCancelled:
		t.CancelledAt = &now
	}
}
