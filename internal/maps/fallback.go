// README: Straight-line estimates and a provider chain used when the routing API is unavailable.
package maps

import (
	"context"
	"log/slog"

	"arkdispatch/internal/types"
)

// StraightLine estimates routes as the great-circle segment driven at a
// fixed average speed.
type StraightLine struct {
	SpeedKmh float64
}

func (s StraightLine) Route(_ context.Context, from, to types.Point) (Route, error) {
	return s.Estimate(from, to), nil
}

// Alternatives has nothing to offer beyond the direct line.
func (s StraightLine) Alternatives(context.Context, types.Point, types.Point) ([]Route, error) {
	return nil, nil
}

func (s StraightLine) Estimate(from, to types.Point) Route {
	dist := types.DistanceKm(from, to)
	return Route{
		Path:        []types.Point{from, to},
		DistanceKm:  dist,
		DurationMin: dist / s.SpeedKmh * 60,
		Source:      "straight_line",
	}
}

// Fallback tries Primary and answers from Secondary when it fails.
type Fallback struct {
	Primary   Provider
	Secondary Provider
	Log       *slog.Logger
}

func (f Fallback) Route(ctx context.Context, from, to types.Point) (Route, error) {
	if f.Primary != nil {
		r, err := f.Primary.Route(ctx, from, to)
		if err == nil {
			return r, nil
		}
		f.Log.Warn("routing provider failed; using fallback", "error", err)
	}
	return f.Secondary.Route(ctx, from, to)
}

func (f Fallback) Alternatives(ctx context.Context, from, to types.Point) ([]Route, error) {
	if f.Primary != nil {
		rs, err := f.Primary.Alternatives(ctx, from, to)
		if err == nil {
			return rs, nil
		}
		f.Log.Warn("routing alternatives failed; using fallback", "error", err)
	}
	return f.Secondary.Alternatives(ctx, from, to)
}
