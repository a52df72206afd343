// README: Routing provider backed by the Google Directions API, rate limited per process.
package maps

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
	"googlemaps.github.io/maps"

	"arkdispatch/internal/types"
)

var ErrNoRoute = errors.New("no route found")

// Route is one drivable path between two points.
type Route struct {
	Path        []types.Point `json:"path"`
	DistanceKm  float64       `json:"distanceKm"`
	DurationMin float64       `json:"durationMin"`
	Source      string        `json:"source"`
}

type Provider interface {
	Route(ctx context.Context, from, to types.Point) (Route, error)
	Alternatives(ctx context.Context, from, to types.Point) ([]Route, error)
}

// RouteService handles interactions with Google Maps API.
type RouteService struct {
	client  *maps.Client
	limiter *rate.Limiter
}

// NewRouteService creates a new RouteService with the given API Key. Calls
// are spaced at least minDelay apart.
func NewRouteService(apiKey string, minDelay time.Duration, opts ...maps.ClientOption) (*RouteService, error) {
	opts = append([]maps.ClientOption{maps.WithAPIKey(apiKey)}, opts...)
	client, err := maps.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	limit := rate.Inf
	if minDelay > 0 {
		limit = rate.Every(minDelay)
	}
	return &RouteService{client: client, limiter: rate.NewLimiter(limit, 1)}, nil
}

// Route returns the provider's preferred driving route.
func (s *RouteService) Route(ctx context.Context, from, to types.Point) (Route, error) {
	routes, err := s.directions(ctx, from, to, false)
	if err != nil {
		return Route{}, err
	}
	return routes[0], nil
}

// Alternatives returns every route the provider offers, preferred first.
func (s *RouteService) Alternatives(ctx context.Context, from, to types.Point) ([]Route, error) {
	return s.directions(ctx, from, to, true)
}

func (s *RouteService) directions(ctx context.Context, from, to types.Point, alternatives bool) ([]Route, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("maps rate limit: %w", err)
	}
	r := &maps.DirectionsRequest{
		Origin:        latLng(from),
		Destination:   latLng(to),
		Mode:          maps.TravelModeDriving,
		Alternatives:  alternatives,
		DepartureTime: "now",
	}

	routes, _, err := s.client.Directions(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("maps api error: %w", err)
	}

	out := make([]Route, 0, len(routes))
	for i := range routes {
		rt, err := convertRoute(routes[i])
		if err != nil {
			continue
		}
		out = append(out, rt)
	}
	if len(out) == 0 {
		return nil, ErrNoRoute
	}
	return out, nil
}

func convertRoute(r maps.Route) (Route, error) {
	if len(r.Legs) == 0 {
		return Route{}, ErrNoRoute
	}
	decoded, err := r.OverviewPolyline.Decode()
	if err != nil {
		return Route{}, fmt.Errorf("decode polyline: %w", err)
	}
	path := make([]types.Point, len(decoded))
	for i, ll := range decoded {
		path[i] = types.Point{Lat: ll.Lat, Lng: ll.Lng}
	}

	var meters int
	var duration time.Duration
	for _, leg := range r.Legs {
		meters += leg.Distance.Meters
		if leg.DurationInTraffic > 0 {
			duration += leg.DurationInTraffic
		} else {
			duration += leg.Duration
		}
	}
	distanceKm := float64(meters) / 1000.0
	if distanceKm == 0 {
		distanceKm = types.PathLengthKm(path)
	}
	return Route{
		Path:        path,
		DistanceKm:  distanceKm,
		DurationMin: duration.Minutes(),
		Source:      "google",
	}, nil
}

func latLng(p types.Point) string {
	return fmt.Sprintf("%f,%f", p.Lat, p.Lng)
}
