// README: Allocation engine: scores nearby idle drivers and picks the best one.
package matching

import (
	"context"
	"math"

	"arkdispatch/internal/config"
	"arkdispatch/internal/modules/location"
	"arkdispatch/internal/types"
)

type Registry interface {
	QueryNearby(ctx context.Context, center types.Point, radiusKm float64, f location.Filter) []location.Candidate
}

type Service struct {
	registry Registry
	cfg      config.MatchingConfig
}

func NewService(registry Registry, cfg config.MatchingConfig) *Service {
	return &Service{registry: registry, cfg: cfg}
}

// Allocate returns the best eligible driver for the pickup, or nil when no
// driver is available. It only reads registry state.
func (s *Service) Allocate(ctx context.Context, req Request) *Result {
	radius := req.RadiusKm
	if radius <= 0 {
		radius = s.cfg.RadiusKm
	}
	candidates := s.registry.QueryNearby(ctx, req.Pickup, radius, location.Filter{
		VehicleType: req.VehicleType,
		Exclude:     req.Exclude,
		Limit:       s.cfg.CandidateCap,
	})
	return Best(candidates, s.cfg)
}

// Best picks the highest scoring candidate. Ties break on smaller distance,
// then on the lexicographically smaller driver id.
func Best(candidates []location.Candidate, cfg config.MatchingConfig) *Result {
	var best *Result
	for _, c := range candidates {
		if !c.Idle() {
			continue
		}
		r := Result{DriverID: c.DriverID, DistanceKm: c.DistanceKm, Score: ScoreCandidate(c, cfg)}
		if best == nil || better(r, *best) {
			picked := r
			best = &picked
		}
	}
	return best
}

// ScoreCandidate computes distance, verification and loyalty components.
func ScoreCandidate(c location.Candidate, cfg config.MatchingConfig) Score {
	var s Score
	s.Distance = math.Max(0, 100-c.DistanceKm*cfg.DistanceDecayPerKm)
	if c.Profile.Verified {
		s.Verified = cfg.VerifiedBonus
	}
	s.Loyalty = math.Min(cfg.LoyaltyCap, math.Max(0, float64(c.Profile.LoyaltyLevel)*cfg.LoyaltyPerLevel))
	return s
}

func better(a, b Result) bool {
	at, bt := a.Score.Total(), b.Score.Total()
	if at != bt {
		return at > bt
	}
	if a.DistanceKm != b.DistanceKm {
		return a.DistanceKm < b.DistanceKm
	}
	return a.DriverID < b.DriverID
}
