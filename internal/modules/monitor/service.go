// README: Trip monitor: periodic ETA refresh, slowdown detection and reroute proposals.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"arkdispatch/internal/config"
	"arkdispatch/internal/maps"
	"arkdispatch/internal/modules/traffic"
	"arkdispatch/internal/modules/trip"
	"arkdispatch/internal/notify"
	"arkdispatch/internal/types"
)

type Service struct {
	cfg      config.MonitorConfig
	registry Registry
	traffic  Traffic
	trips    Trips
	router   maps.Provider
	fallback maps.StraightLine
	pub      notify.Publisher
	log      *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	proposals map[types.ID]Proposal
	lastProp  map[types.ID]time.Time
}

func NewService(cfg config.MonitorConfig, registry Registry, traffic Traffic, trips Trips, router maps.Provider, pub notify.Publisher, log *slog.Logger) *Service {
	return &Service{
		cfg:       cfg,
		registry:  registry,
		traffic:   traffic,
		trips:     trips,
		router:    router,
		fallback:  maps.StraightLine{SpeedKmh: cfg.FallbackSpeedKmh},
		pub:       pub,
		log:       log,
		now:       time.Now,
		proposals: make(map[types.ID]Proposal),
		lastProp:  make(map[types.ID]time.Time),
	}
}

// Run sweeps in-progress trips every Interval until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.log.Warn("trip monitor sweep failed", "error", err)
			}
		}
	}
}

// Sweep checks every trip a driver is currently serving.
func (s *Service) Sweep(ctx context.Context) error {
	trips, err := s.trips.ListByStatus(ctx, trip.StatusEnRoutePickup, trip.StatusActive)
	if err != nil {
		return fmt.Errorf("list in-progress trips: %w", err)
	}
	live := make(map[types.ID]struct{}, len(trips))
	for _, t := range trips {
		live[t.ID] = struct{}{}
		s.check(ctx, t)
	}
	s.prune(live)
	return nil
}

func (s *Service) check(ctx context.Context, t *trip.Trip) {
	if t.DriverID == nil {
		return
	}
	presence, ok := s.registry.Get(*t.DriverID)
	if !ok || presence.Location.IsZero() {
		return
	}
	pos := presence.Location
	target := t.Dropoff
	if t.Status == trip.StatusEnRoutePickup {
		target = t.Pickup
	}
	if types.DistanceKm(pos, target) < s.cfg.MinRemainingKm {
		return
	}

	now := s.now()
	due := t.EtaUpdatedAt == nil || now.Sub(*t.EtaUpdatedAt) >= s.cfg.EtaRefresh
	path := remainingPath(t, pos, target)
	slow := s.traffic.DetectSlowdown(path)
	if !due && !slow.HasSlowdown {
		return
	}

	r := s.route(ctx, t, pos, target)
	if t.Status == trip.StatusEnRoutePickup && len(r.Path) >= 2 {
		path = r.Path
		slow = s.traffic.DetectSlowdown(path)
	}
	eta := r.DurationMin + slow.DelayMin
	if err := s.trips.UpdateEta(ctx, t.ID, eta, now); err != nil {
		s.log.Warn("update eta failed", "trip_id", t.ID, "error", err)
	} else {
		s.publish(ctx, notify.PassengerTopic(t.PassengerID), notify.NewEvent(notify.EventEtaUpdate, t.ID, etaPayload{
			TripID:      t.ID,
			EtaMin:      eta,
			RemainingKm: types.PathLengthKm(path),
			DelayMin:    slow.DelayMin,
			Severity:    slow.Severity,
		}))
	}

	if t.Status != trip.StatusActive {
		return
	}
	if slow.Severity == traffic.SeveritySevere || slow.HeavyCount > s.cfg.HeavySegmentTrigger {
		s.considerReroute(ctx, t, pos, eta, slow.Severity)
	}
}

// remainingPath is what is left of the trip without asking the provider: the
// planned polyline from the driver onward while active, else a straight line.
func remainingPath(t *trip.Trip, pos, target types.Point) []types.Point {
	if t.Status == trip.StatusActive {
		if path := types.RemainingPath(t.Route, pos); len(path) >= 2 {
			return path
		}
	}
	return []types.Point{pos, target}
}

func (s *Service) route(ctx context.Context, t *trip.Trip, pos, target types.Point) maps.Route {
	r, err := s.router.Route(ctx, pos, target)
	if err != nil {
		s.log.Warn("routing provider unavailable; using straight line", "trip_id", t.ID, "error", err)
		r = s.fallback.Estimate(pos, target)
	}
	return r
}

func (s *Service) considerReroute(ctx context.Context, t *trip.Trip, pos types.Point, currentEta float64, severity traffic.Severity) {
	now := s.now()
	s.mu.Lock()
	_, pending := s.proposals[t.ID]
	last, proposed := s.lastProp[t.ID]
	s.mu.Unlock()
	if pending || (proposed && now.Sub(last) < s.cfg.ProposalCooldown) {
		return
	}

	alts, err := s.router.Alternatives(ctx, pos, t.Dropoff)
	if err != nil || len(alts) == 0 {
		return
	}
	best, bestCost := -1, 0.0
	for i, alt := range alts {
		if len(alt.Path) < 2 {
			continue
		}
		cost := alt.DurationMin + s.traffic.DetectSlowdown(alt.Path).DelayMin
		if best < 0 || cost < bestCost {
			best, bestCost = i, cost
		}
	}
	if best < 0 {
		return
	}
	saved := currentEta - bestCost
	if !s.worthProposing(saved, currentEta) {
		return
	}

	p := Proposal{
		TripID:        t.ID,
		Path:          alts[best].Path,
		DistanceKm:    alts[best].DistanceKm,
		DurationMin:   bestCost,
		CurrentEtaMin: currentEta,
		SavedMinutes:  saved,
		Severity:      severity,
		ProposedAt:    now,
		ExpiresAt:     now.Add(s.cfg.ProposalTTL),
	}
	s.mu.Lock()
	s.proposals[t.ID] = p
	s.lastProp[t.ID] = now
	s.mu.Unlock()

	s.publish(ctx, notify.DriverTopic(*t.DriverID), notify.NewEvent(notify.EventRerouteProposal, t.ID, p))
	s.log.Info("reroute proposed", "trip_id", t.ID, "saved_min", saved, "current_eta_min", currentEta, "severity", severity)
}

// worthProposing accepts a saving that meets either the relative or the
// absolute threshold.
func (s *Service) worthProposing(saved, currentEta float64) bool {
	if saved <= 0 || currentEta <= 0 {
		return false
	}
	return saved/currentEta >= s.cfg.MinSavedRatio || saved >= s.cfg.MinSavedMinutes
}

// RespondToReroute applies or discards the live proposal of a trip.
func (s *Service) RespondToReroute(ctx context.Context, tripID, driverID types.ID, accept bool) error {
	p, ok := s.Proposal(tripID)
	if !ok {
		return ErrNoProposal
	}
	t, err := s.trips.Get(ctx, tripID)
	if err != nil {
		return err
	}
	if !t.HasDriver(driverID) {
		return trip.ErrWrongDriver
	}
	if !accept {
		s.discard(tripID)
		s.log.Info("reroute declined", "trip_id", tripID, "driver_id", driverID)
		return nil
	}
	if t.Status != trip.StatusActive {
		s.discard(tripID)
		return trip.ErrInvalidState
	}
	if err := s.trips.UpdateRoute(ctx, tripID, p.Path, p.DistanceKm, p.DurationMin); err != nil {
		return fmt.Errorf("apply reroute: %w", err)
	}
	s.discard(tripID)
	s.publish(ctx, notify.PassengerTopic(t.PassengerID), notify.NewEvent(notify.EventRouteChanged, tripID, routeChangedPayload{
		TripID:       tripID,
		Route:        p.Path,
		DistanceKm:   p.DistanceKm,
		EtaMin:       p.DurationMin,
		SavedMinutes: p.SavedMinutes,
	}))
	s.log.Info("reroute accepted", "trip_id", tripID, "driver_id", driverID, "saved_min", p.SavedMinutes)
	return nil
}

// Proposal returns the trip's live proposal. Expired proposals are dropped.
func (s *Service) Proposal(tripID types.ID) (Proposal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[tripID]
	if !ok {
		return Proposal{}, false
	}
	if !s.now().Before(p.ExpiresAt) {
		delete(s.proposals, tripID)
		return Proposal{}, false
	}
	return p.clone(), true
}

func (s *Service) discard(tripID types.ID) {
	s.mu.Lock()
	delete(s.proposals, tripID)
	s.mu.Unlock()
}

// prune forgets proposals and cooldowns of trips no longer in progress and
// drops expired proposals.
func (s *Service) prune(live map[types.ID]struct{}) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.proposals {
		if _, ok := live[id]; !ok || !now.Before(p.ExpiresAt) {
			delete(s.proposals, id)
		}
	}
	for id := range s.lastProp {
		if _, ok := live[id]; !ok {
			delete(s.lastProp, id)
		}
	}
}

func (s *Service) publish(ctx context.Context, topic string, e notify.Event) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(ctx, topic, e); err != nil {
		s.log.Warn("publish failed", "topic", topic, "type", e.Type, "error", err)
	}
}
