// README: Route demand tracker: hot-route sweeps, advisory broadcasts and capacity overflow.
package demand

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"arkdispatch/internal/config"
	"arkdispatch/internal/modules/location"
	"arkdispatch/internal/modules/trip"
	"arkdispatch/internal/notify"
	"arkdispatch/internal/types"
)

// Vehicles registered without a capacity are treated as standard sedans.
const defaultCapacity = 4

type Service struct {
	cfg      config.DemandConfig
	registry Registry
	trips    Trips
	store    SnapshotStore
	pub      notify.Publisher
	log      *slog.Logger
	now      func() time.Time
	forecast *forecaster

	mu      sync.RWMutex
	entries map[string]Entry
}

func NewService(cfg config.DemandConfig, registry Registry, trips Trips, store SnapshotStore, pub notify.Publisher, log *slog.Logger) *Service {
	return &Service{
		cfg:      cfg,
		registry: registry,
		trips:    trips,
		store:    store,
		pub:      pub,
		log:      log,
		now:      time.Now,
		forecast: newForecaster(cfg),
		entries:  make(map[string]Entry),
	}
}

func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.log.Warn("demand sweep failed", "error", err)
			}
		}
	}
}

// Restore seeds the snapshot from the store so hot routes survive a restart
// without being broadcast again.
func (s *Service) Restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	entries, err := s.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load route demand: %w", err)
	}
	next := make(map[string]Entry, len(entries))
	for _, e := range entries {
		next[e.RouteKey] = e
	}
	s.mu.Lock()
	s.entries = next
	s.mu.Unlock()
	return nil
}

// Sweep rebuilds the demand snapshot from unfulfilled requests created within
// the lookback window and alerts idle drivers near newly hot routes.
func (s *Service) Sweep(ctx context.Context) error {
	now := s.now()
	pending, err := s.trips.ListCreatedSince(ctx, now.Add(-s.cfg.Lookback), trip.UnfulfilledStatuses...)
	if err != nil {
		return fmt.Errorf("list unfulfilled trips: %w", err)
	}

	next := make(map[string]Entry)
	for _, t := range pending {
		key := RouteKey(t.Pickup, t.Dropoff, s.cfg.RouteKeyPrec)
		e, ok := next[key]
		if !ok {
			e = Entry{
				RouteKey:   key,
				From:       RoundPoint(t.Pickup, s.cfg.RouteKeyPrec),
				To:         RoundPoint(t.Dropoff, s.cfg.RouteKeyPrec),
				ComputedAt: now,
			}
		}
		e.PendingCount++
		next[key] = e
	}
	counts := make(map[string]int, len(next))
	for key, e := range next {
		counts[key] = e.PendingCount
	}
	s.forecast.record(counts)

	var newlyHot []Entry
	s.mu.Lock()
	for key, e := range next {
		e.DemandScore = Score(e.PendingCount, s.cfg.ScorePerReq)
		e.IsHot = e.PendingCount >= s.cfg.HotThreshold
		next[key] = e
		if e.IsHot && !s.entries[key].IsHot {
			newlyHot = append(newlyHot, e)
		}
	}
	s.entries = next
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.ReplaceAll(ctx, sortEntries(next)); err != nil {
			s.log.Warn("persist route demand failed", "error", err)
		}
	}
	for _, e := range newlyHot {
		s.broadcast(ctx, e)
	}
	return nil
}

func (s *Service) broadcast(ctx context.Context, e Entry) {
	drivers := s.registry.QueryNearby(ctx, e.From, s.cfg.BroadcastKm, location.Filter{})
	for _, d := range drivers {
		s.publish(ctx, notify.DriverTopic(d.DriverID), notify.NewEvent(notify.EventHotRoute, "", hotRoutePayload{
			RouteKey:     e.RouteKey,
			From:         e.From,
			To:           e.To,
			PendingCount: e.PendingCount,
			DemandScore:  e.DemandScore,
			DistanceKm:   d.DistanceKm,
		}))
	}
	s.log.Info("hot route broadcast", "route_key", e.RouteKey, "pending", e.PendingCount, "drivers", len(drivers))
}

// HotRoutesNear returns hot routes whose origin lies within the broadcast
// radius of p, highest score first.
func (s *Service) HotRoutesNear(p types.Point) []Entry {
	s.mu.RLock()
	var out []Entry
	for _, e := range s.entries {
		if e.IsHot && types.DistanceKm(p, e.From) <= s.cfg.BroadcastKm {
			out = append(out, e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DemandScore != out[j].DemandScore {
			return out[i].DemandScore > out[j].DemandScore
		}
		if out[i].PendingCount != out[j].PendingCount {
			return out[i].PendingCount > out[j].PendingCount
		}
		return out[i].RouteKey < out[j].RouteKey
	})
	return out
}

// Predict forecasts pending requests on routeKey at hour from the counts of
// recent sweeps.
func (s *Service) Predict(routeKey string, hour int) (Forecast, error) {
	if routeKey == "" || hour < 0 || hour > 23 {
		return Forecast{}, trip.ErrBadRequest
	}
	return s.forecast.predict(routeKey, hour), nil
}

// Entries returns the current snapshot ordered by route key.
func (s *Service) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortEntries(s.entries)
}

// AddPassengers boards n more passengers on a trip with an assigned driver.
// Passengers beyond the vehicle's capacity are not added to the trip; an
// urgent request for them goes to the nearest other idle driver.
func (s *Service) AddPassengers(ctx context.Context, tripID types.ID, n int) (AddResult, error) {
	if n < 1 {
		return AddResult{}, trip.ErrBadRequest
	}
	t, err := s.trips.Get(ctx, tripID)
	if err != nil {
		return AddResult{}, err
	}
	if t.DriverID == nil || t.Status.Terminal() || t.Status == trip.StatusSearching {
		return AddResult{}, trip.ErrInvalidState
	}
	driverID := *t.DriverID
	presence, _ := s.registry.Get(driverID)
	capacity := presence.Profile.Capacity
	if capacity <= 0 {
		capacity = defaultCapacity
	}

	boarded, overflow, err := s.trips.AddPassengers(ctx, tripID, n, capacity)
	if err != nil {
		return AddResult{}, fmt.Errorf("add passengers: %w", err)
	}
	res := AddResult{TripID: tripID, Passengers: boarded, Capacity: capacity, Overflow: overflow}
	if res.Overflow == 0 {
		return res, nil
	}

	origin := presence.Location
	if origin.IsZero() {
		origin = t.Pickup
	}
	backups := s.registry.QueryNearby(ctx, origin, s.cfg.OverflowRadius, location.Filter{
		VehicleType: presence.Profile.VehicleType,
		Exclude:     map[types.ID]struct{}{driverID: {}},
		Limit:       1,
	})
	if len(backups) == 0 {
		s.log.Warn("no backup vehicle for overflow", "trip_id", tripID, "overflow", res.Overflow)
		return res, nil
	}
	backup := backups[0].DriverID
	res.BackupID = &backup

	e := notify.NewEvent(notify.EventOverflowRequest, tripID, overflowPayload{
		TripID:      tripID,
		Passengers:  res.Overflow,
		Pickup:      origin,
		Dropoff:     t.Dropoff,
		VehicleType: presence.Profile.VehicleType,
	})
	e.Urgent = true
	s.publish(ctx, notify.DriverTopic(backup), e)
	s.log.Info("overflow request sent", "trip_id", tripID, "overflow", res.Overflow, "backup_driver_id", backup)
	return res, nil
}

func (s *Service) publish(ctx context.Context, topic string, e notify.Event) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(ctx, topic, e); err != nil {
		s.log.Warn("publish failed", "topic", topic, "type", e.Type, "error", err)
	}
}

func sortEntries(m map[string]Entry) []Entry {
	out := make([]Entry, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RouteKey < out[j].RouteKey })
	return out
}
