// README: Location registry: live spatial index of drivers, assignment locks, traffic sample feed.
package location

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tidwall/rtree"

	"arkdispatch/internal/config"
	"arkdispatch/internal/types"
)

// SampleRecorder receives moving-driver speed samples.
type SampleRecorder interface {
	RecordSample(lat, lng, speedKmh float64) bool
}

// Mirror persists presence outside the process. Failures are logged only.
type Mirror interface {
	Save(ctx context.Context, p Presence) error
	Remove(ctx context.Context, id types.ID) error
}

// Loader reads a mirrored presence back after a restart.
type Loader interface {
	Load(ctx context.Context, id types.ID) (Presence, error)
}

type Service struct {
	cfg     config.LocationConfig
	log     *slog.Logger
	traffic SampleRecorder
	mirror  Mirror

	mu      sync.RWMutex
	drivers map[types.ID]*Presence
	index   rtree.RTreeG[types.ID]
}

func NewService(cfg config.LocationConfig, traffic SampleRecorder, mirror Mirror, log *slog.Logger) *Service {
	return &Service{
		cfg:     cfg,
		log:     log,
		traffic: traffic,
		mirror:  mirror,
		drivers: make(map[types.ID]*Presence),
	}
}

// Upsert records a position report. Drivers never seen before are tracked
// as offline until SetOnline.
func (s *Service) Upsert(ctx context.Context, u PositionUpdate) error {
	if u.DriverID == "" || !u.Location.Valid() {
		return ErrInvalidPosition
	}
	s.mu.Lock()
	p, ok := s.drivers[u.DriverID]
	if !ok {
		p = &Presence{DriverID: u.DriverID}
		s.drivers[u.DriverID] = p
	} else {
		s.index.Delete(pointKey(p.Location), pointKey(p.Location), p.DriverID)
	}
	p.Location = u.Location
	p.SpeedKmh = u.SpeedKmh
	p.Heading = u.Heading
	p.UpdatedAt = time.Now()
	s.index.Insert(pointKey(p.Location), pointKey(p.Location), p.DriverID)
	snap := p.clone()
	s.mu.Unlock()

	if s.traffic != nil && u.SpeedKmh > s.cfg.MinMovingKmh {
		s.traffic.RecordSample(u.Location.Lat, u.Location.Lng, u.SpeedKmh)
	}
	s.save(ctx, snap)
	return nil
}

func (s *Service) SetOnline(ctx context.Context, id types.ID, profile Profile) error {
	if id == "" {
		return ErrUnknownDriver
	}
	s.mu.Lock()
	p, ok := s.drivers[id]
	if !ok {
		p = &Presence{DriverID: id, UpdatedAt: time.Now()}
		s.drivers[id] = p
		// Without a position report the driver stays out of the spatial index.
	}
	p.Online = true
	p.Profile = profile
	snap := p.clone()
	s.mu.Unlock()

	s.save(ctx, snap)
	return nil
}

func (s *Service) SetOffline(ctx context.Context, id types.ID) error {
	s.mu.Lock()
	p, ok := s.drivers[id]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownDriver
	}
	p.Online = false
	s.mu.Unlock()

	if s.mirror != nil {
		if err := s.mirror.Remove(ctx, id); err != nil {
			s.log.Warn("presence mirror remove failed", "driver_id", id, "error", err)
		}
	}
	return nil
}

func (s *Service) Ban(ctx context.Context, id types.ID) error {
	s.mu.Lock()
	p, ok := s.drivers[id]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownDriver
	}
	p.Banned = true
	snap := p.clone()
	s.mu.Unlock()

	s.save(ctx, snap)
	return nil
}

func (s *Service) Get(id types.ID) (Presence, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.drivers[id]
	if !ok {
		return Presence{}, false
	}
	return p.clone(), true
}

// QueryNearby returns idle drivers within radiusKm of center ordered by
// distance, then driver id.
func (s *Service) QueryNearby(_ context.Context, center types.Point, radiusKm float64, f Filter) []Candidate {
	min, max := types.BoundAround(center, radiusKm)

	s.mu.RLock()
	var out []Candidate
	s.index.Search(min, max, func(_, _ [2]float64, id types.ID) bool {
		p := s.drivers[id]
		if p == nil || !p.Idle() {
			return true
		}
		if f.VehicleType != "" && p.Profile.VehicleType != f.VehicleType {
			return true
		}
		if _, skip := f.Exclude[id]; skip {
			return true
		}
		d := types.DistanceKm(center, p.Location)
		if d > radiusKm {
			return true
		}
		out = append(out, Candidate{Presence: p.clone(), DistanceKm: d})
		return true
	})
	s.mu.RUnlock()

	sortCandidates(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// TryAssign locks an idle driver to tripID. It fails when the driver went
// offline, was banned or was taken by another trip since it was queried.
func (s *Service) TryAssign(ctx context.Context, driverID, tripID types.ID) bool {
	s.mu.Lock()
	p, ok := s.drivers[driverID]
	if !ok || !p.Idle() {
		s.mu.Unlock()
		return false
	}
	t := tripID
	p.CurrentTripID = &t
	snap := p.clone()
	s.mu.Unlock()

	s.save(ctx, snap)
	return true
}

// RestoreAssignment locks driverID to a trip that was already underway before
// a restart. The driver keeps the lock when they report again and go online,
// so allocation skips them until the trip releases them. When the mirror can
// load, the last mirrored position and profile are brought back; the driver
// stays offline until SetOnline.
func (s *Service) RestoreAssignment(ctx context.Context, driverID, tripID types.ID) {
	var seed Presence
	if loader, ok := s.mirror.(Loader); ok {
		p, err := loader.Load(ctx, driverID)
		switch {
		case err == nil:
			seed = p
		case !errors.Is(err, ErrUnknownDriver):
			s.log.Warn("presence mirror load failed", "driver_id", driverID, "error", err)
		}
	}

	s.mu.Lock()
	p, ok := s.drivers[driverID]
	if !ok {
		p = &Presence{
			DriverID:  driverID,
			Location:  seed.Location,
			Heading:   seed.Heading,
			Profile:   seed.Profile,
			Banned:    seed.Banned,
			UpdatedAt: time.Now(),
		}
		s.drivers[driverID] = p
		if !p.Location.IsZero() {
			s.index.Insert(pointKey(p.Location), pointKey(p.Location), p.DriverID)
		}
	}
	t := tripID
	p.CurrentTripID = &t
	snap := p.clone()
	s.mu.Unlock()

	s.save(ctx, snap)
}

// Release clears the driver's current trip unconditionally.
func (s *Service) Release(ctx context.Context, driverID types.ID) {
	s.release(ctx, driverID, "")
}

// ReleaseTrip clears the driver's current trip only if it is still tripID.
func (s *Service) ReleaseTrip(ctx context.Context, driverID, tripID types.ID) bool {
	return s.release(ctx, driverID, tripID)
}

func (s *Service) release(ctx context.Context, driverID, tripID types.ID) bool {
	s.mu.Lock()
	p, ok := s.drivers[driverID]
	if !ok || p.CurrentTripID == nil || (tripID != "" && *p.CurrentTripID != tripID) {
		s.mu.Unlock()
		return false
	}
	p.CurrentTripID = nil
	snap := p.clone()
	s.mu.Unlock()

	s.save(ctx, snap)
	return true
}

func (s *Service) save(ctx context.Context, p Presence) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.Save(ctx, p); err != nil {
		s.log.Warn("presence mirror save failed", "driver_id", p.DriverID, "error", err)
	}
}

func pointKey(p types.Point) [2]float64 {
	return [2]float64{p.Lng, p.Lat}
}
