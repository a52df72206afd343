// README: Presence mirror backed by Redis GEO (positions) and hashes (state).
package location

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"arkdispatch/internal/types"
)

const (
	driverGeoKey      = "location:drivers"
	driverStatePrefix = "location:driver:%s"
	// Stale presence hashes expire if a driver stops reporting entirely.
	stateTTL = 24 * time.Hour
)

type Store struct {
	redis *redis.Client
}

func NewStore(redis *redis.Client) *Store {
	return &Store{redis: redis}
}

func (s *Store) Save(ctx context.Context, p Presence) error {
	trip := ""
	if p.CurrentTripID != nil {
		trip = string(*p.CurrentTripID)
	}
	pipe := s.redis.TxPipeline()
	if p.Online && !p.Location.IsZero() {
		pipe.GeoAdd(ctx, driverGeoKey, &redis.GeoLocation{
			Name:      string(p.DriverID),
			Longitude: p.Location.Lng,
			Latitude:  p.Location.Lat,
		})
	}
	key := stateKey(p.DriverID)
	pipe.HSet(ctx, key, map[string]any{
		"lat":           p.Location.Lat,
		"lng":           p.Location.Lng,
		"speed_kmh":     p.SpeedKmh,
		"heading":       p.Heading,
		"vehicle_type":  p.Profile.VehicleType,
		"capacity":      p.Profile.Capacity,
		"verified":      boolFlag(p.Profile.Verified),
		"loyalty_level": p.Profile.LoyaltyLevel,
		"online":        boolFlag(p.Online),
		"banned":        boolFlag(p.Banned),
		"trip_id":       trip,
		"updated_at":    p.UpdatedAt.UTC().Format(time.RFC3339),
	})
	pipe.Expire(ctx, key, stateTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) Remove(ctx context.Context, id types.ID) error {
	pipe := s.redis.TxPipeline()
	pipe.ZRem(ctx, driverGeoKey, string(id))
	pipe.HSet(ctx, stateKey(id), "online", "0")
	_, err := pipe.Exec(ctx)
	return err
}

// Load reads a mirrored presence back; the registry uses it to restore
// assignments after a restart.
func (s *Store) Load(ctx context.Context, id types.ID) (Presence, error) {
	vals, err := s.redis.HGetAll(ctx, stateKey(id)).Result()
	if err != nil {
		return Presence{}, err
	}
	if len(vals) == 0 {
		return Presence{}, ErrUnknownDriver
	}
	p := Presence{DriverID: id}
	p.Location.Lat, _ = strconv.ParseFloat(vals["lat"], 64)
	p.Location.Lng, _ = strconv.ParseFloat(vals["lng"], 64)
	p.SpeedKmh, _ = strconv.ParseFloat(vals["speed_kmh"], 64)
	p.Heading, _ = strconv.ParseFloat(vals["heading"], 64)
	p.Profile.VehicleType = vals["vehicle_type"]
	p.Profile.Capacity, _ = strconv.Atoi(vals["capacity"])
	p.Profile.Verified = vals["verified"] == "1"
	p.Profile.LoyaltyLevel, _ = strconv.Atoi(vals["loyalty_level"])
	p.Online = vals["online"] == "1"
	p.Banned = vals["banned"] == "1"
	if trip := vals["trip_id"]; trip != "" {
		t := types.ID(trip)
		p.CurrentTripID = &t
	}
	if ts, err := time.Parse(time.RFC3339, vals["updated_at"]); err == nil {
		p.UpdatedAt = ts
	}
	return p, nil
}

func stateKey(id types.ID) string {
	return fmt.Sprintf(driverStatePrefix, string(id))
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
