// README: Offer snapshots backed by Redis string keys with a TTL.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"arkdispatch/internal/types"
)

const (
	offerKeyPrefix    = "dispatch:trip:%s:offer"
	declinedKeyPrefix = "dispatch:trip:%s:declined"
	// Offers resolve in minutes; the TTL only bounds leaks from crashed nodes.
	keyTTL = time.Hour
)

type Store struct {
	redis *redis.Client
}

func NewStore(redis *redis.Client) *Store {
	return &Store{redis: redis}
}

// Save writes the offer snapshot and the declined set in one pipeline.
func (s *Store) Save(ctx context.Context, o Offer) error {
	raw, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode offer: %w", err)
	}
	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, offerKey(o.TripID), raw, keyTTL)
	if len(o.Declined) > 0 {
		members := make([]interface{}, len(o.Declined))
		for i, d := range o.Declined {
			members[i] = string(d)
		}
		pipe.SAdd(ctx, declinedKey(o.TripID), members...)
		pipe.Expire(ctx, declinedKey(o.TripID), keyTTL)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) Load(ctx context.Context, tripID types.ID) (Offer, bool, error) {
	raw, err := s.redis.Get(ctx, offerKey(tripID)).Bytes()
	if err == redis.Nil {
		return Offer{}, false, nil
	}
	if err != nil {
		return Offer{}, false, err
	}
	var o Offer
	if err := json.Unmarshal(raw, &o); err != nil {
		return Offer{}, false, fmt.Errorf("decode offer: %w", err)
	}
	return o, true, nil
}

// Declined returns the drivers recorded as having declined or timed out.
func (s *Store) Declined(ctx context.Context, tripID types.ID) ([]types.ID, error) {
	members, err := s.redis.SMembers(ctx, declinedKey(tripID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]types.ID, len(members))
	for i, m := range members {
		out[i] = types.ID(m)
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, tripID types.ID) error {
	return s.redis.Del(ctx, offerKey(tripID), declinedKey(tripID)).Err()
}

func offerKey(tripID types.ID) string {
	return fmt.Sprintf(offerKeyPrefix, string(tripID))
}

func declinedKey(tripID types.ID) string {
	return fmt.Sprintf(declinedKeyPrefix, string(tripID))
}
