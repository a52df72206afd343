// README: Redis pub/sub transport for notifications.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

type RedisBus struct {
	redis *redis.Client
	log   *slog.Logger
}

func NewRedisBus(client *redis.Client, log *slog.Logger) *RedisBus {
	return &RedisBus{redis: client, log: log}
}

func (b *RedisBus) Publish(ctx context.Context, topic string, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return b.redis.Publish(ctx, topic, body).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	ps := b.redis.Subscribe(ctx, topic)
	// Receive blocks until the subscription is confirmed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	s := &redisSub{ps: ps, ch: make(chan Event, memoryBuffer), done: make(chan struct{})}
	go s.pump(b.log)
	return s, nil
}

type redisSub struct {
	ps   *redis.PubSub
	ch   chan Event
	done chan struct{}
	once sync.Once
}

func (s *redisSub) pump(log *slog.Logger) {
	defer close(s.ch)
	for msg := range s.ps.Channel() {
		var e Event
		if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
			log.Warn("drop malformed event", "channel", msg.Channel, "error", err)
			continue
		}
		select {
		case s.ch <- e:
		case <-s.done:
			return
		default:
		}
	}
}

func (s *redisSub) Events() <-chan Event { return s.ch }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
