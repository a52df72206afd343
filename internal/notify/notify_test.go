package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestMemoryBusDeliversToTopicOnly(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()

	a, _ := bus.Subscribe(ctx, DriverTopic("d1"))
	b, _ := bus.Subscribe(ctx, DriverTopic("d2"))
	defer a.Close()
	defer b.Close()

	_ = bus.Publish(ctx, DriverTopic("d1"), NewEvent(EventRideOffer, "t1", map[string]any{"attempt": 1}))

	select {
	case e := <-a.Events():
		if e.Type != EventRideOffer || e.TripID != "t1" {
			t.Fatalf("unexpected event: %+v", e)
		}
		var payload map[string]int
		if err := json.Unmarshal(e.Payload, &payload); err != nil || payload["attempt"] != 1 {
			t.Fatalf("payload = %s (%v)", e.Payload, err)
		}
	case <-time.After(time.Second):
		t.Fatal("d1 did not receive its event")
	}
	select {
	case e := <-b.Events():
		t.Fatalf("d2 received foreign event %+v", e)
	default:
	}
}

func TestMemoryBusCloseStopsDelivery(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	s, _ := bus.Subscribe(ctx, PassengerTopic("p1"))
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_ = s.Close()
	if err := bus.Publish(ctx, PassengerTopic("p1"), NewEvent(EventEtaUpdate, "t1", nil)); err != nil {
		t.Fatalf("publish after close: %v", err)
	}
	if _, ok := <-s.Events(); ok {
		t.Fatal("expected closed channel")
	}
}

func TestMemoryBusSlowSubscriberDoesNotBlock(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	s, _ := bus.Subscribe(ctx, "x")
	defer s.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < memoryBuffer*3; i++ {
			_ = bus.Publish(ctx, "x", NewEvent(EventHotRoute, "", nil))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestRedisBusRoundTrip(t *testing.T) {
	addr := os.Getenv("ARK_REDIS_ADDR")
	if addr == "" {
		t.Skip("ARK_REDIS_ADDR not set; skipping integration test")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	ctx := context.Background()
	bus := NewRedisBus(rdb, slog.Default())
	sub, err := bus.Subscribe(ctx, DriverTopic("redis_test"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if err := bus.Publish(ctx, DriverTopic("redis_test"), NewEvent(EventHotRoute, "", nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case e := <-sub.Events():
		if e.Type != EventHotRoute {
			t.Fatalf("unexpected event %+v", e)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for redis event")
	}
}
