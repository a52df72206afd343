// README: Dispatch coordinator tests: acceptance, timeouts, exhaustion, cancellation, concurrency.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"arkdispatch/internal/config"
	"arkdispatch/internal/modules/location"
	"arkdispatch/internal/modules/matching"
	"arkdispatch/internal/modules/trip"
	"arkdispatch/internal/notify"
	"arkdispatch/internal/types"
)

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

// One online driver 2 km away accepts before the deadline.
func TestAcceptWithinTimeout(t *testing.T) {
	h := newHarness(t, testDispatchConfig())
	ctx := context.Background()
	h.addDriver(t, "d1", 2)
	driverSub := h.subscribe(t, notify.DriverTopic("d1"))

	tr := h.createTrip(t, "p1")
	passengerSub := h.subscribe(t, notify.PassengerTopic("p1"))

	out, err := h.coord.Start(ctx, tr.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if out.Offer == nil || out.Offer.DriverID != "d1" || out.Offer.Attempt != 1 {
		t.Fatalf("unexpected first offer: %+v", out)
	}
	if got := h.status(t, tr.ID); got != trip.StatusDriverAssigned {
		t.Fatalf("expected DRIVER_ASSIGNED, got %s", got)
	}
	if !hasEvent(drain(driverSub), notify.EventRideOffer) {
		t.Fatal("driver did not receive the ride offer")
	}

	if err := h.coord.Respond(ctx, tr.ID, "d1", true); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if got := h.status(t, tr.ID); got != trip.StatusEnRoutePickup {
		t.Fatalf("expected EN_ROUTE_PICKUP, got %s", got)
	}
	p, _ := h.reg.Get("d1")
	if p.CurrentTripID == nil || *p.CurrentTripID != tr.ID {
		t.Fatalf("driver should stay locked to the trip: %+v", p.CurrentTripID)
	}
	waitFor(t, time.Second, func() bool { return h.coord.Active() == 0 })
	if _, ok := h.coord.Offer(tr.ID); ok {
		t.Fatal("offer should be cleared after acceptance")
	}
	if !hasEvent(drain(passengerSub), notify.EventDriverAssigned) {
		t.Fatal("passenger was not notified of the assignment")
	}
}

// The first driver ignores the offer; the next best driver gets it.
func TestTimeoutReassignsToNextDriver(t *testing.T) {
	cfg := testDispatchConfig()
	cfg.OfferTimeout = 150 * time.Millisecond
	h := newHarness(t, cfg)
	ctx := context.Background()
	h.addDriver(t, "d1", 1)
	h.addDriver(t, "d2", 2)
	revoked := h.subscribe(t, notify.DriverTopic("d1"))

	tr := h.createTrip(t, "p1")
	out, err := h.coord.Start(ctx, tr.ID)
	if err != nil || out.Offer == nil || out.Offer.DriverID != "d1" {
		t.Fatalf("expected d1 first, got %+v err=%v", out, err)
	}

	var o Offer
	waitFor(t, 2*time.Second, func() bool {
		var ok bool
		o, ok = h.coord.Offer(tr.ID)
		return ok && o.DriverID == "d2"
	})
	if o.Attempt != 2 {
		t.Fatalf("expected attempt 2, got %d", o.Attempt)
	}
	if len(o.Declined) != 1 || o.Declined[0] != "d1" {
		t.Fatalf("expected d1 in declined set, got %v", o.Declined)
	}
	p, _ := h.reg.Get("d1")
	if p.CurrentTripID != nil {
		t.Fatal("timed out driver should be released")
	}
	cur, _ := h.trips.Get(ctx, tr.ID)
	if cur.Status != trip.StatusDriverAssigned || !cur.HasDriver("d2") {
		t.Fatalf("trip should be assigned to d2: %s %v", cur.Status, cur.DriverID)
	}
	if !hasEvent(drain(revoked), notify.EventOfferRevoked) {
		t.Fatal("timed out driver was not told the offer was revoked")
	}
}

// Five consecutive declines exhaust the trip; a sixth driver is never offered.
func TestFiveDeclinesExhaustTrip(t *testing.T) {
	h := newHarness(t, testDispatchConfig())
	ctx := context.Background()
	for i := 1; i <= 6; i++ {
		h.addDriver(t, types.ID(fmt.Sprintf("d%d", i)), float64(i)*0.5)
	}
	sixth := h.subscribe(t, notify.DriverTopic("d6"))
	tr := h.createTrip(t, "p1")
	passengerSub := h.subscribe(t, notify.PassengerTopic("p1"))

	if _, err := h.coord.Start(ctx, tr.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	offered := map[types.ID]bool{}
	for attempt := 1; attempt <= 5; attempt++ {
		var o Offer
		waitFor(t, 2*time.Second, func() bool {
			var ok bool
			o, ok = h.coord.Offer(tr.ID)
			return ok && o.DriverID != "" && o.Attempt == attempt
		})
		if offered[o.DriverID] {
			t.Fatalf("driver %s offered twice", o.DriverID)
		}
		offered[o.DriverID] = true
		if err := h.coord.Respond(ctx, tr.ID, o.DriverID, false); err != nil {
			t.Fatalf("decline attempt %d: %v", attempt, err)
		}
	}

	waitFor(t, 2*time.Second, func() bool { return h.status(t, tr.ID) == trip.StatusNoDrivers })
	time.Sleep(50 * time.Millisecond)
	if hasEvent(drain(sixth), notify.EventRideOffer) {
		t.Fatal("a sixth offer was made")
	}
	if offered["d6"] {
		t.Fatal("d6 should never have been offered")
	}
	if _, ok := h.coord.Offer(tr.ID); ok {
		t.Fatal("offer state should be cleared after exhaustion")
	}
	if !hasEvent(drain(passengerSub), notify.EventNoDrivers) {
		t.Fatal("passenger was not notified of exhaustion")
	}
	for id := range offered {
		if p, _ := h.reg.Get(id); p.CurrentTripID != nil {
			t.Fatalf("declined driver %s still locked", id)
		}
	}
}

// Declined drivers are excluded from later attempts even when closest.
func TestDeclinedDriversNeverReoffered(t *testing.T) {
	h := newHarness(t, testDispatchConfig())
	ctx := context.Background()
	h.addDriver(t, "near", 0.5)
	h.addDriver(t, "far", 3)

	tr := h.createTrip(t, "p1")
	out, _ := h.coord.Start(ctx, tr.ID)
	if out.Offer == nil || out.Offer.DriverID != "near" {
		t.Fatalf("expected near first, got %+v", out)
	}
	if err := h.coord.Respond(ctx, tr.ID, "near", false); err != nil {
		t.Fatalf("decline: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		o, ok := h.coord.Offer(tr.ID)
		return ok && o.DriverID == "far"
	})
	if err := h.coord.Respond(ctx, tr.ID, "far", false); err != nil {
		t.Fatalf("decline: %v", err)
	}
	// Both declined and no one else is around: the trip exhausts early.
	waitFor(t, 2*time.Second, func() bool { return h.status(t, tr.ID) == trip.StatusNoDrivers })
}

func TestNoCandidatesMeansNoDrivers(t *testing.T) {
	h := newHarness(t, testDispatchConfig())
	tr := h.createTrip(t, "p1")

	out, err := h.coord.Start(context.Background(), tr.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !out.NoDrivers || out.Offer != nil {
		t.Fatalf("expected no drivers outcome, got %+v", out)
	}
	if got := h.status(t, tr.ID); got != trip.StatusNoDrivers {
		t.Fatalf("expected NO_DRIVERS, got %s", got)
	}
}

func TestRespondRejectsDriverWithoutOffer(t *testing.T) {
	h := newHarness(t, testDispatchConfig())
	ctx := context.Background()
	h.addDriver(t, "d1", 1)
	h.addDriver(t, "d2", 2)
	tr := h.createTrip(t, "p1")
	if _, err := h.coord.Start(ctx, tr.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := h.coord.Respond(ctx, tr.ID, "d2", true); !errors.Is(err, ErrNoOffer) {
		t.Fatalf("want ErrNoOffer for other driver, got %v", err)
	}
	if err := h.coord.Respond(ctx, "unknown", "d1", true); !errors.Is(err, ErrNoOffer) {
		t.Fatalf("want ErrNoOffer for unknown trip, got %v", err)
	}
	if got := h.status(t, tr.ID); got != trip.StatusDriverAssigned {
		t.Fatalf("status changed after rejected response: %s", got)
	}
}

// A deadline that fires after acceptance has no effect.
func TestLateTimeoutAfterAcceptIsNoop(t *testing.T) {
	cfg := testDispatchConfig()
	cfg.OfferTimeout = 30 * time.Millisecond
	h := newHarness(t, cfg)
	ctx := context.Background()
	h.addDriver(t, "d1", 1)
	h.addDriver(t, "d2", 2)
	tr := h.createTrip(t, "p1")

	if _, err := h.coord.Start(ctx, tr.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.coord.Respond(ctx, tr.ID, "d1", true); err != nil {
		t.Fatalf("accept: %v", err)
	}
	time.Sleep(4 * cfg.OfferTimeout)

	cur, _ := h.trips.Get(ctx, tr.ID)
	if cur.Status != trip.StatusEnRoutePickup || !cur.HasDriver("d1") {
		t.Fatalf("late timeout changed the trip: %s %v", cur.Status, cur.DriverID)
	}
	if p, _ := h.reg.Get("d2"); p.CurrentTripID != nil {
		t.Fatal("no second driver should have been locked")
	}
}

// A timeout armed for an earlier attempt is ignored by the actor.
func TestStaleTimeoutTokenIgnored(t *testing.T) {
	cfg := testDispatchConfig()
	h := newHarness(t, cfg)
	ctx := context.Background()
	h.addDriver(t, "d1", 1)
	h.addDriver(t, "d2", 2)
	tr := h.createTrip(t, "p1")

	if _, err := h.coord.Start(ctx, tr.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.coord.Respond(ctx, tr.ID, "d1", false); err != nil {
		t.Fatalf("decline: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		o, ok := h.coord.Offer(tr.ID)
		return ok && o.DriverID == "d2"
	})

	a := h.coord.lookup(tr.ID)
	if a == nil || !a.post(msgTimeout{attempt: 1}) {
		t.Fatal("actor should still be running")
	}
	// A respond round-trip guarantees the stale message was processed first.
	if err := h.coord.Respond(ctx, tr.ID, "d1", true); !errors.Is(err, ErrNoOffer) {
		t.Fatalf("want ErrNoOffer, got %v", err)
	}
	o, ok := h.coord.Offer(tr.ID)
	if !ok || o.DriverID != "d2" || o.Attempt != 2 {
		t.Fatalf("stale timeout altered the offer: %+v", o)
	}
}

func TestCancelDuringDispatch(t *testing.T) {
	cfg := testDispatchConfig()
	h := newHarness(t, cfg)
	ctx := context.Background()
	h.addDriver(t, "d1", 1)
	driverSub := h.subscribe(t, notify.DriverTopic("d1"))
	tr := h.createTrip(t, "p1")

	if _, err := h.coord.Start(ctx, tr.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	prev, err := h.coord.Cancel(ctx, trip.CancelCommand{TripID: tr.ID, Reason: "changed_mind"})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if prev.Status != trip.StatusDriverAssigned {
		t.Fatalf("expected pre-cancel status DRIVER_ASSIGNED, got %s", prev.Status)
	}
	if got := h.status(t, tr.ID); got != trip.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", got)
	}
	if p, _ := h.reg.Get("d1"); p.CurrentTripID != nil {
		t.Fatal("offered driver should be released on cancel")
	}
	waitFor(t, time.Second, func() bool { return h.coord.Active() == 0 })
	if _, ok := h.coord.Offer(tr.ID); ok {
		t.Fatal("offer should be cleared after cancel")
	}
	if !hasEvent(drain(driverSub), notify.EventTripCancelled) {
		t.Fatal("driver was not told about the cancellation")
	}
	if err := h.coord.Respond(ctx, tr.ID, "d1", true); !errors.Is(err, ErrNoOffer) {
		t.Fatalf("respond after cancel: want ErrNoOffer, got %v", err)
	}
}

func TestCancelAfterAcceptReleasesDriver(t *testing.T) {
	h := newHarness(t, testDispatchConfig())
	ctx := context.Background()
	h.addDriver(t, "d1", 1)
	tr := h.createTrip(t, "p1")
	if _, err := h.coord.Start(ctx, tr.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.coord.Respond(ctx, tr.ID, "d1", true); err != nil {
		t.Fatalf("accept: %v", err)
	}
	waitFor(t, time.Second, func() bool { return h.coord.Active() == 0 })

	if _, err := h.coord.Cancel(ctx, trip.CancelCommand{TripID: tr.ID, ActorType: trip.ActorDriver}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if p, _ := h.reg.Get("d1"); p.CurrentTripID != nil {
		t.Fatal("assigned driver should be released")
	}
}

func TestStartGuards(t *testing.T) {
	cfg := testDispatchConfig()
	h := newHarness(t, cfg)
	ctx := context.Background()
	h.addDriver(t, "d1", 1)
	tr := h.createTrip(t, "p1")

	if _, err := h.coord.Start(ctx, tr.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := h.coord.Start(ctx, tr.ID); !errors.Is(err, trip.ErrInvalidState) && !errors.Is(err, ErrAlreadyDispatching) {
		t.Fatalf("second start: got %v", err)
	}
	if _, err := h.coord.Start(ctx, "missing"); !errors.Is(err, trip.ErrNotFound) {
		t.Fatalf("missing trip: want ErrNotFound, got %v", err)
	}
}

// Many trips dispatched at once never share a driver.
func TestConcurrentTripsNeverShareDriver(t *testing.T) {
	cfg := testDispatchConfig()
	h := newHarness(t, cfg)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		h.addDriver(t, types.ID(fmt.Sprintf("d%d", i)), 0.5+float64(i)*0.3)
	}
	trips := make([]*trip.Trip, 20)
	for i := range trips {
		trips[i] = h.createTrip(t, types.ID(fmt.Sprintf("p%d", i)))
	}

	outcomes := make([]Outcome, len(trips))
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i, tr := range trips {
		wg.Add(1)
		go func(i int, id types.ID) {
			defer wg.Done()
			<-start
			out, err := h.coord.Start(ctx, id)
			if err != nil {
				t.Errorf("start %s: %v", id, err)
			}
			outcomes[i] = out
		}(i, tr.ID)
	}
	close(start)
	wg.Wait()

	holders := map[types.ID]types.ID{}
	noDrivers := 0
	for i, out := range outcomes {
		if out.NoDrivers {
			noDrivers++
			continue
		}
		if out.Offer == nil {
			t.Fatalf("trip %d: empty outcome", i)
		}
		if other, ok := holders[out.Offer.DriverID]; ok {
			t.Fatalf("driver %s offered to %s and %s", out.Offer.DriverID, other, trips[i].ID)
		}
		holders[out.Offer.DriverID] = trips[i].ID
	}
	if len(holders) != 5 || noDrivers != 15 {
		t.Fatalf("expected 5 offers and 15 exhausted trips, got %d and %d", len(holders), noDrivers)
	}
	for driverID, tripID := range holders {
		p, _ := h.reg.Get(driverID)
		if p.CurrentTripID == nil || *p.CurrentTripID != tripID {
			t.Fatalf("driver %s lock does not match its offer", driverID)
		}
	}
}

func TestOfferSnapshotsPersisted(t *testing.T) {
	cfg := testDispatchConfig()
	store := newFakeOfferStore()
	h := newHarnessWithStore(t, cfg, store)
	ctx := context.Background()
	h.addDriver(t, "d1", 1)
	h.addDriver(t, "d2", 2)
	tr := h.createTrip(t, "p1")

	if _, err := h.coord.Start(ctx, tr.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if o, ok := store.get(tr.ID); !ok || o.DriverID != "d1" {
		t.Fatalf("offer not persisted: %+v", o)
	}
	_ = h.coord.Respond(ctx, tr.ID, "d1", false)
	waitFor(t, 2*time.Second, func() bool {
		o, ok := store.get(tr.ID)
		return ok && o.DriverID == "d2" && len(o.Declined) == 1
	})
	if err := h.coord.Respond(ctx, tr.ID, "d2", true); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, ok := store.get(tr.ID); ok {
		t.Fatal("offer snapshot should be deleted after acceptance")
	}
}

func TestRecoverResumesInterruptedDispatch(t *testing.T) {
	cfg := testDispatchConfig()
	store := newFakeOfferStore()
	h := newHarnessWithStore(t, cfg, store)
	ctx := context.Background()
	h.addDriver(t, "d1", 1)
	h.addDriver(t, "d2", 2)
	tr := h.createTrip(t, "p1")

	// Simulate a crash after the first offer went out.
	if !h.reg.TryAssign(ctx, "d1", tr.ID) {
		t.Fatal("lock d1")
	}
	if err := h.trips.Assign(ctx, tr.ID, "d1"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	_ = store.Save(ctx, Offer{TripID: tr.ID, DriverID: "d1", Attempt: 1})

	if err := h.coord.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	var o Offer
	waitFor(t, 2*time.Second, func() bool {
		var ok bool
		o, ok = h.coord.Offer(tr.ID)
		return ok && o.DriverID == "d2"
	})
	if o.Attempt != 2 || len(o.Declined) != 1 || o.Declined[0] != "d1" {
		t.Fatalf("unexpected resumed offer: %+v", o)
	}
	if p, _ := h.reg.Get("d1"); p.CurrentTripID != nil {
		t.Fatal("stale driver lock should be released")
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

var pickup = types.Point{Lat: 25.0330, Lng: 121.5654}

type harness struct {
	coord *Coordinator
	reg   *location.Service
	trips *trip.Service
	bus   *notify.MemoryBus
}

func testDispatchConfig() config.DispatchConfig {
	return config.DispatchConfig{
		OfferTimeout: time.Hour,
		SettleDelay:  5 * time.Millisecond,
		MaxAttempts:  5,
	}
}

func newHarness(t *testing.T, cfg config.DispatchConfig) *harness {
	return newHarnessWithStore(t, cfg, nil)
}

func newHarnessWithStore(t *testing.T, cfg config.DispatchConfig, offers OfferStore) *harness {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := location.NewService(config.LocationConfig{MinMovingKmh: 3}, nil, nil, log)
	alloc := matching.NewService(reg, config.Defaults().Matching)
	trips := trip.NewService(trip.NewMemoryStore(), log)
	bus := notify.NewMemoryBus()
	coord := NewCoordinator(cfg, alloc, reg, trips, offers, bus, log)
	t.Cleanup(coord.Close)
	return &harness{coord: coord, reg: reg, trips: trips, bus: bus}
}

func (h *harness) addDriver(t *testing.T, id types.ID, km float64) {
	t.Helper()
	ctx := context.Background()
	at := types.Point{Lat: pickup.Lat + km/111.2, Lng: pickup.Lng}
	if err := h.reg.Upsert(ctx, location.PositionUpdate{DriverID: id, Location: at}); err != nil {
		t.Fatalf("upsert %s: %v", id, err)
	}
	if err := h.reg.SetOnline(ctx, id, location.Profile{VehicleType: "sedan", Capacity: 4}); err != nil {
		t.Fatalf("online %s: %v", id, err)
	}
}

func (h *harness) createTrip(t *testing.T, passengerID types.ID) *trip.Trip {
	t.Helper()
	tr, err := h.trips.Create(context.Background(), trip.CreateCommand{
		PassengerID: passengerID,
		Pickup:      pickup,
		Dropoff:     types.Point{Lat: 25.0478, Lng: 121.5318},
		VehicleType: "sedan",
	})
	if err != nil {
		t.Fatalf("create trip: %v", err)
	}
	return tr
}

func (h *harness) status(t *testing.T, id types.ID) trip.Status {
	t.Helper()
	tr, err := h.trips.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get trip: %v", err)
	}
	return tr.Status
}

func (h *harness) subscribe(t *testing.T, topic string) notify.Subscription {
	t.Helper()
	sub, err := h.bus.Subscribe(context.Background(), topic)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Close() })
	return sub
}

func drain(sub notify.Subscription) []notify.Event {
	var out []notify.Event
	for {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, e)
		default:
			return out
		}
	}
}

func hasEvent(events []notify.Event, typ notify.EventType) bool {
	for _, e := range events {
		if e.Type == typ {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

type fakeOfferStore struct {
	mu     sync.Mutex
	offers map[types.ID]Offer
}

func newFakeOfferStore() *fakeOfferStore {
	return &fakeOfferStore{offers: make(map[types.ID]Offer)}
}

func (f *fakeOfferStore) Save(_ context.Context, o Offer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers[o.TripID] = o.clone()
	return nil
}

func (f *fakeOfferStore) Load(_ context.Context, id types.ID) (Offer, bool, error) {
	o, ok := f.get(id)
	return o, ok, nil
}

func (f *fakeOfferStore) Delete(_ context.Context, id types.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.offers, id)
	return nil
}

func (f *fakeOfferStore) get(id types.ID) (Offer, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.offers[id]
	return o.clone(), ok
}
