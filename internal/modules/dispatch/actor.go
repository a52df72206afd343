// README: Per-trip dispatch actor. All offer state is owned by its goroutine.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"arkdispatch/internal/modules/matching"
	"arkdispatch/internal/modules/trip"
	"arkdispatch/internal/notify"
	"arkdispatch/internal/types"
)

const mailboxSize = 16

type msgAllocate struct{ reply chan Outcome }

type msgResume struct{}

type msgRespond struct {
	driverID types.ID
	accept   bool
	reply    chan error
}

// msgTimeout and msgSettle carry the attempt number they were armed for;
// the actor drops any whose attempt is no longer live.
type msgTimeout struct{ attempt int }

type msgSettle struct{ attempt int }

type msgCancel struct {
	cmd   trip.CancelCommand
	reply chan cancelResult
}

type cancelResult struct {
	trip *trip.Trip
	err  error
}

type actor struct {
	c       *Coordinator
	trip    *trip.Trip
	mailbox chan any
	done    chan struct{}

	attempt     int
	declined    []types.ID
	declinedSet map[types.ID]struct{}
	driverID    types.ID
	deadline    time.Time
	timer       *time.Timer
	finished    bool

	mu   sync.Mutex
	live *Offer
}

func newActor(c *Coordinator, t *trip.Trip, attempt int, declined []types.ID) *actor {
	a := &actor{
		c:           c,
		trip:        t,
		mailbox:     make(chan any, mailboxSize),
		done:        make(chan struct{}),
		attempt:     attempt,
		declinedSet: make(map[types.ID]struct{}),
	}
	for _, d := range declined {
		a.addDeclined(d)
	}
	return a
}

// post enqueues m unless the actor has exited.
func (a *actor) post(m any) bool {
	select {
	case <-a.done:
		return false
	default:
	}
	select {
	case a.mailbox <- m:
		return true
	case <-a.done:
		return false
	}
}

func (a *actor) snapshot() (Offer, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.live == nil {
		return Offer{}, false
	}
	return a.live.clone(), true
}

func (a *actor) run(ctx context.Context) {
	defer func() {
		a.stopTimer()
		a.c.remove(a)
		close(a.done)
	}()
	for !a.finished {
		select {
		case <-ctx.Done():
			return
		case m := <-a.mailbox:
			a.handle(ctx, m)
		}
	}
}

func (a *actor) handle(ctx context.Context, m any) {
	switch m := m.(type) {
	case msgAllocate:
		m.reply <- a.offerNext(ctx)
	case msgResume:
		a.offerNext(ctx)
	case msgRespond:
		m.reply <- a.respond(ctx, m.driverID, m.accept)
	case msgTimeout:
		a.onTimeout(ctx, m.attempt)
	case msgSettle:
		if m.attempt == a.attempt && a.driverID == "" {
			a.offerNext(ctx)
		}
	case msgCancel:
		m.reply <- a.cancel(ctx, m.cmd)
	}
}

// offerNext allocates the best eligible driver not yet declined, locks it and
// sends the offer with a fresh deadline.
func (a *actor) offerNext(ctx context.Context) Outcome {
	log := a.c.log.With("trip_id", a.trip.ID)
	if a.attempt >= a.c.cfg.MaxAttempts {
		a.exhaust(ctx)
		return Outcome{NoDrivers: true}
	}
	current, err := a.c.trips.Get(ctx, a.trip.ID)
	if err != nil {
		log.Error("load trip for dispatch failed", "error", err)
		a.finish(ctx)
		return Outcome{}
	}
	if current.Status != trip.StatusSearching {
		log.Info("trip left searching; dispatch stopped", "status", current.Status)
		a.finish(ctx)
		return Outcome{}
	}

	skip := make(map[types.ID]struct{}, len(a.declinedSet))
	for id := range a.declinedSet {
		skip[id] = struct{}{}
	}
	for {
		res := a.c.alloc.Allocate(ctx, matching.Request{
			Pickup:      a.trip.Pickup,
			VehicleType: a.trip.VehicleType,
			Exclude:     skip,
		})
		if res == nil {
			a.exhaust(ctx)
			return Outcome{NoDrivers: true}
		}
		if !a.c.registry.TryAssign(ctx, res.DriverID, a.trip.ID) {
			// lost the driver to another trip between query and lock
			skip[res.DriverID] = struct{}{}
			continue
		}
		if err := a.c.trips.Assign(ctx, a.trip.ID, res.DriverID); err != nil {
			a.c.registry.ReleaseTrip(ctx, res.DriverID, a.trip.ID)
			log.Warn("assign trip failed; dispatch stopped", "driver_id", res.DriverID, "error", err)
			a.finish(ctx)
			return Outcome{}
		}

		a.attempt++
		a.driverID = res.DriverID
		a.deadline = time.Now().Add(a.c.cfg.OfferTimeout)
		a.armTimeout(a.c.cfg.OfferTimeout)
		o := a.saveState(ctx)

		a.c.publish(ctx, notify.DriverTopic(res.DriverID), notify.NewEvent(notify.EventRideOffer, a.trip.ID, offerPayload{
			TripID:     a.trip.ID,
			Pickup:     a.trip.Pickup,
			Dropoff:    a.trip.Dropoff,
			Passengers: a.trip.Passengers,
			Attempt:    a.attempt,
			DistanceKm: res.DistanceKm,
			Deadline:   a.deadline,
		}))
		log.Info("offer sent", "driver_id", res.DriverID, "attempt", a.attempt, "distance_km", res.DistanceKm)
		return Outcome{Offer: &o}
	}
}

func (a *actor) respond(ctx context.Context, driverID types.ID, accept bool) error {
	if a.driverID == "" || a.driverID != driverID {
		return ErrNoOffer
	}
	if !accept {
		a.stopTimer()
		a.c.log.Info("offer declined", "trip_id", a.trip.ID, "driver_id", driverID, "attempt", a.attempt)
		a.release(ctx, "declined")
		return nil
	}

	if err := a.c.trips.Accept(ctx, a.trip.ID, driverID); err != nil {
		if errors.Is(err, trip.ErrInvalidState) || errors.Is(err, trip.ErrConflict) {
			a.c.registry.ReleaseTrip(ctx, driverID, a.trip.ID)
			a.finish(ctx)
		}
		return err
	}
	a.stopTimer()
	a.driverID = ""
	a.finish(ctx)
	a.c.publish(ctx, notify.PassengerTopic(a.trip.PassengerID), notify.NewEvent(notify.EventDriverAssigned, a.trip.ID, assignedPayload{
		TripID:   a.trip.ID,
		DriverID: driverID,
	}))
	a.c.log.Info("offer accepted", "trip_id", a.trip.ID, "driver_id", driverID, "attempt", a.attempt)
	return nil
}

func (a *actor) onTimeout(ctx context.Context, attempt int) {
	if attempt != a.attempt || a.driverID == "" {
		return
	}
	current, err := a.c.trips.Get(ctx, a.trip.ID)
	if err == nil && current.Status != trip.StatusDriverAssigned {
		if current.Status.Terminal() || current.Status.InProgress() {
			a.finish(ctx)
		}
		return
	}
	a.c.log.Info("offer timed out", "trip_id", a.trip.ID, "driver_id", a.driverID, "attempt", a.attempt)
	a.release(ctx, "timeout")
}

// release moves the offered driver to the declined set and either settles
// before the next attempt or exhausts the trip.
func (a *actor) release(ctx context.Context, reason string) {
	driverID := a.driverID
	a.addDeclined(driverID)
	a.driverID = ""
	a.deadline = time.Time{}
	a.c.registry.ReleaseTrip(ctx, driverID, a.trip.ID)
	a.c.publish(ctx, notify.DriverTopic(driverID), notify.NewEvent(notify.EventOfferRevoked, a.trip.ID, revokedPayload{
		TripID: a.trip.ID,
		Reason: reason,
	}))

	if err := a.c.trips.Revert(ctx, a.trip.ID, driverID); err != nil {
		a.c.log.Warn("revert trip failed; dispatch stopped", "trip_id", a.trip.ID, "error", err)
		a.finish(ctx)
		return
	}
	if a.attempt >= a.c.cfg.MaxAttempts {
		a.exhaust(ctx)
		return
	}
	a.saveState(ctx)
	attempt := a.attempt
	a.timer = time.AfterFunc(a.c.cfg.SettleDelay, func() { a.post(msgSettle{attempt: attempt}) })
}

func (a *actor) exhaust(ctx context.Context) {
	if err := a.c.trips.NoDrivers(ctx, a.trip.ID); err != nil {
		a.c.log.Warn("mark trip no drivers failed", "trip_id", a.trip.ID, "error", err)
	} else {
		a.c.publish(ctx, notify.PassengerTopic(a.trip.PassengerID), notify.NewEvent(notify.EventNoDrivers, a.trip.ID, noDriversPayload{
			TripID:   a.trip.ID,
			Attempts: a.attempt,
		}))
		a.c.log.Info("no drivers available", "trip_id", a.trip.ID, "attempts", a.attempt, "declined", len(a.declined))
	}
	a.finish(ctx)
}

func (a *actor) cancel(ctx context.Context, cmd trip.CancelCommand) cancelResult {
	prev, err := a.c.trips.Cancel(ctx, cmd)
	if err != nil {
		return cancelResult{err: err}
	}
	a.stopTimer()
	if a.driverID != "" {
		a.c.registry.ReleaseTrip(ctx, a.driverID, a.trip.ID)
		a.c.publish(ctx, notify.DriverTopic(a.driverID), notify.NewEvent(notify.EventTripCancelled, a.trip.ID, nil))
		a.driverID = ""
	}
	a.finish(ctx)
	a.c.log.Info("dispatch cancelled", "trip_id", a.trip.ID, "attempt", a.attempt)
	return cancelResult{trip: prev}
}

func (a *actor) finish(ctx context.Context) {
	a.finished = true
	a.mu.Lock()
	a.live = nil
	a.mu.Unlock()
	if a.c.offers != nil {
		if err := a.c.offers.Delete(ctx, a.trip.ID); err != nil {
			a.c.log.Warn("delete offer snapshot failed", "trip_id", a.trip.ID, "error", err)
		}
	}
}

func (a *actor) saveState(ctx context.Context) Offer {
	o := Offer{
		TripID:   a.trip.ID,
		DriverID: a.driverID,
		Attempt:  a.attempt,
		Declined: append([]types.ID(nil), a.declined...),
		Deadline: a.deadline,
	}
	a.mu.Lock()
	live := o.clone()
	a.live = &live
	a.mu.Unlock()
	if a.c.offers != nil {
		if err := a.c.offers.Save(ctx, o); err != nil {
			a.c.log.Warn("save offer snapshot failed", "trip_id", a.trip.ID, "error", err)
		}
	}
	return o
}

func (a *actor) armTimeout(d time.Duration) {
	attempt := a.attempt
	a.timer = time.AfterFunc(d, func() { a.post(msgTimeout{attempt: attempt}) })
}

func (a *actor) stopTimer() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *actor) addDeclined(id types.ID) {
	if _, ok := a.declinedSet[id]; ok {
		return
	}
	a.declinedSet[id] = struct{}{}
	a.declined = append(a.declined, id)
}
