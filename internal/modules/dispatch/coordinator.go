// README: Dispatch timeout coordinator: one sequential actor per trip, parallel across trips.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"arkdispatch/internal/config"
	"arkdispatch/internal/modules/trip"
	"arkdispatch/internal/notify"
	"arkdispatch/internal/types"
)

type Coordinator struct {
	cfg      config.DispatchConfig
	alloc    Allocator
	registry Registry
	trips    Trips
	offers   OfferStore
	pub      notify.Publisher
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	actors map[types.ID]*actor
	closed bool
}

// NewCoordinator wires the coordinator. offers may be nil when no external
// snapshot store is configured.
func NewCoordinator(cfg config.DispatchConfig, alloc Allocator, registry Registry, trips Trips, offers OfferStore, pub notify.Publisher, log *slog.Logger) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:      cfg,
		alloc:    alloc,
		registry: registry,
		trips:    trips,
		offers:   offers,
		pub:      pub,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		actors:   make(map[types.ID]*actor),
	}
}

// Start begins dispatching a SEARCHING trip and waits for the first attempt.
func (c *Coordinator) Start(ctx context.Context, tripID types.ID) (Outcome, error) {
	t, err := c.trips.Get(ctx, tripID)
	if err != nil {
		return Outcome{}, err
	}
	if t.Status != trip.StatusSearching {
		return Outcome{}, trip.ErrInvalidState
	}
	a, err := c.spawn(t, 0, nil)
	if err != nil {
		return Outcome{}, err
	}
	reply := make(chan Outcome, 1)
	if !a.post(msgAllocate{reply: reply}) {
		return Outcome{}, ErrClosed
	}
	select {
	case out := <-reply:
		return out, nil
	case <-a.done:
		select {
		case out := <-reply:
			return out, nil
		default:
			return Outcome{}, ErrClosed
		}
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Respond delivers a driver's answer to the live offer of a trip.
func (c *Coordinator) Respond(ctx context.Context, tripID, driverID types.ID, accept bool) error {
	a := c.lookup(tripID)
	if a == nil {
		return ErrNoOffer
	}
	reply := make(chan error, 1)
	if !a.post(msgRespond{driverID: driverID, accept: accept, reply: reply}) {
		return ErrNoOffer
	}
	select {
	case err := <-reply:
		return err
	case <-a.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrNoOffer
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel cancels the trip. A running dispatch is stopped first and the
// offered driver released; for trips past dispatch the assigned driver is
// released. The trip as it was before cancellation is returned.
func (c *Coordinator) Cancel(ctx context.Context, cmd trip.CancelCommand) (*trip.Trip, error) {
	if a := c.lookup(cmd.TripID); a != nil {
		reply := make(chan cancelResult, 1)
		if a.post(msgCancel{cmd: cmd, reply: reply}) {
			select {
			case res := <-reply:
				return res.trip, res.err
			case <-a.done:
				select {
				case res := <-reply:
					return res.trip, res.err
				default:
				}
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	prev, err := c.trips.Cancel(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if prev.DriverID != nil {
		c.registry.ReleaseTrip(ctx, *prev.DriverID, prev.ID)
		c.publish(ctx, notify.DriverTopic(*prev.DriverID), notify.NewEvent(notify.EventTripCancelled, prev.ID, nil))
	}
	return prev, nil
}

// Offer returns a snapshot of the trip's live dispatch state.
func (c *Coordinator) Offer(tripID types.ID) (Offer, bool) {
	a := c.lookup(tripID)
	if a == nil {
		return Offer{}, false
	}
	return a.snapshot()
}

// Active reports the number of trips currently being dispatched.
func (c *Coordinator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.actors)
}

// Recover resumes dispatch for trips left mid-dispatch by a previous process.
// Assigned trips are reverted first; the driver that held the offer counts as
// having timed out.
func (c *Coordinator) Recover(ctx context.Context) error {
	pending, err := c.trips.ListByStatus(ctx, trip.StatusSearching, trip.StatusDriverAssigned)
	if err != nil {
		return fmt.Errorf("list pending trips: %w", err)
	}
	for _, t := range pending {
		attempt, declined := 0, []types.ID(nil)
		if c.offers != nil {
			if o, ok, err := c.offers.Load(ctx, t.ID); err != nil {
				c.log.Warn("load offer snapshot failed", "trip_id", t.ID, "error", err)
			} else if ok {
				attempt, declined = o.Attempt, o.Declined
			}
		}
		if t.Status == trip.StatusDriverAssigned && t.DriverID != nil {
			driverID := *t.DriverID
			if err := c.trips.Revert(ctx, t.ID, driverID); err != nil {
				c.log.Warn("revert stale assignment failed", "trip_id", t.ID, "error", err)
				continue
			}
			c.registry.ReleaseTrip(ctx, driverID, t.ID)
			declined = append(declined, driverID)
			if attempt == 0 {
				attempt = 1
			}
		}
		a, err := c.spawn(t, attempt, declined)
		if errors.Is(err, ErrAlreadyDispatching) {
			continue
		}
		if err != nil {
			return err
		}
		a.post(msgResume{})
		c.log.Info("dispatch resumed", "trip_id", t.ID, "attempt", attempt, "declined", len(declined))
	}
	return nil
}

// Run blocks until ctx is done and then stops every actor.
func (c *Coordinator) Run(ctx context.Context) error {
	<-ctx.Done()
	c.Close()
	return nil
}

// Close stops all actors and waits for them to exit. Trip state is left as
// is for Recover to pick up.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
}

func (c *Coordinator) spawn(t *trip.Trip, attempt int, declined []types.ID) (*actor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if _, ok := c.actors[t.ID]; ok {
		return nil, ErrAlreadyDispatching
	}
	a := newActor(c, t, attempt, declined)
	c.actors[t.ID] = a
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		a.run(c.ctx)
	}()
	return a, nil
}

func (c *Coordinator) lookup(tripID types.ID) *actor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.actors[tripID]
}

func (c *Coordinator) remove(a *actor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.actors[a.trip.ID] == a {
		delete(c.actors, a.trip.ID)
	}
}

func (c *Coordinator) publish(ctx context.Context, topic string, e notify.Event) {
	if c.pub == nil {
		return
	}
	if err := c.pub.Publish(ctx, topic, e); err != nil {
		c.log.Warn("publish failed", "topic", topic, "type", e.Type, "error", err)
	}
}
