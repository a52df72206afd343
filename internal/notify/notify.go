// README: Topic-based publish/subscribe contract for driver and passenger notifications.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"arkdispatch/internal/types"
)

type EventType string

const (
	EventRideOffer       EventType = "ride_offer"
	EventOfferRevoked    EventType = "offer_revoked"
	EventDriverAssigned  EventType = "driver_assigned"
	EventNoDrivers       EventType = "no_drivers"
	EventTripCancelled   EventType = "trip_cancelled"
	EventEtaUpdate       EventType = "eta_update"
	EventRerouteProposal EventType = "reroute_proposal"
	EventRouteChanged    EventType = "route_changed"
	EventHotRoute        EventType = "hot_route"
	EventOverflowRequest EventType = "overflow_request"
)

// Event is the envelope sent on every topic. Delivery is at-most-once.
type Event struct {
	Type    EventType       `json:"type"`
	TripID  types.ID        `json:"trip_id,omitempty"`
	Urgent  bool            `json:"urgent,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      time.Time       `json:"at"`
}

// NewEvent marshals payload into an event stamped with the current time.
func NewEvent(typ EventType, tripID types.ID, payload any) Event {
	e := Event{Type: typ, TripID: tripID, At: time.Now().UTC()}
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			e.Payload = b
		}
	}
	return e
}

type Publisher interface {
	Publish(ctx context.Context, topic string, e Event) error
}

// Subscription delivers events until Close is called or the transport drops.
type Subscription interface {
	Events() <-chan Event
	Close() error
}

type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (Subscription, error)
}

type Bus interface {
	Publisher
	Subscriber
}

func DriverTopic(id types.ID) string {
	return "driver." + string(id)
}

func PassengerTopic(id types.ID) string {
	return "passenger." + string(id)
}
