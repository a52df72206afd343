// README: Passenger handlers (request ride, live status, cancel, add passengers).
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"arkdispatch/internal/modules/trip"
	"arkdispatch/internal/service"
	"arkdispatch/internal/types"
)

type PassengerHandler struct {
	rides *service.RideService
}

func NewPassengerHandler(rides *service.RideService) *PassengerHandler {
	return &PassengerHandler{rides: rides}
}

type requestRideReq struct {
	PassengerID string  `json:"passenger_id"`
	PickupLat   float64 `json:"pickup_lat"`
	PickupLng   float64 `json:"pickup_lng"`
	DropoffLat  float64 `json:"dropoff_lat"`
	DropoffLng  float64 `json:"dropoff_lng"`
	VehicleType string  `json:"vehicle_type"`
	Passengers  int     `json:"passengers"`
}

// RequestRide handles POST /api/rides.
func (h *PassengerHandler) RequestRide(c *gin.Context) {
	var req requestRideReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if !isValidID(req.PassengerID) {
		writeError(c, http.StatusBadRequest, "missing passenger_id")
		return
	}
	res, err := h.rides.RequestRide(c.Request.Context(), service.RideRequest{
		PassengerID: types.ID(req.PassengerID),
		Pickup:      types.Point{Lat: req.PickupLat, Lng: req.PickupLng},
		Dropoff:     types.Point{Lat: req.DropoffLat, Lng: req.DropoffLng},
		VehicleType: req.VehicleType,
		Passengers:  req.Passengers,
	})
	if err != nil {
		if res.TripID != "" {
			// trip exists; dispatch resumes on recovery
			writeJSON(c, http.StatusAccepted, res)
			return
		}
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, res)
}

// Status handles GET /api/rides/:id.
func (h *PassengerHandler) Status(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	st, err := h.rides.GetTripLiveStatus(c.Request.Context(), types.ID(id))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

type cancelReq struct {
	ActorType string `json:"actor_type"`
	Reason    string `json:"reason"`
}

// Cancel handles POST /api/rides/:id/cancel.
func (h *PassengerHandler) Cancel(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req cancelReq
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "invalid json")
			return
		}
	}
	switch req.ActorType {
	case "":
		req.ActorType = trip.ActorPassenger
	case trip.ActorPassenger, trip.ActorDriver:
	default:
		writeError(c, http.StatusBadRequest, "invalid actor_type")
		return
	}
	if req.Reason == "" {
		req.Reason = "user_cancel"
	}
	if err := h.rides.CancelRide(c.Request.Context(), types.ID(id), req.ActorType, req.Reason); err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": trip.StatusCancelled})
}

type addPassengersReq struct {
	Count int `json:"count"`
}

// AddPassengers handles POST /api/rides/:id/passengers.
func (h *PassengerHandler) AddPassengers(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req addPassengersReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Count < 1 {
		writeError(c, http.StatusBadRequest, "count must be positive")
		return
	}
	res, err := h.rides.AddPassengers(c.Request.Context(), types.ID(id), req.Count)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}
