// README: Driver handlers for offers, reroutes, trip progress and availability.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"arkdispatch/internal/modules/location"
	"arkdispatch/internal/modules/trip"
	"arkdispatch/internal/service"
	"arkdispatch/internal/types"
)

type DriverHandler struct {
	rides *service.RideService
}

func NewDriverHandler(rides *service.RideService) *DriverHandler {
	return &DriverHandler{rides: rides}
}

type answerReq struct {
	DriverID string `json:"driver_id"`
	Accept   *bool  `json:"accept"`
}

func bindAnswer(c *gin.Context) (id string, req answerReq, ok bool) {
	id, ok = pathID(c)
	if !ok {
		return "", req, false
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return "", req, false
	}
	if !isValidID(req.DriverID) {
		writeError(c, http.StatusBadRequest, "missing driver_id")
		return "", req, false
	}
	if req.Accept == nil {
		writeError(c, http.StatusBadRequest, "missing accept")
		return "", req, false
	}
	return id, req, true
}

// RespondToOffer handles POST /api/rides/:id/offer.
func (h *DriverHandler) RespondToOffer(c *gin.Context) {
	id, req, ok := bindAnswer(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if err := h.rides.RespondToOffer(ctx, types.ID(id), types.ID(req.DriverID), *req.Accept); err != nil {
		writeServiceError(c, err)
		return
	}
	// A decline may already have exhausted the trip.
	st, err := h.rides.GetTripLiveStatus(ctx, types.ID(id))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": st.Status})
}

// RespondToReroute handles POST /api/rides/:id/reroute.
func (h *DriverHandler) RespondToReroute(c *gin.Context) {
	id, req, ok := bindAnswer(c)
	if !ok {
		return
	}
	if err := h.rides.RespondToReroute(c.Request.Context(), types.ID(id), types.ID(req.DriverID), *req.Accept); err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"accepted": *req.Accept})
}

type driverReq struct {
	DriverID string `json:"driver_id"`
}

func bindDriver(c *gin.Context) (id, driverID string, ok bool) {
	id, ok = pathID(c)
	if !ok {
		return "", "", false
	}
	var req driverReq
	if err := c.ShouldBindJSON(&req); err != nil || !isValidID(req.DriverID) {
		writeError(c, http.StatusBadRequest, "missing driver_id")
		return "", "", false
	}
	return id, req.DriverID, true
}

// Start handles POST /api/rides/:id/start.
func (h *DriverHandler) Start(c *gin.Context) {
	id, driverID, ok := bindDriver(c)
	if !ok {
		return
	}
	if err := h.rides.StartTrip(c.Request.Context(), types.ID(id), types.ID(driverID)); err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": trip.StatusActive})
}

// Complete handles POST /api/rides/:id/complete.
func (h *DriverHandler) Complete(c *gin.Context) {
	id, driverID, ok := bindDriver(c)
	if !ok {
		return
	}
	if err := h.rides.CompleteTrip(c.Request.Context(), types.ID(id), types.ID(driverID)); err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": trip.StatusCompleted})
}

type onlineReq struct {
	VehicleType  string `json:"vehicle_type"`
	Capacity     int    `json:"capacity"`
	Verified     bool   `json:"verified"`
	LoyaltyLevel int    `json:"loyalty_level"`
}

// Online handles POST /api/drivers/:id/online.
func (h *DriverHandler) Online(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req onlineReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Capacity < 0 || req.LoyaltyLevel < 0 {
		writeError(c, http.StatusBadRequest, "invalid profile")
		return
	}
	err := h.rides.GoOnline(c.Request.Context(), types.ID(id), location.Profile{
		VehicleType:  req.VehicleType,
		Capacity:     req.Capacity,
		Verified:     req.Verified,
		LoyaltyLevel: req.LoyaltyLevel,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"online": true})
}

// Offline handles POST /api/drivers/:id/offline.
func (h *DriverHandler) Offline(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.rides.GoOffline(c.Request.Context(), types.ID(id)); err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"online": false})
}
