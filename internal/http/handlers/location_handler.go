// README: Driver position reports.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"arkdispatch/internal/service"
	"arkdispatch/internal/types"
)

type LocationHandler struct {
	rides *service.RideService
}

func NewLocationHandler(rides *service.RideService) *LocationHandler {
	return &LocationHandler{rides: rides}
}

type locationReq struct {
	Lat      *float64 `json:"lat"`
	Lng      *float64 `json:"lng"`
	SpeedKmh float64  `json:"speed_kmh"`
	Heading  float64  `json:"heading"`
}

// Update handles PUT /api/drivers/:id/location.
func (h *LocationHandler) Update(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req locationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Lat == nil || req.Lng == nil {
		writeError(c, http.StatusBadRequest, "missing lat/lng")
		return
	}
	err := h.rides.ReportDriverPosition(c.Request.Context(), types.ID(id), *req.Lat, *req.Lng, req.SpeedKmh, req.Heading)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": "ok"})
}
