// README: Hot route lookup and route demand forecasts for drivers looking for work.
package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"arkdispatch/internal/modules/demand"
	"arkdispatch/internal/service"
)

type DemandHandler struct {
	rides *service.RideService
}

func NewDemandHandler(rides *service.RideService) *DemandHandler {
	return &DemandHandler{rides: rides}
}

// HotRoutes handles GET /api/demand/hot?lat=&lng=.
func (h *DemandHandler) HotRoutes(c *gin.Context) {
	lat, errLat := strconv.ParseFloat(c.Query("lat"), 64)
	lng, errLng := strconv.ParseFloat(c.Query("lng"), 64)
	if errLat != nil || errLng != nil {
		writeError(c, http.StatusBadRequest, "lat and lng are required")
		return
	}
	routes, err := h.rides.GetHotRoutesNear(lat, lng)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if routes == nil {
		routes = []demand.Entry{}
	}
	writeJSON(c, http.StatusOK, gin.H{"routes": routes})
}

// Predict handles GET /api/demand/predict?route=&hour=. hour defaults to the
// current hour.
func (h *DemandHandler) Predict(c *gin.Context) {
	route := c.Query("route")
	if route == "" {
		writeError(c, http.StatusBadRequest, "route is required")
		return
	}
	hour := time.Now().Hour()
	if raw, ok := c.GetQuery("hour"); ok {
		v, err := strconv.Atoi(raw)
		if err != nil {
			writeError(c, http.StatusBadRequest, "hour must be an integer")
			return
		}
		hour = v
	}
	forecast, err := h.rides.PredictDemand(route, hour)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, forecast)
}
