// README: Base handler utilities (JSON helpers, error mapping).
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"arkdispatch/internal/modules/dispatch"
	"arkdispatch/internal/modules/location"
	"arkdispatch/internal/modules/monitor"
	"arkdispatch/internal/modules/trip"
)

type errorResponse struct {
	Error string `json:"error"`
}

// isValidID accepts uuid-style ids and the short alphanumeric ids drivers
// register with.
func isValidID(v string) bool {
	if v == "" || len(v) > 64 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

func writeServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, trip.ErrBadRequest), errors.Is(err, location.ErrInvalidPosition):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, trip.ErrNotFound), errors.Is(err, location.ErrUnknownDriver):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, trip.ErrWrongDriver):
		writeError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, trip.ErrInvalidState), errors.Is(err, trip.ErrActiveTrip), errors.Is(err, trip.ErrConflict),
		errors.Is(err, dispatch.ErrNoOffer), errors.Is(err, dispatch.ErrAlreadyDispatching), errors.Is(err, monitor.ErrNoProposal):
		writeError(c, http.StatusConflict, err.Error())
	case errors.Is(err, dispatch.ErrClosed):
		writeError(c, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

// pathID reads and validates the :id path parameter.
func pathID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid id")
		return "", false
	}
	return id, true
}
