// README: HTTP router registration.
package http

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"arkdispatch/internal/http/handlers"
	"arkdispatch/internal/http/middleware"
	"arkdispatch/internal/notify"
	"arkdispatch/internal/service"
)

func NewRouter(rides *service.RideService, bus notify.Subscriber, log *slog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(log), middleware.Logging(log))

	passenger := handlers.NewPassengerHandler(rides)
	r.POST("/api/rides", passenger.RequestRide)
	r.GET("/api/rides/:id", passenger.Status)
	r.POST("/api/rides/:id/cancel", passenger.Cancel)
	r.POST("/api/rides/:id/passengers", passenger.AddPassengers)

	driver := handlers.NewDriverHandler(rides)
	r.POST("/api/rides/:id/offer", driver.RespondToOffer)
	r.POST("/api/rides/:id/reroute", driver.RespondToReroute)
	r.POST("/api/rides/:id/start", driver.Start)
	r.POST("/api/rides/:id/complete", driver.Complete)
	r.POST("/api/drivers/:id/online", driver.Online)
	r.POST("/api/drivers/:id/offline", driver.Offline)

	loc := handlers.NewLocationHandler(rides)
	r.PUT("/api/drivers/:id/location", loc.Update)

	dem := handlers.NewDemandHandler(rides)
	r.GET("/api/demand/hot", dem.HotRoutes)
	r.GET("/api/demand/predict", dem.Predict)

	stream := handlers.NewStreamHandler(bus, log)
	r.GET("/ws/:kind/:id", stream.Stream)

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	return r
}
