// README: HTTP router registration.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"rideline/internal/http/handlers"
	"rideline/internal/http/middleware"
	"rideline/internal/infra"
)

type RouterDeps struct {
	Rides    handlers.Rides
	Quoter   handlers.Quoter
	OTPs     handlers.OTPs
	Dispatch handlers.Dispatcher
	Relay    handlers.LocationRelay
	Socket   handlers.SocketServer
	Verifier infra.TokenVerifier
	Log      *zap.Logger
}

func NewRouter(deps RouterDeps) *gin.Engine {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	r := gin.New()
	r.Use(middleware.Recovery(log), middleware.Logging(log), middleware.Metrics())

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/", middleware.Auth(deps.Verifier))

	rides := handlers.NewRideHandler(deps.Rides, deps.Quoter)
	api.POST("/rides", rides.Create)
	api.POST("/rides/quote", rides.Quote)
	api.GET("/rides/:id", rides.Get)
	api.GET("/rides/:id/history", rides.History)
	api.POST("/rides/:id/cancel", rides.Cancel)
	api.POST("/rides/:id/release", rides.Release)
	api.PUT("/rides/:id/status", rides.UpdateStatus)

	otps := handlers.NewOTPHandler(deps.OTPs)
	api.GET("/rides/:id/otp", otps.Get)
	api.POST("/rides/:id/otp/generate", otps.Generate)
	api.POST("/rides/:id/otp/resend", otps.Resend)
	api.POST("/rides/:id/otp/verify", otps.Verify)

	drivers := handlers.NewDriverHandler(deps.Dispatch, deps.Relay)
	api.POST("/drivers/:id/presence", drivers.SetPresence)
	api.PUT("/drivers/:id/location", drivers.UpdateLocation)
	api.GET("/drivers/:id/offers", drivers.PendingOffers)
	api.POST("/rides/offers/:offerId/respond", drivers.Respond)

	api.GET("/ws", handlers.NewSocketHandler(deps.Socket).Serve)

	return r
}
