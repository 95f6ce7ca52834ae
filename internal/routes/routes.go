package routes

import (
	"github.com/gin-gonic/gin"

	"courier_tracker/internal/controllers"
)

// SetupRouter wires every route group and returns the engine for the caller
// to serve.
func SetupRouter(tc *controllers.TrackingController, wc *controllers.WebSocketController) *gin.Engine {
	r := gin.Default()

	TrackingRoutes(r, tc)
	WebSocketRoutes(r, wc)

	return r
}
