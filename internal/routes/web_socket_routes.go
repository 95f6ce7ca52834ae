package routes

import (
	"github.com/gin-gonic/gin"

	"courier_tracker/internal/controllers"
)

func WebSocketRoutes(r *gin.Engine, wc *controllers.WebSocketController) {
	r.GET("/ws/tracking", wc.HandleTrackingWebSocket)
}
