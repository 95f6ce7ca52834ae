package routes

import (
	"github.com/gin-gonic/gin"

	"courier_tracker/internal/controllers"
	"courier_tracker/internal/middleware"
)

func TrackingRoutes(r *gin.Engine, tc *controllers.TrackingController) {
	// Driver side: session lifecycle and the HTTP fallback ingest.
	driver := r.Group("/tracking")
	driver.Use(middleware.RequireRole("driver"))
	{
		driver.POST("/:orderId/start", tc.StartTracking)
		driver.POST("/:orderId/location", tc.PostLocation)
		driver.POST("/:orderId/stop", tc.StopTracking)
	}

	// Watcher side: read-only, reachable from a plain tracking link.
	watch := r.Group("/tracking")
	{
		watch.GET("/:orderId", tc.GetSnapshot)
		watch.GET("/:orderId/history", tc.GetHistory)
		watch.GET("/:orderId/route.geojson", tc.GetRoute)
	}
}
