package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"

	"courier_tracker/internal/config"
	"courier_tracker/internal/controllers"
	"courier_tracker/internal/logger"
	"courier_tracker/internal/middleware"
	"courier_tracker/internal/routes"
	"courier_tracker/internal/telemetry"
	"courier_tracker/internal/tracking"
)

func main() {
	// Initialize structured logging to file
	logger.Setup()

	// Connect to the database and the live-state cache
	db := config.InitDB()
	redisClient := config.InitRedis()

	var archive *telemetry.Producer
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		topic := os.Getenv("KAFKA_TOPIC")
		if topic == "" {
			topic = "courier.locations"
		}
		archive = telemetry.NewProducer(strings.Split(brokers, ","), topic)
		defer archive.Close()
	}

	var resolver tracking.DestinationResolver
	if ordersURL := os.Getenv("ORDERS_URL"); ordersURL != "" {
		resolver = tracking.NewHTTPDestinationResolver(ordersURL)
	}

	svc := tracking.New(db, redisClient, resolver, archive)
	defer svc.Close()
	hub := controllers.NewHub(context.Background(), redisClient)

	tc := controllers.NewTrackingController(svc, hub)
	wc := controllers.NewWebSocketController(svc, hub)

	// Setup Gin router
	r := routes.SetupRouter(tc, wc)

	// Recovery middleware
	r.Use(gin.Recovery())

	// Wrap with CORS
	handler := middleware.EnableCORS(r)

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = "0.0.0.0:8080"
	}

	log.Printf("🚀 Relay running at %s", addr)
	log.Fatal(http.ListenAndServe(addr, handler))
}
