// Command watch follows one delivery from a terminal, printing the merged
// live view the way a customer's tracking screen would render it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"courier_tracker/internal/track"
)

func main() {
	var (
		order  = flag.String("order", "demo-order", "order id to watch")
		server = flag.String("server", "http://localhost:8080", "relay base URL")
		stream = flag.String("stream", "ws://localhost:8080/ws/tracking", "relay websocket URL")
		token  = flag.String("token", "", "optional JWT")
	)
	flag.Parse()

	w := track.NewWatcher(track.Config{
		BaseURL:   *server,
		StreamURL: *stream,
		Token:     *token,
	})
	h := w.Watch(context.Background(), *order)
	defer h.Stop()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-sig:
			fmt.Println("\nbye")
			return
		case <-ticker.C:
			v := h.View()
			fmt.Printf("[%s] %s  pos=%.5f,%.5f  %.0f km/h  %.2f km left  eta %d min  driver=%s\n",
				h.State(), v.OrderID, v.Latitude, v.Longitude, v.Speed,
				v.DistanceRemaining, v.ETAMinutes, v.DriverName)
			if h.State() == track.StateEnded {
				fmt.Printf("delivery ended, %d points recorded\n", len(h.History()))
				return
			}
		}
	}
}
