// Command driver simulates a courier phone: it walks a straight leg from a
// start point to a destination and publishes the run through the tracking
// client, so the relay and the watchers can be exercised without a device.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"courier_tracker/internal/geo"
	"courier_tracker/internal/middleware"
	"courier_tracker/internal/protocol"
	"courier_tracker/internal/track"
)

type simProvider struct {
	fromLat, fromLng float64
	toLat, toLng     float64
	speedKmh         float64
	tick             time.Duration

	mu      sync.Mutex
	arrived bool
}

func (p *simProvider) RequestPermission(ctx context.Context) error {
	return nil
}

func (p *simProvider) Watch(ctx context.Context, opts track.WatchOptions, fn func(track.Fix)) (func(), error) {
	done := make(chan struct{})
	go p.run(ctx, done, fn)
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }, nil
}

func (p *simProvider) run(ctx context.Context, done chan struct{}, fn func(track.Fix)) {
	totalKm := geo.DistanceKm(p.fromLat, p.fromLng, p.toLat, p.toLng)
	heading := geo.Bearing(p.fromLat, p.fromLng, p.toLat, p.toLng)
	speedMps := p.speedKmh / 3.6
	start := time.Now()

	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case now := <-ticker.C:
			progress := 1.0
			if totalKm > 0 {
				covered := speedMps * now.Sub(start).Seconds() / 1000
				progress = math.Min(covered/totalKm, 1.0)
			}
			lat := p.fromLat + (p.toLat-p.fromLat)*progress
			lng := p.fromLng + (p.toLng-p.fromLng)*progress

			spd := speedMps
			if progress >= 1.0 {
				spd = 0
				p.mu.Lock()
				p.arrived = true
				p.mu.Unlock()
			}
			fn(track.Fix{
				Latitude:  lat,
				Longitude: lng,
				SpeedMps:  &spd,
				Heading:   &heading,
				Time:      now,
			})
		}
	}
}

func (p *simProvider) done() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.arrived
}

func main() {
	var (
		order    = flag.String("order", "demo-order", "order id to publish for")
		server   = flag.String("server", "http://localhost:8080", "relay base URL")
		stream   = flag.String("stream", "ws://localhost:8080/ws/tracking", "relay websocket URL")
		token    = flag.String("token", "", "driver JWT (generated when empty)")
		name     = flag.String("name", "Moses Banda", "driver name")
		phone    = flag.String("phone", "+260971234567", "driver phone")
		vehicle  = flag.String("vehicle", "motorbike", "vehicle type")
		fromLat  = flag.Float64("from-lat", -15.4167, "start latitude")
		fromLng  = flag.Float64("from-lng", 28.2833, "start longitude")
		toLat    = flag.Float64("to-lat", -15.3983, "destination latitude")
		toLng    = flag.Float64("to-lng", 28.3228, "destination longitude")
		speedKmh = flag.Float64("speed", 40, "simulated speed, km/h")
	)
	flag.Parse()

	if *token == "" {
		t, err := middleware.GenerateToken(*phone, "driver")
		if err != nil {
			log.Fatalf("generate token: %v", err)
		}
		*token = t
	}

	provider := &simProvider{
		fromLat: *fromLat, fromLng: *fromLng,
		toLat: *toLat, toLng: *toLng,
		speedKmh: *speedKmh,
		tick:     time.Second,
	}

	pub := track.NewPublisher(track.Config{
		BaseURL:   *server,
		StreamURL: *stream,
		Token:     *token,
	}, provider)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	info := protocol.DriverInfo{Name: *name, Phone: *phone, VehicleType: *vehicle}
	if err := pub.StartTracking(ctx, *order, info); err != nil {
		log.Fatalf("start tracking: %v", err)
	}
	fmt.Printf("publishing order %s, ctrl-c to abort\n", *order)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-sig:
			fmt.Println("cancelled by driver")
			pub.StopTracking(protocol.StopReasonCancelled)
			return
		case <-ticker.C:
			if provider.done() {
				fmt.Println("arrived, delivery complete")
				pub.StopTracking(protocol.StopReasonCompleted)
				return
			}
		}
	}
}
