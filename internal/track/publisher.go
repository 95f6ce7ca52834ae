package track

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"courier_tracker/internal/geo"
	"courier_tracker/internal/protocol"
)

// Provider subscription thresholds: a fix is dispatched when either five
// seconds elapsed or ten meters were covered since the last dispatch.
const (
	DefaultSampleInterval = 5 * time.Second
	DefaultSampleDistance = 10.0 // meters
)

// Publisher turns device motion into the outbound update stream for exactly
// one active delivery. Every emitted sample travels two independent ways:
// the stream session when it is open (best effort, no retry) and a fallback
// POST whose failures are logged and swallowed.
type Publisher struct {
	cfg      Config
	api      *Client
	provider LocationProvider
	log      *logrus.Entry

	mu          sync.Mutex
	orderID     string
	session     *StreamSession
	cancelWatch func()
	tracking    bool
	generation  int

	seq      uint64
	lastEmit time.Time
	lastLat  float64
	lastLng  float64
	hasLast  bool
}

// NewPublisher wires a publisher to a location provider.
func NewPublisher(cfg Config, provider LocationProvider) *Publisher {
	return &Publisher{
		cfg:      cfg,
		api:      NewClient(cfg),
		provider: provider,
		log:      cfg.logger(),
	}
}

// StartTracking begins publishing for one delivery: permission check,
// session-start call, stream open, provider subscription. Permission denial
// and server rejection are terminal for this call and leave nothing
// running. A stream dial failure is not: the fallback channel carries the
// samples until the session reconnects.
//
// Cancelling ctx after a successful start triggers the same teardown as
// StopTracking, so an abandoned process does not leak the provider
// subscription or the socket.
func (p *Publisher) StartTracking(ctx context.Context, orderID string, info protocol.DriverInfo) error {
	p.mu.Lock()
	if p.tracking {
		p.mu.Unlock()
		return ErrAlreadyTracking
	}
	p.mu.Unlock()

	if err := p.provider.RequestPermission(ctx); err != nil {
		return err
	}

	if err := p.api.StartSession(ctx, orderID, info); err != nil {
		return err
	}

	session := NewStreamSession(SessionConfig{
		URL:    p.cfg.StreamURL,
		Token:  p.cfg.Token,
		Logger: p.log.WithField("role", "publisher"),
	})
	// Best effort; reconnection is already scheduled on failure.
	session.Open(ctx)

	watchCtx, cancelCtx := context.WithCancel(ctx)
	cancel, err := p.provider.Watch(watchCtx, WatchOptions{
		HighAccuracy: true,
		MinInterval:  DefaultSampleInterval,
		MinDistance:  DefaultSampleDistance,
	}, func(f Fix) { p.handleFix(orderID, session, f) })
	if err != nil {
		cancelCtx()
		session.Close()
		return err
	}

	p.mu.Lock()
	p.orderID = orderID
	p.session = session
	p.cancelWatch = func() {
		cancel()
		cancelCtx()
	}
	p.tracking = true
	p.generation++
	gen := p.generation
	p.seq = 0
	p.hasLast = false
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		p.mu.Lock()
		stale := !p.tracking || p.generation != gen
		p.mu.Unlock()
		if !stale {
			p.StopTracking(protocol.StopReasonAbandoned)
		}
	}()

	p.log.WithField("order_id", orderID).Info("tracking started")
	return nil
}

// StopTracking always completes locally: the provider subscription is
// cancelled and the stream closed before the best-effort server stop call,
// whose failure is logged only.
func (p *Publisher) StopTracking(reason string) {
	p.mu.Lock()
	if !p.tracking {
		p.mu.Unlock()
		return
	}
	orderID := p.orderID
	cancel := p.cancelWatch
	session := p.session
	p.tracking = false
	p.cancelWatch = nil
	p.session = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if session != nil {
		session.Close()
	}

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := p.api.StopSession(ctx, orderID, reason); err != nil {
		p.log.WithError(err).WithField("order_id", orderID).Warn("server stop call failed")
	}

	p.log.WithFields(logrus.Fields{"order_id": orderID, "reason": reason}).Info("tracking stopped")
}

// Close is the teardown hook for process shutdown.
func (p *Publisher) Close() {
	p.StopTracking(protocol.StopReasonAbandoned)
}

// Tracking reports whether a delivery is currently being published.
func (p *Publisher) Tracking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tracking
}

// StreamConnected reports whether the primary path is currently up.
func (p *Publisher) StreamConnected() bool {
	p.mu.Lock()
	session := p.session
	p.mu.Unlock()
	return session != nil && session.Connected()
}

func (p *Publisher) handleFix(orderID string, session *StreamSession, f Fix) {
	sample := sampleFromFix(f)

	p.mu.Lock()
	if !p.tracking || p.orderID != orderID {
		p.mu.Unlock()
		return
	}
	if p.hasLast {
		elapsed := sample.CapturedAt.Sub(p.lastEmit)
		moved := geo.DistanceMeters(p.lastLat, p.lastLng, sample.Latitude, sample.Longitude)
		// OR gate: suppress only when neither threshold is crossed.
		if elapsed < DefaultSampleInterval && moved < DefaultSampleDistance {
			p.mu.Unlock()
			return
		}
	}
	p.seq++
	sample.Seq = p.seq
	p.lastEmit = sample.CapturedAt
	p.lastLat = sample.Latitude
	p.lastLng = sample.Longitude
	p.hasLast = true
	p.mu.Unlock()

	update := protocol.LocationUpdate{
		OrderID:   orderID,
		Latitude:  sample.Latitude,
		Longitude: sample.Longitude,
		Speed:     sample.SpeedKmh,
		Heading:   sample.HeadingDegrees,
		Altitude:  sample.AltitudeMeters,
		Accuracy:  sample.HorizontalAccuracyMeters,
		Seq:       sample.Seq,
	}

	// Both dispatches run concurrently; neither blocks the sampling path
	// or the other.
	go session.Send(protocol.NewMessage(protocol.TypeLocationUpdate, update))
	go func() {
		ctx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		if err := p.api.PostLocation(ctx, orderID, update); err != nil {
			p.log.WithError(err).Debug("fallback location post failed")
		}
	}()
}
