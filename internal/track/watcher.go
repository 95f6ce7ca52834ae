package track

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"courier_tracker/internal/protocol"
)

// HistoryCap bounds the per-handle location history: append-only with
// oldest-eviction, rebuilt fresh every session.
const HistoryCap = 100

// WatchState is the lifecycle of one watch handle.
type WatchState int

const (
	// StateInitializing: no data yet.
	StateInitializing WatchState = iota
	// StateSyncing: fallback snapshot loaded, stream not yet confirmed.
	StateSyncing
	// StateLive: stream confirmed, receiving updates.
	StateLive
	// StateStale: stream dropped, last known data retained, reconnecting.
	StateStale
	// StateEnded: tracking_stopped received; terminal.
	StateEnded
)

func (s WatchState) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateSyncing:
		return "syncing"
	case StateLive:
		return "live"
	case StateStale:
		return "stale"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// LiveTrackingView is the materialized state of one watched delivery.
// Updates merge field by field; an update that omits a field never clears
// the previous value.
type LiveTrackingView struct {
	OrderID           string
	Latitude          float64
	Longitude         float64
	Speed             float64 // km/h
	Heading           float64
	DistanceRemaining float64 // km
	ETAMinutes        int
	EstimatedArrival  time.Time
	DriverName        string
	DriverPhone       string
	VehicleType       string
	IsActive          bool
}

// Watcher creates watch handles sharing one config.
type Watcher struct {
	cfg Config
	log *logrus.Entry
}

func NewWatcher(cfg Config) *Watcher {
	return &Watcher{cfg: cfg, log: cfg.logger()}
}

// WatchHandle is one delivery's live view plus its bounded history. It owns
// its stream session exclusively.
type WatchHandle struct {
	orderID string
	api     *Client
	session *StreamSession
	log     *logrus.Entry

	mu        sync.Mutex
	view      LiveTrackingView
	history   []protocol.HistoryPoint
	state     WatchState
	lastSeq   uint64
	sawUpdate bool
	lastErr   error
	stopped   bool
}

// Watch starts observing a delivery. The fallback snapshot fetch and the
// stream connect run concurrently, so the handle has data to show before
// the first live update lands. A snapshot failure is recorded on Err() but
// does not stop the stream path.
func (w *Watcher) Watch(ctx context.Context, orderID string) *WatchHandle {
	h := &WatchHandle{
		orderID: orderID,
		api:     NewClient(w.cfg),
		log:     w.log.WithField("order_id", orderID),
		view:    LiveTrackingView{OrderID: orderID},
		state:   StateInitializing,
	}

	h.session = NewStreamSession(SessionConfig{
		URL:           w.cfg.StreamURL,
		Token:         w.cfg.Token,
		OnMessage:     h.handleMessage,
		OnStateChange: h.handleStreamState,
		Logger:        h.log.WithField("role", "watcher"),
	})

	go h.fetchSnapshot(ctx)
	go h.session.Open(ctx)

	return h
}

// Stop releases the handle: best-effort unsubscribe, then session close.
// Safe to call repeatedly and on an already-dead session.
func (h *WatchHandle) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	h.mu.Unlock()

	h.session.Send(protocol.NewMessage(protocol.TypeSubscribe, protocol.SubscribePayload{
		OrderID: h.orderID,
		Action:  protocol.ActionUnsubscribe,
	}))
	h.session.Close()
}

// View returns a copy of the current materialized state.
func (h *WatchHandle) View() LiveTrackingView {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.view
}

// History returns a copy of the recorded path, oldest first, at most
// HistoryCap entries.
func (h *WatchHandle) History() []protocol.HistoryPoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]protocol.HistoryPoint, len(h.history))
	copy(out, h.history)
	return out
}

// Live reports whether the stream is currently open, which lets a UI tell
// "connecting" from "connected but the driver has not moved".
func (h *WatchHandle) Live() bool {
	return h.session.Connected()
}

// State returns the handle's lifecycle state.
func (h *WatchHandle) State() WatchState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Err returns the last fallback-channel error, if any. Steady-state
// transport failures never surface here; they only show as Live()==false.
func (h *WatchHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

func (h *WatchHandle) fetchSnapshot(ctx context.Context) {
	snap, err := h.api.Snapshot(ctx, h.orderID)
	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		h.lastErr = err
		return
	}
	h.lastErr = nil

	// Driver identity is static for the delivery and safe to merge even
	// after the session ended.
	h.view.DriverName = snap.DriverName
	h.view.DriverPhone = snap.DriverPhone
	h.view.VehicleType = snap.VehicleType

	if h.state == StateEnded || h.sawUpdate {
		// Live data already arrived; the snapshot must not regress it.
		return
	}
	h.view.Latitude = snap.CurrentLocation.Latitude
	h.view.Longitude = snap.CurrentLocation.Longitude
	h.view.Speed = snap.CurrentLocation.Speed
	h.view.Heading = snap.CurrentLocation.Heading
	h.view.DistanceRemaining = snap.DistanceRemaining
	h.view.ETAMinutes = snap.ETAMinutes
	h.view.EstimatedArrival = snap.EstimatedArrival
	h.view.IsActive = snap.IsActive
	if h.state == StateInitializing {
		h.state = StateSyncing
	}
}

func (h *WatchHandle) handleStreamState(connected bool) {
	if connected {
		// Re-subscription after every (re)connect is this handle's job,
		// not the transport's.
		h.session.Send(protocol.NewMessage(protocol.TypeSubscribe, protocol.SubscribePayload{
			OrderID: h.orderID,
			Action:  protocol.ActionSubscribe,
		}))
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped || h.state == StateEnded {
		return
	}
	if connected {
		h.state = StateLive
	} else if h.state == StateLive {
		h.state = StateStale
	}
}

func (h *WatchHandle) handleMessage(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeLocationUpdate:
		var update protocol.TrackingUpdate
		if err := json.Unmarshal(msg.Payload, &update); err != nil {
			h.log.WithError(err).Warn("discarding malformed location update")
			return
		}
		h.applyUpdate(update)

	case protocol.TypeTrackingStopped:
		var stopped protocol.TrackingStopped
		if err := json.Unmarshal(msg.Payload, &stopped); err != nil {
			h.log.WithError(err).Warn("discarding malformed stop notice")
			return
		}
		if stopped.OrderID != h.orderID {
			return
		}
		h.mu.Lock()
		h.view.IsActive = false
		h.state = StateEnded
		h.mu.Unlock()
		h.log.WithField("reason", stopped.Reason).Info("tracking ended")
	}
	// Frames for other deliveries and pong frames fall through untouched;
	// this handle may share a relay with unrelated watches.
}

// applyUpdate merges one update into the view and appends to the history.
// Nil optional fields keep their previous values; duplicates delivered over
// both channels are dropped by seq.
func (h *WatchHandle) applyUpdate(u protocol.TrackingUpdate) {
	if u.OrderID != h.orderID {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateEnded {
		// Terminal: absorb everything after tracking_stopped.
		return
	}
	if u.Seq > 0 && u.Seq <= h.lastSeq {
		return
	}
	if u.Seq > 0 {
		h.lastSeq = u.Seq
	}
	h.sawUpdate = true

	h.view.Latitude = u.Latitude
	h.view.Longitude = u.Longitude
	if u.Speed != nil {
		h.view.Speed = *u.Speed
	}
	if u.Heading != nil {
		h.view.Heading = *u.Heading
	}
	if u.DistanceRemaining != nil {
		h.view.DistanceRemaining = *u.DistanceRemaining
	}
	if u.ETAMinutes != nil {
		h.view.ETAMinutes = *u.ETAMinutes
	}
	if u.EstimatedArrival != nil {
		h.view.EstimatedArrival = *u.EstimatedArrival
	}

	ts := u.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	point := protocol.HistoryPoint{
		Latitude:  u.Latitude,
		Longitude: u.Longitude,
		Timestamp: ts,
	}
	if len(h.history) >= HistoryCap {
		h.history = append(h.history[len(h.history)-HistoryCap+1:], point)
	} else {
		h.history = append(h.history, point)
	}
}
