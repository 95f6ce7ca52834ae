package track

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"courier_tracker/internal/protocol"
)

// Stream session defaults.
const (
	DefaultPingInterval  = 30 * time.Second
	DefaultReconnectBase = 5 * time.Second
	DefaultReconnectMax  = 80 * time.Second
)

// SessionConfig configures one StreamSession.
type SessionConfig struct {
	// URL is the websocket endpoint. Token, when set, is appended as a
	// query credential; unauthenticated sessions are allowed.
	URL   string
	Token string

	// PingInterval is the keepalive cadence while connected.
	PingInterval time.Duration
	// ReconnectBase is the first retry delay after a surprise close; it
	// doubles per consecutive failure (with ±20% jitter) up to ReconnectMax.
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	// ReadTimeout, when non-zero, forces a reconnect if nothing arrives on
	// the socket for that long. Zero disables the watchdog and trusts
	// transport close events only.
	ReadTimeout time.Duration

	// OnMessage receives every decoded inbound frame.
	OnMessage func(protocol.Message)
	// OnStateChange fires with true after each successful connect and
	// false after each disconnect. Re-subscribing after a reconnect is the
	// owner's job; the session does not replay application frames.
	OnStateChange func(connected bool)

	Dialer *websocket.Dialer
	Logger *logrus.Entry
}

// StreamSession owns one persistent websocket connection: connect,
// keepalive, reconnect-with-backoff, teardown. It makes no delivery
// guarantee; Send on a closed session is a silent drop and callers that
// need certainty use the fallback channel.
type StreamSession struct {
	cfg SessionConfig
	log *logrus.Entry

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool // explicit Close(), suppresses reconnection
	attempts  int
	retry     *time.Timer
}

// NewStreamSession builds a session; Open must be called to connect.
func NewStreamSession(cfg SessionConfig) *StreamSession {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = DefaultReconnectBase
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = DefaultReconnectMax
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &StreamSession{cfg: cfg, log: log}
}

// Open establishes the connection. A dial failure schedules a retry with
// the same backoff policy as a surprise close, so callers may treat Open as
// fire-and-forget.
func (s *StreamSession) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.closed || s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	endpoint := s.cfg.URL
	if s.cfg.Token != "" {
		endpoint += "?token=" + url.QueryEscape(s.cfg.Token)
	}

	conn, resp, err := s.cfg.Dialer.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		s.log.WithError(err).Warn("stream dial failed")
		s.scheduleReconnect()
		return err
	}

	s.mu.Lock()
	if s.closed || s.conn != nil {
		s.mu.Unlock()
		conn.Close()
		return nil
	}
	s.conn = conn
	s.connected = true
	s.attempts = 0
	s.mu.Unlock()

	s.log.Debug("stream connected")
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(true)
	}

	done := make(chan struct{})
	go s.readLoop(conn, done)
	go s.pingLoop(done)
	return nil
}

// Send writes one frame. It is a no-op when the connection is not open.
func (s *StreamSession) Send(msg protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || !s.connected {
		return
	}
	if err := s.conn.WriteJSON(msg); err != nil {
		s.log.WithError(err).WithField("type", msg.Type).Debug("stream send failed")
	}
}

// Connected reports whether the underlying socket is currently open.
func (s *StreamSession) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Close tears the session down for good: no reconnect will follow. Safe to
// call more than once and safe to call on a never-opened session.
func (s *StreamSession) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	conn := s.conn
	s.conn = nil
	s.connected = false
	s.mu.Unlock()

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}
}

func (s *StreamSession) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		if s.cfg.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.handleDisconnect(conn, err)
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			// A malformed frame costs us that frame, not the connection.
			s.log.WithError(err).Warn("discarding malformed stream frame")
			continue
		}
		if s.cfg.OnMessage != nil {
			s.cfg.OnMessage(msg)
		}
	}
}

func (s *StreamSession) pingLoop(done chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.Send(protocol.NewMessage(protocol.TypePing, nil))
		}
	}
}

// handleDisconnect runs when a read fails. An explicit Close is left alone;
// anything else schedules a reconnect.
func (s *StreamSession) handleDisconnect(conn *websocket.Conn, err error) {
	s.mu.Lock()
	if s.conn != conn {
		// Stale loop from a connection already replaced or closed.
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.connected = false
	closed := s.closed
	s.mu.Unlock()

	conn.Close()
	if closed {
		return
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.log.Debug("stream closed by peer")
	} else {
		s.log.WithError(err).Warn("stream connection lost")
	}

	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(false)
	}
	s.scheduleReconnect()
}

func (s *StreamSession) scheduleReconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.retry != nil || s.conn != nil {
		return
	}
	delay := s.backoff(s.attempts)
	s.attempts++
	s.log.WithField("delay", delay).Debug("scheduling stream reconnect")
	s.retry = time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.retry = nil
		closed := s.closed
		s.mu.Unlock()
		if !closed {
			s.Open(context.Background())
		}
	})
}

// backoff doubles the base per attempt, caps it, and spreads retries with
// ±20% jitter so a relay outage does not produce a synchronized stampede.
func (s *StreamSession) backoff(attempt int) time.Duration {
	d := s.cfg.ReconnectBase
	for i := 0; i < attempt && d < s.cfg.ReconnectMax; i++ {
		d *= 2
	}
	if d > s.cfg.ReconnectMax {
		d = s.cfg.ReconnectMax
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * jitter)
}
