package controllers

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"courier_tracker/internal/protocol"
)

// relayChannel is the redis pub/sub channel carrying updates between relay
// instances, so a watcher connected to instance A sees a driver publishing
// through instance B.
const relayChannel = "tracking:events"

// clientSendBuffer is the per-connection outbound queue. A subscriber that
// cannot drain it loses frames rather than stalling the fan-out; the
// snapshot endpoint covers the gap.
const clientSendBuffer = 32

// Client is one websocket connection registered with the hub. Writes go
// through the send channel so only the writer goroutine touches the conn.
type Client struct {
	conn *websocket.Conn
	send chan protocol.Message

	mu     sync.Mutex
	orders map[string]bool
}

func newClient(conn *websocket.Conn) *Client {
	return &Client{
		conn:   conn,
		send:   make(chan protocol.Message, clientSendBuffer),
		orders: make(map[string]bool),
	}
}

// writePump drains the send channel onto the wire. It exits when the hub
// closes the channel at unregister time.
func (c *Client) writePump() {
	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// relayEnvelope wraps a fan-out frame for the cross-instance channel. The
// instance id lets a publisher skip its own echo.
type relayEnvelope struct {
	Instance string           `json:"instance"`
	OrderID  string           `json:"orderId"`
	Message  protocol.Message `json:"message"`
}

// Hub routes fan-out frames to the subscribers of each order, locally and
// across instances via redis pub/sub when redis is configured.
type Hub struct {
	redis      *redis.Client
	instanceID string
	log        *logrus.Entry

	mu   sync.Mutex
	subs map[string]map[*Client]bool
}

// NewHub builds a hub and, when redis is available, starts the bridge that
// mirrors frames from sibling instances.
func NewHub(ctx context.Context, redisClient *redis.Client) *Hub {
	h := &Hub{
		redis:      redisClient,
		instanceID: uuid.NewString(),
		log:        logrus.WithField("component", "hub"),
		subs:       make(map[string]map[*Client]bool),
	}
	if redisClient != nil {
		go h.bridge(ctx)
	}
	return h
}

// Register wires a connection into the hub and starts its writer.
func (h *Hub) Register(conn *websocket.Conn) *Client {
	c := newClient(conn)
	go c.writePump()
	return c
}

// Unregister detaches a client from every order and stops its writer.
func (h *Hub) Unregister(c *Client) {
	c.mu.Lock()
	orders := make([]string, 0, len(c.orders))
	for orderID := range c.orders {
		orders = append(orders, orderID)
	}
	c.orders = make(map[string]bool)
	c.mu.Unlock()

	h.mu.Lock()
	for _, orderID := range orders {
		h.dropLocked(orderID, c)
	}
	h.mu.Unlock()

	close(c.send)
}

// Subscribe adds the client to one order's fan-out set.
func (h *Hub) Subscribe(c *Client, orderID string) {
	h.mu.Lock()
	if h.subs[orderID] == nil {
		h.subs[orderID] = make(map[*Client]bool)
	}
	h.subs[orderID][c] = true
	h.mu.Unlock()

	c.mu.Lock()
	c.orders[orderID] = true
	c.mu.Unlock()

	h.log.WithField("order_id", orderID).Debug("client subscribed")
}

// Unsubscribe removes the client from one order's fan-out set.
func (h *Hub) Unsubscribe(c *Client, orderID string) {
	h.mu.Lock()
	h.dropLocked(orderID, c)
	h.mu.Unlock()

	c.mu.Lock()
	delete(c.orders, orderID)
	c.mu.Unlock()
}

func (h *Hub) dropLocked(orderID string, c *Client) {
	if clients, ok := h.subs[orderID]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.subs, orderID)
		}
	}
}

// Broadcast fans a frame out to the order's local subscribers and publishes
// it for sibling instances.
func (h *Hub) Broadcast(ctx context.Context, orderID string, msg protocol.Message) {
	h.deliver(orderID, msg)

	if h.redis == nil {
		return
	}
	raw, err := json.Marshal(relayEnvelope{
		Instance: h.instanceID,
		OrderID:  orderID,
		Message:  msg,
	})
	if err != nil {
		return
	}
	if err := h.redis.Publish(ctx, relayChannel, raw).Err(); err != nil {
		h.log.WithError(err).Warn("cross-instance publish failed")
	}
}

// deliver pushes a frame to local subscribers, dropping it for any client
// whose queue is full.
func (h *Hub) deliver(orderID string, msg protocol.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.subs[orderID] {
		select {
		case c.send <- msg:
		default:
			h.log.WithField("order_id", orderID).Warn("slow subscriber, dropping frame")
		}
	}
}

// bridge mirrors frames published by sibling instances into the local
// fan-out sets. Own frames are skipped by instance id.
func (h *Hub) bridge(ctx context.Context) {
	sub := h.redis.Subscribe(ctx, relayChannel)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-sub.Channel():
			if !ok {
				return
			}
			var env relayEnvelope
			if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
				h.log.WithError(err).Warn("discarding malformed relay envelope")
				continue
			}
			if env.Instance == h.instanceID {
				continue
			}
			h.deliver(env.OrderID, env.Message)
		}
	}
}
