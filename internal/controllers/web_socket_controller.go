package controllers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"courier_tracker/internal/middleware"
	"courier_tracker/internal/protocol"
	"courier_tracker/internal/tracking"
)

// upgrader configures the WebSocket connection.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for development (restrict in production!)
	},
}

// WebSocketController is the stream side of the relay. Drivers push
// location_update frames in; watchers subscribe per order and receive the
// fan-out.
type WebSocketController struct {
	svc *tracking.Service
	hub *Hub
}

func NewWebSocketController(svc *tracking.Service, hub *Hub) *WebSocketController {
	return &WebSocketController{svc: svc, hub: hub}
}

// HandleTrackingWebSocket is the Gin handler for /ws/tracking. Browsers
// cannot set headers on a websocket dial, so the credential rides in the
// token query parameter. A connection without a token can subscribe but
// never publish.
func (wc *WebSocketController) HandleTrackingWebSocket(c *gin.Context) {
	role := ""
	driverID := ""
	if tokenString := c.Query("token"); tokenString != "" {
		claims, err := middleware.ValidateToken(tokenString)
		if err != nil {
			logrus.WithError(err).Warn("websocket connection with invalid token rejected")
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "invalid token"})
			return
		}
		role = claims.Role
		driverID = claims.DriverID
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.WithError(err).Error("websocket upgrade failed")
		return
	}
	defer conn.Close()

	client := wc.hub.Register(conn)
	defer wc.hub.Unregister(client)

	log := logrus.WithFields(logrus.Fields{"role": role, "driver_id": driverID})
	log.Info("websocket connection established")

	for {
		var msg protocol.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Debug("websocket read failed")
			}
			break
		}
		wc.handleFrame(client, role, msg, log)
	}
	log.Info("websocket connection closed")
}

func (wc *WebSocketController) handleFrame(client *Client, role string, msg protocol.Message, log *logrus.Entry) {
	switch msg.Type {
	case protocol.TypePing:
		select {
		case client.send <- protocol.NewMessage(protocol.TypePong, nil):
		default:
		}

	case protocol.TypeSubscribe:
		var sub protocol.SubscribePayload
		if err := json.Unmarshal(msg.Payload, &sub); err != nil || sub.OrderID == "" {
			log.Warn("discarding malformed subscribe frame")
			return
		}
		if sub.Action == protocol.ActionUnsubscribe {
			wc.hub.Unsubscribe(client, sub.OrderID)
		} else {
			wc.hub.Subscribe(client, sub.OrderID)
		}

	case protocol.TypeLocationUpdate:
		if role != "driver" {
			log.Warn("non-driver connection tried to publish a location, dropping")
			return
		}
		var up protocol.LocationUpdate
		if err := json.Unmarshal(msg.Payload, &up); err != nil {
			log.WithError(err).Warn("discarding malformed location update")
			return
		}
		wc.ingest(up, log)

	default:
		// Unknown frame types are ignored so older clients stay compatible.
	}
}

// ingest applies one driver update and fans the result out. Duplicates from
// the HTTP fallback channel come back not-applied and stay silent.
func (wc *WebSocketController) ingest(up protocol.LocationUpdate, log *logrus.Entry) {
	ctx := context.Background()
	d, applied, err := wc.svc.Update(ctx, up)
	if err != nil {
		log.WithError(err).WithField("order_id", up.OrderID).Warn("location update rejected")
		return
	}
	if !applied {
		return
	}
	wc.hub.Broadcast(ctx, d.OrderID, protocol.NewMessage(protocol.TypeLocationUpdate, d.Update()))
}
