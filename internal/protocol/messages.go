// Package protocol defines the JSON wire types shared by the publisher, the
// watcher and the relay server: websocket frames and the request/response
// bodies of the HTTP fallback channel.
package protocol

import (
	"encoding/json"
	"time"
)

// Websocket frame types.
const (
	TypeLocationUpdate  = "location_update"
	TypeTrackingStarted = "tracking_started"
	TypeTrackingStopped = "tracking_stopped"
	TypeSubscribe       = "subscribe"
	TypePing            = "ping"
	TypePong            = "pong"
)

// Subscribe actions.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// Stop reasons carried on POST /tracking/{orderId}/stop.
const (
	StopReasonCompleted = "completed"
	StopReasonCancelled = "cancelled"
	StopReasonAbandoned = "abandoned"
)

// Message is the envelope carried on the websocket stream in both
// directions.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage wraps a payload into an envelope. Marshal errors cannot happen
// for the payload types in this package, so they are swallowed.
func NewMessage(msgType string, payload interface{}) Message {
	m := Message{Type: msgType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err == nil {
			m.Payload = raw
		}
	}
	return m
}

// LocationUpdate is sent driver -> server. Speed is already km/h; Seq is a
// per-session monotonically increasing idempotency key so a receiver can
// drop the duplicate that the dual websocket+HTTP dispatch produces.
type LocationUpdate struct {
	OrderID   string  `json:"orderId"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Speed     float64 `json:"speed"`
	Heading   float64 `json:"heading"`
	Altitude  float64 `json:"altitude"`
	Accuracy  float64 `json:"accuracy"`
	Seq       uint64  `json:"seq,omitempty"`
}

// TrackingUpdate is fanned out server -> subscribers. Optional fields are
// pointers: a nil field means "not carried in this update" and the watcher
// keeps its previous value for it.
type TrackingUpdate struct {
	OrderID           string     `json:"orderId"`
	Latitude          float64    `json:"latitude"`
	Longitude         float64    `json:"longitude"`
	Speed             *float64   `json:"speed,omitempty"`
	Heading           *float64   `json:"heading,omitempty"`
	DistanceRemaining *float64   `json:"distanceRemaining,omitempty"`
	ETAMinutes        *int       `json:"etaMinutes,omitempty"`
	EstimatedArrival  *time.Time `json:"estimatedArrival,omitempty"`
	Seq               uint64     `json:"seq,omitempty"`
	Timestamp         time.Time  `json:"timestamp"`
}

// SubscribePayload subscribes or unsubscribes a connection to one order's
// updates.
type SubscribePayload struct {
	OrderID string `json:"orderId"`
	Action  string `json:"action"`
}

// TrackingStopped tells subscribers the delivery's tracking window closed.
type TrackingStopped struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason,omitempty"`
}

// DriverInfo is carried once on session start.
type DriverInfo struct {
	Name         string `json:"name"`
	Phone        string `json:"phone"`
	VehicleType  string `json:"vehicleType"`
	VehiclePlate string `json:"vehiclePlate,omitempty"`
}

// StopRequest is the body of POST /tracking/{orderId}/stop.
type StopRequest struct {
	Reason string `json:"reason"`
}

// Position is a GPS fix inside a snapshot.
type Position struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Speed     float64 `json:"speed"`
	Heading   float64 `json:"heading"`
}

// TrackingSnapshot is the fallback channel's last-known state for one
// delivery, returned by GET /tracking/{orderId}.
type TrackingSnapshot struct {
	OrderID           string    `json:"orderId"`
	CurrentLocation   Position  `json:"currentLocation"`
	DistanceRemaining float64   `json:"distanceRemaining"`
	ETAMinutes        int       `json:"etaMinutes"`
	EstimatedArrival  time.Time `json:"estimatedArrival"`
	DriverName        string    `json:"driverName"`
	DriverPhone       string    `json:"driverPhone"`
	VehicleType       string    `json:"vehicleType"`
	IsActive          bool      `json:"isActive"`
}

// HistoryPoint is one entry of GET /tracking/{orderId}/history.
type HistoryPoint struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
}

// APIEnvelope is the success/failure wrapper every fallback endpoint
// responds with.
type APIEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}
