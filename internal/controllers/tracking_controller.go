package controllers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	geom "github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"

	"courier_tracker/internal/protocol"
	"courier_tracker/internal/tracking"
)

// TrackingController is the HTTP side of the relay: the driver's fallback
// channel plus the watcher's snapshot and history reads.
type TrackingController struct {
	svc *tracking.Service
	hub *Hub
}

func NewTrackingController(svc *tracking.Service, hub *Hub) *TrackingController {
	return &TrackingController{svc: svc, hub: hub}
}

func respondOK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func respondErr(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"success": false, "error": err.Error()})
}

// StartTracking opens a tracking session for an order.
// POST /tracking/:orderId/start
func (tc *TrackingController) StartTracking(c *gin.Context) {
	orderID := c.Param("orderId")

	var info protocol.DriverInfo
	if err := c.ShouldBindJSON(&info); err != nil {
		respondErr(c, http.StatusBadRequest, err)
		return
	}

	d, err := tc.svc.Start(c.Request.Context(), orderID, info)
	if err != nil {
		respondErr(c, http.StatusUnprocessableEntity, err)
		return
	}

	tc.hub.Broadcast(c.Request.Context(), orderID,
		protocol.NewMessage(protocol.TypeTrackingStarted, d.Snapshot()))
	respondOK(c, d.Snapshot())
}

// PostLocation is the fallback ingest path for one location update. A
// duplicate already seen on the stream still answers success so the driver
// never retries it.
// POST /tracking/:orderId/location
func (tc *TrackingController) PostLocation(c *gin.Context) {
	orderID := c.Param("orderId")

	var up protocol.LocationUpdate
	if err := c.ShouldBindJSON(&up); err != nil {
		respondErr(c, http.StatusBadRequest, err)
		return
	}
	up.OrderID = orderID

	d, applied, err := tc.svc.Update(c.Request.Context(), up)
	if err != nil {
		respondErr(c, http.StatusNotFound, err)
		return
	}
	if applied {
		tc.hub.Broadcast(c.Request.Context(), orderID,
			protocol.NewMessage(protocol.TypeLocationUpdate, d.Update()))
	}
	respondOK(c, nil)
}

// StopTracking closes the session and tells every watcher.
// POST /tracking/:orderId/stop
func (tc *TrackingController) StopTracking(c *gin.Context) {
	orderID := c.Param("orderId")

	var req protocol.StopRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		// An empty body means an unspecified reason, not a bad request.
		req.Reason = ""
	}
	if req.Reason == "" {
		req.Reason = protocol.StopReasonCompleted
	}

	if err := tc.svc.Stop(c.Request.Context(), orderID, req.Reason); err != nil {
		respondErr(c, http.StatusInternalServerError, err)
		return
	}

	tc.hub.Broadcast(c.Request.Context(), orderID,
		protocol.NewMessage(protocol.TypeTrackingStopped, protocol.TrackingStopped{
			OrderID: orderID,
			Reason:  req.Reason,
		}))
	respondOK(c, nil)
}

// GetSnapshot returns the last known state for an order.
// GET /tracking/:orderId
func (tc *TrackingController) GetSnapshot(c *gin.Context) {
	d, err := tc.svc.Snapshot(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		respondErr(c, http.StatusNotFound, err)
		return
	}
	respondOK(c, d.Snapshot())
}

// GetHistory returns recorded points, oldest first.
// GET /tracking/:orderId/history?limit=n
func (tc *TrackingController) GetHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	points, err := tc.svc.History(c.Request.Context(), c.Param("orderId"), limit)
	if err != nil {
		respondErr(c, http.StatusInternalServerError, err)
		return
	}
	respondOK(c, gin.H{"points": points})
}

// GetRoute renders the recorded path as a GeoJSON feature so it can be
// dropped straight onto a map widget.
// GET /tracking/:orderId/route.geojson
func (tc *TrackingController) GetRoute(c *gin.Context) {
	orderID := c.Param("orderId")

	points, err := tc.svc.History(c.Request.Context(), orderID, 1000)
	if err != nil {
		respondErr(c, http.StatusInternalServerError, err)
		return
	}
	if len(points) < 2 {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "not enough points for a route"})
		return
	}

	coords := make([]geom.Coord, len(points))
	for i, p := range points {
		coords[i] = geom.Coord{p.Longitude, p.Latitude}
	}
	line := geom.NewLineString(geom.XY)
	if _, err := line.SetCoords(coords); err != nil {
		logrus.WithError(err).Error("route geometry build failed")
		respondErr(c, http.StatusInternalServerError, err)
		return
	}

	feature := geojson.Feature{
		Geometry:   line,
		Properties: map[string]interface{}{"orderId": orderID, "points": len(points)},
	}
	raw, err := feature.MarshalJSON()
	if err != nil {
		respondErr(c, http.StatusInternalServerError, err)
		return
	}
	c.Data(http.StatusOK, "application/geo+json", raw)
}
