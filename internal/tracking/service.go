// Package tracking is the relay's server-side state for live deliveries:
// an in-memory map for fast lookups, redis for cross-instance snapshots and
// history, postgres for the durable record, kafka for the archive pipeline.
package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"courier_tracker/internal/geo"
	"courier_tracker/internal/models"
	"courier_tracker/internal/protocol"
	"courier_tracker/internal/telemetry"
)

// redisHistoryCap bounds the per-order ZSET; the durable table keeps
// everything.
const redisHistoryCap = 1000

// snapshotTTL is how long a live snapshot survives in redis without
// updates; historyTTL is how long the path outlives a stopped session.
const (
	snapshotTTL = 24 * time.Hour
	historyTTL  = 7 * 24 * time.Hour
)

// Sweep cadence for in-memory state. A driver that vanishes without a stop
// call stops updating; after DefaultStaleAfter its live entry is evicted so
// the map does not grow with abandoned deliveries. Redis covers its own
// eviction via the snapshot TTL.
const (
	DefaultSweepInterval = 5 * time.Minute
	DefaultStaleAfter    = 30 * time.Minute
)

// DestinationResolver looks a delivery's drop-off point up in the order
// system, which is an external collaborator. A nil resolver disables
// distance/ETA derivation; updates then carry position only.
type DestinationResolver interface {
	Destination(ctx context.Context, orderID string) (lat, lng float64, err error)
}

// LiveDelivery is the relay's materialized state for one active delivery.
type LiveDelivery struct {
	OrderID      string  `json:"orderId"`
	DriverName   string  `json:"driverName"`
	DriverPhone  string  `json:"driverPhone"`
	VehicleType  string  `json:"vehicleType"`
	VehiclePlate string  `json:"vehiclePlate,omitempty"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	Speed        float64 `json:"speed"` // km/h
	Heading      float64 `json:"heading"`
	Altitude     float64 `json:"altitude"`
	Accuracy     float64 `json:"accuracy"`

	HasDestination bool    `json:"hasDestination"`
	DestinationLat float64 `json:"destinationLat,omitempty"`
	DestinationLng float64 `json:"destinationLng,omitempty"`

	DistanceRemaining float64   `json:"distanceRemaining"`
	ETAMinutes        int       `json:"etaMinutes"`
	EstimatedArrival  time.Time `json:"estimatedArrival"`

	Seq           uint64    `json:"seq"`
	IsActive      bool      `json:"isActive"`
	StartedAt     time.Time `json:"startedAt"`
	LastUpdatedAt time.Time `json:"lastUpdatedAt"`
}

// Snapshot converts the live state to the fallback channel's shape.
func (d *LiveDelivery) Snapshot() protocol.TrackingSnapshot {
	return protocol.TrackingSnapshot{
		OrderID: d.OrderID,
		CurrentLocation: protocol.Position{
			Latitude:  d.Latitude,
			Longitude: d.Longitude,
			Speed:     d.Speed,
			Heading:   d.Heading,
		},
		DistanceRemaining: d.DistanceRemaining,
		ETAMinutes:        d.ETAMinutes,
		EstimatedArrival:  d.EstimatedArrival,
		DriverName:        d.DriverName,
		DriverPhone:       d.DriverPhone,
		VehicleType:       d.VehicleType,
		IsActive:          d.IsActive,
	}
}

// Update converts the live state to the stream fan-out shape. Distance and
// ETA are carried only when a destination is known, so watchers keep their
// previous values otherwise.
func (d *LiveDelivery) Update() protocol.TrackingUpdate {
	u := protocol.TrackingUpdate{
		OrderID:   d.OrderID,
		Latitude:  d.Latitude,
		Longitude: d.Longitude,
		Seq:       d.Seq,
		Timestamp: d.LastUpdatedAt,
	}
	speed, heading := d.Speed, d.Heading
	u.Speed = &speed
	u.Heading = &heading
	if d.HasDestination {
		dist, eta, arrival := d.DistanceRemaining, d.ETAMinutes, d.EstimatedArrival
		u.DistanceRemaining = &dist
		u.ETAMinutes = &eta
		u.EstimatedArrival = &arrival
	}
	return u
}

// Service owns the live-delivery state. DB, redis, resolver and archive are
// each optional; the service degrades to pure in-memory tracking when all
// are nil.
type Service struct {
	db       *gorm.DB
	redis    *redis.Client
	resolver DestinationResolver
	archive  *telemetry.Producer
	log      *logrus.Entry
	done     chan struct{}

	mu         sync.Mutex
	live       map[string]*LiveDelivery
	staleAfter time.Duration
}

// New builds a tracking service and starts its stale-delivery sweeper. Nil
// collaborators are skipped at use.
func New(db *gorm.DB, redisClient *redis.Client, resolver DestinationResolver, archive *telemetry.Producer) *Service {
	s := &Service{
		db:         db,
		redis:      redisClient,
		resolver:   resolver,
		archive:    archive,
		log:        logrus.WithField("component", "tracking"),
		done:       make(chan struct{}),
		live:       make(map[string]*LiveDelivery),
		staleAfter: DefaultStaleAfter,
	}
	go s.sweepLoop()
	return s
}

// SetStaleAfter overrides how long a delivery may go without updates before
// the sweeper evicts it from memory.
func (s *Service) SetStaleAfter(d time.Duration) {
	s.mu.Lock()
	s.staleAfter = d
	s.mu.Unlock()
}

// Close stops the sweeper.
func (s *Service) Close() {
	close(s.done)
}

func (s *Service) sweepLoop() {
	ticker := time.NewTicker(DefaultSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.evictStale(time.Now())
		}
	}
}

// evictStale drops live entries whose last update is older than the stale
// window. Eviction is memory-only: the session row and redis keys keep
// their own lifecycles, and a late driver update simply reloads the
// snapshot.
func (s *Service) evictStale(now time.Time) {
	s.mu.Lock()
	threshold := now.Add(-s.staleAfter)
	var evicted []string
	for orderID, d := range s.live {
		if d.LastUpdatedAt.Before(threshold) {
			delete(s.live, orderID)
			evicted = append(evicted, orderID)
		}
	}
	s.mu.Unlock()

	for _, orderID := range evicted {
		s.log.WithField("order_id", orderID).Info("evicted stale delivery")
	}
}

// Start registers a tracking session for a delivery. Restarting an already
// active order replaces the driver identity and resets the sequence.
func (s *Service) Start(ctx context.Context, orderID string, info protocol.DriverInfo) (*LiveDelivery, error) {
	if info.Name == "" || info.Phone == "" {
		return nil, fmt.Errorf("driver name and phone are required")
	}

	now := time.Now()
	d := &LiveDelivery{
		OrderID:       orderID,
		DriverName:    info.Name,
		DriverPhone:   info.Phone,
		VehicleType:   info.VehicleType,
		VehiclePlate:  info.VehiclePlate,
		IsActive:      true,
		StartedAt:     now,
		LastUpdatedAt: now,
	}

	if s.resolver != nil {
		lat, lng, err := s.resolver.Destination(ctx, orderID)
		if err != nil {
			s.log.WithError(err).WithField("order_id", orderID).Warn("destination lookup failed, tracking without ETA")
		} else {
			d.HasDestination = true
			d.DestinationLat = lat
			d.DestinationLng = lng
		}
	}

	s.mu.Lock()
	s.live[orderID] = d
	s.mu.Unlock()

	s.storeSnapshot(ctx, d)

	if s.db != nil {
		session := models.TrackingSession{
			OrderID:      orderID,
			DriverName:   info.Name,
			DriverPhone:  info.Phone,
			VehicleType:  info.VehicleType,
			VehiclePlate: info.VehiclePlate,
			IsActive:     true,
			StartedAt:    now,
		}
		if err := s.db.Create(&session).Error; err != nil {
			return nil, fmt.Errorf("create tracking session: %w", err)
		}
	}

	s.log.WithFields(logrus.Fields{"order_id": orderID, "driver": info.Name}).Info("tracking session started")
	return s.copyOf(orderID), nil
}

// Update applies one location update. The bool result is false when the
// update was a duplicate (seq not advancing) and nothing changed.
func (s *Service) Update(ctx context.Context, up protocol.LocationUpdate) (*LiveDelivery, bool, error) {
	d, err := s.load(ctx, up.OrderID)
	if err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	if !d.IsActive {
		s.mu.Unlock()
		return nil, false, fmt.Errorf("no active tracking for order %s", up.OrderID)
	}
	if up.Seq > 0 && up.Seq <= d.Seq {
		// Duplicate from the second dispatch channel.
		s.mu.Unlock()
		return nil, false, nil
	}

	now := time.Now()
	d.Latitude = up.Latitude
	d.Longitude = up.Longitude
	d.Speed = up.Speed
	d.Heading = up.Heading
	d.Altitude = up.Altitude
	d.Accuracy = up.Accuracy
	if up.Seq > 0 {
		d.Seq = up.Seq
	} else {
		d.Seq++
	}
	d.LastUpdatedAt = now

	if d.HasDestination {
		d.DistanceRemaining = geo.DistanceKm(up.Latitude, up.Longitude, d.DestinationLat, d.DestinationLng)
		d.ETAMinutes, d.EstimatedArrival = geo.ETA(d.DistanceRemaining, up.Speed, now)
	}
	out := *d
	s.mu.Unlock()

	s.storeSnapshot(ctx, &out)
	s.appendHistory(ctx, &out)

	if s.db != nil {
		point := models.LocationPoint{
			OrderID:   out.OrderID,
			Latitude:  out.Latitude,
			Longitude: out.Longitude,
			Speed:     out.Speed,
			Heading:   out.Heading,
			Altitude:  out.Altitude,
			Accuracy:  out.Accuracy,
			Seq:       out.Seq,
			Timestamp: now,
		}
		// A lost point only thins the durable trail; the live path moves on.
		if err := s.db.Create(&point).Error; err != nil {
			s.log.WithError(err).Warn("location point insert failed")
		}
	}

	if s.archive != nil {
		if err := s.archive.Write(ctx, telemetry.Record{
			OrderID:   out.OrderID,
			Latitude:  out.Latitude,
			Longitude: out.Longitude,
			Speed:     out.Speed,
			Heading:   out.Heading,
			Seq:       out.Seq,
			Timestamp: now,
		}); err != nil {
			s.log.WithError(err).Warn("telemetry archive write failed")
		}
	}

	return &out, true, nil
}

// Stop closes a delivery's tracking window.
func (s *Service) Stop(ctx context.Context, orderID, reason string) error {
	s.mu.Lock()
	d, ok := s.live[orderID]
	if ok {
		d.IsActive = false
	}
	delete(s.live, orderID)
	s.mu.Unlock()

	if s.redis != nil {
		s.redis.Del(ctx, snapshotKey(orderID))
		s.redis.Expire(ctx, historyKey(orderID), historyTTL)
	}

	if s.db != nil {
		now := time.Now()
		err := s.db.Model(&models.TrackingSession{}).
			Where("order_id = ? AND is_active = ?", orderID, true).
			Updates(map[string]interface{}{
				"is_active":  false,
				"ended_at":   now,
				"end_reason": reason,
			}).Error
		if err != nil {
			return fmt.Errorf("close tracking session: %w", err)
		}
	}

	s.log.WithFields(logrus.Fields{"order_id": orderID, "reason": reason}).Info("tracking session stopped")
	return nil
}

// Snapshot returns a copy of the last known state for a delivery.
func (s *Service) Snapshot(ctx context.Context, orderID string) (*LiveDelivery, error) {
	if _, err := s.load(ctx, orderID); err != nil {
		return nil, err
	}
	if d := s.copyOf(orderID); d != nil {
		return d, nil
	}
	return nil, fmt.Errorf("no tracking data for order %s", orderID)
}

// History returns up to limit recorded points, oldest first.
func (s *Service) History(ctx context.Context, orderID string, limit int) ([]protocol.HistoryPoint, error) {
	if limit <= 0 || limit > redisHistoryCap {
		limit = 100
	}

	if s.redis != nil {
		results, err := s.redis.ZRange(ctx, historyKey(orderID), int64(-limit), -1).Result()
		if err == nil && len(results) > 0 {
			points := make([]protocol.HistoryPoint, 0, len(results))
			for _, raw := range results {
				var p protocol.HistoryPoint
				if json.Unmarshal([]byte(raw), &p) == nil {
					points = append(points, p)
				}
			}
			return points, nil
		}
	}

	if s.db != nil {
		var rows []models.LocationPoint
		err := s.db.Where("order_id = ?", orderID).
			Order("timestamp desc").Limit(limit).Find(&rows).Error
		if err != nil {
			return nil, err
		}
		points := make([]protocol.HistoryPoint, len(rows))
		for i, row := range rows {
			// Reverse into oldest-first order.
			points[len(rows)-1-i] = protocol.HistoryPoint{
				Latitude:  row.Latitude,
				Longitude: row.Longitude,
				Timestamp: row.Timestamp,
			}
		}
		return points, nil
	}

	return nil, nil
}

// load finds a delivery in memory, falling back to the redis snapshot so a
// relay restart (or a sibling instance) can keep serving it.
func (s *Service) load(ctx context.Context, orderID string) (*LiveDelivery, error) {
	s.mu.Lock()
	d, ok := s.live[orderID]
	s.mu.Unlock()
	if ok {
		return d, nil
	}

	if s.redis != nil {
		raw, err := s.redis.Get(ctx, snapshotKey(orderID)).Bytes()
		if err == nil {
			var snap LiveDelivery
			if json.Unmarshal(raw, &snap) == nil {
				s.mu.Lock()
				s.live[orderID] = &snap
				s.mu.Unlock()
				return &snap, nil
			}
		}
	}

	return nil, fmt.Errorf("no tracking data for order %s", orderID)
}

func (s *Service) copyOf(orderID string) *LiveDelivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.live[orderID]; ok {
		out := *d
		return &out
	}
	return nil
}

func (s *Service) storeSnapshot(ctx context.Context, d *LiveDelivery) {
	if s.redis == nil {
		return
	}
	raw, _ := json.Marshal(d)
	if err := s.redis.Set(ctx, snapshotKey(d.OrderID), raw, snapshotTTL).Err(); err != nil {
		s.log.WithError(err).Warn("redis snapshot write failed")
	}
}

func (s *Service) appendHistory(ctx context.Context, d *LiveDelivery) {
	if s.redis == nil {
		return
	}
	raw, _ := json.Marshal(protocol.HistoryPoint{
		Latitude:  d.Latitude,
		Longitude: d.Longitude,
		Timestamp: d.LastUpdatedAt,
	})
	key := historyKey(d.OrderID)
	s.redis.ZAdd(ctx, key, redis.Z{
		Score:  float64(d.LastUpdatedAt.UnixMilli()),
		Member: raw,
	})
	s.redis.ZRemRangeByRank(ctx, key, 0, int64(-redisHistoryCap-1))
}

func snapshotKey(orderID string) string {
	return "tracking:" + orderID
}

func historyKey(orderID string) string {
	return "tracking:" + orderID + ":history"
}
