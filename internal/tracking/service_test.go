package tracking

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"courier_tracker/internal/protocol"
)

type fixedDestination struct {
	lat, lng float64
	err      error
}

func (f fixedDestination) Destination(ctx context.Context, orderID string) (float64, float64, error) {
	return f.lat, f.lng, f.err
}

func testDriver() protocol.DriverInfo {
	return protocol.DriverInfo{Name: "Moses", Phone: "+260971", VehicleType: "motorbike"}
}

func newRedisPair(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("gorm open: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	return db, mock
}

func TestStartRequiresDriverIdentity(t *testing.T) {
	s := New(nil, nil, nil, nil)
	if _, err := s.Start(context.Background(), "ord-1", protocol.DriverInfo{Name: "Moses"}); err == nil {
		t.Fatal("start without phone must fail")
	}
	if _, err := s.Start(context.Background(), "ord-1", protocol.DriverInfo{Phone: "+260971"}); err == nil {
		t.Fatal("start without name must fail")
	}
}

func TestUpdateComputesDistanceAndETA(t *testing.T) {
	// Destination ~1.1km north of the updates.
	s := New(nil, nil, fixedDestination{lat: -15.40, lng: 28.28}, nil)

	if _, err := s.Start(context.Background(), "ord-1", testDriver()); err != nil {
		t.Fatalf("start: %v", err)
	}

	d, applied, err := s.Update(context.Background(), protocol.LocationUpdate{
		OrderID: "ord-1", Latitude: -15.41, Longitude: 28.28, Speed: 36, Seq: 1,
	})
	if err != nil || !applied {
		t.Fatalf("update: applied=%v err=%v", applied, err)
	}
	if d.DistanceRemaining < 1.0 || d.DistanceRemaining > 1.3 {
		t.Fatalf("distance %v, want ~1.1km", d.DistanceRemaining)
	}
	if d.ETAMinutes < 1 || d.ETAMinutes > 3 {
		t.Fatalf("eta %v minutes, want 1-3", d.ETAMinutes)
	}
	if d.EstimatedArrival.IsZero() {
		t.Fatal("arrival time not set")
	}

	// Crawling speed falls back to the urban average rather than an
	// hours-long estimate.
	d, _, err = s.Update(context.Background(), protocol.LocationUpdate{
		OrderID: "ord-1", Latitude: -15.41, Longitude: 28.28, Speed: 1, Seq: 2,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if d.ETAMinutes > 10 {
		t.Fatalf("stalled driver blew up the eta: %d minutes", d.ETAMinutes)
	}
}

func TestUpdateWithoutDestinationCarriesNoETA(t *testing.T) {
	s := New(nil, nil, nil, nil)
	if _, err := s.Start(context.Background(), "ord-1", testDriver()); err != nil {
		t.Fatalf("start: %v", err)
	}

	d, _, err := s.Update(context.Background(), protocol.LocationUpdate{
		OrderID: "ord-1", Latitude: -15.41, Longitude: 28.28, Speed: 36, Seq: 1,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if d.HasDestination || d.DistanceRemaining != 0 || d.ETAMinutes != 0 {
		t.Fatalf("eta derived without a destination: %+v", d)
	}
	up := d.Update()
	if up.DistanceRemaining != nil || up.ETAMinutes != nil {
		t.Fatal("fan-out update must omit distance/eta when unknown")
	}
	if up.Speed == nil || *up.Speed != 36 {
		t.Fatalf("fan-out update lost speed: %+v", up)
	}
}

func TestDuplicateSeqIgnored(t *testing.T) {
	s := New(nil, nil, nil, nil)
	if _, err := s.Start(context.Background(), "ord-1", testDriver()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, applied, _ := s.Update(context.Background(), protocol.LocationUpdate{
		OrderID: "ord-1", Latitude: 1, Longitude: 1, Seq: 5,
	}); !applied {
		t.Fatal("first update not applied")
	}

	// Same seq arriving over the other channel.
	_, applied, err := s.Update(context.Background(), protocol.LocationUpdate{
		OrderID: "ord-1", Latitude: 9, Longitude: 9, Seq: 5,
	})
	if err != nil {
		t.Fatalf("duplicate must not error: %v", err)
	}
	if applied {
		t.Fatal("duplicate seq applied")
	}

	d, _ := s.Snapshot(context.Background(), "ord-1")
	if d.Latitude != 1 {
		t.Fatalf("duplicate overwrote position: %+v", d)
	}

	// Seq 0 bypasses the dedup and gets a server-assigned seq.
	_, applied, _ = s.Update(context.Background(), protocol.LocationUpdate{
		OrderID: "ord-1", Latitude: 2, Longitude: 2,
	})
	if !applied {
		t.Fatal("seq-0 update dropped")
	}
	d, _ = s.Snapshot(context.Background(), "ord-1")
	if d.Seq <= 5 {
		t.Fatalf("server-assigned seq did not advance: %d", d.Seq)
	}
}

func TestUpdateAfterStopRejected(t *testing.T) {
	s := New(nil, nil, nil, nil)
	if _, err := s.Start(context.Background(), "ord-1", testDriver()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Stop(context.Background(), "ord-1", protocol.StopReasonCompleted); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if _, _, err := s.Update(context.Background(), protocol.LocationUpdate{
		OrderID: "ord-1", Latitude: 1, Longitude: 1, Seq: 1,
	}); err == nil {
		t.Fatal("update after stop must fail")
	}
}

func TestStaleDeliveriesEvictedFromMemory(t *testing.T) {
	_, client := newRedisPair(t)
	s := New(nil, client, nil, nil)
	t.Cleanup(s.Close)
	s.SetStaleAfter(30 * time.Minute)

	if _, err := s.Start(context.Background(), "ord-idle", testDriver()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := s.Start(context.Background(), "ord-busy", testDriver()); err != nil {
		t.Fatalf("start: %v", err)
	}

	// The idle driver vanished without a stop call.
	s.mu.Lock()
	s.live["ord-idle"].LastUpdatedAt = time.Now().Add(-time.Hour)
	s.mu.Unlock()

	s.evictStale(time.Now())

	s.mu.Lock()
	_, idleKept := s.live["ord-idle"]
	_, busyKept := s.live["ord-busy"]
	s.mu.Unlock()
	if idleKept {
		t.Fatal("stale delivery not evicted")
	}
	if !busyKept {
		t.Fatal("fresh delivery evicted")
	}

	// The redis snapshot outlives the memory eviction, so a late update
	// from the driver reloads it instead of failing.
	if _, _, err := s.Update(context.Background(), protocol.LocationUpdate{
		OrderID: "ord-idle", Latitude: 1, Longitude: 1, Seq: 1,
	}); err != nil {
		t.Fatalf("update after eviction: %v", err)
	}
}

func TestSnapshotSurvivesRestartViaRedis(t *testing.T) {
	_, client := newRedisPair(t)

	first := New(nil, client, nil, nil)
	if _, err := first.Start(context.Background(), "ord-1", testDriver()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, _, err := first.Update(context.Background(), protocol.LocationUpdate{
		OrderID: "ord-1", Latitude: -15.41, Longitude: 28.28, Speed: 36, Seq: 3,
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	// A fresh instance with an empty in-memory map picks the delivery up
	// from the shared snapshot.
	second := New(nil, client, nil, nil)
	d, err := second.Snapshot(context.Background(), "ord-1")
	if err != nil {
		t.Fatalf("snapshot after restart: %v", err)
	}
	if d.Latitude != -15.41 || d.Seq != 3 || d.DriverName != "Moses" {
		t.Fatalf("restored snapshot wrong: %+v", d)
	}

	// And dedup state came back with it.
	if _, applied, _ := second.Update(context.Background(), protocol.LocationUpdate{
		OrderID: "ord-1", Latitude: 9, Longitude: 9, Seq: 3,
	}); applied {
		t.Fatal("stale seq applied after restore")
	}
}

func TestHistoryOldestFirstAndLimited(t *testing.T) {
	_, client := newRedisPair(t)
	s := New(nil, client, nil, nil)

	if _, err := s.Start(context.Background(), "ord-1", testDriver()); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 1; i <= 10; i++ {
		if _, _, err := s.Update(context.Background(), protocol.LocationUpdate{
			OrderID: "ord-1", Latitude: float64(i), Longitude: float64(i), Seq: uint64(i),
		}); err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
		// Keep the millisecond scores distinct.
		time.Sleep(2 * time.Millisecond)
	}

	points, err := s.History(context.Background(), "ord-1", 5)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(points) != 5 {
		t.Fatalf("limit ignored: %d points", len(points))
	}
	if points[0].Latitude != 6 || points[4].Latitude != 10 {
		t.Fatalf("history not oldest-first tail: first=%v last=%v",
			points[0].Latitude, points[4].Latitude)
	}
}

func TestStopDropsSnapshotKeepsHistoryWithTTL(t *testing.T) {
	mr, client := newRedisPair(t)
	s := New(nil, client, nil, nil)

	if _, err := s.Start(context.Background(), "ord-1", testDriver()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, _, err := s.Update(context.Background(), protocol.LocationUpdate{
		OrderID: "ord-1", Latitude: 1, Longitude: 1, Seq: 1,
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := s.Stop(context.Background(), "ord-1", protocol.StopReasonCompleted); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if mr.Exists("tracking:ord-1") {
		t.Fatal("live snapshot key not removed on stop")
	}
	if !mr.Exists("tracking:ord-1:history") {
		t.Fatal("history must outlive the session")
	}
	if ttl := mr.TTL("tracking:ord-1:history"); ttl <= 0 || ttl > historyTTL {
		t.Fatalf("history ttl %v, want (0, %v]", ttl, historyTTL)
	}

	if _, err := s.Snapshot(context.Background(), "ord-1"); err == nil {
		t.Fatal("snapshot still served after stop")
	}
}

func TestSnapshotShapeForFallbackChannel(t *testing.T) {
	s := New(nil, nil, fixedDestination{lat: -15.40, lng: 28.28}, nil)
	if _, err := s.Start(context.Background(), "ord-1", testDriver()); err != nil {
		t.Fatalf("start: %v", err)
	}
	d, _, err := s.Update(context.Background(), protocol.LocationUpdate{
		OrderID: "ord-1", Latitude: -15.41, Longitude: 28.28, Speed: 36, Heading: 12, Seq: 1,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	raw, err := json.Marshal(d.Snapshot())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var snap protocol.TrackingSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if snap.CurrentLocation.Latitude != -15.41 || snap.CurrentLocation.Speed != 36 {
		t.Fatalf("snapshot position wrong: %+v", snap)
	}
	if snap.DriverName != "Moses" || !snap.IsActive {
		t.Fatalf("snapshot identity wrong: %+v", snap)
	}
}

func TestSessionLifecyclePersistedToDatabase(t *testing.T) {
	db, mock := newMockDB(t)
	s := New(db, nil, nil, nil)

	mock.ExpectQuery(`INSERT INTO "tracking_sessions"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	if _, err := s.Start(context.Background(), "ord-1", testDriver()); err != nil {
		t.Fatalf("start: %v", err)
	}

	mock.ExpectQuery(`INSERT INTO "location_points"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	if _, _, err := s.Update(context.Background(), protocol.LocationUpdate{
		OrderID: "ord-1", Latitude: 1, Longitude: 1, Seq: 1,
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	mock.ExpectExec(`UPDATE "tracking_sessions"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := s.Stop(context.Background(), "ord-1", protocol.StopReasonCompleted); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestHistoryFallsBackToDatabase(t *testing.T) {
	db, mock := newMockDB(t)
	s := New(db, nil, nil, nil)

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "order_id", "latitude", "longitude", "timestamp"}).
		AddRow(2, "ord-1", 2.0, 2.0, now).
		AddRow(1, "ord-1", 1.0, 1.0, now.Add(-time.Minute))
	mock.ExpectQuery(`SELECT .* FROM "location_points"`).WillReturnRows(rows)

	points, err := s.History(context.Background(), "ord-1", 50)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("got %d points, want 2", len(points))
	}
	// DB returns newest first; the API contract is oldest first.
	if points[0].Latitude != 1 || points[1].Latitude != 2 {
		t.Fatalf("history order wrong: %+v", points)
	}
}
