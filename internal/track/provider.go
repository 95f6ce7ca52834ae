package track

import (
	"context"
	"time"
)

// Fix is one raw reading from a location provider. Pointer fields are nil
// when the provider does not supply them; the publisher defaults those to
// zero in the outgoing sample.
type Fix struct {
	Latitude  float64
	Longitude float64
	SpeedMps  *float64 // meters per second
	Heading   *float64 // degrees
	Altitude  *float64 // meters
	Accuracy  *float64 // horizontal accuracy, meters
	Time      time.Time
}

// WatchOptions configures a provider subscription.
type WatchOptions struct {
	HighAccuracy bool
	// MinInterval and MinDistance form an OR gate: a callback fires when
	// either threshold is crossed, not both.
	MinInterval time.Duration
	MinDistance float64 // meters
}

// LocationProvider abstracts the device GPS. RequestPermission must be
// called before Watch; implementations return ErrPermissionDenied when the
// user refused access. Watch delivers fixes until the returned cancel
// function runs or ctx is done.
type LocationProvider interface {
	RequestPermission(ctx context.Context) error
	Watch(ctx context.Context, opts WatchOptions, fn func(Fix)) (cancel func(), err error)
}

// PositionSample is one dispatched GPS reading, converted to wire units.
type PositionSample struct {
	Latitude                 float64
	Longitude                float64
	SpeedKmh                 float64
	HeadingDegrees           float64
	AltitudeMeters           float64
	HorizontalAccuracyMeters float64
	CapturedAt               time.Time
	Seq                      uint64
}

// sampleFromFix converts a raw fix: provider speed is m/s, the wire carries
// km/h; absent optional readings become 0.
func sampleFromFix(f Fix) PositionSample {
	s := PositionSample{
		Latitude:   f.Latitude,
		Longitude:  f.Longitude,
		CapturedAt: f.Time,
	}
	if s.CapturedAt.IsZero() {
		s.CapturedAt = time.Now()
	}
	if f.SpeedMps != nil {
		s.SpeedKmh = *f.SpeedMps * 3.6
	}
	if f.Heading != nil {
		s.HeadingDegrees = *f.Heading
	}
	if f.Altitude != nil {
		s.AltitudeMeters = *f.Altitude
	}
	if f.Accuracy != nil {
		s.HorizontalAccuracyMeters = *f.Accuracy
	}
	return s
}
