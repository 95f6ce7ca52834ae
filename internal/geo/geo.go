// Package geo holds the great-circle math used on both sides of the
// tracking protocol.
package geo

import (
	"math"
	"time"
)

const earthRadiusKm = 6371

// DistanceKm returns the haversine distance between two points in km.
func DistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRadians(lat2 - lat1)
	dLon := toRadians(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(lat1))*math.Cos(toRadians(lat2))*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

// DistanceMeters returns the haversine distance in meters.
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	return DistanceKm(lat1, lon1, lat2, lon2) * 1000
}

// Bearing calculates the initial bearing from the first point to the
// second, in degrees 0-359.
func Bearing(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := toRadians(lat1)
	lat2Rad := toRadians(lat2)
	deltaLon := toRadians(lon2 - lon1)

	y := math.Sin(deltaLon) * math.Cos(lat2Rad)
	x := math.Cos(lat1Rad)*math.Sin(lat2Rad) -
		math.Sin(lat1Rad)*math.Cos(lat2Rad)*math.Cos(deltaLon)
	bearingDeg := toDegrees(math.Atan2(y, x))

	return math.Mod(bearingDeg+360, 360)
}

// ETA derives the minutes remaining and the arrival time for a leg of
// distanceKm at speedKmh. Speeds under 5 km/h fall back to a 25 km/h urban
// average so a driver stuck at a light does not blow the estimate up; the
// result never drops below one minute while distance remains.
func ETA(distanceKm, speedKmh float64, now time.Time) (int, time.Time) {
	avg := speedKmh
	if avg < 5 {
		avg = 25
	}
	minutes := int(distanceKm / avg * 60)
	if minutes < 1 {
		minutes = 1
	}
	return minutes, now.Add(time.Duration(minutes) * time.Minute)
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

func toDegrees(rad float64) float64 {
	return rad * 180 / math.Pi
}
