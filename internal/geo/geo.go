package geo

import (
	"math"

	"github.com/example/rider-core/internal/models"
)

const earthRadiusMeters = 6371000.0

// DistanceMeters returns the haversine great-circle distance between two
// points. Accurate to well under 0.5% at urban scales, which is all the
// geofence and throttle logic needs.
func DistanceMeters(a, b models.LatLng) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusMeters * c
}

// BearingDegrees returns the initial bearing from a to b in [0, 360).
func BearingDegrees(a, b models.LatLng) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	y := math.Sin(dLng) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLng)
	deg := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}

// DefaultMovementThresholdMeters suppresses GPS jitter: anything under this
// is not worth a redraw or a route recompute.
const DefaultMovementThresholdMeters = 5.0

// IsSignificantMovement reports whether next is far enough from prev to act
// on. Pass threshold <= 0 to use the default.
func IsSignificantMovement(prev, next models.LatLng, thresholdMeters float64) bool {
	if thresholdMeters <= 0 {
		thresholdMeters = DefaultMovementThresholdMeters
	}
	return DistanceMeters(prev, next) > thresholdMeters
}
