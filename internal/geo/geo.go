package geo

import (
	"math"

	"github.com/example/ride-tracking/internal/models"
)

const (
	earthRadiusMeters = 6371000.0
	metersPerDegree   = 111320.0

	DefaultSpeedKmh = 30.0
)

// PlanarDistanceMeters approximates the distance between a and b by projecting the
// lat/lng delta onto a local plane. Good to well under 1% for urban distances; do not
// use it for anything spanning more than a few tens of kilometres.
func PlanarDistanceMeters(a, b models.Point) float64 {
	midLat := (a.Lat + b.Lat) / 2 * math.Pi / 180
	dy := (b.Lat - a.Lat) * metersPerDegree
	dx := (b.Lng - a.Lng) * metersPerDegree * math.Cos(midLat)
	return math.Sqrt(dx*dx + dy*dy)
}

// Haversine distance in meters
func Haversine(a, b models.Point) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusMeters * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// NearestIndex returns the index of the path point closest to p, or -1 for an empty path.
// Ties resolve to the lowest index.
func NearestIndex(path []models.Point, p models.Point) int {
	best := -1
	bestDist := math.Inf(1)
	for i, q := range path {
		if d := PlanarDistanceMeters(q, p); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

// PathLengthMeters sums the planar distance over consecutive points.
func PathLengthMeters(path []models.Point) float64 {
	var total float64
	for i := 1; i < len(path); i++ {
		total += PlanarDistanceMeters(path[i-1], path[i])
	}
	return total
}

// MoveToward steps from `from` toward `to` by at most stepMeters. The second result is true
// when `to` was within one step, in which case the returned point is `to` itself.
func MoveToward(from, to models.Point, stepMeters float64) (models.Point, bool) {
	d := PlanarDistanceMeters(from, to)
	if d <= stepMeters || d == 0 {
		return to, true
	}
	f := stepMeters / d
	return models.Point{
		Lat: from.Lat + (to.Lat-from.Lat)*f,
		Lng: from.Lng + (to.Lng-from.Lng)*f,
	}, false
}

// ETAMinutes is distance over an assumed speed, rounded up, never below one minute.
func ETAMinutes(distanceMeters, speedKmh float64) int {
	if speedKmh <= 0 {
		speedKmh = DefaultSpeedKmh
	}
	minutes := int(math.Ceil(distanceMeters / 1000 / speedKmh * 60))
	if minutes < 1 {
		return 1
	}
	return minutes
}

// ToKm converts meters to kilometres rounded up to one decimal place.
func ToKm(distanceMeters float64) float64 {
	if distanceMeters <= 0 {
		return 0
	}
	return math.Ceil(distanceMeters/100) / 10
}
