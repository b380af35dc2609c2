// README: Pure geographic helpers (haversine distance, ETA bands, sort by distance).
package geo

import (
	"fmt"
	"math"
	"sort"

	"rideline/internal/types"
)

const (
	earthRadiusKm = 6371.0
	// urbanSpeedKmh is the assumed average speed behind ETA labels.
	urbanSpeedKmh = 20.0
)

// Distance returns the great-circle distance in kilometres between a and b.
func Distance(a, b types.Point) float64 {
	dLat := degreesToRadians(b.Lat - a.Lat)
	dLng := degreesToRadians(b.Lng - a.Lng)
	rLat1 := degreesToRadians(a.Lat)
	rLat2 := degreesToRadians(b.Lat)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

// ETAMinutes is the travel time in minutes at the assumed urban speed.
func ETAMinutes(distanceKm float64) float64 {
	if distanceKm <= 0 {
		return 0
	}
	return distanceKm / urbanSpeedKmh * 60
}

// ETA returns a coarse banded label, not a routed estimate.
func ETA(distanceKm float64) string {
	m := ETAMinutes(distanceKm)
	switch {
	case m < 2:
		return "1-2 min"
	case m < 5:
		return "2-5 min"
	case m < 10:
		return "5-10 min"
	case m < 15:
		return "10-15 min"
	default:
		return "15+ min"
	}
}

// FormatDistance renders metres below 1 km and one decimal of km above.
func FormatDistance(km float64) string {
	if km < 1 {
		return fmt.Sprintf("%.0f m", km*1000)
	}
	return fmt.Sprintf("%.1f km", km)
}

// SortByDistance orders items nearest first, keeping the input order of ties.
func SortByDistance[T any](items []T, dist func(T) float64) {
	sort.SliceStable(items, func(i, j int) bool {
		return dist(items[i]) < dist(items[j])
	})
}
