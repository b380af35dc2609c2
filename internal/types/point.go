// README: Geographic point value object.
package types

type Point struct {
	Lat float64
	Lng float64
}

// Valid reports whether p is within WGS84 bounds.
func (p Point) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}
