package geo

import "math"

const earthRadiusKm = 6371.0

type Point struct {
	Lat float64
	Lon float64
}

// Valid reports whether p is a finite WGS84 coordinate.
func (p Point) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lon) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lon, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

// FromPtrs builds a point from optional request fields. It returns nil when
// either value is missing or the pair is not a valid coordinate.
func FromPtrs(lat, lon *float64) *Point {
	if lat == nil || lon == nil {
		return nil
	}
	p := Point{Lat: *lat, Lon: *lon}
	if !p.Valid() {
		return nil
	}
	return &p
}

// HaversineKm is the great-circle distance between a and b in kilometers.
func HaversineKm(a, b Point) float64 {
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c
}
