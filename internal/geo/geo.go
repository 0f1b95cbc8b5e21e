package geo

import (
	"math"

	"github.com/paulmach/orb"
	orbgeo "github.com/paulmach/orb/geo"
)

// MetersPerDegLat is the equirectangular scale used by every local planar
// computation in the tracker.
const MetersPerDegLat = 111320.0

// MetersPerDegLon returns the east-west scale at the given latitude.
func MetersPerDegLon(lat float64) float64 {
	return MetersPerDegLat * math.Cos(lat*math.Pi/180)
}

// Distance is the haversine distance in meters.
func Distance(a, b orb.Point) float64 {
	return orbgeo.Distance(a, b)
}

// Delta returns the planar offset of p from origin in meters (east, north),
// scaled at the origin latitude.
func Delta(origin, p orb.Point) (dx, dy float64) {
	dx = (p.Lon() - origin.Lon()) * MetersPerDegLon(origin.Lat())
	dy = (p.Lat() - origin.Lat()) * MetersPerDegLat
	return dx, dy
}

// PlanarDistance is the length of Delta(a, b).
func PlanarDistance(a, b orb.Point) float64 {
	return math.Hypot(Delta(a, b))
}

// Offset moves origin by dx meters east and dy meters north. It is the
// inverse of Delta.
func Offset(origin orb.Point, dx, dy float64) orb.Point {
	mLon := MetersPerDegLon(origin.Lat())
	if mLon == 0 {
		return orb.Point{origin.Lon(), origin.Lat() + dy/MetersPerDegLat}
	}
	return orb.Point{origin.Lon() + dx/mLon, origin.Lat() + dy/MetersPerDegLat}
}

// Bearing returns degrees clockwise from north in [0, 360).
func Bearing(a, b orb.Point) float64 {
	brng := orbgeo.Bearing(a, b)
	if brng < 0 {
		brng += 360
	}
	return math.Mod(brng, 360)
}

// Lerp blends a toward b by t.
func Lerp(a, b orb.Point, t float64) orb.Point {
	return orb.Point{
		a.Lon() + (b.Lon()-a.Lon())*t,
		a.Lat() + (b.Lat()-a.Lat())*t,
	}
}
