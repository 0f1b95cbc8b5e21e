package route

import (
	"math"

	"github.com/paulmach/orb"

	"bus-tracker/internal/geo"
	"bus-tracker/internal/gtfs"
)

// Projection is the result of map-matching one point onto a polyline.
type Projection struct {
	Point    orb.Point // foot of the perpendicular on the route
	Progress float64   // meters along the route
	Segment  int       // index i of segment [shape[i], shape[i+1]]
	Lateral  float64   // meters from the raw point to Point
}

// BuildCumulative returns the running haversine length of shape, starting at 0.
func BuildCumulative(shape orb.LineString) []float64 {
	if len(shape) == 0 {
		return nil
	}
	cum := make([]float64, len(shape))
	for i := 1; i < len(shape); i++ {
		cum[i] = cum[i-1] + geo.Distance(shape[i-1], shape[i])
	}
	return cum
}

// Project map-matches p onto shape. Every segment is flattened with an
// equirectangular frame anchored at its first vertex; the segment with the
// smallest lateral distance wins and ties keep the lower index.
func Project(p orb.Point, shape orb.LineString, cum []float64) (Projection, bool) {
	if len(shape) < 2 || len(shape) != len(cum) {
		return Projection{}, false
	}
	best := Projection{Lateral: math.Inf(1)}
	found := false
	for i := 0; i < len(shape)-1; i++ {
		a, b := shape[i], shape[i+1]
		px, py := geo.Delta(a, p)
		bx, by := geo.Delta(a, b)
		segLen2 := bx*bx + by*by
		t := 0.0
		if segLen2 > 1e-6 {
			t = (px*bx + py*by) / segLen2
		}
		t = math.Max(0, math.Min(1, t))
		fx, fy := bx*t, by*t
		lateral := math.Hypot(px-fx, py-fy)
		if !found || lateral < best.Lateral {
			best = Projection{
				Point:    geo.Offset(a, fx, fy),
				Progress: cum[i] + (cum[i+1]-cum[i])*t,
				Segment:  i,
				Lateral:  lateral,
			}
			found = true
		}
	}
	return best, found
}

// ProjectStops returns each stop's progress along shape. Stops that cannot be
// projected get +Inf so they sort last.
func ProjectStops(stops []gtfs.Stop, shape orb.LineString, cum []float64) []float64 {
	out := make([]float64, len(stops))
	for i, s := range stops {
		prj, ok := Project(s.Point(), shape, cum)
		if !ok {
			out[i] = math.Inf(1)
			continue
		}
		out[i] = prj.Progress
	}
	return out
}

// pointAt interpolates the position at progress s, clamped to the ends.
func pointAt(shape orb.LineString, cum []float64, s float64) orb.Point {
	n := len(shape)
	if n == 0 {
		return orb.Point{}
	}
	if s <= 0 || n == 1 {
		return shape[0]
	}
	if s >= cum[n-1] {
		return shape[n-1]
	}
	i := 1
	for i < n && cum[i] < s {
		i++
	}
	d0, d1 := cum[i-1], cum[i]
	if d1 == d0 {
		return shape[i-1]
	}
	return geo.Lerp(shape[i-1], shape[i], (s-d0)/(d1-d0))
}
