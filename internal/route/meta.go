package route

import (
	"fmt"
	"math"
	"time"

	"github.com/paulmach/orb"

	"bus-tracker/internal/geo"
	"bus-tracker/internal/gtfs"
)

const (
	// DirectionalLookahead is how much shape a future route covers when no
	// stop lies ahead.
	DirectionalLookahead = 1200.0
	// futureMinSpacing drops near-duplicate points from future routes.
	futureMinSpacing = 2.0
)

// Meta is the immutable geometry of one route. It is shared read-only by
// every vehicle on that route.
type Meta struct {
	RouteID      string
	Shape        orb.LineString
	Cumulative   []float64
	Stops        []gtfs.Stop
	StopProgress []float64
	// Fallback is set when Shape was synthesized from the stop sequence.
	Fallback bool
	BuiltAt  time.Time
}

// NewMeta builds route metadata from a shape and its ordered stops. A shape
// with fewer than two points is replaced by the stop sequence when at least
// two stops exist.
func NewMeta(routeID string, shape orb.LineString, stops []gtfs.Stop) (*Meta, error) {
	fallback := false
	if len(shape) < 2 {
		if len(stops) < 2 {
			return nil, fmt.Errorf("route %s: %d shape points, %d stops: %w", routeID, len(shape), len(stops), ErrGeometryUnavailable)
		}
		shape = make(orb.LineString, 0, len(stops))
		for _, s := range stops {
			shape = append(shape, s.Point())
		}
		fallback = true
	}
	cum := BuildCumulative(shape)
	m := &Meta{
		RouteID:      routeID,
		Shape:        shape,
		Cumulative:   cum,
		Stops:        stops,
		StopProgress: ProjectStops(stops, shape, cum),
		Fallback:     fallback,
		BuiltAt:      time.Now(),
	}
	if !m.Valid() {
		return nil, fmt.Errorf("route %s: malformed geometry: %w", routeID, ErrGeometryUnavailable)
	}
	return m, nil
}

// Valid reports whether the structural invariants hold.
func (m *Meta) Valid() bool {
	if m == nil || len(m.Shape) < 2 || len(m.Shape) != len(m.Cumulative) {
		return false
	}
	if len(m.Stops) != len(m.StopProgress) {
		return false
	}
	for i := 1; i < len(m.Cumulative); i++ {
		if m.Cumulative[i] < m.Cumulative[i-1] {
			return false
		}
	}
	return true
}

// Length is the total route length in meters.
func (m *Meta) Length() float64 {
	if len(m.Cumulative) == 0 {
		return 0
	}
	return m.Cumulative[len(m.Cumulative)-1]
}

// Match projects p and checks the lateral tolerance. The projection is
// returned alongside ErrProjectionOutOfTolerance so callers can still log it.
func (m *Meta) Match(p orb.Point, maxLateral float64) (Projection, error) {
	if !m.Valid() {
		return Projection{}, ErrGeometryUnavailable
	}
	prj, ok := Project(p, m.Shape, m.Cumulative)
	if !ok {
		return Projection{}, ErrGeometryUnavailable
	}
	if maxLateral > 0 && prj.Lateral > maxLateral {
		return prj, ErrProjectionOutOfTolerance
	}
	return prj, nil
}

// PointAt returns the position at progress s, clamped to the route ends.
func (m *Meta) PointAt(s float64) orb.Point {
	return pointAt(m.Shape, m.Cumulative, s)
}

// FutureRoute walks the shape from the snapped point through the next
// maxStops stops starting at nextIdx, passing through every shape vertex in
// between and landing exactly on each stop. When no stop lies ahead it covers
// the next DirectionalLookahead meters of shape instead.
func (m *Meta) FutureRoute(from Projection, nextIdx, maxStops int) orb.LineString {
	if !m.Valid() {
		return nil
	}
	coords := orb.LineString{from.Point}
	vertex := from.Segment + 1

	appendUntil := func(target float64) {
		for vertex < len(m.Cumulative) && m.Cumulative[vertex] < target {
			coords = append(coords, m.Shape[vertex])
			vertex++
		}
	}

	added := 0
	for j := nextIdx; j >= 0 && j < len(m.Stops) && added < maxStops; j++ {
		target := m.StopProgress[j]
		if math.IsInf(target, 1) {
			continue
		}
		appendUntil(target)
		coords = append(coords, m.Stops[j].Point())
		added++
	}
	if added == 0 {
		end := math.Min(from.Progress+DirectionalLookahead, m.Length())
		appendUntil(end)
		coords = append(coords, m.PointAt(end))
	}
	return dedupe(coords, futureMinSpacing)
}

func dedupe(coords orb.LineString, minSpacing float64) orb.LineString {
	if len(coords) < 2 {
		return coords
	}
	out := orb.LineString{coords[0]}
	for _, c := range coords[1:] {
		if geo.Distance(out[len(out)-1], c) >= minSpacing {
			out = append(out, c)
		}
	}
	return out
}
