package track

import (
	"github.com/paulmach/orb"

	"bus-tracker/internal/geo"
)

const (
	DefaultTrailMax     = 800
	DefaultTrailMinStep = 6.0
)

// Trail is the recent path of the followed vehicle.
type Trail struct {
	max     int
	minStep float64
	pts     orb.LineString
}

func NewTrail(max int, minStep float64) *Trail {
	if max <= 0 {
		max = DefaultTrailMax
	}
	return &Trail{max: max, minStep: minStep}
}

// Add appends p unless it is within minStep of the last point. The oldest
// points are dropped beyond the capacity.
func (tr *Trail) Add(p orb.Point) bool {
	if n := len(tr.pts); n > 0 && geo.Distance(tr.pts[n-1], p) < tr.minStep {
		return false
	}
	tr.pts = append(tr.pts, p)
	if over := len(tr.pts) - tr.max; over > 0 {
		tr.pts = append(tr.pts[:0:0], tr.pts[over:]...)
	}
	return true
}

func (tr *Trail) Reset() { tr.pts = nil }

func (tr *Trail) Len() int { return len(tr.pts) }

// Points returns a copy of the trail.
func (tr *Trail) Points() orb.LineString {
	return append(orb.LineString(nil), tr.pts...)
}
