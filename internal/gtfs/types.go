package gtfs

import (
	"time"

	"github.com/paulmach/orb"
)

type Stop struct {
	ID   string
	Name string
	Lat  float64
	Lon  float64
}

func (s Stop) Point() orb.Point { return orb.Point{s.Lon, s.Lat} }

// VehicleReport is one raw position fix as delivered by a feed. It lives for
// exactly one refresh cycle.
type VehicleReport struct {
	VehicleID            string
	RouteID              string // opaque route key
	RouteNo              string // display number
	Lat                  float64
	Lon                  float64
	ReportedETAMinutes   *int
	ReportedNextStopName *string
	Timestamp            time.Time // zero if the feed does not stamp fixes
}

func (r VehicleReport) Point() orb.Point { return orb.Point{r.Lon, r.Lat} }

type Arrival struct {
	RouteID    string
	RouteNo    string
	StopID     string
	ETAMinutes int
}

type StopTime struct {
	StopSequence      int
	ArrivalSec        int     // seconds since midnight (can exceed 24h)
	DepartureSec      int     // seconds since midnight (can exceed 24h)
	ShapeDistTraveled float64 // meters, if available; 0 if missing
	StopID            string
	StopName          string
	StopLat           float64
	StopLon           float64
}

type ShapePoint struct {
	Lat          float64
	Lon          float64
	Sequence     int
	DistTraveled float64 // meters, if available; 0 if missing
}

// LineString converts ordered shape points to a polyline.
func LineString(pts []ShapePoint) orb.LineString {
	ls := make(orb.LineString, 0, len(pts))
	for _, p := range pts {
		ls = append(ls, orb.Point{p.Lon, p.Lat})
	}
	return ls
}

func IntPtr(v int) *int { return &v }

func StringPtr(s string) *string { return &s }
