package eta

import (
	"math"

	"bus-tracker/internal/gtfs"
)

const DefaultUpcoming = 7

type Upcoming struct {
	StopID     string `json:"stopId"`
	StopName   string `json:"stopName"`
	ETAMinutes int    `json:"etaMinutes"`
}

// UpcomingStops lists up to maxCount stops ahead of progress with ETAs that
// never decrease along the list. seed, usually the ETA already shown for the
// vehicle, is a floor for the first entry.
func UpcomingStops(cfg Config, progress, speed float64, stops []gtfs.Stop, stopProgress []float64, seed *int, maxCount int) []Upcoming {
	n := min(len(stops), len(stopProgress))
	if n == 0 || maxCount <= 0 {
		return nil
	}
	start := n - 1
	for i := 0; i < n; i++ {
		if stopProgress[i] > progress {
			start = i
			break
		}
	}

	last := 0
	if seed != nil {
		last = max(0, *seed)
	}
	out := make([]Upcoming, 0, min(maxCount, n-start))
	for j := start; j < n && len(out) < maxCount; j++ {
		if math.IsInf(stopProgress[j], 1) {
			continue
		}
		m := max(ComputeETA(cfg, stopProgress[j]-progress, speed), last)
		last = m
		out = append(out, Upcoming{StopID: stops[j].ID, StopName: stops[j].Name, ETAMinutes: m})
	}
	return out
}
