package progress

import "math"

// GPSVariance is the observation variance (m^2) of a projected fix. Fixes far
// off the polyline are trusted less.
func GPSVariance(lateral float64) float64 {
	return 25 + 10*math.Max(0, lateral)
}

// ETAObservation turns "arrives at the stop at stopS in etaMinutes" into a
// progress observation. The speed prior is clamped to [1.5, 25] m/s and the
// variance grows with the horizon, reaching three times the base at 8 min.
func ETAObservation(stopS float64, etaMinutes int, vPrior float64) (z, r float64) {
	t := float64(etaMinutes) * 60
	if t < 0 {
		t = 0
	}
	v := math.Max(1.5, math.Min(25, vPrior))
	z = stopS - v*t
	r = 80 * 80 * (1 + math.Min(t/240, 2))
	return z, r
}
