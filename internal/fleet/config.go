package fleet

import (
	"time"

	"bus-tracker/internal/eta"
	"bus-tracker/internal/progress"
	"bus-tracker/internal/sequencer"
	"bus-tracker/internal/track"
)

type Config struct {
	LateralMax       float64       // meters; farther fixes are not map-matched
	PassGate         float64       // meters beyond a stop before it counts as passed
	SnapRadius       float64       // meters
	Dwell            time.Duration // how long a snap is held
	CoastDecay       float64       // per second
	CoastMinSpeed    float64       // m/s
	CoastLookahead   time.Duration
	StaleGrace       time.Duration // missing vehicles keep coasting this long
	GhostMaxAge      time.Duration // followed vehicle
	GhostDwellMaxAge time.Duration // followed vehicle while dwelling
	Retention        time.Duration // state is pruned after this long unseen
	FutureStops      int
	TrailMax         int
	TrailMinStep     float64

	Track     track.Config
	Progress  progress.Config
	Sequencer sequencer.Config
	ETA       eta.Config
}

func DefaultConfig() Config {
	return Config{
		LateralMax:       60,
		PassGate:         18,
		SnapRadius:       18,
		Dwell:            15 * time.Second,
		CoastDecay:       0.92,
		CoastMinSpeed:    0.3,
		CoastLookahead:   600 * time.Millisecond,
		StaleGrace:       45 * time.Second,
		GhostMaxAge:      300 * time.Second,
		GhostDwellMaxAge: time.Hour,
		Retention:        10 * time.Minute,
		FutureStops:      7,
		TrailMax:         track.DefaultTrailMax,
		TrailMinStep:     track.DefaultTrailMinStep,

		Track:     track.DefaultConfig(),
		Progress:  progress.DefaultConfig(),
		Sequencer: sequencer.DefaultConfig(),
		ETA:       eta.DefaultConfig(),
	}
}
