package eta

import (
	"math"
	"time"
)

type Config struct {
	FloorSpeed     float64       // m/s used for division when slower
	CeilingSpeed   float64       // m/s
	StoppedSpeed   float64       // below this and near the stop the ETA is 0
	NearStopRadius float64       // meters
	SlowSpeed      float64       // rate limit applies below this speed
	FarFromStop    float64       // and beyond this distance
	IncreaseEvery  time.Duration // one minute of increase allowed per period
}

func DefaultConfig() Config {
	return Config{
		FloorSpeed:     1.5,
		CeilingSpeed:   25,
		StoppedSpeed:   1.2,
		NearStopRadius: 25,
		SlowSpeed:      1.0,
		FarFromStop:    50,
		IncreaseEvery:  30 * time.Second,
	}
}

// ComputeETA returns whole minutes to cover dist meters at the observed
// speed, rounding half to even.
func ComputeETA(cfg Config, dist, speed float64) int {
	dist = math.Max(0, dist)
	if speed < cfg.StoppedSpeed && dist <= cfg.NearStopRadius {
		return 0
	}
	v := math.Max(cfg.FloorSpeed, math.Min(cfg.CeilingSpeed, speed))
	sec := math.Trunc(dist / v)
	return max(0, int(math.RoundToEven(sec/60)))
}

// State is the last emitted ETA of one vehicle.
type State struct {
	Minutes int
	At      time.Time
}

// Engine rate-limits ETA increases per vehicle.
type Engine struct {
	cfg    Config
	states map[string]*State
}

func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg, states: make(map[string]*State)}
}

func (e *Engine) Config() Config { return e.cfg }

// Compute is ComputeETA with the engine's configuration.
func (e *Engine) Compute(dist, speed float64) int {
	return ComputeETA(e.cfg, dist, speed)
}

// Smooth returns the ETA to emit for key given a freshly computed raw value.
// Decreases pass through. While the vehicle is slow and far from the stop an
// increase is capped at one minute per IncreaseEvery since the emitted value
// last changed.
func (e *Engine) Smooth(key string, raw int, dist, speed float64, now time.Time) int {
	prev, ok := e.states[key]
	if !ok {
		e.states[key] = &State{Minutes: raw, At: now}
		return raw
	}
	limited := speed < e.cfg.SlowSpeed && dist > e.cfg.FarFromStop
	if !limited || raw <= prev.Minutes {
		if raw != prev.Minutes {
			prev.Minutes, prev.At = raw, now
		}
		return raw
	}
	steps := 0
	if e.cfg.IncreaseEvery > 0 {
		steps = int(now.Sub(prev.At) / e.cfg.IncreaseEvery)
	}
	capped := min(prev.Minutes+steps, raw)
	if capped != prev.Minutes {
		prev.Minutes = capped
		prev.At = prev.At.Add(time.Duration(steps) * e.cfg.IncreaseEvery)
	}
	return capped
}

// Last returns the last emitted ETA for key.
func (e *Engine) Last(key string) (int, bool) {
	st, ok := e.states[key]
	if !ok {
		return 0, false
	}
	return st.Minutes, true
}

func (e *Engine) Forget(key string) { delete(e.states, key) }
