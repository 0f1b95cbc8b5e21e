package sequencer

import (
	"math"

	"bus-tracker/internal/gtfs"
)

type Config struct {
	MaxLateral   float64 // freeze above this lateral offset
	PassedGate   float64 // init skips a stop already passed by this much
	HoldRadius   float64 // never move while this close to the current stop
	GateMargin   float64 // progress beyond the current stop needed to advance
	MinAdvance   float64 // forward movement that counts toward the streak
	NeededStreak int
}

func DefaultConfig() Config {
	return Config{
		MaxLateral:   120,
		PassedGate:   20,
		HoldRadius:   55,
		GateMargin:   18,
		MinAdvance:   6,
		NeededStreak: 2,
	}
}

// State is the per-vehicle memory of the sequencer.
type State struct {
	RouteID      string
	Index        int
	LastProgress float64
	HasBaseline  bool
	Streak       int
}

// Sequencer keeps one State per vehicle key.
type Sequencer struct {
	cfg    Config
	states map[string]*State
}

func New(cfg Config) *Sequencer {
	return &Sequencer{cfg: cfg, states: make(map[string]*State)}
}

// NextStop returns the stop the vehicle is heading to. The index it reports
// for a vehicle never decreases and grows by at most one per call while the
// vehicle stays on routeID.
func (s *Sequencer) NextStop(key, routeID string, progress, lateral float64, stops []gtfs.Stop, stopProgress []float64) (gtfs.Stop, int, bool) {
	n := min(len(stops), len(stopProgress))
	if n == 0 {
		return gtfs.Stop{}, -1, false
	}

	st, ok := s.states[key]
	if ok && st.RouteID != routeID {
		delete(s.states, key)
		ok = false
	}

	if ok && lateral > s.cfg.MaxLateral {
		idx := min(st.Index, n-1)
		return stops[idx], idx, true
	}

	if !ok {
		if lateral > s.cfg.MaxLateral {
			return gtfs.Stop{}, -1, false
		}
		idx, found := s.initialIndex(progress, stopProgress[:n])
		if !found {
			return gtfs.Stop{}, -1, false
		}
		st = &State{RouteID: routeID, Index: idx}
		s.states[key] = st
	}

	idx := min(st.Index, n-1)
	st.Index = idx
	if idx == n-1 {
		return stops[idx], idx, true
	}

	if math.Abs(stopProgress[idx]-progress) <= s.cfg.HoldRadius {
		return stops[idx], idx, true
	}

	// only samples beyond the gate that keep moving forward build the streak
	beyond := progress > stopProgress[idx]+s.cfg.GateMargin
	if st.HasBaseline && beyond && progress-st.LastProgress >= s.cfg.MinAdvance {
		st.Streak++
	} else {
		st.Streak = 0
	}
	st.LastProgress = progress
	st.HasBaseline = true

	if beyond && st.Streak >= s.cfg.NeededStreak {
		st.Index = idx + 1
	}
	return stops[st.Index], st.Index, true
}

// initialIndex picks the stop closest in progress, moving one ahead when the
// vehicle is already past it by more than the passed gate.
func (s *Sequencer) initialIndex(progress float64, stopProgress []float64) (int, bool) {
	best, bestD := -1, math.Inf(1)
	for i, sp := range stopProgress {
		if math.IsInf(sp, 0) || math.IsNaN(sp) {
			continue
		}
		if d := math.Abs(sp - progress); d < bestD {
			best, bestD = i, d
		}
	}
	if best < 0 {
		return 0, false
	}
	if progress > stopProgress[best]+s.cfg.PassedGate {
		best = min(best+1, len(stopProgress)-1)
	}
	return best, true
}

// Index reports the remembered stop index for key.
func (s *Sequencer) Index(key string) (int, bool) {
	st, ok := s.states[key]
	if !ok {
		return -1, false
	}
	return st.Index, true
}

func (s *Sequencer) Forget(key string) { delete(s.states, key) }

func (s *Sequencer) Len() int { return len(s.states) }
