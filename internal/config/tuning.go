package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"bus-tracker/internal/fleet"
)

// Tuning overrides estimator constants from a YAML file. Keys left out keep
// their defaults.
type Tuning struct {
	LateralMax       float64       `yaml:"lateral_max_m" validate:"gt=0"`
	PassGate         float64       `yaml:"pass_gate_m" validate:"gte=0"`
	SnapRadius       float64       `yaml:"snap_radius_m" validate:"gte=0"`
	Dwell            time.Duration `yaml:"dwell" validate:"gte=0"`
	CoastDecay       float64       `yaml:"coast_decay" validate:"gt=0,lte=1"`
	CoastMinSpeed    float64       `yaml:"coast_min_speed_mps" validate:"gte=0"`
	StaleGrace       time.Duration `yaml:"stale_grace" validate:"gte=0"`
	GhostMaxAge      time.Duration `yaml:"ghost_max_age" validate:"gte=0"`
	GhostDwellMaxAge time.Duration `yaml:"ghost_dwell_max_age" validate:"gtefield=GhostMaxAge"`
	FutureStops      int           `yaml:"future_stops" validate:"gte=1,lte=50"`
	TrailMax         int           `yaml:"trail_max" validate:"gte=1"`

	Track     TrackTuning     `yaml:"track"`
	Progress  ProgressTuning  `yaml:"progress"`
	Sequencer SequencerTuning `yaml:"sequencer"`
	ETA       ETATuning       `yaml:"eta"`
}

type TrackTuning struct {
	MaxStep         float64 `yaml:"max_step_m" validate:"gt=0"`
	FollowedMaxStep float64 `yaml:"followed_max_step_m" validate:"gtefield=MaxStep"`
	MaxSpeed        float64 `yaml:"max_speed_mps" validate:"gt=0"`
	Alpha           float64 `yaml:"alpha" validate:"gt=0,lte=1"`
	JumpAlpha       float64 `yaml:"jump_alpha" validate:"gt=0,lte=1"`
}

type ProgressTuning struct {
	QS    float64 `yaml:"qs" validate:"gt=0"`
	QV    float64 `yaml:"qv" validate:"gt=0"`
	VMax  float64 `yaml:"vmax_mps" validate:"gt=0"`
	Huber float64 `yaml:"huber_m" validate:"gt=0"`
	Debug bool    `yaml:"debug"`
}

type SequencerTuning struct {
	MaxLateral   float64 `yaml:"max_lateral_m" validate:"gt=0"`
	PassedGate   float64 `yaml:"passed_gate_m" validate:"gte=0"`
	HoldRadius   float64 `yaml:"hold_radius_m" validate:"gte=0"`
	GateMargin   float64 `yaml:"gate_margin_m" validate:"gte=0"`
	MinAdvance   float64 `yaml:"min_advance_m" validate:"gte=0"`
	NeededStreak int     `yaml:"needed_streak" validate:"gte=0"`
}

type ETATuning struct {
	FloorSpeed    float64       `yaml:"floor_speed_mps" validate:"gt=0"`
	CeilingSpeed  float64       `yaml:"ceiling_speed_mps" validate:"gtfield=FloorSpeed"`
	IncreaseEvery time.Duration `yaml:"increase_every" validate:"gte=0"`
}

// DefaultTuning mirrors fleet.DefaultConfig.
func DefaultTuning() Tuning {
	c := fleet.DefaultConfig()
	return Tuning{
		LateralMax:       c.LateralMax,
		PassGate:         c.PassGate,
		SnapRadius:       c.SnapRadius,
		Dwell:            c.Dwell,
		CoastDecay:       c.CoastDecay,
		CoastMinSpeed:    c.CoastMinSpeed,
		StaleGrace:       c.StaleGrace,
		GhostMaxAge:      c.GhostMaxAge,
		GhostDwellMaxAge: c.GhostDwellMaxAge,
		FutureStops:      c.FutureStops,
		TrailMax:         c.TrailMax,
		Track: TrackTuning{
			MaxStep:         c.Track.MaxStep,
			FollowedMaxStep: c.Track.FollowedMaxStep,
			MaxSpeed:        c.Track.MaxSpeed,
			Alpha:           c.Track.Alpha,
			JumpAlpha:       c.Track.JumpAlpha,
		},
		Progress: ProgressTuning{
			QS:    c.Progress.QS,
			QV:    c.Progress.QV,
			VMax:  c.Progress.VMax,
			Huber: c.Progress.Huber,
			Debug: c.Progress.Debug,
		},
		Sequencer: SequencerTuning{
			MaxLateral:   c.Sequencer.MaxLateral,
			PassedGate:   c.Sequencer.PassedGate,
			HoldRadius:   c.Sequencer.HoldRadius,
			GateMargin:   c.Sequencer.GateMargin,
			MinAdvance:   c.Sequencer.MinAdvance,
			NeededStreak: c.Sequencer.NeededStreak,
		},
		ETA: ETATuning{
			FloorSpeed:    c.ETA.FloorSpeed,
			CeilingSpeed:  c.ETA.CeilingSpeed,
			IncreaseEvery: c.ETA.IncreaseEvery,
		},
	}
}

// LoadTuning reads and validates a tuning file. An empty path yields the
// defaults.
func LoadTuning(path string) (Tuning, error) {
	t := DefaultTuning()
	if path == "" {
		return t, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Tuning{}, fmt.Errorf("read tuning file: %w", err)
	}
	return ParseTuning(data)
}

func ParseTuning(data []byte) (Tuning, error) {
	t := DefaultTuning()
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Tuning{}, fmt.Errorf("parse tuning: %w", err)
	}
	if err := validator.New().Struct(t); err != nil {
		return Tuning{}, fmt.Errorf("validate tuning: %w", err)
	}
	return t, nil
}

// FleetConfig applies the tuning and the retention window on top of the
// fleet defaults.
func (t Tuning) FleetConfig(retention time.Duration) fleet.Config {
	c := fleet.DefaultConfig()
	c.LateralMax = t.LateralMax
	c.PassGate = t.PassGate
	c.SnapRadius = t.SnapRadius
	c.Dwell = t.Dwell
	c.CoastDecay = t.CoastDecay
	c.CoastMinSpeed = t.CoastMinSpeed
	c.StaleGrace = t.StaleGrace
	c.GhostMaxAge = t.GhostMaxAge
	c.GhostDwellMaxAge = t.GhostDwellMaxAge
	c.FutureStops = t.FutureStops
	c.TrailMax = t.TrailMax
	if retention > 0 {
		c.Retention = retention
	}

	c.Track.MaxStep = t.Track.MaxStep
	c.Track.FollowedMaxStep = t.Track.FollowedMaxStep
	c.Track.MaxSpeed = t.Track.MaxSpeed
	c.Track.Alpha = t.Track.Alpha
	c.Track.JumpAlpha = t.Track.JumpAlpha

	c.Progress.QS = t.Progress.QS
	c.Progress.QV = t.Progress.QV
	c.Progress.VMax = t.Progress.VMax
	c.Progress.Huber = t.Progress.Huber
	c.Progress.Debug = t.Progress.Debug

	c.Sequencer.MaxLateral = t.Sequencer.MaxLateral
	c.Sequencer.PassedGate = t.Sequencer.PassedGate
	c.Sequencer.HoldRadius = t.Sequencer.HoldRadius
	c.Sequencer.GateMargin = t.Sequencer.GateMargin
	c.Sequencer.MinAdvance = t.Sequencer.MinAdvance
	c.Sequencer.NeededStreak = t.Sequencer.NeededStreak

	c.ETA.FloorSpeed = t.ETA.FloorSpeed
	c.ETA.CeilingSpeed = t.ETA.CeilingSpeed
	c.ETA.IncreaseEvery = t.ETA.IncreaseEvery
	return c
}
