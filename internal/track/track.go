package track

import (
	"errors"
	"math"
	"time"

	"github.com/paulmach/orb"

	"bus-tracker/internal/geo"
)

// ErrImplausibleJump marks a report rejected by the jump filter.
var ErrImplausibleJump = errors.New("implausible jump")

type Config struct {
	MaxStep         float64 // meters before a report is suspect
	FollowedMaxStep float64 // larger allowance for the followed vehicle
	MaxSpeed        float64 // m/s implied by a suspect step
	Alpha           float64 // EMA weight of the raw fix
	JumpAlpha       float64 // EMA weight for an accepted jump
	MinDT           float64 // seconds
	HeadingNoise    float64 // meters of displacement below which heading is kept
}

func DefaultConfig() Config {
	return Config{
		MaxStep:         300,
		FollowedMaxStep: 1200,
		MaxSpeed:        40,
		Alpha:           0.35,
		JumpAlpha:       0.9,
		MinDT:           0.01,
		HeadingNoise:    0.5,
	}
}

type Outcome int

const (
	Seeded Outcome = iota
	Smoothed
	JumpAccepted
	JumpRejected
)

func (o Outcome) String() string {
	switch o {
	case Seeded:
		return "seeded"
	case Smoothed:
		return "smoothed"
	case JumpAccepted:
		return "jump_accepted"
	case JumpRejected:
		return "jump_rejected"
	}
	return "unknown"
}

// Err maps the outcome to the error taxonomy.
func (o Outcome) Err() error {
	if o == JumpRejected {
		return ErrImplausibleJump
	}
	return nil
}

// Heading is a planar unit vector (east, north).
type Heading struct {
	X, Y float64
}

// Track is the kinematic state of one vehicle.
type Track struct {
	cfg Config

	PrevPos  orb.Point
	PrevTime time.Time
	LastPos  orb.Point
	LastTime time.Time
	Speed    float64 // m/s between the last two smoothed fixes
	Heading  Heading
	// HasHeading stays true once set; small displacements keep the old value.
	HasHeading bool

	lastDisp float64
}

func New(cfg Config) *Track {
	return &Track{cfg: cfg}
}

func (t *Track) Seen() bool { return !t.LastTime.IsZero() }

// Age is the time since the last accepted fix.
func (t *Track) Age(now time.Time) time.Duration {
	if !t.Seen() {
		return 0
	}
	return now.Sub(t.LastTime)
}

// Update folds a raw fix into the track and returns the position to display.
func (t *Track) Update(raw orb.Point, now time.Time, followed bool) (orb.Point, Outcome) {
	if !t.Seen() {
		t.PrevPos, t.PrevTime = raw, now
		t.LastPos, t.LastTime = raw, now
		return raw, Seeded
	}

	dt := math.Max(t.cfg.MinDT, now.Sub(t.LastTime).Seconds())
	step := geo.Distance(t.LastPos, raw)
	alpha := t.cfg.Alpha
	outcome := Smoothed
	if step > t.cfg.MaxStep {
		allowFollowed := followed && step <= t.cfg.FollowedMaxStep
		if !allowFollowed && step/dt >= t.cfg.MaxSpeed {
			return t.LastPos, JumpRejected
		}
		alpha = t.cfg.JumpAlpha
		outcome = JumpAccepted
	}

	smoothed := orb.Point{
		t.LastPos.Lon() + alpha*(raw.Lon()-t.LastPos.Lon()),
		t.LastPos.Lat() + alpha*(raw.Lat()-t.LastPos.Lat()),
	}
	t.PrevPos, t.PrevTime = t.LastPos, t.LastTime
	t.LastPos, t.LastTime = smoothed, now

	t.lastDisp = geo.Distance(t.PrevPos, t.LastPos)
	t.Speed = t.lastDisp / dt
	if t.lastDisp > t.cfg.HeadingNoise {
		dx, dy := geo.Delta(t.PrevPos, t.LastPos)
		if n := math.Hypot(dx, dy); n > 0 {
			t.Heading = Heading{X: dx / n, Y: dy / n}
			t.HasHeading = true
		}
	}
	return smoothed, outcome
}

// CoastPredict extrapolates along the last heading at a speed decaying by
// decayPerSec each second, never slower than minSpeed. It returns the last
// position unchanged when there is no heading to follow.
func (t *Track) CoastPredict(at time.Time, decayPerSec, minSpeed float64) orb.Point {
	if !t.HasHeading || t.lastDisp <= t.cfg.HeadingNoise {
		return t.LastPos
	}
	elapsed := math.Max(0, at.Sub(t.LastTime).Seconds())
	v := math.Max(minSpeed, t.Speed*math.Pow(decayPerSec, elapsed))
	forward := v * elapsed
	return geo.Offset(t.LastPos, t.Heading.X*forward, t.Heading.Y*forward)
}

// BearingDeg converts the heading to compass degrees, or 0 without one.
func (t *Track) BearingDeg() float64 {
	if !t.HasHeading {
		return 0
	}
	b := math.Atan2(t.Heading.X, t.Heading.Y) * 180 / math.Pi
	if b < 0 {
		b += 360
	}
	return b
}
