// Package progress fuses GPS-projected progress and schedule-derived progress
// into one along-route position estimate with a constant-velocity Kalman
// filter over the state (s, v).
package progress

import (
	"log"
	"math"

	"gonum.org/v1/gonum/mat"
)

type Config struct {
	QS        float64 // process noise on s per second
	QV        float64 // process noise on v per second
	VMax      float64 // m/s
	Huber     float64 // residual clamp in meters
	InitVarS  float64
	InitVarV  float64
	LargeNote float64 // residuals above this many sigma are logged when Debug is set
	Debug     bool
}

func DefaultConfig() Config {
	return Config{
		QS:        1.0,
		QV:        0.8,
		VMax:      30,
		Huber:     25,
		InitVarS:  50 * 50,
		InitVarV:  5 * 5,
		LargeNote: 3,
	}
}

// State is one vehicle's estimate. P is the 2x2 covariance of (s, v).
type State struct {
	S float64
	V float64
	P *mat.Dense
}

type Filter struct {
	cfg Config
	h   *mat.Dense
}

func NewFilter(cfg Config) *Filter {
	return &Filter{cfg: cfg, h: mat.NewDense(1, 2, []float64{1, 0})}
}

// Seed starts a state at progress s with zero speed.
func (f *Filter) Seed(s float64) *State {
	return &State{
		S: s,
		P: mat.NewDense(2, 2, []float64{f.cfg.InitVarS, 0, 0, f.cfg.InitVarV}),
	}
}

// Predict advances st by dt seconds: s += v*dt, P = F P F^T + Q.
func (f *Filter) Predict(st *State, dt float64) {
	if dt <= 0 {
		return
	}
	st.S += st.V * dt

	F := mat.NewDense(2, 2, []float64{1, dt, 0, 1})
	Q := mat.NewDense(2, 2, []float64{f.cfg.QS * dt, 0, 0, f.cfg.QV * dt})
	var fp, fpf mat.Dense
	fp.Mul(F, st.P)
	fpf.Mul(&fp, F.T())
	fpf.Add(&fpf, Q)
	st.P = &fpf

	f.clamp(st)
}

// Update applies a scalar observation z of s with variance r. The residual
// is clamped to +/- Huber before it moves the state.
func (f *Filter) Update(st *State, z, r float64) {
	if math.IsNaN(z) || math.IsInf(z, 0) || r <= 0 {
		return
	}
	y := z - st.S
	sInn := st.P.At(0, 0) + r
	if f.cfg.Debug && math.Abs(y) > f.cfg.LargeNote*math.Sqrt(sInn) {
		log.Printf("progress filter large residual: y=%.1fm sigma=%.1fm", y, math.Sqrt(sInn))
	}
	y = math.Max(-f.cfg.Huber, math.Min(f.cfg.Huber, y))

	// K = P H^T / S
	var k mat.Dense
	k.Mul(st.P, f.h.T())
	k.Scale(1/sInn, &k)

	st.S += k.At(0, 0) * y
	st.V += k.At(1, 0) * y

	// P = (I - K H) P
	var kh, ikh, p mat.Dense
	kh.Mul(&k, f.h)
	ikh.Sub(eye2(), &kh)
	p.Mul(&ikh, st.P)
	st.P = &p

	f.clamp(st)
	if !finite(st) {
		*st = *f.Seed(z)
	}
}

func (f *Filter) clamp(st *State) {
	st.V = math.Max(0, math.Min(f.cfg.VMax, st.V))
}

func eye2() *mat.Dense {
	return mat.NewDense(2, 2, []float64{1, 0, 0, 1})
}

func finite(st *State) bool {
	vals := []float64{st.S, st.V, st.P.At(0, 0), st.P.At(1, 1)}
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
