package fleet

import (
	"time"

	"github.com/paulmach/orb"

	"bus-tracker/internal/eta"
	"bus-tracker/internal/progress"
	"bus-tracker/internal/route"
	"bus-tracker/internal/sequencer"
	"bus-tracker/internal/track"
)

// vehicle is everything remembered about one compound key.
type vehicle struct {
	routeID   string
	vehicleID string
	routeNo   string

	track      *track.Track
	progress   *progress.State
	progressAt time.Time
	passed     int
	nextIdx    int

	dwellUntil time.Time
	dwellIdx   int

	meta *route.Meta
	prj  *route.Projection

	last     Entry
	hasLast  bool
	lastSeen time.Time
}

// State is the per-cycle store threaded through Merge. It is not safe for
// concurrent use; the Refresher serializes access.
type State struct {
	vehicles map[Key]*vehicle
	seq      *sequencer.Sequencer
	eta      *eta.Engine

	followed Key
	trail    *track.Trail
	future   orb.LineString
}

func NewState(cfg Config) *State {
	return &State{
		vehicles: make(map[Key]*vehicle),
		seq:      sequencer.New(cfg.Sequencer),
		eta:      eta.NewEngine(cfg.ETA),
		trail:    track.NewTrail(cfg.TrailMax, cfg.TrailMinStep),
	}
}

func (st *State) vehicle(cfg Config, key Key, routeID, vehicleID string) *vehicle {
	v, ok := st.vehicles[key]
	if !ok {
		v = &vehicle{
			routeID:   routeID,
			vehicleID: vehicleID,
			track:     track.New(cfg.Track),
			passed:    -1,
			nextIdx:   -1,
			dwellIdx:  -1,
		}
		st.vehicles[key] = v
	}
	return v
}

func (st *State) forget(key Key) {
	delete(st.vehicles, key)
	st.seq.Forget(string(key))
	st.eta.Forget(string(key))
}

// Follow selects the vehicle whose trail and future route are maintained.
func (st *State) Follow(key Key) {
	if st.followed == key {
		return
	}
	st.followed = key
	st.trail.Reset()
	st.future = nil
}

func (st *State) Unfollow() { st.Follow("") }

func (st *State) Followed() Key { return st.followed }

func (st *State) Known(key Key) bool {
	_, ok := st.vehicles[key]
	return ok
}

func (st *State) Len() int { return len(st.vehicles) }

// Trail returns the followed vehicle's recent path.
func (st *State) Trail() orb.LineString { return st.trail.Points() }

// FutureRoute returns the remaining path of key through its next stops. For
// the followed vehicle this is the path computed during the last merge.
func (st *State) FutureRoute(key Key, maxStops int) orb.LineString {
	if key == st.followed && len(st.future) > 0 {
		return append(orb.LineString(nil), st.future...)
	}
	v, ok := st.vehicles[key]
	if !ok || v.meta == nil || v.prj == nil {
		return nil
	}
	return v.meta.FutureRoute(*v.prj, v.nextIdx, maxStops)
}

// Upcoming lists the next stops of key with non-decreasing ETAs.
func (st *State) Upcoming(key Key, maxCount int) []eta.Upcoming {
	v, ok := st.vehicles[key]
	if !ok || v.meta == nil || v.progress == nil {
		return nil
	}
	var seed *int
	if v.hasLast {
		seed = v.last.ETAMinutes
	}
	return eta.UpcomingStops(st.eta.Config(), v.progress.S, v.progress.V, v.meta.Stops, v.meta.StopProgress, seed, maxCount)
}
