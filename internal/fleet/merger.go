package fleet

import (
	"errors"
	"log"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"

	"bus-tracker/internal/geo"
	"bus-tracker/internal/gtfs"
	"bus-tracker/internal/progress"
	"bus-tracker/internal/route"
	"bus-tracker/internal/track"
)

// Cycle is the input of one merge.
type Cycle struct {
	Epoch   uint64
	ID      uuid.UUID
	Now     time.Time
	Reports []gtfs.VehicleReport
	Routes  map[string]*route.Meta
}

// Merger turns a batch of raw reports into the next snapshot. All memory
// lives in the State passed to Merge.
type Merger struct {
	cfg    Config
	filter *progress.Filter
}

func NewMerger(cfg Config) *Merger {
	return &Merger{cfg: cfg, filter: progress.NewFilter(cfg.Progress)}
}

func (m *Merger) Config() Config { return m.cfg }

// Merge applies one cycle to st and returns the resulting snapshot.
func (m *Merger) Merge(st *State, in Cycle) Snapshot {
	snap := Snapshot{
		Epoch:       in.Epoch,
		ID:          in.ID,
		GeneratedAt: in.Now,
		Vehicles:    make(map[Key]Entry, len(in.Reports)),
	}
	stats := &snap.Stats
	reported := make(map[Key]bool, len(in.Reports))
	batch := make(map[Key]bool, len(in.Reports))

	for _, r := range in.Reports {
		if r.VehicleID == "" || r.RouteID == "" {
			continue
		}
		key := MakeKey(r.RouteID, r.VehicleID)
		if batch[key] {
			continue
		}
		batch[key] = true
		e, fresh := m.mergeReport(st, key, r, in, stats)
		if !fresh {
			// a re-served fix says nothing new; the vehicle is treated as silent
			continue
		}
		reported[key] = true
		stats.Reports++
		snap.Vehicles[key] = e
	}

	ghosted := false
	for key, v := range st.vehicles {
		if reported[key] {
			continue
		}
		if in.Now.Sub(v.lastSeen) > m.cfg.Retention {
			st.forget(key)
			stats.Pruned++
			if key == st.followed {
				log.Printf("followed vehicle %s pruned, clearing follow", key)
				st.Unfollow()
			}
			continue
		}
		if key == st.followed {
			if e, ok := m.ghost(st, key, v, in.Now); ok {
				snap.Vehicles[key] = e
				stats.Ghosts++
				ghosted = true
			}
			continue
		}
		if e, ok := m.coastMissing(v, in.Now); ok {
			snap.Vehicles[key] = e
			stats.Coasting++
		}
	}

	if st.followed != "" && !reported[st.followed] && !ghosted {
		if next, ok := m.rebind(st, snap.Vehicles, reported); ok {
			log.Printf("follow rebind %s -> %s", st.followed, next)
			st.Follow(next)
			stats.Rebinds++
		}
	}

	snap.Followed = st.followed
	stats.Tracked = len(st.vehicles)
	return snap
}

// mergeReport folds r into the vehicle's state. It reports false when r is a
// fix already merged in an earlier cycle.
func (m *Merger) mergeReport(st *State, key Key, r gtfs.VehicleReport, in Cycle, stats *Stats) (Entry, bool) {
	v := st.vehicle(m.cfg, key, r.RouteID, r.VehicleID)
	if r.RouteNo != "" {
		v.routeNo = r.RouteNo
	}
	followed := key == st.followed

	ts := in.Now
	if !r.Timestamp.IsZero() && r.Timestamp.Before(in.Now) {
		ts = r.Timestamp
	}
	if v.track.Seen() && !ts.After(v.track.LastTime) && v.hasLast {
		return v.last, false
	}
	v.lastSeen = in.Now

	pos, outcome := v.track.Update(r.Point(), ts, followed)
	if outcome == track.JumpRejected {
		stats.Rejected++
		log.Printf("vehicle %s: %v, keeping last position", key, outcome.Err())
		if v.hasLast {
			return v.last, true
		}
		return m.remember(v, m.baseEntry(v, pos, r)), true
	}

	e := m.baseEntry(v, pos, r)
	meta := in.Routes[r.RouteID]
	prj, err := meta.Match(pos, m.cfg.LateralMax)
	if err != nil {
		stats.Coasting++
		return m.remember(v, m.degrade(st, key, v, e, ts, err)), true
	}
	return m.remember(v, m.matched(st, key, v, e, r, meta, prj, ts)), true
}

func (m *Merger) baseEntry(v *vehicle, pos orb.Point, r gtfs.VehicleReport) Entry {
	e := Entry{
		Lat:             pos.Lat(),
		Lon:             pos.Lon(),
		RouteID:         v.routeID,
		RouteNo:         v.routeNo,
		Bearing:         v.track.BearingDeg(),
		PassedStopIndex: v.passed,
	}
	if v.hasLast {
		e.NextStopName, e.ETAMinutes = v.last.NextStopName, v.last.ETAMinutes
	}
	if e.NextStopName == nil {
		e.NextStopName = r.ReportedNextStopName
	}
	if e.ETAMinutes == nil {
		e.ETAMinutes = r.ReportedETAMinutes
	}
	return e
}

func (m *Merger) remember(v *vehicle, e Entry) Entry {
	v.last = e
	v.hasLast = true
	return e
}

// degrade handles fixes that could not be map-matched: the vehicle coasts and
// keeps its last next stop and ETA.
func (m *Merger) degrade(st *State, key Key, v *vehicle, e Entry, ts time.Time, err error) Entry {
	if !errors.Is(err, route.ErrGeometryUnavailable) && !errors.Is(err, route.ErrProjectionOutOfTolerance) {
		log.Printf("vehicle %s: unexpected match error: %v", key, err)
	}
	pred := v.track.CoastPredict(ts.Add(m.cfg.CoastLookahead), m.cfg.CoastDecay, m.cfg.CoastMinSpeed)
	e.Lat, e.Lon = pred.Lat(), pred.Lon()
	e.Coasting = true
	if key == st.followed {
		st.trail.Add(pred)
		st.future = m.straightAhead(v, pred)
	}
	return e
}

func (m *Merger) matched(st *State, key Key, v *vehicle, e Entry, r gtfs.VehicleReport, meta *route.Meta, prj route.Projection, ts time.Time) Entry {
	stops, stopS := meta.Stops, meta.StopProgress
	count := min(len(stops), len(stopS))

	if v.meta != nil && v.meta != meta {
		// geometry was reloaded; progress along the old shape is meaningless
		v.progress = nil
		v.passed = -1
	}
	v.meta = meta

	if v.progress == nil {
		v.progress = m.filter.Seed(prj.Progress)
	} else {
		m.filter.Predict(v.progress, ts.Sub(v.progressAt).Seconds())
		m.filter.Update(v.progress, prj.Progress, progress.GPSVariance(prj.Lateral))
	}
	v.progressAt = ts

	if r.ReportedETAMinutes != nil && count > 0 {
		target := reportedTarget(r.ReportedNextStopName, stops[:count], min(v.passed+1, count-1))
		if !math.IsInf(stopS[target], 0) {
			z, varR := progress.ETAObservation(stopS[target], *r.ReportedETAMinutes, v.progress.V)
			m.filter.Update(v.progress, z, varR)
		}
	}

	s := math.Max(0, math.Min(meta.Length(), v.progress.S))
	speed := v.progress.V

	e.Lat, e.Lon = prj.Point.Lat(), prj.Point.Lon()
	p := prj
	v.prj = &p

	for v.passed+1 < count && s-stopS[v.passed+1] >= m.cfg.PassGate {
		v.passed++
	}
	e.PassedStopIndex = v.passed

	stop, idx, ok := st.seq.NextStop(string(key), meta.RouteID, s, prj.Lateral, stops, stopS)
	if !ok {
		if key == st.followed {
			st.trail.Add(prj.Point)
			st.future = meta.FutureRoute(prj, v.passed+1, m.cfg.FutureStops)
		}
		return e
	}
	if idx != v.nextIdx {
		st.eta.Forget(string(key))
		v.nextIdx = idx
	}

	name := stop.Name
	e.NextStopName = &name
	remaining := math.Max(0, stopS[idx]-s)
	minutes := st.eta.Smooth(string(key), st.eta.Compute(remaining, speed), remaining, speed, ts)
	e.ETAMinutes = &minutes

	m.snapAndDwell(v, &e, stop, idx, ts)

	if key == st.followed {
		st.trail.Add(orb.Point{e.Lon, e.Lat})
		st.future = meta.FutureRoute(prj, idx, m.cfg.FutureStops)
	}
	return e
}

// snapAndDwell clamps the vehicle onto its next stop when it is within the
// snap radius and keeps it there for the dwell period.
func (m *Merger) snapAndDwell(v *vehicle, e *Entry, stop gtfs.Stop, idx int, ts time.Time) {
	d := geo.Distance(orb.Point{e.Lon, e.Lat}, stop.Point())
	holding := v.dwellIdx == idx && ts.Before(v.dwellUntil)
	switch {
	case d < m.cfg.SnapRadius:
		if !holding {
			v.dwellUntil = ts.Add(m.cfg.Dwell)
			v.dwellIdx = idx
		}
	case holding:
	default:
		v.dwellIdx = -1
		v.dwellUntil = time.Time{}
		return
	}
	zero := 0
	e.Lat, e.Lon = stop.Lat, stop.Lon
	e.ETAMinutes = &zero
	e.Dwelling = true
}

func (m *Merger) dwelling(v *vehicle, now time.Time) bool {
	return v.dwellIdx >= 0 && now.Before(v.dwellUntil)
}

// ghost keeps the followed vehicle on the map through a radio gap.
func (m *Merger) ghost(st *State, key Key, v *vehicle, now time.Time) (Entry, bool) {
	if !v.track.Seen() || !v.hasLast {
		return Entry{}, false
	}
	ceiling := m.cfg.GhostMaxAge
	if m.dwelling(v, now) {
		ceiling = m.cfg.GhostDwellMaxAge
	}
	if v.track.Age(now) >= ceiling {
		return Entry{}, false
	}

	e := v.last
	e.Ghost = true
	e.Coasting = true
	if m.dwelling(v, now) {
		st.future = m.futureFrom(v)
		return e, true
	}

	pred := v.track.CoastPredict(now.Add(m.cfg.CoastLookahead), m.cfg.CoastDecay, m.cfg.CoastMinSpeed)
	e.Lat, e.Lon = pred.Lat(), pred.Lon()
	st.trail.Add(pred)

	if v.meta == nil || v.nextIdx < 0 || v.nextIdx >= len(v.meta.StopProgress) {
		st.future = m.straightAhead(v, pred)
		return e, true
	}
	prj, err := v.meta.Match(pred, m.cfg.LateralMax)
	if err != nil {
		st.future = m.straightAhead(v, pred)
		return e, true
	}
	e.Lat, e.Lon = prj.Point.Lat(), prj.Point.Lon()
	remaining := math.Max(0, v.meta.StopProgress[v.nextIdx]-prj.Progress)
	minutes := st.eta.Smooth(string(key), st.eta.Compute(remaining, v.track.Speed), remaining, v.track.Speed, now)
	e.ETAMinutes = &minutes
	st.future = v.meta.FutureRoute(prj, v.nextIdx, m.cfg.FutureStops)
	return e, true
}

// coastMissing extrapolates a vehicle that was absent from this batch but is
// still within the stale grace period.
func (m *Merger) coastMissing(v *vehicle, now time.Time) (Entry, bool) {
	if !v.hasLast || v.track.Age(now) >= m.cfg.StaleGrace {
		return Entry{}, false
	}
	e := v.last
	e.Coasting = true
	if !e.Dwelling {
		pred := v.track.CoastPredict(now.Add(m.cfg.CoastLookahead), m.cfg.CoastDecay, m.cfg.CoastMinSpeed)
		e.Lat, e.Lon = pred.Lat(), pred.Lon()
	}
	return e, true
}

// rebind moves follow to the closest vehicle reporting on the same route.
func (m *Merger) rebind(st *State, entries map[Key]Entry, reported map[Key]bool) (Key, bool) {
	old := st.followed
	v, ok := st.vehicles[old]
	if !ok || !v.track.Seen() {
		return "", false
	}
	routeID := old.RouteID()
	anchor := v.track.LastPos
	best, bestD := Key(""), math.Inf(1)
	for key, e := range entries {
		if !reported[key] || key.RouteID() != routeID {
			continue
		}
		d := geo.Distance(anchor, orb.Point{e.Lon, e.Lat})
		if d < bestD || (d == bestD && key < best) {
			best, bestD = key, d
		}
	}
	return best, best != ""
}

func (m *Merger) futureFrom(v *vehicle) orb.LineString {
	if v.meta == nil || v.prj == nil {
		return nil
	}
	return v.meta.FutureRoute(*v.prj, v.nextIdx, m.cfg.FutureStops)
}

// straightAhead is the future route of a vehicle without usable geometry: a
// straight line along its heading, or due north without one.
func (m *Merger) straightAhead(v *vehicle, from orb.Point) orb.LineString {
	hx, hy := 0.0, 1.0
	if v.track.HasHeading {
		hx, hy = v.track.Heading.X, v.track.Heading.Y
	}
	d := route.DirectionalLookahead
	return orb.LineString{from, geo.Offset(from, hx*d, hy*d)}
}

// reportedTarget resolves the feed's next-stop name to a stop index at or
// after fallback, matching either name as a substring of the other.
func reportedTarget(name *string, stops []gtfs.Stop, fallback int) int {
	if name == nil || *name == "" {
		return fallback
	}
	want := strings.TrimSpace(*name)
	for i := max(fallback, 0); i < len(stops); i++ {
		if strings.Contains(stops[i].Name, want) || strings.Contains(want, stops[i].Name) {
			return i
		}
	}
	return fallback
}
