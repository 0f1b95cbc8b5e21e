package fleet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bus-tracker/internal/epoch"
	"bus-tracker/internal/gtfs"
	"bus-tracker/internal/route"
)

type fakePositions struct {
	mu      sync.Mutex
	reports map[string][]gtfs.VehicleReport
	errs    map[string]error
	calls   int

	// when set, the first call signals entered and waits for release
	entered chan struct{}
	release chan struct{}
}

func (f *fakePositions) FetchVehiclePositions(ctx context.Context, routeID string) ([]gtfs.VehicleReport, error) {
	f.mu.Lock()
	f.calls++
	first := f.calls == 1
	reps, err := f.reports[routeID], f.errs[routeID]
	f.mu.Unlock()
	if first && f.entered != nil {
		f.entered <- struct{}{}
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return reps, err
}

type fakeLoader struct{ t *testing.T }

func (l fakeLoader) FetchRouteShape(_ context.Context, routeID string) (orb.LineString, error) {
	return testMeta(l.t, routeID).Shape, nil
}

func (l fakeLoader) FetchRouteStops(_ context.Context, routeID string) ([]gtfs.Stop, error) {
	return testMeta(l.t, routeID).Stops, nil
}

type fakeStops struct {
	stops    []gtfs.Stop
	arrivals map[string][]gtfs.Arrival
}

func (f fakeStops) FetchNearbyStops(context.Context, float64, float64) ([]gtfs.Stop, error) {
	return f.stops, nil
}

func (f fakeStops) FetchArrivals(_ context.Context, stopID string) ([]gtfs.Arrival, error) {
	if a, ok := f.arrivals[stopID]; ok {
		return a, nil
	}
	return nil, errors.New("no such stop")
}

type fakeSink struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (s *fakeSink) PublishSnapshot(_ context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps = append(s.snaps, snap)
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snaps)
}

type fakeMetrics struct {
	mu      sync.Mutex
	cycles  int
	stale   int
	failed  []string
	tracked int
}

func (m *fakeMetrics) ObserveCycle(_ time.Duration, s Stats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cycles++
	m.tracked = s.Tracked
}

func (m *fakeMetrics) StaleEpoch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stale++
}

func (m *fakeMetrics) FetchFailed(routeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed = append(m.failed, routeID)
}

func newTestRefresher(t *testing.T, cfg RefresherConfig, pos PositionSource, opts ...RefresherOption) *Refresher {
	cache := route.NewCache(route.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }))
	opts = append([]RefresherOption{WithNow(func() time.Time { return t0 })}, opts...)
	return NewRefresher(cfg, NewMerger(DefaultConfig()), pos, fakeLoader{t}, cache, opts...)
}

func TestRefresherRunCycle(t *testing.T) {
	pos := &fakePositions{
		reports: map[string][]gtfs.VehicleReport{
			"r1": {report("r1", "v1", at(100, 0)), report("r1", "v2", at(500, 0))},
		},
		errs: map[string]error{"r2": errors.New("upstream 503")},
	}
	sink := &fakeSink{}
	met := &fakeMetrics{}
	cfg := DefaultRefresherConfig()
	cfg.Routes = []string{"r1", "r2"}
	r := newTestRefresher(t, cfg, pos, WithSinks(sink), WithMetrics(met))

	snap, err := r.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Vehicles, 2)
	assert.Contains(t, snap.Vehicles, MakeKey("r1", "v2"))
	assert.False(t, snap.Vehicles[MakeKey("r1", "v1")].Coasting)
	assert.Equal(t, snap, r.Snapshot())
	assert.Equal(t, 1, sink.count())
	assert.Equal(t, []string{"r2"}, met.failed)
	assert.Equal(t, 1, met.cycles)
	assert.Equal(t, 2, met.tracked)
}

func TestRefresherDiscardsStaleCycle(t *testing.T) {
	pos := &fakePositions{
		reports: map[string][]gtfs.VehicleReport{"r1": {report("r1", "v1", at(100, 0))}},
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	met := &fakeMetrics{}
	cfg := DefaultRefresherConfig()
	cfg.Routes = []string{"r1"}
	r := newTestRefresher(t, cfg, pos, WithMetrics(met))

	slow := make(chan error, 1)
	go func() {
		_, err := r.RunCycle(context.Background())
		slow <- err
	}()
	<-pos.entered

	fresh, err := r.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), fresh.Epoch)

	close(pos.release)
	assert.ErrorIs(t, <-slow, epoch.ErrStaleEpoch)
	assert.Equal(t, uint64(2), r.Snapshot().Epoch)
	assert.Equal(t, 1, met.stale)
}

// gateSink blocks its first publish until release is closed.
type gateSink struct {
	fakeSink
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *gateSink) PublishSnapshot(ctx context.Context, snap Snapshot) error {
	s.once.Do(func() {
		close(s.entered)
		<-s.release
	})
	return s.fakeSink.PublishSnapshot(ctx, snap)
}

func (s *gateSink) epochs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []uint64
	for _, snap := range s.snaps {
		out = append(out, snap.Epoch)
	}
	return out
}

func TestRefresherPublishesInEpochOrder(t *testing.T) {
	pos := &fakePositions{reports: map[string][]gtfs.VehicleReport{"r1": {report("r1", "v1", at(100, 0))}}}
	sink := &gateSink{entered: make(chan struct{}), release: make(chan struct{})}
	cfg := DefaultRefresherConfig()
	cfg.Routes = []string{"r1"}
	r := newTestRefresher(t, cfg, pos, WithSinks(sink))

	done := make(chan error, 2)
	go func() {
		_, err := r.RunCycle(context.Background())
		done <- err
	}()
	<-sink.entered

	go func() {
		_, err := r.RunCycle(context.Background())
		done <- err
	}()
	assert.Eventually(t, func() bool { return r.Snapshot().Epoch == 2 }, 2*time.Second, 10*time.Millisecond)

	close(sink.release)
	require.NoError(t, <-done)
	require.NoError(t, <-done)
	assert.Equal(t, []uint64{1, 2}, sink.epochs())
}

func TestRefresherDropsOlderSnapshotAtSinks(t *testing.T) {
	sink := &gateSink{entered: make(chan struct{}), release: make(chan struct{})}
	close(sink.release)
	r := newTestRefresher(t, DefaultRefresherConfig(), &fakePositions{}, WithSinks(sink))

	r.publish(context.Background(), Snapshot{Epoch: 2})
	r.publish(context.Background(), Snapshot{Epoch: 1})
	r.publish(context.Background(), Snapshot{Epoch: 3})
	assert.Equal(t, []uint64{2, 3}, sink.epochs())
}

func TestRefresherWatchedRoutes(t *testing.T) {
	stops := fakeStops{
		stops: []gtfs.Stop{{ID: "a"}, {ID: "b"}, {ID: "missing"}},
		arrivals: map[string][]gtfs.Arrival{
			"a": {{RouteID: "r9", StopID: "a", ETAMinutes: 3}, {RouteID: "r1", StopID: "a"}},
			"b": {{RouteID: "r5", StopID: "b"}},
		},
	}
	cfg := DefaultRefresherConfig()
	cfg.Routes = []string{"r1"}
	cfg.Focus = []orb.Point{origin}
	r := newTestRefresher(t, cfg, &fakePositions{}, WithStopSource(stops))

	assert.Equal(t, []string{"r1", "r5", "r9"}, r.watchedRoutes(context.Background()))

	cfg.ArrivalStops = 1
	r = newTestRefresher(t, cfg, &fakePositions{}, WithStopSource(stops))
	assert.Equal(t, []string{"r1", "r9"}, r.watchedRoutes(context.Background()))

	r = newTestRefresher(t, DefaultRefresherConfig(), &fakePositions{}, WithRouteLister(staticRoutes{"r3", "", "r2"}))
	assert.Equal(t, []string{"r2", "r3"}, r.watchedRoutes(context.Background()))
}

type staticRoutes []string

func (s staticRoutes) Routes() []string { return s }

func TestRefresherFollow(t *testing.T) {
	pos := &fakePositions{reports: map[string][]gtfs.VehicleReport{"r1": {report("r1", "v1", at(100, 0))}}}
	cfg := DefaultRefresherConfig()
	cfg.Routes = []string{"r1"}
	r := newTestRefresher(t, cfg, pos)

	key := MakeKey("r1", "v1")
	assert.ErrorIs(t, r.Follow(key), ErrUnknownVehicle)
	_, err := r.Upcoming(key, 3)
	assert.ErrorIs(t, err, ErrUnknownVehicle)

	_, err = r.RunCycle(context.Background())
	require.NoError(t, err)
	require.NoError(t, r.Follow(key))
	assert.Equal(t, key, r.Followed())

	// the followed route stays watched even when it is not configured
	r.cfg.Routes = nil
	assert.Equal(t, []string{"r1"}, r.watchedRoutes(context.Background()))

	snap, err := r.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, key, snap.Followed)

	up, err := r.Upcoming(key, 2)
	require.NoError(t, err)
	assert.Len(t, up, 2)
	future, err := r.FutureRoute(key)
	require.NoError(t, err)
	assert.NotEmpty(t, future)

	r.Unfollow()
	assert.Equal(t, Key(""), r.Followed())
}

func TestRefresherStartTriggerStop(t *testing.T) {
	pos := &fakePositions{reports: map[string][]gtfs.VehicleReport{"r1": {report("r1", "v1", at(100, 0))}}}
	sink := &fakeSink{}
	cfg := DefaultRefresherConfig()
	cfg.Interval = time.Hour
	cfg.Routes = []string{"r1"}
	r := newTestRefresher(t, cfg, pos, WithSinks(sink))

	r.Start(context.Background())
	assert.Eventually(t, func() bool { return sink.count() >= 1 }, 2*time.Second, 10*time.Millisecond)
	r.Trigger()
	assert.Eventually(t, func() bool { return sink.count() >= 2 }, 2*time.Second, 10*time.Millisecond)
	r.Stop()
}
