package fleet

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"golang.org/x/sync/errgroup"

	"bus-tracker/internal/epoch"
	"bus-tracker/internal/eta"
	"bus-tracker/internal/gtfs"
	"bus-tracker/internal/route"
)

// PositionSource returns the latest raw reports for a route.
type PositionSource interface {
	FetchVehiclePositions(ctx context.Context, routeID string) ([]gtfs.VehicleReport, error)
}

// StopSource discovers routes serving the stops around a focus point.
type StopSource interface {
	FetchNearbyStops(ctx context.Context, lat, lon float64) ([]gtfs.Stop, error)
	FetchArrivals(ctx context.Context, stopID string) ([]gtfs.Arrival, error)
}

// RouteLister reports routes with live vehicles, such as the feed store.
type RouteLister interface {
	Routes() []string
}

// Sink receives every applied snapshot.
type Sink interface {
	PublishSnapshot(ctx context.Context, snap Snapshot) error
}

type Metrics interface {
	ObserveCycle(d time.Duration, stats Stats)
	StaleEpoch()
	FetchFailed(routeID string)
}

type RefresherConfig struct {
	Interval    time.Duration
	Concurrency int
	Routes      []string
	Focus       []orb.Point
	// ArrivalStops caps how many nearby stops per focus point are asked for
	// arrivals.
	ArrivalStops int
}

func DefaultRefresherConfig() RefresherConfig {
	return RefresherConfig{
		Interval:     5 * time.Second,
		Concurrency:  8,
		ArrivalStops: 5,
	}
}

type RefresherOption func(*Refresher)

func WithStopSource(s StopSource) RefresherOption { return func(r *Refresher) { r.stops = s } }

func WithSinks(s ...Sink) RefresherOption {
	return func(r *Refresher) { r.sinks = append(r.sinks, s...) }
}

// WithRouteLister adds every route the lister knows to the watched set.
func WithRouteLister(l RouteLister) RefresherOption { return func(r *Refresher) { r.lister = l } }

func WithMetrics(m Metrics) RefresherOption { return func(r *Refresher) { r.metrics = m } }

func WithNow(now func() time.Time) RefresherOption { return func(r *Refresher) { r.now = now } }

// Refresher drives refresh cycles: it gathers reports for every watched
// route, merges them into the fleet state and publishes the snapshot.
type Refresher struct {
	cfg       RefresherConfig
	merger    *Merger
	positions PositionSource
	stops     StopSource
	lister    RouteLister
	loader    route.Loader
	cache     *route.Cache
	sinks     []Sink
	metrics   Metrics
	now       func() time.Time

	gate epoch.Gate

	mu    sync.Mutex
	state *State
	snap  Snapshot

	pubMu     sync.Mutex
	published uint64

	trigger chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewRefresher(cfg RefresherConfig, merger *Merger, positions PositionSource, loader route.Loader, cache *route.Cache, opts ...RefresherOption) *Refresher {
	r := &Refresher{
		cfg:       cfg,
		merger:    merger,
		positions: positions,
		loader:    loader,
		cache:     cache,
		now:       time.Now,
		state:     NewState(merger.Config()),
		trigger:   make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(r)
	}
	if r.cfg.Concurrency <= 0 {
		r.cfg.Concurrency = 1
	}
	return r
}

// Start launches the refresh loop: one cycle immediately, then one per
// interval and one per Trigger. Cycles may overlap; the epoch gate keeps
// only the newest result.
func (r *Refresher) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	r.cancel = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.spawn(ctx)
		if r.cfg.Interval <= 0 {
			<-ctx.Done()
			return
		}
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.spawn(ctx)
			case <-r.trigger:
				r.spawn(ctx)
			}
		}
	}()
}

func (r *Refresher) spawn(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if _, err := r.RunCycle(ctx); err != nil && !errors.Is(err, epoch.ErrStaleEpoch) {
			log.Printf("refresh cycle error: %v", err)
		}
	}()
}

// Trigger requests an out-of-band cycle. Requests made while one is pending
// are coalesced.
func (r *Refresher) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

func (r *Refresher) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// RunCycle performs one refresh cycle. It returns epoch.ErrStaleEpoch when a
// newer cycle was applied first; that result is discarded.
func (r *Refresher) RunCycle(ctx context.Context) (Snapshot, error) {
	start := time.Now()
	ep := r.gate.Next()
	id := uuid.New()

	routes := r.watchedRoutes(ctx)
	reports, metas, err := r.gather(ctx, routes)
	if err != nil {
		return Snapshot{}, err
	}

	var snap Snapshot
	err = r.gate.Apply(ep, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		snap = r.merger.Merge(r.state, Cycle{
			Epoch:   ep,
			ID:      id,
			Now:     r.now(),
			Reports: reports,
			Routes:  metas,
		})
		r.snap = snap
	})
	if err != nil {
		if r.metrics != nil {
			r.metrics.StaleEpoch()
		}
		return Snapshot{}, err
	}

	r.publish(ctx, snap)
	if r.metrics != nil {
		r.metrics.ObserveCycle(time.Since(start), snap.Stats)
	}
	return snap, nil
}

// publish hands snap to every sink. Sink calls are serialized and a snapshot
// older than one already published is dropped, so sinks see epochs in order.
func (r *Refresher) publish(ctx context.Context, snap Snapshot) {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()
	if snap.Epoch < r.published {
		return
	}
	r.published = snap.Epoch
	for _, s := range r.sinks {
		if err := s.PublishSnapshot(ctx, snap); err != nil {
			log.Printf("publish snapshot %d: %v", snap.Epoch, err)
		}
	}
}

// gather fetches route metadata and positions for every route. A failing
// route contributes nothing to the cycle.
func (r *Refresher) gather(ctx context.Context, routes []string) ([]gtfs.VehicleReport, map[string]*route.Meta, error) {
	perRoute := make([][]gtfs.VehicleReport, len(routes))
	metaList := make([]*route.Meta, len(routes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for i, routeID := range routes {
		g.Go(func() error {
			if r.cache != nil && r.loader != nil {
				m, err := r.cache.Ensure(gctx, routeID, r.loader)
				if err != nil {
					log.Printf("route %s metadata unavailable: %v", routeID, err)
				}
				metaList[i] = m
			}
			reps, err := r.positions.FetchVehiclePositions(gctx, routeID)
			if err != nil {
				err = fmt.Errorf("route %s: %w: %v", routeID, ErrSourceFetchFailure, err)
				log.Printf("fetch positions: %v", err)
				if r.metrics != nil {
					r.metrics.FetchFailed(routeID)
				}
				return nil
			}
			perRoute[i] = reps
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var reports []gtfs.VehicleReport
	metas := make(map[string]*route.Meta, len(routes))
	for i, routeID := range routes {
		reports = append(reports, perRoute[i]...)
		if metaList[i] != nil {
			metas[routeID] = metaList[i]
		}
	}
	return reports, metas, nil
}

// watchedRoutes is the configured routes, the routes arriving at stops near
// the focus points and the followed vehicle's route, sorted.
func (r *Refresher) watchedRoutes(ctx context.Context) []string {
	set := make(map[string]struct{})
	for _, id := range r.cfg.Routes {
		set[id] = struct{}{}
	}
	if r.lister != nil {
		for _, id := range r.lister.Routes() {
			set[id] = struct{}{}
		}
	}
	if followed := r.Followed(); followed != "" {
		set[followed.RouteID()] = struct{}{}
	}
	for _, id := range r.discover(ctx) {
		set[id] = struct{}{}
	}
	delete(set, "")

	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (r *Refresher) discover(ctx context.Context) []string {
	if r.stops == nil || len(r.cfg.Focus) == 0 {
		return nil
	}
	var (
		mu  sync.Mutex
		ids []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, p := range r.cfg.Focus {
		g.Go(func() error {
			stops, err := r.stops.FetchNearbyStops(gctx, p.Lat(), p.Lon())
			if err != nil {
				log.Printf("nearby stops at %.5f,%.5f: %v", p.Lat(), p.Lon(), err)
				return nil
			}
			if r.cfg.ArrivalStops > 0 && len(stops) > r.cfg.ArrivalStops {
				stops = stops[:r.cfg.ArrivalStops]
			}
			for _, s := range stops {
				arrivals, err := r.stops.FetchArrivals(gctx, s.ID)
				if err != nil {
					log.Printf("arrivals at stop %s: %v", s.ID, err)
					continue
				}
				mu.Lock()
				for _, a := range arrivals {
					ids = append(ids, a.RouteID)
				}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return ids
}

// Snapshot returns the last applied snapshot.
func (r *Refresher) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap
}

func (r *Refresher) Follow(key Key) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.state.Known(key) {
		return fmt.Errorf("follow %s: %w", key, ErrUnknownVehicle)
	}
	r.state.Follow(key)
	return nil
}

func (r *Refresher) Unfollow() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Unfollow()
}

func (r *Refresher) Followed() Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Followed()
}

func (r *Refresher) Upcoming(key Key, maxCount int) ([]eta.Upcoming, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.state.Known(key) {
		return nil, fmt.Errorf("upcoming %s: %w", key, ErrUnknownVehicle)
	}
	return r.state.Upcoming(key, maxCount), nil
}

func (r *Refresher) FutureRoute(key Key) (orb.LineString, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.state.Known(key) {
		return nil, fmt.Errorf("future route %s: %w", key, ErrUnknownVehicle)
	}
	return r.state.FutureRoute(key, r.merger.Config().FutureStops), nil
}

func (r *Refresher) Trail() orb.LineString {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Trail()
}
