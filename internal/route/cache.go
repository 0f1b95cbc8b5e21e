package route

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"golang.org/x/sync/singleflight"

	"bus-tracker/internal/gtfs"
)

// Loader fetches the raw geometry of a route.
type Loader interface {
	FetchRouteShape(ctx context.Context, routeID string) (orb.LineString, error)
	FetchRouteStops(ctx context.Context, routeID string) ([]gtfs.Stop, error)
}

// DefaultBackoff is the delay before each load attempt.
var DefaultBackoff = []time.Duration{0, 2 * time.Second, 5 * time.Second}

const DefaultCooldown = 15 * time.Minute

// Cache holds route metadata for the lifetime of the process.
type Cache struct {
	backoff  []time.Duration
	cooldown time.Duration
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	loads singleflight.Group

	mu        sync.Mutex
	metas     map[string]*Meta
	coolUntil map[string]time.Time
}

type CacheOption func(*Cache)

func WithBackoff(b []time.Duration) CacheOption { return func(c *Cache) { c.backoff = b } }

func WithCooldown(d time.Duration) CacheOption { return func(c *Cache) { c.cooldown = d } }

func WithClock(now func() time.Time) CacheOption { return func(c *Cache) { c.now = now } }

func WithSleep(sleep func(ctx context.Context, d time.Duration) error) CacheOption {
	return func(c *Cache) { c.sleep = sleep }
}

func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{
		backoff:   DefaultBackoff,
		cooldown:  DefaultCooldown,
		now:       time.Now,
		sleep:     sleepCtx,
		metas:     make(map[string]*Meta),
		coolUntil: make(map[string]time.Time),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Cache) Get(routeID string) (*Meta, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.metas[routeID]
	return m, ok && m.Valid()
}

func (c *Cache) Put(m *Meta) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metas[m.RouteID] = m
	delete(c.coolUntil, m.RouteID)
}

// Invalidate drops the cached entry and any cooldown so the next Ensure
// reloads it.
func (c *Cache) Invalidate(routeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.metas, routeID)
	delete(c.coolUntil, routeID)
}

// Snapshot copies the current route map. Metas are immutable so sharing the
// pointers is safe.
func (c *Cache) Snapshot() map[string]*Meta {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]*Meta, len(c.metas))
	for id, m := range c.metas {
		if m.Valid() {
			out[id] = m
		}
	}
	return out
}

// Ensure returns cached metadata for routeID, loading it through l when it
// is missing or malformed. Failed loads are retried on the backoff schedule;
// once every attempt fails the route cools down and Ensure reports
// ErrGeometryUnavailable without touching the loader. Concurrent callers for
// the same route share one load.
func (c *Cache) Ensure(ctx context.Context, routeID string, l Loader) (*Meta, error) {
	if m, done, err := c.cached(routeID); done {
		return m, err
	}
	v, err, _ := c.loads.Do(routeID, func() (any, error) {
		if m, done, err := c.cached(routeID); done {
			return m, err
		}
		return c.loadWithRetry(ctx, routeID, l)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Meta), nil
}

// cached reports a valid entry or an active cooldown. The bool is false when
// the route has to be loaded.
func (c *Cache) cached(routeID string) (*Meta, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.metas[routeID]; ok {
		if m.Valid() {
			return m, true, nil
		}
		delete(c.metas, routeID)
	}
	if until, ok := c.coolUntil[routeID]; ok && c.now().Before(until) {
		return nil, true, fmt.Errorf("route %s cooling down until %s: %w", routeID, until.Format(time.RFC3339), ErrGeometryUnavailable)
	}
	return nil, false, nil
}

func (c *Cache) loadWithRetry(ctx context.Context, routeID string, l Loader) (*Meta, error) {
	var lastErr error
	for attempt, d := range c.backoff {
		if err := c.sleep(ctx, d); err != nil {
			return nil, err
		}
		m, err := c.load(ctx, routeID, l)
		if err == nil {
			c.Put(m)
			if m.Fallback {
				log.Printf("route %s has no shape, using %d stops as geometry", routeID, len(m.Stops))
			}
			return m, nil
		}
		lastErr = err
		log.Printf("route %s meta attempt %d/%d failed: %v", routeID, attempt+1, len(c.backoff), err)
	}

	c.mu.Lock()
	c.coolUntil[routeID] = c.now().Add(c.cooldown)
	c.mu.Unlock()
	return nil, fmt.Errorf("load route %s: %w: %v", routeID, ErrGeometryUnavailable, lastErr)
}

func (c *Cache) load(ctx context.Context, routeID string, l Loader) (*Meta, error) {
	stops, err := l.FetchRouteStops(ctx, routeID)
	if err != nil {
		return nil, fmt.Errorf("fetch stops: %w", err)
	}
	shape, err := l.FetchRouteShape(ctx, routeID)
	if err != nil {
		// a missing shape is recoverable from the stop sequence
		log.Printf("route %s shape fetch failed: %v", routeID, err)
		shape = nil
	}
	return NewMeta(routeID, shape, stops)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
