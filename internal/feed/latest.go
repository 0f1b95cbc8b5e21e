// Package feed collects raw vehicle reports from upstream feeds and serves
// the newest one per vehicle to the refresh cycle.
package feed

import (
	"context"
	"sort"
	"sync"
	"time"

	"bus-tracker/internal/gtfs"
)

type Metrics interface {
	FeedReceived(source string, n int)
}

// Latest keeps the newest report per route and vehicle.
type Latest struct {
	maxAge time.Duration
	now    func() time.Time

	mu      sync.RWMutex
	byRoute map[string]map[string]gtfs.VehicleReport
}

// NewLatest drops reports older than maxAge when serving them; zero keeps
// everything.
func NewLatest(maxAge time.Duration) *Latest {
	return &Latest{maxAge: maxAge, now: time.Now, byRoute: make(map[string]map[string]gtfs.VehicleReport)}
}

// Put stores r unless a newer report of the same vehicle is already held.
func (l *Latest) Put(r gtfs.VehicleReport) bool {
	if r.RouteID == "" || r.VehicleID == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	vs, ok := l.byRoute[r.RouteID]
	if !ok {
		vs = make(map[string]gtfs.VehicleReport)
		l.byRoute[r.RouteID] = vs
	}
	if prev, ok := vs[r.VehicleID]; ok && !r.Timestamp.IsZero() && r.Timestamp.Before(prev.Timestamp) {
		return false
	}
	vs[r.VehicleID] = r
	return true
}

// FetchVehiclePositions returns the fresh reports of routeID ordered by
// vehicle id.
func (l *Latest) FetchVehiclePositions(ctx context.Context, routeID string) ([]gtfs.VehicleReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := l.now()
	l.mu.RLock()
	defer l.mu.RUnlock()
	vs := l.byRoute[routeID]
	out := make([]gtfs.VehicleReport, 0, len(vs))
	for _, r := range vs {
		if l.maxAge > 0 && !r.Timestamp.IsZero() && now.Sub(r.Timestamp) > l.maxAge {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VehicleID < out[j].VehicleID })
	return out, nil
}

// Routes lists every route with at least one report.
func (l *Latest) Routes() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.byRoute))
	for id := range l.byRoute {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Prune forgets reports older than maxAge.
func (l *Latest) Prune() int {
	if l.maxAge <= 0 {
		return 0
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for routeID, vs := range l.byRoute {
		for id, r := range vs {
			if !r.Timestamp.IsZero() && now.Sub(r.Timestamp) > l.maxAge {
				delete(vs, id)
				n++
			}
		}
		if len(vs) == 0 {
			delete(l.byRoute, routeID)
		}
	}
	return n
}

// PruneEvery runs Prune on a ticker until ctx is cancelled.
func (l *Latest) PruneEvery(ctx context.Context, d time.Duration) {
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Prune()
		}
	}
}
