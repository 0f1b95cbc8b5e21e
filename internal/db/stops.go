package db

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/paulmach/orb"

	"bus-tracker/internal/geo"
	"bus-tracker/internal/gtfs"
)

// FetchNearbyStops returns up to NearbyLimit stops within NearbyRadius of
// the point, nearest first.
func (s *Store) FetchNearbyStops(ctx context.Context, lat, lon float64) ([]gtfs.Stop, error) {
	latCol, lonCol, err := s.stopColumns(ctx)
	if err != nil {
		return nil, err
	}
	dLat := s.NearbyRadius / geo.MetersPerDegLat
	dLon := s.NearbyRadius / max(geo.MetersPerDegLon(lat), 1)
	q := fmt.Sprintf(`SELECT s.stop_id, COALESCE(s.stop_name, ''), %[1]s, %[2]s
FROM stops s
WHERE %[1]s BETWEEN $1 AND $2 AND %[2]s BETWEEN $3 AND $4`, latCol, lonCol)
	rows, err := s.db.QueryContext(ctx, q, lat-dLat, lat+dLat, lon-dLon, lon+dLon)
	if err != nil {
		return nil, fmt.Errorf("query nearby stops: %w", err)
	}
	defer rows.Close()
	var stops []gtfs.Stop
	for rows.Next() {
		var st gtfs.Stop
		if err := rows.Scan(&st.ID, &st.Name, &st.Lat, &st.Lon); err != nil {
			return nil, err
		}
		stops = append(stops, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return nearestStops(stops, orb.Point{lon, lat}, s.NearbyRadius, s.NearbyLimit), nil
}

func nearestStops(stops []gtfs.Stop, p orb.Point, radius float64, limit int) []gtfs.Stop {
	type cand struct {
		stop gtfs.Stop
		d    float64
	}
	cands := make([]cand, 0, len(stops))
	for _, st := range stops {
		if d := geo.Distance(p, st.Point()); d <= radius {
			cands = append(cands, cand{st, d})
		}
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].d < cands[j].d })
	if limit > 0 && len(cands) > limit {
		cands = cands[:limit]
	}
	out := make([]gtfs.Stop, len(cands))
	for i, c := range cands {
		out[i] = c.stop
	}
	return out
}

type scheduledDeparture struct {
	RouteID string
	RouteNo string
	DepSec  int
}

// FetchArrivals returns scheduled arrivals at stopID within ArrivalHorizon,
// the earliest per route.
func (s *Store) FetchArrivals(ctx context.Context, stopID string) ([]gtfs.Arrival, error) {
	now := s.now().In(s.tz)
	serviceIDs, err := fetchActiveServiceIDs(ctx, s.db, now)
	if err != nil {
		return nil, err
	}
	if len(serviceIDs) == 0 {
		return nil, nil
	}
	q := `
SELECT t.route_id, COALESCE(r.route_short_name, ''),
       COALESCE(st.departure_time::text, st.arrival_time::text, '')
FROM stop_times st
JOIN trips t ON t.trip_id = st.trip_id
LEFT JOIN routes r ON r.route_id = t.route_id
WHERE st.stop_id = $1 AND t.service_id = ANY($2)`
	rows, err := s.db.QueryContext(ctx, q, stopID, serviceIDs)
	if err != nil {
		return nil, fmt.Errorf("query arrivals: %w", err)
	}
	defer rows.Close()
	var deps []scheduledDeparture
	for rows.Next() {
		var d scheduledDeparture
		var dep string
		if err := rows.Scan(&d.RouteID, &d.RouteNo, &dep); err != nil {
			return nil, err
		}
		d.DepSec = parseDaySeconds(dep)
		deps = append(deps, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	nowSec := int(now.Sub(midnight(now)) / time.Second)
	return upcomingArrivals(deps, stopID, nowSec, int(s.ArrivalHorizon/time.Second)), nil
}

func upcomingArrivals(deps []scheduledDeparture, stopID string, nowSec, horizonSec int) []gtfs.Arrival {
	best := make(map[string]gtfs.Arrival)
	for _, d := range deps {
		wait := d.DepSec - nowSec
		if wait < 0 || wait > horizonSec {
			continue
		}
		a := gtfs.Arrival{RouteID: d.RouteID, RouteNo: d.RouteNo, StopID: stopID, ETAMinutes: wait / 60}
		if prev, ok := best[d.RouteID]; !ok || a.ETAMinutes < prev.ETAMinutes {
			best[d.RouteID] = a
		}
	}
	out := make([]gtfs.Arrival, 0, len(best))
	for _, a := range best {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ETAMinutes != out[j].ETAMinutes {
			return out[i].ETAMinutes < out[j].ETAMinutes
		}
		return out[i].RouteID < out[j].RouteID
	})
	return out
}

func fetchActiveServiceIDs(ctx context.Context, db *sql.DB, now time.Time) ([]string, error) {
	date := now.Format("2006-01-02")
	dow := int(now.Weekday()) // 0=Sunday

	// calendar has booleans (0/1). calendar_dates has exception_type (1 add, 2 remove)
	q := `
WITH base AS (
  SELECT service_id
  FROM calendar
  WHERE start_date <= $1::date AND end_date >= $1::date
    AND (
      ($2 = 0 AND (sunday::text IN ('1','t','true','available'))) OR
      ($2 = 1 AND (monday::text IN ('1','t','true','available'))) OR
      ($2 = 2 AND (tuesday::text IN ('1','t','true','available'))) OR
      ($2 = 3 AND (wednesday::text IN ('1','t','true','available'))) OR
      ($2 = 4 AND (thursday::text IN ('1','t','true','available'))) OR
      ($2 = 5 AND (friday::text IN ('1','t','true','available'))) OR
      ($2 = 6 AND (saturday::text IN ('1','t','true','available')))
    )
), add_exc AS (
  SELECT service_id FROM calendar_dates WHERE date = $1::date AND (exception_type::text IN ('1','added'))
), rm_exc AS (
  SELECT service_id FROM calendar_dates WHERE date = $1::date AND (exception_type::text IN ('2','removed'))
)
SELECT DISTINCT service_id FROM (SELECT service_id FROM base UNION SELECT service_id FROM add_exc) merged
WHERE service_id NOT IN (SELECT service_id FROM rm_exc)
`
	rows, err := db.QueryContext(ctx, q, date, dow)
	if err != nil {
		return nil, fmt.Errorf("query active services: %w", err)
	}
	defer rows.Close()
	var svc []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		svc = append(svc, s)
	}
	return svc, rows.Err()
}
