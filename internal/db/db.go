package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"

	"bus-tracker/internal/gtfs"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// ErrNoTrips is returned for a route without any scheduled trip.
var ErrNoTrips = errors.New("route has no trips")

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// Store answers route geometry and stop queries from a GTFS static import.
type Store struct {
	db  *sql.DB
	tz  *time.Location
	now func() time.Time

	NearbyRadius   float64 // meters
	NearbyLimit    int
	ArrivalHorizon time.Duration
}

func NewStore(db *sql.DB, tz *time.Location) *Store {
	if tz == nil {
		tz = time.Local
	}
	return &Store{
		db:             db,
		tz:             tz,
		now:            time.Now,
		NearbyRadius:   400,
		NearbyLimit:    8,
		ArrivalHorizon: 60 * time.Minute,
	}
}

// representativeTrip picks the trip of routeID with the most stops,
// preferring one with a shape.
func (s *Store) representativeTrip(ctx context.Context, routeID string) (tripID, shapeID string, err error) {
	q := `
SELECT t.trip_id, COALESCE(t.shape_id, '')
FROM trips t
JOIN stop_times st ON st.trip_id = t.trip_id
WHERE t.route_id = $1
GROUP BY t.trip_id, t.shape_id
ORDER BY COUNT(*) DESC, (t.shape_id IS NULL), t.trip_id
LIMIT 1`
	err = s.db.QueryRowContext(ctx, q, routeID).Scan(&tripID, &shapeID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", fmt.Errorf("route %s: %w", routeID, ErrNoTrips)
	}
	if err != nil {
		return "", "", fmt.Errorf("query representative trip: %w", err)
	}
	return tripID, shapeID, nil
}

// FetchRouteShape returns the shape polyline of the route's representative
// trip. A trip without a shape yields an empty line.
func (s *Store) FetchRouteShape(ctx context.Context, routeID string) (orb.LineString, error) {
	_, shapeID, err := s.representativeTrip(ctx, routeID)
	if err != nil {
		return nil, err
	}
	pts, err := s.fetchShapePoints(ctx, shapeID)
	if err != nil {
		return nil, err
	}
	return gtfs.LineString(pts), nil
}

// FetchRouteStops returns the ordered stops of the route's representative
// trip.
func (s *Store) FetchRouteStops(ctx context.Context, routeID string) ([]gtfs.Stop, error) {
	tripID, _, err := s.representativeTrip(ctx, routeID)
	if err != nil {
		return nil, err
	}
	sts, err := s.fetchStopTimes(ctx, tripID)
	if err != nil {
		return nil, err
	}
	stops := make([]gtfs.Stop, 0, len(sts))
	for _, st := range sts {
		stops = append(stops, gtfs.Stop{ID: st.StopID, Name: st.StopName, Lat: st.StopLat, Lon: st.StopLon})
	}
	return stops, nil
}

func (s *Store) fetchShapePoints(ctx context.Context, shapeID string) ([]gtfs.ShapePoint, error) {
	if shapeID == "" {
		return nil, nil
	}
	// Either shape_pt_lat/lon exist, or the PostGIS shape_pt_loc geography
	cols, err := hasColumns(ctx, s.db, "public", "shapes", "shape_pt_lat", "shape_pt_lon", "shape_pt_loc")
	if err != nil {
		return nil, fmt.Errorf("introspect shapes columns: %w", err)
	}
	var q string
	switch {
	case cols["shape_pt_lat"] && cols["shape_pt_lon"]:
		q = `SELECT shape_pt_lat, shape_pt_lon, shape_pt_sequence, COALESCE(shape_dist_traveled, 0)
             FROM shapes WHERE shape_id = $1 ORDER BY shape_pt_sequence`
	case cols["shape_pt_loc"]:
		q = `SELECT ST_Y(shape_pt_loc::geometry), ST_X(shape_pt_loc::geometry),
                    shape_pt_sequence, COALESCE(shape_dist_traveled, 0)
             FROM shapes WHERE shape_id = $1 ORDER BY shape_pt_sequence`
	default:
		return nil, fmt.Errorf("shapes table missing expected columns (lat/lon or shape_pt_loc)")
	}
	rows, err := s.db.QueryContext(ctx, q, shapeID)
	if err != nil {
		return nil, fmt.Errorf("query shapes: %w", err)
	}
	defer rows.Close()
	var pts []gtfs.ShapePoint
	for rows.Next() {
		var p gtfs.ShapePoint
		if err := rows.Scan(&p.Lat, &p.Lon, &p.Sequence, &p.DistTraveled); err != nil {
			return nil, err
		}
		pts = append(pts, p)
	}
	return pts, rows.Err()
}

// stopColumns returns the select expressions for stop coordinates.
func (s *Store) stopColumns(ctx context.Context) (lat, lon string, err error) {
	cols, err := hasColumns(ctx, s.db, "public", "stops", "stop_lat", "stop_lon", "stop_loc")
	if err != nil {
		return "", "", fmt.Errorf("introspect stops columns: %w", err)
	}
	switch {
	case cols["stop_lat"] && cols["stop_lon"]:
		return "s.stop_lat", "s.stop_lon", nil
	case cols["stop_loc"]:
		return "ST_Y(s.stop_loc::geometry)", "ST_X(s.stop_loc::geometry)", nil
	}
	return "", "", fmt.Errorf("stops table missing expected columns (stop_lat/lon or stop_loc)")
}

func (s *Store) fetchStopTimes(ctx context.Context, tripID string) ([]gtfs.StopTime, error) {
	latCol, lonCol, err := s.stopColumns(ctx)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT st.stop_sequence,
                    COALESCE(st.arrival_time::text,''),
                    COALESCE(st.departure_time::text,''),
                    COALESCE(st.shape_dist_traveled, 0),
                    st.stop_id,
                    COALESCE(s.stop_name, ''),
                    COALESCE(%s, 0),
                    COALESCE(%s, 0)
             FROM stop_times st
             JOIN stops s ON s.stop_id = st.stop_id
             WHERE st.trip_id = $1
             ORDER BY st.stop_sequence`, latCol, lonCol)
	rows, err := s.db.QueryContext(ctx, q, tripID)
	if err != nil {
		return nil, fmt.Errorf("query stop_times: %w", err)
	}
	defer rows.Close()

	var sts []gtfs.StopTime
	for rows.Next() {
		var st gtfs.StopTime
		var arr, dep string
		if err := rows.Scan(&st.StopSequence, &arr, &dep, &st.ShapeDistTraveled, &st.StopID, &st.StopName, &st.StopLat, &st.StopLon); err != nil {
			return nil, err
		}
		st.ArrivalSec = parseDaySeconds(arr)
		st.DepartureSec = parseDaySeconds(dep)
		sts = append(sts, st)
	}
	return sts, rows.Err()
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// parseDaySeconds parses HH:MM:SS possibly with hours >= 24.
func parseDaySeconds(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	parts := strings.Split(s, ":")
	if len(parts) < 2 {
		return 0
	}
	h, _ := strconv.Atoi(parts[0])
	m, _ := strconv.Atoi(parts[1])
	sec := 0
	if len(parts) > 2 {
		sec, _ = strconv.Atoi(parts[2])
	}
	total := h*3600 + m*60 + sec
	if total < 0 {
		total = 0
	}
	return total
}

// hasColumns returns a map of requested column names to existence for the given table.
func hasColumns(ctx context.Context, db *sql.DB, schema, table string, cols ...string) (map[string]bool, error) {
	res := make(map[string]bool, len(cols))
	if len(cols) == 0 {
		return res, nil
	}
	for _, c := range cols {
		res[c] = false
	}
	q := `SELECT column_name FROM information_schema.columns
          WHERE table_schema = $1 AND table_name = $2 AND column_name = ANY($3)`
	rows, err := db.QueryContext(ctx, q, schema, table, cols)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res[name] = true
	}
	return res, rows.Err()
}
