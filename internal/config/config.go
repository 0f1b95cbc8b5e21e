package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/paulmach/orb"
)

type Config struct {
	DatabaseURL       string
	City              string
	NATSURL           string
	NATSFeedSubject   string
	NATSPublishPrefix string
	LogNATSSubjects   bool

	RefreshInterval  time.Duration
	FetchConcurrency int
	Routes           []string
	FocusStops       []orb.Point
	Retention        time.Duration
	Location         *time.Location

	MetricsAddr string
	HTTPAddr    string

	GTFSRTURL      string
	GTFSRTInterval time.Duration

	TuningFile string
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	// Cluster DSN: prefer DATABASE_URL / PG_DSN, else build from PG* vars
	dsn := firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("PG_DSN"))
	if dsn == "" {
		host := getenvDefault("PGHOST", "127.0.0.1")
		port := getenvDefault("PGPORT", "5432")
		user := getenvDefault("PGUSER", "postgres")
		pass := os.Getenv("PGPASSWORD")
		db := os.Getenv("PGDATABASE")
		if db == "" && os.Getenv("CITY") != "" {
			db = "postgres"
		}
		if db == "" {
			return nil, errors.New("PGDATABASE or DATABASE_URL must be set (set PGDATABASE=postgres when using CITY)")
		}
		sslmode := getenvDefault("PGSSLMODE", "disable")
		if pass != "" {
			dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
		} else {
			dsn = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
		}
	}
	cfg.DatabaseURL = dsn
	cfg.City = firstNonEmpty(os.Getenv("CITY"), os.Getenv("CITY_NAME"))

	cfg.NATSURL = getenvDefault("NATS_URL", "nats://127.0.0.1:4222")
	cfg.NATSFeedSubject = getenvDefault("NATS_FEED_SUBJECT", "vehicles.>")
	cfg.NATSPublishPrefix = getenvDefault("NATS_PUBLISH_PREFIX", "tracker")
	cfg.LogNATSSubjects = parseBool(os.Getenv("LOG_NATS_SUBJECTS"))

	var err error
	if cfg.RefreshInterval, err = durationMS("REFRESH_INTERVAL_MS", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.GTFSRTInterval, err = durationMS("GTFSRT_POLL_MS", 15*time.Second); err != nil {
		return nil, err
	}

	cfg.FetchConcurrency = 8
	if v := os.Getenv("FETCH_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid FETCH_CONCURRENCY: %q", v)
		}
		cfg.FetchConcurrency = n
	}

	cfg.Retention = 10 * time.Minute
	if v := os.Getenv("RETENTION"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid RETENTION: %q", v)
		}
		cfg.Retention = d
	}

	// Service days are computed in TZ; default to the local zone
	cfg.Location = time.Local
	if tzName := os.Getenv("TZ"); tzName != "" {
		loc, err := time.LoadLocation(tzName)
		if err != nil {
			return nil, fmt.Errorf("invalid TZ: %v", err)
		}
		cfg.Location = loc
	}

	cfg.Routes = splitList(os.Getenv("ROUTES"), ",")
	if cfg.FocusStops, err = parseFocus(os.Getenv("FOCUS_STOPS")); err != nil {
		return nil, err
	}

	// Empty disables the server
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")
	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", ":8080")

	cfg.GTFSRTURL = os.Getenv("GTFSRT_URL")
	cfg.TuningFile = os.Getenv("TUNING_FILE")

	return cfg, nil
}

// parseFocus reads "lat,lon;lat,lon" pairs.
func parseFocus(s string) ([]orb.Point, error) {
	var out []orb.Point
	for _, pair := range splitList(s, ";") {
		latS, lonS, ok := strings.Cut(pair, ",")
		if !ok {
			return nil, fmt.Errorf("invalid FOCUS_STOPS entry %q: want lat,lon", pair)
		}
		lat, err := strconv.ParseFloat(strings.TrimSpace(latS), 64)
		if err != nil || lat < -90 || lat > 90 {
			return nil, fmt.Errorf("invalid FOCUS_STOPS latitude %q", latS)
		}
		lon, err := strconv.ParseFloat(strings.TrimSpace(lonS), 64)
		if err != nil || lon < -180 || lon > 180 {
			return nil, fmt.Errorf("invalid FOCUS_STOPS longitude %q", lonS)
		}
		out = append(out, orb.Point{lon, lat})
	}
	return out, nil
}

func durationMS(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	}
	return false
}

func splitList(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
