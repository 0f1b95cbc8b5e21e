package metrics

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bus-tracker/internal/fleet"
)

type Collector struct {
	reg *prometheus.Registry

	Cycles        prometheus.Counter
	StaleEpochs   prometheus.Counter
	FetchFailures *prometheus.CounterVec // route label
	Rejected      prometheus.Counter
	Rebinds       prometheus.Counter
	Pruned        prometheus.Counter

	Tracked  prometheus.Gauge
	Reported prometheus.Gauge
	Coasting prometheus.Gauge
	Ghosts   prometheus.Gauge

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	FeedMessages    *prometheus.CounterVec // source label: nats|gtfsrt

	CycleDuration   prometheus.Histogram
	PublishDuration prometheus.Histogram

	RefreshInterval prometheus.Gauge // seconds
}

func NewCollector(refreshInterval time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		Cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_cycles_total",
			Help: "Total refresh cycles applied.",
		}),
		StaleEpochs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_stale_epochs_total",
			Help: "Refresh cycles discarded because a newer one was applied first.",
		}),
		FetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_fetch_failures_total",
			Help: "Failed position fetches per route.",
		}, []string{"route"}),
		Rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_jumps_rejected_total",
			Help: "Reports dropped by the jump filter.",
		}),
		Rebinds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_follow_rebinds_total",
			Help: "Times follow moved to another vehicle on the same route.",
		}),
		Pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_vehicles_pruned_total",
			Help: "Vehicles forgotten after the retention window.",
		}),
		Tracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_vehicles_tracked",
			Help: "Vehicles with state after the last cycle.",
		}),
		Reported: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_vehicles_reported",
			Help: "Vehicles reported in the last cycle.",
		}),
		Coasting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_vehicles_coasting",
			Help: "Vehicles dead-reckoned in the last cycle.",
		}),
		Ghosts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_vehicles_ghost",
			Help: "Synthesized followed-vehicle entries in the last cycle.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		FeedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_feed_messages_total",
			Help: "Vehicle reports received from upstream feeds.",
		}, []string{"source"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_cycle_duration_seconds",
			Help:    "Duration of refresh cycles from fetch to publish.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		RefreshInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_refresh_interval_seconds",
			Help: "Refresh interval in seconds.",
		}),
	}

	reg.MustRegister(
		c.Cycles, c.StaleEpochs, c.FetchFailures, c.Rejected, c.Rebinds, c.Pruned,
		c.Tracked, c.Reported, c.Coasting, c.Ghosts,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.FeedMessages,
		c.CycleDuration, c.PublishDuration, c.RefreshInterval,
	)
	c.RefreshInterval.Set(refreshInterval.Seconds())

	return c
}

// ObserveCycle records one applied refresh cycle.
func (c *Collector) ObserveCycle(d time.Duration, s fleet.Stats) {
	c.Cycles.Inc()
	c.CycleDuration.Observe(d.Seconds())
	c.Rejected.Add(float64(s.Rejected))
	c.Rebinds.Add(float64(s.Rebinds))
	c.Pruned.Add(float64(s.Pruned))
	c.Tracked.Set(float64(s.Tracked))
	c.Reported.Set(float64(s.Reports))
	c.Coasting.Set(float64(s.Coasting))
	c.Ghosts.Set(float64(s.Ghosts))
}

func (c *Collector) StaleEpoch() { c.StaleEpochs.Inc() }

func (c *Collector) FetchFailed(routeID string) { c.FetchFailures.WithLabelValues(routeID).Inc() }

func (c *Collector) FeedReceived(source string, n int) {
	c.FeedMessages.WithLabelValues(source).Add(float64(n))
}

func (c *Collector) NATSPublishedInc()              { c.NATSPublished.Inc() }
func (c *Collector) NATSPublishErrInc()             { c.NATSPublishErrs.Inc() }
func (c *Collector) PublishObserve(d time.Duration) { c.PublishDuration.Observe(d.Seconds()) }
func (c *Collector) NATSSetConnected(b bool) {
	if b {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	log.Printf("metrics listening on %s", addr)
	return srv
}
