package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bus-tracker/internal/fleet"
)

var _ fleet.Metrics = (*Collector)(nil)

func TestObserveCycle(t *testing.T) {
	c := NewCollector(5 * time.Second)
	c.ObserveCycle(120*time.Millisecond, fleet.Stats{Reports: 12, Rejected: 2, Coasting: 3, Ghosts: 1, Rebinds: 1, Tracked: 14})
	c.ObserveCycle(80*time.Millisecond, fleet.Stats{Reports: 10, Rejected: 1, Tracked: 11, Pruned: 3})

	assert.Equal(t, 2.0, testutil.ToFloat64(c.Cycles))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.Rejected))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.Pruned))
	assert.Equal(t, 11.0, testutil.ToFloat64(c.Tracked))
	assert.Equal(t, 10.0, testutil.ToFloat64(c.Reported))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.Coasting))
	assert.Equal(t, 5.0, testutil.ToFloat64(c.RefreshInterval))
}

func TestFailuresAndConnection(t *testing.T) {
	c := NewCollector(time.Second)
	c.FetchFailed("r1")
	c.FetchFailed("r1")
	c.FetchFailed("r2")
	c.StaleEpoch()
	c.NATSSetConnected(true)
	c.FeedReceived("nats", 4)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.FetchFailures.WithLabelValues("r1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.FetchFailures.WithLabelValues("r2")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.StaleEpochs))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.NATSConnected))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.FeedMessages.WithLabelValues("nats")))

	c.NATSSetConnected(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.NATSConnected))
}

func TestHandlerExposesTrackerMetrics(t *testing.T) {
	c := NewCollector(time.Second)
	c.NATSPublishedInc()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "tracker_nats_published_total 1"))
	assert.True(t, strings.Contains(string(body), "tracker_refresh_interval_seconds 1"))
}
