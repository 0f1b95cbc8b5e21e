package api_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bus-tracker/internal/api"
	"bus-tracker/internal/eta"
	"bus-tracker/internal/fleet"
)

type fakeFleet struct {
	vehicles map[fleet.Key]fleet.Entry
	followed fleet.Key
	triggers int
	maxSeen  int
}

func newFakeFleet() *fakeFleet {
	return &fakeFleet{vehicles: map[fleet.Key]fleet.Entry{
		fleet.MakeKey("r1", "bus7"): {Lat: 36.35, Lon: 127.38, RouteID: "r1", RouteNo: "102"},
	}}
}

func (f *fakeFleet) Snapshot() fleet.Snapshot {
	return fleet.Snapshot{Epoch: 3, Vehicles: f.vehicles, Followed: f.followed}
}

func (f *fakeFleet) Follow(key fleet.Key) error {
	if _, ok := f.vehicles[key]; !ok {
		return fmt.Errorf("follow %s: %w", key, fleet.ErrUnknownVehicle)
	}
	f.followed = key
	return nil
}

func (f *fakeFleet) Unfollow() { f.followed = "" }
func (f *fakeFleet) Followed() fleet.Key { return f.followed }
func (f *fakeFleet) Trigger() { f.triggers++ }

func (f *fakeFleet) Upcoming(key fleet.Key, maxCount int) ([]eta.Upcoming, error) {
	if _, ok := f.vehicles[key]; !ok {
		return nil, fleet.ErrUnknownVehicle
	}
	f.maxSeen = maxCount
	return []eta.Upcoming{{StopID: "s1", StopName: "City Hall", ETAMinutes: 2}}, nil
}

func (f *fakeFleet) FutureRoute(key fleet.Key) (orb.LineString, error) {
	if _, ok := f.vehicles[key]; !ok {
		return nil, fleet.ErrUnknownVehicle
	}
	return orb.LineString{{127.38, 36.35}, {127.39, 36.35}}, nil
}

func (f *fakeFleet) Trail() orb.LineString {
	return orb.LineString{{127.37, 36.35}, {127.38, 36.35}}
}

func doRequest(t *testing.T, r http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func setup() (*fakeFleet, *gin.Engine) {
	gin.SetMode(gin.TestMode)
	f := newFakeFleet()
	return f, api.NewRouter(f)
}

func TestHealth(t *testing.T) {
	_, r := setup()
	w := doRequest(t, r, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
}

func TestFleet(t *testing.T) {
	_, r := setup()
	w := doRequest(t, r, http.MethodGet, "/api/fleet")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Epoch    uint64                 `json:"epoch"`
		Vehicles map[string]fleet.Entry `json:"vehicles"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, uint64(3), body.Epoch)
	require.Contains(t, body.Vehicles, "r1#bus7")
	assert.Equal(t, "102", body.Vehicles["r1#bus7"].RouteNo)
}

func TestUpcoming(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		status  int
		wantMax int
	}{
		{"default max", "/api/routes/r1/vehicles/bus7/upcoming", http.StatusOK, eta.DefaultUpcoming},
		{"explicit max", "/api/routes/r1/vehicles/bus7/upcoming?max=3", http.StatusOK, 3},
		{"bad max", "/api/routes/r1/vehicles/bus7/upcoming?max=zero", http.StatusBadRequest, 0},
		{"max too large", "/api/routes/r1/vehicles/bus7/upcoming?max=500", http.StatusBadRequest, 0},
		{"unknown vehicle", "/api/routes/r1/vehicles/bus9/upcoming", http.StatusNotFound, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, r := setup()
			w := doRequest(t, r, http.MethodGet, tt.path)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.wantMax, f.maxSeen)
			if tt.status != http.StatusOK {
				return
			}
			var body struct {
				Key   string         `json:"key"`
				Stops []eta.Upcoming `json:"stops"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, "r1#bus7", body.Key)
			require.Len(t, body.Stops, 1)
			assert.Equal(t, "City Hall", body.Stops[0].StopName)
		})
	}
}

func TestFutureRoute(t *testing.T) {
	_, r := setup()
	w := doRequest(t, r, http.MethodGet, "/api/routes/r1/vehicles/bus7/future-route")
	require.Equal(t, http.StatusOK, w.Code)

	f, err := geojson.UnmarshalFeature(w.Body.Bytes())
	require.NoError(t, err)
	line, ok := f.Geometry.(orb.LineString)
	require.True(t, ok)
	assert.Len(t, line, 2)
	assert.Equal(t, "r1#bus7", f.Properties.MustString("key"))

	w = doRequest(t, r, http.MethodGet, "/api/routes/r2/vehicles/bus7/future-route")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFollowLifecycle(t *testing.T) {
	f, r := setup()

	w := doRequest(t, r, http.MethodPut, "/api/follow/r1/nope")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 0, f.triggers)

	w = doRequest(t, r, http.MethodPut, "/api/follow/r1/bus7")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, fleet.MakeKey("r1", "bus7"), f.followed)
	assert.Equal(t, 1, f.triggers)

	w = doRequest(t, r, http.MethodGet, "/api/follow")
	assert.JSONEq(t, `{"followed":"r1#bus7"}`, w.Body.String())

	w = doRequest(t, r, http.MethodGet, "/api/follow/trail")
	require.Equal(t, http.StatusOK, w.Code)
	feat, err := geojson.UnmarshalFeature(w.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "r1#bus7", feat.Properties.MustString("key"))

	w = doRequest(t, r, http.MethodDelete, "/api/follow")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, f.followed)
}

func TestRefresh(t *testing.T) {
	f, r := setup()
	w := doRequest(t, r, http.MethodPost, "/api/refresh")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 1, f.triggers)
}
