package fleet

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrSourceFetchFailure wraps a failed upstream fetch. A failed route
	// yields no update for the cycle; its vehicles keep their last state.
	ErrSourceFetchFailure = errors.New("source fetch failure")
	ErrUnknownVehicle     = errors.New("unknown vehicle")
)

// Key disambiguates vehicle ids reused across routes: "routeId#vehicleId".
type Key string

func MakeKey(routeID, vehicleID string) Key {
	return Key(routeID + "#" + vehicleID)
}

func (k Key) Split() (routeID, vehicleID string) {
	r, v, ok := strings.Cut(string(k), "#")
	if !ok {
		return "", string(k)
	}
	return r, v
}

func (k Key) RouteID() string {
	r, _ := k.Split()
	return r
}

// Entry is one vehicle as rendered for a cycle.
type Entry struct {
	Lat             float64 `json:"lat"`
	Lon             float64 `json:"lon"`
	RouteID         string  `json:"routeId"`
	RouteNo         string  `json:"routeNo"`
	NextStopName    *string `json:"nextStopName,omitempty"`
	ETAMinutes      *int    `json:"etaMinutes,omitempty"`
	Bearing         float64 `json:"bearing"`
	Coasting        bool    `json:"coasting,omitempty"`
	Ghost           bool    `json:"ghost,omitempty"`
	Dwelling        bool    `json:"dwelling,omitempty"`
	PassedStopIndex int     `json:"passedStopIndex"`
}

// Stats summarizes what a merge did.
type Stats struct {
	Reports  int
	Rejected int
	Coasting int
	Ghosts   int
	Rebinds  int
	Pruned   int
	Tracked  int
}

// Snapshot is the immutable output of one refresh cycle.
type Snapshot struct {
	Epoch       uint64        `json:"epoch"`
	ID          uuid.UUID     `json:"id"`
	GeneratedAt time.Time     `json:"generatedAt"`
	Vehicles    map[Key]Entry `json:"vehicles"`
	Followed    Key           `json:"followed,omitempty"`
	Stats       Stats         `json:"-"`
}
