package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"bus-tracker/internal/eta"
	"bus-tracker/internal/fleet"
)

// Fleet is the tracker surface the HTTP API exposes.
type Fleet interface {
	Snapshot() fleet.Snapshot
	Follow(key fleet.Key) error
	Unfollow()
	Followed() fleet.Key
	Upcoming(key fleet.Key, maxCount int) ([]eta.Upcoming, error)
	FutureRoute(key fleet.Key) (orb.LineString, error)
	Trail() orb.LineString
	Trigger()
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(c *gin.Context, status int, msg string) {
	c.JSON(status, errorResponse{Error: msg})
}

func writeFleetError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, fleet.ErrUnknownVehicle):
		writeError(c, http.StatusNotFound, err.Error())
	default:
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

type Handler struct {
	fleet Fleet
}

func NewHandler(f Fleet) *Handler {
	return &Handler{fleet: f}
}

func vehicleKey(c *gin.Context) (fleet.Key, bool) {
	routeID, vehicleID := c.Param("route"), c.Param("vehicle")
	if routeID == "" || vehicleID == "" {
		writeError(c, http.StatusBadRequest, "missing route or vehicle id")
		return "", false
	}
	return fleet.MakeKey(routeID, vehicleID), true
}

func (h *Handler) Fleet(c *gin.Context) {
	c.JSON(http.StatusOK, h.fleet.Snapshot())
}

func (h *Handler) Upcoming(c *gin.Context) {
	key, ok := vehicleKey(c)
	if !ok {
		return
	}
	maxCount := eta.DefaultUpcoming
	if v := c.Query("max"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 50 {
			writeError(c, http.StatusBadRequest, "max must be between 1 and 50")
			return
		}
		maxCount = n
	}
	up, err := h.fleet.Upcoming(key, maxCount)
	if err != nil {
		writeFleetError(c, err)
		return
	}
	if up == nil {
		up = []eta.Upcoming{}
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "stops": up})
}

func (h *Handler) FutureRoute(c *gin.Context) {
	key, ok := vehicleKey(c)
	if !ok {
		return
	}
	line, err := h.fleet.FutureRoute(key)
	if err != nil {
		writeFleetError(c, err)
		return
	}
	f := geojson.NewFeature(line)
	f.Properties["key"] = string(key)
	c.JSON(http.StatusOK, f)
}

func (h *Handler) Follow(c *gin.Context) {
	key, ok := vehicleKey(c)
	if !ok {
		return
	}
	if err := h.fleet.Follow(key); err != nil {
		writeFleetError(c, err)
		return
	}
	h.fleet.Trigger()
	c.JSON(http.StatusOK, gin.H{"followed": key})
}

func (h *Handler) Followed(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"followed": h.fleet.Followed()})
}

func (h *Handler) Unfollow(c *gin.Context) {
	h.fleet.Unfollow()
	c.Status(http.StatusNoContent)
}

func (h *Handler) Trail(c *gin.Context) {
	f := geojson.NewFeature(h.fleet.Trail())
	f.Properties["key"] = string(h.fleet.Followed())
	c.JSON(http.StatusOK, f)
}

func (h *Handler) Refresh(c *gin.Context) {
	h.fleet.Trigger()
	c.JSON(http.StatusAccepted, gin.H{"status": "scheduled"})
}
