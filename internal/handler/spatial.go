package handler

import (
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

const defaultRadiusMeters = 1000.0
const maxRadiusMeters = 50_000.0

// ListTripsNear handles GET /trips/near
//
// Query params:
//   - lat    (required) float64: WGS-84 latitude
//   - lon    (required) float64: WGS-84 longitude
//   - radius (optional) float64: metres; default 1000
//
// Response 200: trips whose start or end point lies within radius, nearest
// first, each with distance_m.
func (h *Handler) ListTripsNear(c *gin.Context) {
	lat, ok := parseRequiredFloat(c, "lat")
	if !ok {
		return
	}
	lon, ok := parseRequiredFloat(c, "lon")
	if !ok {
		return
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "lat/lon out of range"})
		return
	}

	radius := defaultRadiusMeters
	if raw := c.Query("radius"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "radius must be a positive number"})
			return
		}
		if v > maxRadiusMeters {
			c.JSON(http.StatusBadRequest, gin.H{"error": "radius must not exceed 50000 metres"})
			return
		}
		radius = v
	}

	nearby, err := h.store.FindTripsNear(c.Request.Context(), lat, lon, radius)
	if err != nil {
		writeError(c, err, "failed to query trips")
		return
	}

	out := make([]nearbyTripJSON, len(nearby))
	for i, n := range nearby {
		out[i] = nearbyTripJSON{tripJSON: toTripJSON(n.Trip), DistanceM: n.Distance}
	}

	c.JSON(http.StatusOK, out)
}

// GetTripsDistance handles GET /trips/distance/:id1/:id2
//
// Response 200:
//
//	{"trip1":1,"trip2":2,"distanceMeters":1523.4,"distanceKm":1.52}
//
// Response 404: a trip is unknown or has no stored route.
func (h *Handler) GetTripsDistance(c *gin.Context) {
	id1, ok := parseID(c, "id1")
	if !ok {
		return
	}
	id2, ok := parseID(c, "id2")
	if !ok {
		return
	}

	meters, found, err := h.store.DistanceBetweenTrips(c.Request.Context(), id1, id2)
	if err != nil {
		writeError(c, err, "failed to compute distance")
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "trip or route not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"trip1":          id1,
		"trip2":          id2,
		"distanceMeters": meters,
		"distanceKm":     math.Round(meters/10) / 100,
	})
}
