package handler

import (
	"net/http"

	"github.com/georide-trips/tripmap/internal/service"
	"github.com/gin-gonic/gin"
)

// ListUpstreamTrips handles GET /georide/trips
//
// Query params:
//   - trackerId (required) int64
//   - from, to  (optional) RFC 3339
//
// Response 200: trips as returned by GeoRide, normalized.
// Response 400: missing trackerId.
// Response 502: upstream error.
func (h *Handler) ListUpstreamTrips(c *gin.Context) {
	trackerID, ok := parseOptionalInt(c, "trackerId")
	if !ok {
		return
	}
	from, ok := parseTimeQuery(c, "from")
	if !ok {
		return
	}
	to, ok := parseTimeQuery(c, "to")
	if !ok {
		return
	}

	trips, err := h.trips.ListTrips(c.Request.Context(), h.upstream,
		service.ListArgs{TrackerID: trackerID, From: from, To: to})
	if err != nil {
		writeError(c, err, "failed to list upstream trips")
		return
	}

	c.JSON(http.StatusOK, toTripsJSON(trips))
}

// GetUpstreamTripGeoJSON handles GET /georide/trips/:id/geojson
//
// Query params:
//   - trackerId (required) int64
//   - from, to  (required) RFC 3339, from < to
//
// The positions are the raw upstream window, served through the cache.
//
// Response 404: the window holds no positions.
// Response 502: upstream error.
func (h *Handler) GetUpstreamTripGeoJSON(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	trackerID, ok := parseOptionalInt(c, "trackerId")
	if !ok {
		return
	}
	from, ok := parseTimeQuery(c, "from")
	if !ok {
		return
	}
	to, ok := parseTimeQuery(c, "to")
	if !ok {
		return
	}

	args := service.PositionArgs{TripID: id, TrackerID: trackerID, From: from, To: to}
	feature, err := h.trips.ToGeoJSON(c.Request.Context(), h.upstream, args)
	if err != nil {
		writeError(c, err, "failed to build geojson")
		return
	}
	if service.IsEmptyRoute(feature) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no positions found in this window"})
		return
	}

	c.JSON(http.StatusOK, feature)
}
