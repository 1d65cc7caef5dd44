package handler

import (
	"log"
	"net/http"
	"time"

	"github.com/georide-trips/tripmap/internal/middleware"
	"github.com/georide-trips/tripmap/internal/service"
	"github.com/gin-gonic/gin"
)

type importRequest struct {
	TrackerID int64     `json:"trackerId"`
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`
}

// ImportTrips handles POST /trips/import
//
// Body:
//
//	{"trackerId":2055973,"from":"2024-05-01T00:00:00Z","to":"2024-05-02T00:00:00Z"}
//
// Response 200: {"success":true,"report":{...}}
// Response 400: malformed body, missing trackerId/from/to, from >= to.
// Response 502: listing the tracker's trips upstream failed.
// Response 500: any other error.
func (h *Handler) ImportTrips(c *gin.Context) {
	var req importRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	log.Printf("handler: import requested: tracker=%d from=%s to=%s [%s]",
		req.TrackerID, req.From.Format(time.RFC3339), req.To.Format(time.RFC3339), middleware.GetRequestID(c))

	report, err := h.importer.ImportTrips(c.Request.Context(), req.TrackerID, req.From.UTC(), req.To.UTC())
	if err != nil {
		writeError(c, err, "import failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "report": report})
}

// ListTrips handles GET /trips
//
// Query params:
//   - from (optional) RFC 3339: keep trips starting at or after from
//   - to   (optional) RFC 3339: keep trips ending at or before to
//
// Response 200: trips, newest first.
func (h *Handler) ListTrips(c *gin.Context) {
	from, ok := parseTimeQuery(c, "from")
	if !ok {
		return
	}
	to, ok := parseTimeQuery(c, "to")
	if !ok {
		return
	}

	trips, err := h.trips.ListTrips(c.Request.Context(), h.local, service.ListArgs{From: from, To: to})
	if err != nil {
		writeError(c, err, "failed to list trips")
		return
	}

	c.JSON(http.StatusOK, toTripsJSON(trips))
}

// GetTrip handles GET /trips/:id
func (h *Handler) GetTrip(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	trip, err := h.store.GetTrip(c.Request.Context(), id)
	if err != nil {
		writeError(c, err, "failed to query trip")
		return
	}
	if trip == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "trip not found"})
		return
	}

	c.JSON(http.StatusOK, toTripJSON(*trip))
}

// GetTripGeoJSON handles GET /trips/:id/geojson
//
// Response 200: a GeoJSON Feature whose LineString follows the stored
// positions in chronological order.
// Response 404: unknown trip, or a trip without positions.
func (h *Handler) GetTripGeoJSON(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	feature, err := h.trips.ToGeoJSON(c.Request.Context(), h.local, service.PositionArgs{TripID: id})
	if err != nil {
		writeError(c, err, "failed to build geojson")
		return
	}
	if service.IsEmptyRoute(feature) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no positions found for this trip"})
		return
	}

	c.JSON(http.StatusOK, feature)
}

// GetTripPositions handles GET /trips/:id/positions
//
// Response 404 when the trip has no stored positions.
func (h *Handler) GetTripPositions(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	positions, err := h.store.GetPositionsByTripID(c.Request.Context(), id)
	if err != nil {
		writeError(c, err, "failed to query positions")
		return
	}
	if len(positions) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no positions for this trip"})
		return
	}

	c.JSON(http.StatusOK, toPositionsJSON(positions))
}

// DeleteTrip handles DELETE /trips/:id
//
// Positions go with the trip. Deleting an unknown id also answers 204.
func (h *Handler) DeleteTrip(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	if err := h.store.DeleteTrip(c.Request.Context(), id); err != nil {
		writeError(c, err, "failed to delete trip")
		return
	}

	c.Status(http.StatusNoContent)
}
