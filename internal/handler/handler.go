// Package handler implements the HTTP endpoints of the trip service.
package handler

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/georide-trips/tripmap/internal/georide"
	"github.com/georide-trips/tripmap/internal/middleware"
	"github.com/georide-trips/tripmap/internal/service"
	"github.com/georide-trips/tripmap/internal/storage"
	"github.com/gin-gonic/gin"
)

// TripImporter runs an import for a tracker window.
type TripImporter interface {
	ImportTrips(ctx context.Context, trackerID int64, from, to time.Time) (*service.ImportReport, error)
}

// CacheAdmin exposes the positions cache for introspection.
type CacheAdmin interface {
	Stats() georide.CacheStats
	Clear()
}

// Handler holds the domain dependencies for all HTTP handlers.
// A single Handler is shared across all route groups; individual methods are
// registered as gin handler functions.
type Handler struct {
	store    storage.Store
	importer TripImporter
	trips    *service.TripService
	upstream service.TripProvider
	local    service.TripProvider
	cache    CacheAdmin
}

// New creates a Handler with the given dependencies.
func New(
	store storage.Store,
	importer TripImporter,
	upstream service.TripProvider,
	cache CacheAdmin,
) *Handler {
	return &Handler{
		store:    store,
		importer: importer,
		trips:    service.NewTripService(),
		upstream: upstream,
		local:    service.NewLocalProvider(store),
		cache:    cache,
	}
}

// writeError maps a domain error to a status code and a JSON body. Internal
// details are logged, never returned. fallback is the message for 500s.
func writeError(c *gin.Context, err error, fallback string) {
	var (
		ve *service.ValidationError
		ue *georide.UpstreamError
	)
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": ve.Error()})
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "trip not found"})
	case errors.As(err, &ue):
		log.Printf("handler: %s %s [%s]: %v", c.Request.Method, c.FullPath(), middleware.GetRequestID(c), err)
		body := gin.H{"error": "georide upstream error"}
		if ue.StatusCode != 0 {
			body["upstreamStatus"] = ue.StatusCode
		}
		c.JSON(http.StatusBadGateway, body)
	case errors.Is(err, storage.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "trip already exists"})
	case errors.Is(err, context.DeadlineExceeded) && c.Request.Context().Err() != nil:
		// Timeout middleware answers.
		log.Printf("handler: %s %s [%s]: %v", c.Request.Method, c.FullPath(), middleware.GetRequestID(c), err)
	default:
		log.Printf("handler: %s %s [%s]: %v", c.Request.Method, c.FullPath(), middleware.GetRequestID(c), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}

// parseID extracts a positive int64 path parameter.
// On failure it writes a 400 response and returns (0, false).
func parseID(c *gin.Context, name string) (int64, bool) {
	v, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || v <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be a positive integer"})
		return 0, false
	}
	return v, true
}

// parseOptionalInt extracts an optional positive int64 query parameter.
// Absent yields 0.
func parseOptionalInt(c *gin.Context, name string) (int64, bool) {
	raw := c.Query(name)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be a positive integer"})
		return 0, false
	}
	return v, true
}

// parseRequiredFloat extracts a required float64 query parameter.
// On failure it writes a 400 response and returns (0, false).
func parseRequiredFloat(c *gin.Context, name string) (float64, bool) {
	raw := c.Query(name)
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " query parameter is required"})
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be a valid number"})
		return 0, false
	}
	return v, true
}

// parseTimeQuery extracts an optional RFC 3339 query parameter. Absent yields
// the zero time.
func parseTimeQuery(c *gin.Context, name string) (time.Time, bool) {
	raw := c.Query(name)
	if raw == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be an RFC 3339 timestamp"})
		return time.Time{}, false
	}
	return t.UTC(), true
}
