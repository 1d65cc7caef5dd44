package handler

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/georide-trips/tripmap/internal/middleware"
	"github.com/gin-gonic/gin"
)

// Health handles GET /health. It answers 503 when the database does not
// respond to a ping within two seconds.
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	now := time.Now().UTC().Format(time.RFC3339)
	if err := h.store.Ping(ctx); err != nil {
		log.Printf("handler: health [%s]: database ping: %v", middleware.GetRequestID(c), err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":    "error",
			"timestamp": now,
			"database":  "disconnected",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": now,
		"database":  "connected",
	})
}

// CacheStats handles GET /cache/stats
func (h *Handler) CacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.cache.Stats())
}

// ClearCache handles DELETE /cache
func (h *Handler) ClearCache(c *gin.Context) {
	h.cache.Clear()
	c.JSON(http.StatusOK, gin.H{"message": "georide cache cleared"})
}
