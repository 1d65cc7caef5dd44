package handler

import (
	"github.com/gin-gonic/gin"
)

// Register mounts every endpoint on r. guard runs before the mutating
// routes (import, delete, cache clear).
func (h *Handler) Register(r gin.IRouter, guard ...gin.HandlerFunc) {
	mutate := func(hf gin.HandlerFunc) []gin.HandlerFunc {
		return append(append([]gin.HandlerFunc{}, guard...), hf)
	}

	r.GET("/health", h.Health)

	trips := r.Group("/trips")
	{
		trips.POST("/import", mutate(h.ImportTrips)...)
		trips.GET("", h.ListTrips)
		trips.GET("/near", h.ListTripsNear)
		trips.GET("/distance/:id1/:id2", h.GetTripsDistance)
		trips.GET("/:id", h.GetTrip)
		trips.GET("/:id/geojson", h.GetTripGeoJSON)
		trips.GET("/:id/positions", h.GetTripPositions)
		trips.DELETE("/:id", mutate(h.DeleteTrip)...)
	}

	upstream := r.Group("/georide")
	{
		upstream.GET("/trips", h.ListUpstreamTrips)
		upstream.GET("/trips/:id/geojson", h.GetUpstreamTripGeoJSON)
	}

	cache := r.Group("/cache")
	{
		cache.GET("/stats", h.CacheStats)
		cache.DELETE("", mutate(h.ClearCache)...)
	}
}
