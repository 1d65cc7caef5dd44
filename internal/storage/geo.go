package storage

import (
	"math"
	"sort"

	"github.com/mmcloughlin/geohash"
)

// geohashPrecision gives cells of roughly 150 m x 150 m.
const geohashPrecision = 7

// HaversineMeters computes the great-circle distance in meters between two
// WGS84 points.
func HaversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusM = 6_371_000.0
	const deg2rad = math.Pi / 180.0

	dLat := (lat2 - lat1) * deg2rad
	dLon := (lon2 - lon1) * deg2rad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*deg2rad)*math.Cos(lat2*deg2rad)*math.Sin(dLon/2)*math.Sin(dLon/2)

	return earthRadiusM * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// pointGeohash returns the geohash of (lat, lon), or "" when either is nil.
func pointGeohash(lat, lon *float64) string {
	if lat == nil || lon == nil {
		return ""
	}
	return geohash.EncodeWithPrecision(*lat, *lon, geohashPrecision)
}

// fillGeohashes derives the start/end geohashes of t.
func fillGeohashes(t *Trip) {
	t.StartGeohash = pointGeohash(t.StartLat, t.StartLon)
	t.EndGeohash = pointGeohash(t.EndLat, t.EndLon)
}

// SortPositions orders positions by fix time, ties broken by id. The sort is
// stable so positions without ids keep their input order on equal times.
func SortPositions(positions []Position) {
	sort.SliceStable(positions, func(i, j int) bool {
		a, b := positions[i], positions[j]
		if !a.FixTime.Equal(b.FixTime) {
			return a.FixTime.Before(b.FixTime)
		}
		return a.ID < b.ID
	})
}
