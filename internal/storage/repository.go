// Package storage provides the trip and position repositories backed by
// PostgreSQL/PostGIS or an embedded SQLite database.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrConflict is returned by InsertTrip when a trip with the same id already
// exists.
var ErrConflict = errors.New("storage: trip already exists")

// StorageError wraps a failure of the underlying database.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// Trip is one recorded journey of a tracker.
type Trip struct {
	ID        int64
	TrackerID int64
	StartTime time.Time
	EndTime   time.Time

	StartLat *float64
	StartLon *float64
	EndLat   *float64
	EndLon   *float64

	Distance     float64 // meters
	AverageSpeed float64
	MaxSpeed     float64
	Duration     int64 // seconds

	StartAddress string
	EndAddress   string
	StaticImage  string

	MaxAngle      float64
	MaxLeftAngle  float64
	MaxRightAngle float64
	AverageAngle  float64

	// StartGeohash and EndGeohash are derived at insert time; empty when the
	// point is unknown.
	StartGeohash string
	EndGeohash   string

	// Raw is the full upstream payload.
	Raw json.RawMessage

	// Route is the GeoJSON geometry of the stored route line. Read-only,
	// nil when fewer than two positions were stored.
	Route json.RawMessage
}

// Position is a single GPS fix belonging to a trip.
type Position struct {
	ID        int64
	TripID    int64
	FixTime   time.Time
	Latitude  float64
	Longitude float64
	Speed     float64
	Angle     float64
	Address   string
}

// TripFilter narrows ListTrips. Zero times mean "unbounded".
type TripFilter struct {
	From time.Time
	To   time.Time
}

// NearbyTrip is a trip matched by a proximity query.
type NearbyTrip struct {
	Trip     Trip
	Distance float64 // meters from the query point to the trip start, or end when the start is unknown
}

// TripsRepository defines operations on the trips table.
type TripsRepository interface {
	// TripExists reports whether a trip with the given id is stored.
	TripExists(ctx context.Context, id int64) (bool, error)

	// InsertTrip stores a new trip. Returns ErrConflict on a duplicate id.
	InsertTrip(ctx context.Context, t *Trip) error

	// ListTrips returns trips with start_time >= From and end_time <= To,
	// newest first.
	ListTrips(ctx context.Context, f TripFilter) ([]Trip, error)

	// GetTrip returns a trip by id, or (nil, nil) if not found.
	GetTrip(ctx context.Context, id int64) (*Trip, error)

	// DeleteTrip removes a trip and, by cascade, its positions. Deleting a
	// missing trip is not an error.
	DeleteTrip(ctx context.Context, id int64) error
}

// PositionsRepository defines operations on the trip_positions table.
type PositionsRepository interface {
	// InsertPositions stores all positions of a trip in one transaction and
	// rebuilds the trip route geometry.
	InsertPositions(ctx context.Context, tripID int64, positions []Position) error

	// GetPositionsByTripID returns the positions of a trip ordered by fix
	// time, ties broken by id.
	GetPositionsByTripID(ctx context.Context, tripID int64) ([]Position, error)

	// TripHasPositions reports whether at least one position is stored for
	// the trip.
	TripHasPositions(ctx context.Context, tripID int64) (bool, error)
}

// SpatialRepository answers geographic questions about stored trips.
type SpatialRepository interface {
	// FindTripsNear returns trips whose start or end point lies within
	// radiusMeters of (lat, lon), closest first.
	FindTripsNear(ctx context.Context, lat, lon, radiusMeters float64) ([]NearbyTrip, error)

	// DistanceBetweenTrips returns the geodesic distance in meters between
	// the routes of two trips. found is false when either route is missing.
	DistanceBetweenTrips(ctx context.Context, id1, id2 int64) (meters float64, found bool, err error)
}

// Store bundles every repository of one backend.
type Store interface {
	TripsRepository
	PositionsRepository
	SpatialRepository

	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// Close releases the underlying connections.
	Close()
}
