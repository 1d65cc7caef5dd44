// Package service holds the trip import pipeline and the read paths that turn
// stored or upstream positions into GeoJSON.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/georide-trips/tripmap/internal/storage"
)

const (
	SourceGeoride = "georide"
	SourceLocal   = "local"
)

// ListArgs selects trips. TrackerID is required by the upstream provider only.
type ListArgs struct {
	TrackerID int64
	From      time.Time
	To        time.Time
}

// PositionArgs selects the positions of one trip. The upstream provider needs
// TrackerID, From and To; the local one only TripID.
type PositionArgs struct {
	TripID    int64
	TrackerID int64
	From      time.Time
	To        time.Time
}

// TripProvider is a source of trips and positions.
type TripProvider interface {
	Source() string
	ListTrips(ctx context.Context, args ListArgs) ([]storage.Trip, error)
	GetPositions(ctx context.Context, args PositionArgs) ([]storage.Position, error)
}

// TripLister lists upstream trips of a tracker.
type TripLister interface {
	ListTrips(ctx context.Context, trackerID int64, from, to time.Time) ([]storage.Trip, error)
}

// PositionSource returns raw upstream positions for a window. The positions
// cache satisfies it.
type PositionSource interface {
	GetPositions(ctx context.Context, trackerID int64, from, to time.Time) ([]storage.Position, error)
}

// TripStore is the repository surface used by this package.
type TripStore interface {
	storage.TripsRepository
	storage.PositionsRepository
}

// GeorideProvider reads trips and positions from the GeoRide API.
type GeorideProvider struct {
	trips     TripLister
	positions PositionSource
}

// NewGeorideProvider creates an upstream provider. positions should be the
// cache wrapping the client.
func NewGeorideProvider(trips TripLister, positions PositionSource) *GeorideProvider {
	return &GeorideProvider{trips: trips, positions: positions}
}

func (p *GeorideProvider) Source() string { return SourceGeoride }

func (p *GeorideProvider) ListTrips(ctx context.Context, args ListArgs) ([]storage.Trip, error) {
	if args.TrackerID <= 0 {
		return nil, invalid("trackerId", "is required")
	}
	trips, err := p.trips.ListTrips(ctx, args.TrackerID, args.From, args.To)
	if err != nil {
		return nil, fmt.Errorf("service: georide: ListTrips: %w", err)
	}
	return trips, nil
}

// GetPositions returns the raw positions of the window in upstream order.
func (p *GeorideProvider) GetPositions(ctx context.Context, args PositionArgs) ([]storage.Position, error) {
	if err := validateWindow(args.TrackerID, args.From, args.To); err != nil {
		return nil, err
	}
	ps, err := p.positions.GetPositions(ctx, args.TrackerID, args.From, args.To)
	if err != nil {
		return nil, fmt.Errorf("service: georide: GetPositions: %w", err)
	}
	return ps, nil
}

// LocalProvider reads previously imported trips from the repository.
type LocalProvider struct {
	store TripStore
}

// NewLocalProvider creates a provider backed by store.
func NewLocalProvider(store TripStore) *LocalProvider {
	return &LocalProvider{store: store}
}

func (p *LocalProvider) Source() string { return SourceLocal }

func (p *LocalProvider) ListTrips(ctx context.Context, args ListArgs) ([]storage.Trip, error) {
	trips, err := p.store.ListTrips(ctx, storage.TripFilter{From: args.From, To: args.To})
	if err != nil {
		return nil, fmt.Errorf("service: local: ListTrips: %w", err)
	}
	return trips, nil
}

// GetPositions returns the stored positions of a trip in chronological order.
func (p *LocalProvider) GetPositions(ctx context.Context, args PositionArgs) ([]storage.Position, error) {
	trip, err := p.store.GetTrip(ctx, args.TripID)
	if err != nil {
		return nil, fmt.Errorf("service: local: GetPositions: %w", err)
	}
	if trip == nil {
		return nil, fmt.Errorf("service: local: trip %d: %w", args.TripID, ErrNotFound)
	}
	ps, err := p.store.GetPositionsByTripID(ctx, args.TripID)
	if err != nil {
		return nil, fmt.Errorf("service: local: GetPositions: %w", err)
	}
	return ps, nil
}

func validateWindow(trackerID int64, from, to time.Time) error {
	switch {
	case trackerID <= 0:
		return invalid("trackerId", "is required")
	case from.IsZero():
		return invalid("from", "is required")
	case to.IsZero():
		return invalid("to", "is required")
	case !from.Before(to):
		return invalid("from", "must be before to")
	}
	return nil
}
