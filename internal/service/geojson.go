package service

import (
	"context"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/georide-trips/tripmap/internal/storage"
)

// Property keys of a trip Feature. Unknown tracker ids and bounds are null.
const (
	PropTripID    = "trip_id"
	PropTrackerID = "tracker_id"
	PropSource    = "source"
	PropFrom      = "from"
	PropTo        = "to"
	PropPoints    = "points"
)

// IsEmptyRoute reports whether f carries no coordinates.
func IsEmptyRoute(f *geojson.Feature) bool {
	ls, _ := f.Geometry.(orb.LineString)
	return len(ls) == 0
}

// TripService exposes provider-independent trip reads.
type TripService struct{}

// NewTripService creates a TripService.
func NewTripService() *TripService { return &TripService{} }

// ListTrips delegates to the provider.
func (s *TripService) ListTrips(ctx context.Context, p TripProvider, args ListArgs) ([]storage.Trip, error) {
	return p.ListTrips(ctx, args)
}

// ToGeoJSON fetches the positions of a trip from p and projects them into a
// LineString Feature, preserving position order.
func (s *TripService) ToGeoJSON(ctx context.Context, p TripProvider, args PositionArgs) (*geojson.Feature, error) {
	positions, err := p.GetPositions(ctx, args)
	if err != nil {
		return nil, err
	}
	return BuildFeature(args, p.Source(), positions), nil
}

// BuildFeature projects positions into a LineString Feature. An empty
// position list yields "coordinates": [].
func BuildFeature(args PositionArgs, source string, positions []storage.Position) *geojson.Feature {
	line := make(orb.LineString, 0, len(positions))
	for _, pos := range positions {
		line = append(line, orb.Point{pos.Longitude, pos.Latitude})
	}

	f := geojson.NewFeature(line)
	f.Properties[PropTripID] = args.TripID
	f.Properties[PropSource] = source
	f.Properties[PropPoints] = len(line)
	f.Properties[PropTrackerID] = nil
	f.Properties[PropFrom] = nil
	f.Properties[PropTo] = nil
	if args.TrackerID > 0 {
		f.Properties[PropTrackerID] = args.TrackerID
	}
	if !args.From.IsZero() {
		f.Properties[PropFrom] = args.From.UTC()
	}
	if !args.To.IsZero() {
		f.Properties[PropTo] = args.To.UTC()
	}
	return f
}
