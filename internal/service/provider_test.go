package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/paulmach/orb"

	"github.com/georide-trips/tripmap/internal/storage"
)

func TestGeorideProviderRequiresWindow(t *testing.T) {
	up := &mockUpstream{}
	p := NewGeorideProvider(up, up)
	ctx := context.Background()

	if _, err := p.ListTrips(ctx, ListArgs{}); !isValidation(err, "trackerId") {
		t.Errorf("ListTrips without tracker: err = %v", err)
	}
	if _, err := p.GetPositions(ctx, PositionArgs{TrackerID: 7, To: day}); !isValidation(err, "from") {
		t.Errorf("GetPositions without from: err = %v", err)
	}
	if up.listCalls+up.posCalls != 0 {
		t.Errorf("upstream calls = %d, want 0", up.listCalls+up.posCalls)
	}
}

func TestGeorideProviderWrapsUpstreamError(t *testing.T) {
	sentinel := errors.New("bad gateway")
	up := &mockUpstream{listErr: sentinel}
	p := NewGeorideProvider(up, up)

	_, err := p.ListTrips(context.Background(), ListArgs{TrackerID: 7})
	if !errors.Is(err, sentinel) {
		t.Errorf("err = %v, want wrapped upstream error", err)
	}
}

func TestLocalProviderGetPositions(t *testing.T) {
	store := newMemStore()
	store.trips[42] = trip(42, at(10, 0, 0), at(10, 30, 0))
	_ = store.InsertPositions(context.Background(), 42, []storage.Position{
		pos(at(10, 20, 0), 2, 20),
		pos(at(10, 10, 0), 1, 10),
	})
	p := NewLocalProvider(store)

	ps, err := p.GetPositions(context.Background(), PositionArgs{TripID: 42})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ps) != 2 || ps[0].Latitude != 1 {
		t.Errorf("positions = %+v, want chronological order", ps)
	}

	_, err = p.GetPositions(context.Background(), PositionArgs{TripID: 404})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestToGeoJSON(t *testing.T) {
	up := &mockUpstream{positions: []storage.Position{
		pos(at(10, 0, 0), 45.1, 5.7),
		pos(at(10, 1, 0), 45.2, 5.8),
	}}
	svc := NewTripService()
	args := PositionArgs{TripID: 42, TrackerID: 7, From: at(10, 0, 0), To: at(11, 0, 0)}

	f, err := svc.ToGeoJSON(context.Background(), NewGeorideProvider(up, up), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	line, ok := f.Geometry.(orb.LineString)
	if f.Type != "Feature" || !ok || len(line) != 2 {
		t.Fatalf("feature = %q with %T %v, want a 2-point LineString", f.Type, f.Geometry, f.Geometry)
	}
	if line[0] != (orb.Point{5.7, 45.1}) {
		t.Errorf("first coordinate = %v, want [lon, lat]", line[0])
	}
	if f.Properties[PropPoints] != 2 || f.Properties[PropSource] != SourceGeoride || f.Properties[PropTrackerID] != int64(7) {
		t.Errorf("properties = %+v", f.Properties)
	}
}

func TestBuildFeatureEmptyEncodesEmptyCoordinates(t *testing.T) {
	f := BuildFeature(PositionArgs{TripID: 1}, SourceLocal, nil)
	if !IsEmptyRoute(f) {
		t.Fatal("IsEmptyRoute = false, want true")
	}

	data, err := json.Marshal(f)
	if err != nil {
		t.Fatal(err)
	}
	s := string(data)
	for _, want := range []string{`"coordinates":[]`, `"tracker_id":null`, `"from":null`, `"source":"local"`, `"points":0`} {
		if !strings.Contains(s, want) {
			t.Errorf("encoded feature %s lacks %s", s, want)
		}
	}
}

func TestTripServiceListTripsDelegates(t *testing.T) {
	store := newMemStore()
	store.trips[1] = trip(1, at(8, 0, 0), at(8, 30, 0))
	store.trips[2] = trip(2, day.Add(48*time.Hour), day.Add(49*time.Hour))

	trips, err := NewTripService().ListTrips(context.Background(), NewLocalProvider(store),
		ListArgs{From: day, To: day.Add(24 * time.Hour)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(trips) != 1 || trips[0].ID != 1 {
		t.Errorf("trips = %+v, want only trip 1", trips)
	}
}

func isValidation(err error, field string) bool {
	var ve *ValidationError
	return errors.As(err, &ve) && ve.Field == field
}
