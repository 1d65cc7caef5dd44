package storage

import (
	"math"
	"testing"
	"time"
)

func TestHaversineMeters(t *testing.T) {
	tests := []struct {
		name                   string
		lat1, lon1, lat2, lon2 float64
		want, tolerance        float64
	}{
		{name: "same point", lat1: 45.0, lon1: 5.0, lat2: 45.0, lon2: 5.0, want: 0, tolerance: 0.001},
		{name: "one degree latitude", lat1: 0, lon1: 0, lat2: 1, lon2: 0, want: 111_195, tolerance: 50},
		{name: "paris to lyon", lat1: 48.8566, lon1: 2.3522, lat2: 45.7640, lon2: 4.8357, want: 391_500, tolerance: 1_500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := HaversineMeters(tt.lat1, tt.lon1, tt.lat2, tt.lon2)
			if math.Abs(got-tt.want) > tt.tolerance {
				t.Errorf("HaversineMeters = %.1f, want %.1f ± %.1f", got, tt.want, tt.tolerance)
			}
		})
	}
}

func TestPointGeohash(t *testing.T) {
	lat, lon := 48.8584, 2.2945

	if got := pointGeohash(nil, &lon); got != "" {
		t.Errorf("pointGeohash(nil, lon) = %q, want empty", got)
	}
	got := pointGeohash(&lat, &lon)
	if len(got) != geohashPrecision {
		t.Fatalf("len(pointGeohash) = %d, want %d", len(got), geohashPrecision)
	}
	if got[:4] != "u09t" {
		t.Errorf("pointGeohash = %q, want prefix u09t", got)
	}
}

func TestSortPositions(t *testing.T) {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	positions := []Position{
		{ID: 3, FixTime: base.Add(time.Minute)},
		{ID: 2, FixTime: base},
		{ID: 1, FixTime: base},
		{ID: 4, FixTime: base.Add(-time.Minute)},
	}

	SortPositions(positions)

	wantIDs := []int64{4, 1, 2, 3}
	for i, p := range positions {
		if p.ID != wantIDs[i] {
			t.Fatalf("positions[%d].ID = %d, want %d (order %v)", i, p.ID, wantIDs[i], ids(positions))
		}
	}
}

func ids(ps []Position) []int64 {
	out := make([]int64, len(ps))
	for i, p := range ps {
		out[i] = p.ID
	}
	return out
}
