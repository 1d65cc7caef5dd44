package georide

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNormalizePositionTimestampAliases(t *testing.T) {
	want := time.Date(2024, 3, 1, 8, 15, 0, 0, time.UTC)

	cases := []struct {
		name string
		json string
	}{
		{"fixtime", `{"fixtime":"2024-03-01T08:15:00.000Z","latitude":45.1,"longitude":5.7}`},
		{"fix_time", `{"fix_time":"2024-03-01T08:15:00Z","latitude":45.1,"longitude":5.7}`},
		{"fixTime", `{"fixTime":"2024-03-01T09:15:00+01:00","latitude":45.1,"longitude":5.7}`},
		{"unix millis", `{"fixtime":1709280900000,"latitude":45.1,"longitude":5.7}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := normalizePosition(json.RawMessage(tc.json))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !p.FixTime.Equal(want) {
				t.Errorf("FixTime = %v, want %v", p.FixTime, want)
			}
			if p.Latitude != 45.1 || p.Longitude != 5.7 {
				t.Errorf("coords = (%v, %v), want (45.1, 5.7)", p.Latitude, p.Longitude)
			}
		})
	}
}

func TestNormalizePositionErrors(t *testing.T) {
	cases := []struct {
		name string
		json string
	}{
		{"no timestamp", `{"latitude":45.1,"longitude":5.7}`},
		{"null timestamp", `{"fixtime":null,"latitude":45.1,"longitude":5.7}`},
		{"bad timestamp", `{"fixtime":"yesterday","latitude":45.1,"longitude":5.7}`},
		{"no longitude", `{"fixtime":"2024-03-01T08:15:00Z","latitude":45.1}`},
		{"not an object", `[1,2]`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := normalizePosition(json.RawMessage(tc.json)); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestNormalizeTripCamelAndSnake(t *testing.T) {
	camel := `{"id":42,"trackerId":7,"startTime":"2024-03-01T08:00:00.000Z","endTime":"2024-03-01T08:30:00.000Z",
		"startLat":45.18,"startLon":5.72,"endLat":45.2,"endLon":5.75,"distance":4200,"averageSpeed":28.5,
		"maxSpeed":71,"duration":1800,"startAddress":"A","endAddress":"B","staticImage":"img.png",
		"maxAngle":30,"maxLeftAngle":25,"maxRightAngle":30,"averageAngle":8}`
	snake := `{"id":"42","tracker_id":7,"start_time":"2024-03-01T08:00:00Z","end_time":"2024-03-01T08:30:00Z",
		"start_lat":"45.18","start_lon":5.72,"end_lat":45.2,"end_lon":5.75,"distance":4200,"average_speed":28.5,
		"max_speed":71,"duration":1800,"start_address":"A","end_address":"B","static_image":"img.png",
		"max_angle":30,"max_left_angle":25,"max_right_angle":30,"average_angle":8}`

	for name, body := range map[string]string{"camel": camel, "snake": snake} {
		t.Run(name, func(t *testing.T) {
			trip, err := normalizeTrip(json.RawMessage(body), 0)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if trip.ID != 42 || trip.TrackerID != 7 {
				t.Errorf("ids = (%d, %d), want (42, 7)", trip.ID, trip.TrackerID)
			}
			if trip.EndTime.Sub(trip.StartTime) != 30*time.Minute {
				t.Errorf("duration between times = %v, want 30m", trip.EndTime.Sub(trip.StartTime))
			}
			if trip.StartLat == nil || *trip.StartLat != 45.18 {
				t.Errorf("StartLat = %v, want 45.18", trip.StartLat)
			}
			if trip.MaxSpeed != 71 || trip.AverageAngle != 8 || trip.Duration != 1800 {
				t.Errorf("metrics = %+v", trip)
			}
			if trip.StaticImage != "img.png" || trip.EndAddress != "B" {
				t.Errorf("strings = (%q, %q)", trip.StaticImage, trip.EndAddress)
			}
			if string(trip.Raw) != body {
				t.Error("Raw does not hold the upstream payload")
			}
		})
	}
}

func TestNormalizeTripDefaultsTracker(t *testing.T) {
	trip, err := normalizeTrip(json.RawMessage(
		`{"id":1,"startTime":"2024-03-01T08:00:00Z","endTime":"2024-03-01T08:30:00Z"}`), 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if trip.TrackerID != 99 {
		t.Errorf("TrackerID = %d, want 99", trip.TrackerID)
	}
	if trip.StartLat != nil {
		t.Errorf("StartLat = %v, want nil", *trip.StartLat)
	}
}

func TestDecodeList(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		want    int
		wantErr bool
	}{
		{name: "bare array", body: `[{"a":1},{"a":2}]`, want: 2},
		{name: "wrapped", body: `{"trips":[{"a":1}]}`, want: 1},
		{name: "empty", body: `[]`, want: 0},
		{name: "wrong key", body: `{"items":[]}`, wantErr: true},
		{name: "garbage", body: `nope`, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := decodeList([]byte(tc.body), "trips")
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %d items", len(got))
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != tc.want {
				t.Errorf("len = %d, want %d", len(got), tc.want)
			}
		})
	}
}
