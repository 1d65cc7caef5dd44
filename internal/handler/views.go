package handler

import (
	"encoding/json"
	"time"

	"github.com/georide-trips/tripmap/internal/storage"
)

type tripJSON struct {
	ID            int64           `json:"id"`
	TrackerID     int64           `json:"tracker_id"`
	StartTime     time.Time       `json:"start_time"`
	EndTime       time.Time       `json:"end_time"`
	StartLat      *float64        `json:"start_lat"`
	StartLon      *float64        `json:"start_lon"`
	EndLat        *float64        `json:"end_lat"`
	EndLon        *float64        `json:"end_lon"`
	Distance      float64         `json:"distance"`
	AverageSpeed  float64         `json:"average_speed"`
	MaxSpeed      float64         `json:"max_speed"`
	Duration      int64           `json:"duration"`
	StartAddress  string          `json:"start_address"`
	EndAddress    string          `json:"end_address"`
	StaticImage   string          `json:"static_image"`
	MaxAngle      float64         `json:"max_angle"`
	MaxLeftAngle  float64         `json:"max_left_angle"`
	MaxRightAngle float64         `json:"max_right_angle"`
	AverageAngle  float64         `json:"average_angle"`
	StartGeohash  string          `json:"start_geohash,omitempty"`
	EndGeohash    string          `json:"end_geohash,omitempty"`
	Raw           json.RawMessage `json:"raw,omitempty"`
	Route         json.RawMessage `json:"route,omitempty"`
}

func toTripJSON(t storage.Trip) tripJSON {
	return tripJSON{
		ID:            t.ID,
		TrackerID:     t.TrackerID,
		StartTime:     t.StartTime.UTC(),
		EndTime:       t.EndTime.UTC(),
		StartLat:      t.StartLat,
		StartLon:      t.StartLon,
		EndLat:        t.EndLat,
		EndLon:        t.EndLon,
		Distance:      t.Distance,
		AverageSpeed:  t.AverageSpeed,
		MaxSpeed:      t.MaxSpeed,
		Duration:      t.Duration,
		StartAddress:  t.StartAddress,
		EndAddress:    t.EndAddress,
		StaticImage:   t.StaticImage,
		MaxAngle:      t.MaxAngle,
		MaxLeftAngle:  t.MaxLeftAngle,
		MaxRightAngle: t.MaxRightAngle,
		AverageAngle:  t.AverageAngle,
		StartGeohash:  t.StartGeohash,
		EndGeohash:    t.EndGeohash,
		Raw:           t.Raw,
		Route:         t.Route,
	}
}

func toTripsJSON(trips []storage.Trip) []tripJSON {
	out := make([]tripJSON, len(trips))
	for i, t := range trips {
		out[i] = toTripJSON(t)
	}
	return out
}

type positionJSON struct {
	ID        int64     `json:"id"`
	TripID    int64     `json:"trip_id"`
	FixTime   time.Time `json:"fix_time"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Speed     float64   `json:"speed"`
	Angle     float64   `json:"angle"`
	Address   string    `json:"address"`
}

func toPositionsJSON(ps []storage.Position) []positionJSON {
	out := make([]positionJSON, len(ps))
	for i, p := range ps {
		out[i] = positionJSON{
			ID:        p.ID,
			TripID:    p.TripID,
			FixTime:   p.FixTime.UTC(),
			Latitude:  p.Latitude,
			Longitude: p.Longitude,
			Speed:     p.Speed,
			Angle:     p.Angle,
			Address:   p.Address,
		}
	}
	return out
}

type nearbyTripJSON struct {
	tripJSON
	DistanceM float64 `json:"distance_m"`
}
