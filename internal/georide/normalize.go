package georide

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/georide-trips/tripmap/internal/storage"
)

// record is one upstream JSON object, keyed by field name.
type record map[string]json.RawMessage

// lookup returns the first non-null value among names.
func (r record) lookup(names ...string) (json.RawMessage, bool) {
	for _, n := range names {
		if v, ok := r[n]; ok && !isNull(v) {
			return v, true
		}
	}
	return nil, false
}

func (r record) float(names ...string) (*float64, error) {
	v, ok := r.lookup(names...)
	if !ok {
		return nil, nil
	}
	f, err := parseFloat(v)
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", names[0], err)
	}
	return &f, nil
}

// floatOr is float with a zero default for absent fields.
func (r record) floatOr(names ...string) (float64, error) {
	f, err := r.float(names...)
	if err != nil || f == nil {
		return 0, err
	}
	return *f, nil
}

func (r record) int(names ...string) (int64, bool, error) {
	f, err := r.float(names...)
	if err != nil || f == nil {
		return 0, false, err
	}
	return int64(*f), true, nil
}

func (r record) str(names ...string) string {
	v, ok := r.lookup(names...)
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return strings.Trim(string(v), `"`)
	}
	return s
}

func (r record) time(names ...string) (time.Time, bool, error) {
	v, ok := r.lookup(names...)
	if !ok {
		return time.Time{}, false, nil
	}
	t, err := parseTime(v)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("field %s: %w", names[0], err)
	}
	return t, true, nil
}

func isNull(v json.RawMessage) bool {
	return len(bytes.TrimSpace(v)) == 0 || bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

// parseFloat accepts JSON numbers and numeric strings.
func parseFloat(v json.RawMessage) (float64, error) {
	var f float64
	if err := json.Unmarshal(v, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return 0, fmt.Errorf("not a number: %s", v)
	}
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

// parseTime accepts ISO 8601 strings and Unix milliseconds.
func parseTime(v json.RawMessage) (time.Time, error) {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, err
		}
		return t.UTC(), nil
	}
	var ms int64
	if err := json.Unmarshal(v, &ms); err != nil {
		return time.Time{}, fmt.Errorf("not a timestamp: %s", v)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// decodeList accepts either a bare JSON array or an object wrapping the array
// under key. Elements are returned undecoded.
func decodeList(body []byte, key string) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '{' {
		var wrapper map[string]json.RawMessage
		if err := json.Unmarshal(body, &wrapper); err != nil {
			return nil, err
		}
		inner, ok := wrapper[key]
		if !ok {
			return nil, fmt.Errorf("response object has no %q array", key)
		}
		body = inner
	}

	var list []json.RawMessage
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func parseRecord(raw json.RawMessage) (record, error) {
	var r record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	return r, nil
}

// normalizeTrip maps an upstream trip object onto storage.Trip. Both
// camelCase and snake_case field names are accepted. defaultTracker is used
// when the record carries no tracker id.
func normalizeTrip(raw json.RawMessage, defaultTracker int64) (storage.Trip, error) {
	var t storage.Trip
	r, err := parseRecord(raw)
	if err != nil {
		return t, err
	}

	id, ok, err := r.int("id", "tripId", "trip_id")
	if err != nil {
		return t, err
	}
	if !ok {
		return t, fmt.Errorf("trip has no id")
	}
	t.ID = id

	tracker, ok, err := r.int("trackerId", "tracker_id")
	if err != nil {
		return t, err
	}
	if !ok {
		tracker = defaultTracker
	}
	t.TrackerID = tracker

	if t.StartTime, ok, err = r.time("startTime", "start_time"); err != nil {
		return t, err
	} else if !ok {
		return t, fmt.Errorf("trip %d has no start time", id)
	}
	if t.EndTime, ok, err = r.time("endTime", "end_time"); err != nil {
		return t, err
	} else if !ok {
		return t, fmt.Errorf("trip %d has no end time", id)
	}

	if t.StartLat, err = r.float("startLat", "start_lat"); err != nil {
		return t, err
	}
	if t.StartLon, err = r.float("startLon", "start_lon"); err != nil {
		return t, err
	}
	if t.EndLat, err = r.float("endLat", "end_lat"); err != nil {
		return t, err
	}
	if t.EndLon, err = r.float("endLon", "end_lon"); err != nil {
		return t, err
	}

	for _, f := range []struct {
		dst   *float64
		names []string
	}{
		{&t.Distance, []string{"distance"}},
		{&t.AverageSpeed, []string{"averageSpeed", "average_speed"}},
		{&t.MaxSpeed, []string{"maxSpeed", "max_speed"}},
		{&t.MaxAngle, []string{"maxAngle", "max_angle"}},
		{&t.MaxLeftAngle, []string{"maxLeftAngle", "max_left_angle"}},
		{&t.MaxRightAngle, []string{"maxRightAngle", "max_right_angle"}},
		{&t.AverageAngle, []string{"averageAngle", "average_angle"}},
	} {
		if *f.dst, err = r.floatOr(f.names...); err != nil {
			return t, err
		}
	}

	if t.Duration, _, err = r.int("duration"); err != nil {
		return t, err
	}

	t.StartAddress = r.str("startAddress", "start_address", "niceStartAddress")
	t.EndAddress = r.str("endAddress", "end_address", "niceEndAddress")
	t.StaticImage = r.str("staticImage", "static_image")
	t.Raw = append(json.RawMessage(nil), raw...)

	return t, nil
}

// normalizePosition maps an upstream position object onto storage.Position.
// The fix timestamp may be named fix_time, fixtime or fixTime.
func normalizePosition(raw json.RawMessage) (storage.Position, error) {
	var p storage.Position
	r, err := parseRecord(raw)
	if err != nil {
		return p, err
	}

	fix, ok, err := r.time("fixtime", "fix_time", "fixTime")
	if err != nil {
		return p, err
	}
	if !ok {
		return p, fmt.Errorf("position has no fix time")
	}
	p.FixTime = fix

	lat, err := r.float("latitude", "lat")
	if err != nil {
		return p, err
	}
	lon, err := r.float("longitude", "lon", "lng")
	if err != nil {
		return p, err
	}
	if lat == nil || lon == nil {
		return p, fmt.Errorf("position at %s has no coordinates", fix.Format(time.RFC3339))
	}
	p.Latitude, p.Longitude = *lat, *lon

	if p.Speed, err = r.floatOr("speed"); err != nil {
		return p, err
	}
	if p.Angle, err = r.floatOr("angle"); err != nil {
		return p, err
	}
	p.Address = r.str("address")

	return p, nil
}
