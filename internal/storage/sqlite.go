package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/georide-trips/tripmap/internal/migrations"

	_ "modernc.org/sqlite"
)

// sqliteStore is the embedded implementation of Store. Geometry is kept as
// plain coordinates and spatial predicates are evaluated with the haversine
// formula.
type sqliteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the SQLite database at dsn, applies the
// schema and returns a Store. Use ":memory:" for an ephemeral database.
func OpenSQLite(ctx context.Context, dsn string) (Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, wrapErr("OpenSQLite", err)
	}
	// One connection serializes writers and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		_ = db.Close()
		return nil, wrapErr("OpenSQLite: pragma", err)
	}
	if err := migrations.RunSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	return wrapErr("Ping", s.db.PingContext(ctx))
}

func (s *sqliteStore) Close() { _ = s.db.Close() }

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

const sqliteTripColumns = `
	id, tracker_id, start_time, end_time,
	start_lat, start_lon, end_lat, end_lon,
	distance, average_speed, max_speed, duration,
	start_address, end_address, static_image,
	max_angle, max_left_angle, max_right_angle, average_angle,
	start_geohash, end_geohash, raw, route_geojson`

func scanSQLiteTrip(row interface{ Scan(dest ...any) error }) (*Trip, error) {
	var t Trip
	var start, end int64
	var raw, route sql.NullString
	err := row.Scan(
		&t.ID, &t.TrackerID, &start, &end,
		&t.StartLat, &t.StartLon, &t.EndLat, &t.EndLon,
		&t.Distance, &t.AverageSpeed, &t.MaxSpeed, &t.Duration,
		&t.StartAddress, &t.EndAddress, &t.StaticImage,
		&t.MaxAngle, &t.MaxLeftAngle, &t.MaxRightAngle, &t.AverageAngle,
		&t.StartGeohash, &t.EndGeohash, &raw, &route,
	)
	if err != nil {
		return nil, err
	}
	t.StartTime = fromNanos(start)
	t.EndTime = fromNanos(end)
	if raw.Valid && raw.String != "" {
		t.Raw = json.RawMessage(raw.String)
	}
	if route.Valid && route.String != "" {
		t.Route = json.RawMessage(route.String)
	}
	return &t, nil
}

func (s *sqliteStore) TripExists(ctx context.Context, id int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM trips WHERE id = ?)`, id).Scan(&exists)
	if err != nil {
		return false, wrapErr("TripExists", err)
	}
	return exists, nil
}

func (s *sqliteStore) InsertTrip(ctx context.Context, t *Trip) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	fillGeohashes(t)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("InsertTrip: begin", err)
	}
	defer func() { _ = tx.Rollback() }() //nolint:errcheck // rollback after commit is harmless

	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM trips WHERE id = ?)`, t.ID).Scan(&exists); err != nil {
		return wrapErr("InsertTrip", err)
	}
	if exists {
		return ErrConflict
	}

	var raw any
	if len(t.Raw) > 0 {
		raw = string(t.Raw)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO trips (
			id, tracker_id, start_time, end_time,
			start_lat, start_lon, end_lat, end_lon,
			distance, average_speed, max_speed, duration,
			start_address, end_address, static_image,
			max_angle, max_left_angle, max_right_angle, average_angle,
			start_geohash, end_geohash, raw, imported_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.TrackerID, toNanos(t.StartTime), toNanos(t.EndTime),
		t.StartLat, t.StartLon, t.EndLat, t.EndLon,
		t.Distance, t.AverageSpeed, t.MaxSpeed, t.Duration,
		t.StartAddress, t.EndAddress, t.StaticImage,
		t.MaxAngle, t.MaxLeftAngle, t.MaxRightAngle, t.AverageAngle,
		t.StartGeohash, t.EndGeohash, raw, toNanos(time.Now()),
	)
	if err != nil {
		return wrapErr("InsertTrip", err)
	}
	return wrapErr("InsertTrip: commit", tx.Commit())
}

func (s *sqliteStore) ListTrips(ctx context.Context, f TripFilter) ([]Trip, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var from, to *int64
	if !f.From.IsZero() {
		v := toNanos(f.From)
		from = &v
	}
	if !f.To.IsZero() {
		v := toNanos(f.To)
		to = &v
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteTripColumns+`
		FROM trips
		WHERE (?1 IS NULL OR start_time >= ?1)
		  AND (?2 IS NULL OR end_time <= ?2)
		ORDER BY start_time DESC`, from, to)
	if err != nil {
		return nil, wrapErr("ListTrips", err)
	}
	defer rows.Close()

	trips := []Trip{}
	for rows.Next() {
		t, err := scanSQLiteTrip(rows)
		if err != nil {
			return nil, wrapErr("ListTrips: scan", err)
		}
		trips = append(trips, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("ListTrips", err)
	}
	return trips, nil
}

func (s *sqliteStore) GetTrip(ctx context.Context, id int64) (*Trip, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	t, err := scanSQLiteTrip(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteTripColumns+` FROM trips WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("GetTrip", err)
	}
	return t, nil
}

func (s *sqliteStore) DeleteTrip(ctx context.Context, id int64) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM trips WHERE id = ?`, id); err != nil {
		return wrapErr(fmt.Sprintf("DeleteTrip id=%d", id), err)
	}
	return nil
}

func (s *sqliteStore) InsertPositions(ctx context.Context, tripID int64, positions []Position) error {
	if len(positions) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, txTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("InsertPositions: begin", err)
	}
	defer func() { _ = tx.Rollback() }() //nolint:errcheck // rollback after commit is harmless

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO trip_positions (trip_id, fix_time, latitude, longitude, speed, angle, address)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return wrapErr("InsertPositions: prepare", err)
	}
	defer stmt.Close()

	for _, p := range positions {
		if _, err := stmt.ExecContext(ctx, tripID, toNanos(p.FixTime),
			p.Latitude, p.Longitude, p.Speed, p.Angle, p.Address); err != nil {
			return wrapErr("InsertPositions", err)
		}
	}

	line, err := routeLineTx(ctx, tx, tripID)
	if err != nil {
		return wrapErr("InsertPositions: route geometry", err)
	}
	if line != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE trips SET route_geojson = ? WHERE id = ?`, string(line), tripID); err != nil {
			return wrapErr("InsertPositions: route geometry", err)
		}
	}

	return wrapErr("InsertPositions: commit", tx.Commit())
}

// routeLineTx builds the route of a trip from every stored position. It
// returns nil when fewer than two positions exist.
func routeLineTx(ctx context.Context, tx *sql.Tx, tripID int64) ([]byte, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT longitude, latitude FROM trip_positions
		WHERE trip_id = ? ORDER BY fix_time, id`, tripID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var line orb.LineString
	for rows.Next() {
		var p orb.Point
		if err := rows.Scan(&p[0], &p[1]); err != nil {
			return nil, err
		}
		line = append(line, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(line) < 2 {
		return nil, nil
	}
	return json.Marshal(geojson.NewGeometry(line))
}

func (s *sqliteStore) GetPositionsByTripID(ctx context.Context, tripID int64) ([]Position, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trip_id, fix_time, latitude, longitude, speed, angle, address
		FROM trip_positions
		WHERE trip_id = ?
		ORDER BY fix_time ASC, id ASC`, tripID)
	if err != nil {
		return nil, wrapErr("GetPositionsByTripID", err)
	}
	defer rows.Close()

	positions := []Position{}
	for rows.Next() {
		var p Position
		var fix int64
		if err := rows.Scan(&p.ID, &p.TripID, &fix, &p.Latitude, &p.Longitude,
			&p.Speed, &p.Angle, &p.Address); err != nil {
			return nil, wrapErr("GetPositionsByTripID: scan", err)
		}
		p.FixTime = fromNanos(fix)
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("GetPositionsByTripID", err)
	}

	SortPositions(positions)
	return positions, nil
}

func (s *sqliteStore) TripHasPositions(ctx context.Context, tripID int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM trip_positions WHERE trip_id = ?)`, tripID).Scan(&exists)
	if err != nil {
		return false, wrapErr("TripHasPositions", err)
	}
	return exists, nil
}

// FindTripsNear scans every trip with a known endpoint. Fine for the
// single-tracker databases SQLite is used for.
func (s *sqliteStore) FindTripsNear(ctx context.Context, lat, lon, radiusMeters float64) ([]NearbyTrip, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteTripColumns+`
		FROM trips
		WHERE (start_lat IS NOT NULL AND start_lon IS NOT NULL)
		   OR (end_lat IS NOT NULL AND end_lon IS NOT NULL)`)
	if err != nil {
		return nil, wrapErr("FindTripsNear", err)
	}
	defer rows.Close()

	out := []NearbyTrip{}
	for rows.Next() {
		t, err := scanSQLiteTrip(rows)
		if err != nil {
			return nil, wrapErr("FindTripsNear: scan", err)
		}
		startD, endD := math.Inf(1), math.Inf(1)
		if t.StartLat != nil && t.StartLon != nil {
			startD = HaversineMeters(lat, lon, *t.StartLat, *t.StartLon)
		}
		if t.EndLat != nil && t.EndLon != nil {
			endD = HaversineMeters(lat, lon, *t.EndLat, *t.EndLon)
		}
		if startD > radiusMeters && endD > radiusMeters {
			continue
		}
		d := startD
		if math.IsInf(d, 1) {
			d = endD
		}
		out = append(out, NearbyTrip{Trip: *t, Distance: d})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("FindTripsNear", err)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	return out, nil
}

// DistanceBetweenTrips approximates the distance between two routes by the
// closest pair of vertices.
func (s *sqliteStore) DistanceBetweenTrips(ctx context.Context, id1, id2 int64) (float64, bool, error) {
	a, err := s.GetTrip(ctx, id1)
	if err != nil {
		return 0, false, err
	}
	b, err := s.GetTrip(ctx, id2)
	if err != nil {
		return 0, false, err
	}
	if a == nil || b == nil || a.Route == nil || b.Route == nil {
		return 0, false, nil
	}

	la, err := decodeRoute(a.Route)
	if err != nil {
		return 0, false, wrapErr("DistanceBetweenTrips: decode route", err)
	}
	lb, err := decodeRoute(b.Route)
	if err != nil {
		return 0, false, wrapErr("DistanceBetweenTrips: decode route", err)
	}

	best := math.Inf(1)
	for _, p := range la {
		for _, q := range lb {
			if d := HaversineMeters(p.Lat(), p.Lon(), q.Lat(), q.Lon()); d < best {
				best = d
			}
		}
	}
	if math.IsInf(best, 1) {
		return 0, false, nil
	}
	return best, true, nil
}

// decodeRoute reads a route_geojson value back into a line.
func decodeRoute(raw json.RawMessage) (orb.LineString, error) {
	g, err := geojson.UnmarshalGeometry(raw)
	if err != nil {
		return nil, err
	}
	line, ok := g.Coordinates.(orb.LineString)
	if !ok {
		return nil, fmt.Errorf("route is a %s, want LineString", g.Coordinates.GeoJSONType())
	}
	return line, nil
}
