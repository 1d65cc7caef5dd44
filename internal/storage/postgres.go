package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// queryTimeout is applied to every database query.
const queryTimeout = 5 * time.Second

// txTimeout bounds the positions transaction, which copies a whole trip.
const txTimeout = 30 * time.Second

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// pgStore is the pgx/PostGIS implementation of Store.
type pgStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Store backed by the given connection pool. The
// store takes ownership of the pool and closes it in Close.
func NewPostgresStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

func (r *pgStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	return wrapErr("Ping", r.pool.Ping(ctx))
}

func (r *pgStore) Close() { r.pool.Close() }

// tripColumns is the select list shared by every trip query. The order must
// match scanTrip.
const tripColumns = `
	t.id, t.tracker_id, t.start_time, t.end_time,
	t.start_lat, t.start_lon, t.end_lat, t.end_lon,
	t.distance, t.average_speed, t.max_speed, t.duration,
	t.start_address, t.end_address, t.static_image,
	t.max_angle, t.max_left_angle, t.max_right_angle, t.average_angle,
	t.start_geohash, t.end_geohash, t.raw,
	ST_AsGeoJSON(t.route_geom)`

func scanTrip(row pgx.Row) (*Trip, error) {
	var t Trip
	var raw []byte
	var route *string
	err := row.Scan(
		&t.ID, &t.TrackerID, &t.StartTime, &t.EndTime,
		&t.StartLat, &t.StartLon, &t.EndLat, &t.EndLon,
		&t.Distance, &t.AverageSpeed, &t.MaxSpeed, &t.Duration,
		&t.StartAddress, &t.EndAddress, &t.StaticImage,
		&t.MaxAngle, &t.MaxLeftAngle, &t.MaxRightAngle, &t.AverageAngle,
		&t.StartGeohash, &t.EndGeohash, &raw,
		&route,
	)
	if err != nil {
		return nil, err
	}
	t.StartTime = t.StartTime.UTC()
	t.EndTime = t.EndTime.UTC()
	if len(raw) > 0 {
		t.Raw = raw
	}
	if route != nil {
		t.Route = []byte(*route)
	}
	return &t, nil
}

func (r *pgStore) TripExists(ctx context.Context, id int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM trips WHERE id = $1)`, id,
	).Scan(&exists)
	if err != nil {
		return false, wrapErr("TripExists", err)
	}
	return exists, nil
}

func (r *pgStore) InsertTrip(ctx context.Context, t *Trip) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	fillGeohashes(t)

	var raw any
	if len(t.Raw) > 0 {
		raw = string(t.Raw)
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO trips (
			id, tracker_id, start_time, end_time,
			start_lat, start_lon, end_lat, end_lon,
			distance, average_speed, max_speed, duration,
			start_address, end_address, static_image,
			max_angle, max_left_angle, max_right_angle, average_angle,
			start_geohash, end_geohash, raw,
			start_geom, end_geom
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10, $11, $12,
			$13, $14, $15,
			$16, $17, $18, $19,
			$20, $21, $22::jsonb,
			CASE WHEN $5::float8 IS NULL OR $6::float8 IS NULL THEN NULL
			     ELSE ST_SetSRID(ST_MakePoint($6, $5), 4326) END,
			CASE WHEN $7::float8 IS NULL OR $8::float8 IS NULL THEN NULL
			     ELSE ST_SetSRID(ST_MakePoint($8, $7), 4326) END
		)`,
		t.ID, t.TrackerID, t.StartTime.UTC(), t.EndTime.UTC(),
		t.StartLat, t.StartLon, t.EndLat, t.EndLon,
		t.Distance, t.AverageSpeed, t.MaxSpeed, t.Duration,
		t.StartAddress, t.EndAddress, t.StaticImage,
		t.MaxAngle, t.MaxLeftAngle, t.MaxRightAngle, t.AverageAngle,
		t.StartGeohash, t.EndGeohash, raw,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrConflict
		}
		return wrapErr("InsertTrip", err)
	}
	return nil
}

func (r *pgStore) ListTrips(ctx context.Context, f TripFilter) ([]Trip, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var from, to *time.Time
	if !f.From.IsZero() {
		v := f.From.UTC()
		from = &v
	}
	if !f.To.IsZero() {
		v := f.To.UTC()
		to = &v
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+tripColumns+`
		FROM trips t
		WHERE ($1::timestamptz IS NULL OR t.start_time >= $1)
		  AND ($2::timestamptz IS NULL OR t.end_time <= $2)
		ORDER BY t.start_time DESC`,
		from, to,
	)
	if err != nil {
		return nil, wrapErr("ListTrips", err)
	}
	defer rows.Close()

	trips := []Trip{}
	for rows.Next() {
		t, err := scanTrip(rows)
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

func (r *pgStore) GetTrip(ctx context.Context, id int64) (*Trip, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	t, err := scanTrip(r.pool.QueryRow(ctx,
		`SELECT `+tripColumns+` FROM trips t WHERE t.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("GetTrip", err)
	}
	return t, nil
}

func (r *pgStore) DeleteTrip(ctx context.Context, id int64) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if _, err := r.pool.Exec(ctx, `DELETE FROM trips WHERE id = $1`, id); err != nil {
		return wrapErr(fmt.Sprintf("DeleteTrip id=%d", id), err)
	}
	return nil
}
