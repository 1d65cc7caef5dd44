package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

var positionCopyColumns = []string{
	"trip_id", "fix_time", "latitude", "longitude", "speed", "angle", "address",
}

// InsertPositions copies all positions of a trip, fills their point geometry
// and rebuilds the trip route line, all in one transaction.
func (r *pgStore) InsertPositions(ctx context.Context, tripID int64, positions []Position) error {
	if len(positions) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, txTimeout)
	defer cancel()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return wrapErr("InsertPositions: begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }() //nolint:errcheck // rollback after commit is harmless

	src := pgx.CopyFromSlice(len(positions), func(i int) ([]any, error) {
		p := positions[i]
		return []any{tripID, p.FixTime.UTC(), p.Latitude, p.Longitude, p.Speed, p.Angle, p.Address}, nil
	})
	n, err := tx.CopyFrom(ctx, pgx.Identifier{"trip_positions"}, positionCopyColumns, src)
	if err != nil {
		return wrapErr("InsertPositions: copy", err)
	}
	if int(n) != len(positions) {
		return wrapErr("InsertPositions", fmt.Errorf("copied %d of %d rows", n, len(positions)))
	}

	if _, err := tx.Exec(ctx, `
		UPDATE trip_positions
		SET geom = ST_SetSRID(ST_MakePoint(longitude, latitude), 4326)
		WHERE trip_id = $1 AND geom IS NULL`, tripID); err != nil {
		return wrapErr("InsertPositions: point geometry", err)
	}

	// A line needs at least two vertices; below that route_geom stays NULL.
	if _, err := tx.Exec(ctx, `
		UPDATE trips
		SET route_geom = line.geom
		FROM (
			SELECT ST_MakeLine(geom ORDER BY fix_time, id) AS geom, COUNT(*) AS n
			FROM trip_positions
			WHERE trip_id = $1
		) AS line
		WHERE trips.id = $1 AND line.n >= 2`, tripID); err != nil {
		return wrapErr("InsertPositions: route geometry", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return wrapErr("InsertPositions: commit", err)
	}
	return nil
}

func (r *pgStore) GetPositionsByTripID(ctx context.Context, tripID int64) ([]Position, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := r.pool.Query(ctx, `
		SELECT id, trip_id, fix_time, latitude, longitude, speed, angle, address
		FROM trip_positions
		WHERE trip_id = $1
		ORDER BY fix_time ASC, id ASC`, tripID)
	if err != nil {
		return nil, wrapErr("GetPositionsByTripID", err)
	}
	defer rows.Close()

	positions := []Position{}
	for rows.Next() {
		var p Position
		if err := rows.Scan(&p.ID, &p.TripID, &p.FixTime, &p.Latitude, &p.Longitude,
			&p.Speed, &p.Angle, &p.Address); err != nil {
			return nil, wrapErr("GetPositionsByTripID: scan", err)
		}
		p.FixTime = p.FixTime.UTC()
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("GetPositionsByTripID", err)
	}

	SortPositions(positions)
	return positions, nil
}

func (r *pgStore) TripHasPositions(ctx context.Context, tripID int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM trip_positions WHERE trip_id = $1)`, tripID,
	).Scan(&exists)
	if err != nil {
		return false, wrapErr("TripHasPositions", err)
	}
	return exists, nil
}
