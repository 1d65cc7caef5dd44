package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

func (r *pgStore) FindTripsNear(ctx context.Context, lat, lon, radiusMeters float64) ([]NearbyTrip, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := r.pool.Query(ctx, `
		WITH q AS (SELECT ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography AS pt)
		SELECT `+tripColumns+`,
		       COALESCE(ST_Distance(t.start_geom::geography, q.pt),
		                ST_Distance(t.end_geom::geography, q.pt))
		FROM trips t, q
		WHERE ST_DWithin(t.start_geom::geography, q.pt, $3)
		   OR ST_DWithin(t.end_geom::geography, q.pt, $3)
		ORDER BY 24`,
		lon, lat, radiusMeters,
	)
	if err != nil {
		return nil, wrapErr("FindTripsNear", err)
	}
	defer rows.Close()

	out := []NearbyTrip{}
	for rows.Next() {
		var nt NearbyTrip
		t, err := scanTrip(scanWithDistance{rows, &nt.Distance})
		if err != nil {
			return nil, wrapErr("FindTripsNear: scan", err)
		}
		nt.Trip = *t
		out = append(out, nt)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("FindTripsNear", err)
	}
	return out, nil
}

func (r *pgStore) DistanceBetweenTrips(ctx context.Context, id1, id2 int64) (float64, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var meters *float64
	err := r.pool.QueryRow(ctx, `
		SELECT ST_Distance(a.route_geom::geography, b.route_geom::geography)
		FROM trips a, trips b
		WHERE a.id = $1 AND b.id = $2`, id1, id2,
	).Scan(&meters)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, wrapErr("DistanceBetweenTrips", err)
	}
	if meters == nil {
		return 0, false, nil
	}
	return *meters, true, nil
}

// scanWithDistance lets scanTrip read a trip row that carries one extra
// trailing distance column.
type scanWithDistance struct {
	row  interface{ Scan(dest ...any) error }
	dist *float64
}

func (s scanWithDistance) Scan(dest ...any) error {
	return s.row.Scan(append(dest, s.dist)...)
}
