package storage

import (
	"context"

	"github.com/georide-trips/tripmap/internal/migrations"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RunMigrations applies all pending PostGIS migrations and verifies that the
// trip tables exist afterwards.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	if err := migrations.RunPostgres(ctx, pool); err != nil {
		return err
	}

	return migrations.CheckSchema(ctx, pool)
}
