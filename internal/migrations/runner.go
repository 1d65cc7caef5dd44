// Package migrations applies the embedded SQL schema at startup.
//
// Each backend has its own directory of NNN_description.sql files, executed
// in lexicographic order. Applied files are recorded in schema_migrations so
// running again is a no-op. 000_migrations_table.sql must sort first.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed postgres/*.sql sqlite/*.sql
var sqlFiles embed.FS

// entry holds the filename and raw SQL content of a single migration file.
type entry struct {
	version string // filename used as the unique version key
	sql     string
}

// applier is the backend-specific half of a migration run.
type applier interface {
	ensureTable(ctx context.Context) error
	applied(ctx context.Context) (map[string]bool, error)
	apply(ctx context.Context, e entry) error
}

// RunPostgres applies pending PostGIS migrations.
func RunPostgres(ctx context.Context, pool *pgxpool.Pool) error {
	return run(ctx, "postgres", pgApplier{pool: pool})
}

// RunSQLite applies pending SQLite migrations.
func RunSQLite(ctx context.Context, db *sql.DB) error {
	return run(ctx, "sqlite", sqliteApplier{db: db})
}

func run(ctx context.Context, dir string, a applier) error {
	if err := a.ensureTable(ctx); err != nil {
		return fmt.Errorf("migrations: ensure tracking table: %w", err)
	}

	entries, err := loadEntries(dir)
	if err != nil {
		return fmt.Errorf("migrations: load files: %w", err)
	}

	applied, err := a.applied(ctx)
	if err != nil {
		return fmt.Errorf("migrations: read applied versions: %w", err)
	}

	pending := 0
	for _, e := range entries {
		if applied[e.version] {
			continue
		}
		if err := a.apply(ctx, e); err != nil {
			return fmt.Errorf("migrations: apply %s/%s: %w", dir, e.version, err)
		}
		log.Printf("migrations: applied %s/%s", dir, e.version)
		pending++
	}

	if pending == 0 {
		log.Printf("migrations: %s schema is up to date", dir)
	} else {
		log.Printf("migrations: %d %s migration(s) applied", pending, dir)
	}
	return nil
}

// CheckSchema verifies that the trip tables exist in the public schema.
func CheckSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, table := range []string{"trips", "trip_positions"} {
		var exists bool
		err := pool.QueryRow(ctx,
			`SELECT EXISTS (
                SELECT 1
                FROM information_schema.tables
                WHERE table_schema = 'public'
                  AND table_name   = $1
            )`,
			table,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("migrations: check table %q: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("migrations: required table %q is missing", table)
		}
	}
	return nil
}

// loadEntries reads the SQL files of dir in lexicographic order, which
// fs.ReadDir guarantees.
func loadEntries(dir string) ([]entry, error) {
	dirEntries, err := fs.ReadDir(sqlFiles, dir)
	if err != nil {
		return nil, fmt.Errorf("read embedded dir %q: %w", dir, err)
	}

	var out []entry
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		content, err := fs.ReadFile(sqlFiles, dir+"/"+de.Name())
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", de.Name(), err)
		}
		out = append(out, entry{version: de.Name(), sql: string(content)})
	}
	return out, nil
}

type pgApplier struct {
	pool *pgxpool.Pool
}

func (a pgApplier) ensureTable(ctx context.Context) error {
	_, err := a.pool.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS schema_migrations (
            version    VARCHAR(255) PRIMARY KEY,
            applied_at TIMESTAMPTZ DEFAULT NOW()
        )`)
	return err
}

func (a pgApplier) applied(ctx context.Context) (map[string]bool, error) {
	rows, err := a.pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		seen[v] = true
	}
	return seen, rows.Err()
}

// apply executes one migration and records it in the same transaction.
func (a pgApplier) apply(ctx context.Context, e entry) error {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }() //nolint:errcheck // rollback after commit is harmless

	if _, err := tx.Exec(ctx, e.sql); err != nil {
		return fmt.Errorf("exec sql: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO schema_migrations (version) VALUES ($1)`, e.version); err != nil {
		return fmt.Errorf("record version: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type sqliteApplier struct {
	db *sql.DB
}

func (a sqliteApplier) ensureTable(ctx context.Context) error {
	_, err := a.db.ExecContext(ctx, `
        CREATE TABLE IF NOT EXISTS schema_migrations (
            version    TEXT PRIMARY KEY,
            applied_at INTEGER
        )`)
	return err
}

func (a sqliteApplier) applied(ctx context.Context) (map[string]bool, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		seen[v] = true
	}
	return seen, rows.Err()
}

func (a sqliteApplier) apply(ctx context.Context, e entry) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }() //nolint:errcheck // rollback after commit is harmless

	if _, err := tx.ExecContext(ctx, e.sql); err != nil {
		return fmt.Errorf("exec sql: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
		e.version, time.Now().Unix()); err != nil {
		return fmt.Errorf("record version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
