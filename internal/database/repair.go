package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

type columnSpec struct {
	table  string
	column string
	ddl    map[Dialect]string
}

// enrichmentColumns are the columns enrichment writes to that older schemas lacked.
var enrichmentColumns = []columnSpec{
	{"matches", "has_details", map[Dialect]string{
		SQLite:   "ALTER TABLE matches ADD COLUMN has_details BOOLEAN NOT NULL DEFAULT 0",
		Postgres: "ALTER TABLE matches ADD COLUMN IF NOT EXISTS has_details BOOLEAN NOT NULL DEFAULT FALSE",
	}},
	{"matches", "lobby_type", map[Dialect]string{
		SQLite:   "ALTER TABLE matches ADD COLUMN lobby_type INTEGER",
		Postgres: "ALTER TABLE matches ADD COLUMN IF NOT EXISTS lobby_type INTEGER",
	}},
	{"match_players", "player_slot", map[Dialect]string{
		SQLite:   "ALTER TABLE match_players ADD COLUMN player_slot INTEGER",
		Postgres: "ALTER TABLE match_players ADD COLUMN IF NOT EXISTS player_slot INTEGER",
	}},
}

var matchDetailsTable = map[Dialect]string{
	SQLite: `CREATE TABLE IF NOT EXISTS match_details (
    match_id   INTEGER PRIMARY KEY REFERENCES matches (id),
    raw_data   TEXT      NOT NULL,
    source     TEXT      NOT NULL DEFAULT '',
    updated_at TIMESTAMP NOT NULL
)`,
	Postgres: `CREATE TABLE IF NOT EXISTS match_details (
    match_id   BIGINT PRIMARY KEY REFERENCES matches (id),
    raw_data   TEXT        NOT NULL,
    source     TEXT        NOT NULL DEFAULT '',
    updated_at TIMESTAMPTZ NOT NULL
)`,
}

// SchemaRepairer restores the tables and columns the pipeline depends on.
// Concurrent callers share a single repair run.
type SchemaRepairer struct {
	db      *sql.DB
	dialect Dialect
	logger  zerolog.Logger
	group   singleflight.Group
}

func NewSchemaRepairer(db *sql.DB, dialect Dialect, logger zerolog.Logger) *SchemaRepairer {
	return &SchemaRepairer{db: db, dialect: dialect, logger: logger}
}

func (r *SchemaRepairer) Repair(ctx context.Context) error {
	_, err, shared := r.group.Do("repair", func() (any, error) {
		return nil, r.repair(ctx)
	})
	if shared {
		r.logger.Debug().Msg("joined in-flight schema repair")
	}
	return err
}

func (r *SchemaRepairer) repair(ctx context.Context) error {
	r.logger.Warn().Msg("schema mismatch detected, running schema repair")

	if err := runMigrations(ctx, r.db, r.dialect, r.logger); err != nil {
		return err
	}

	if _, err := r.db.ExecContext(ctx, matchDetailsTable[r.dialect]); err != nil {
		return fmt.Errorf("failed to create match_details: %w", err)
	}

	for _, col := range enrichmentColumns {
		exists, err := r.columnExists(ctx, col.table, col.column)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err := r.db.ExecContext(ctx, col.ddl[r.dialect]); err != nil {
			return fmt.Errorf("failed to add column %s.%s: %w", col.table, col.column, err)
		}
		r.logger.Info().Str("table", col.table).Str("column", col.column).Msg("restored missing column")
	}

	r.logger.Info().Msg("schema repair completed")
	return nil
}

func (r *SchemaRepairer) columnExists(ctx context.Context, table, column string) (bool, error) {
	query := `SELECT COUNT(*) FROM pragma_table_info($1) WHERE name = $2`
	if r.dialect == Postgres {
		query = `SELECT COUNT(*) FROM information_schema.columns WHERE table_name = $1 AND column_name = $2`
	}

	var n int
	if err := r.db.QueryRowContext(ctx, query, table, column).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to inspect %s.%s: %w", table, column, err)
	}
	return n > 0, nil
}
