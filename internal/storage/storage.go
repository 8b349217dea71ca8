// Package storage persists snapshots, movements, outcomes and analysis results.
//
// Storage runs on database/sql with either SQLite (modernc.org/sqlite, the default,
// also used in-memory by tests) or PostgreSQL (lib/pq). Queries are written with
// "?" placeholders and rebound for PostgreSQL. Times are stored as UTC unix
// nanoseconds and decimals as canonical strings so both dialects round-trip exactly.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrCorrupt is returned when a stored record cannot be decoded.
	ErrCorrupt = errors.New("corrupt record")
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Storage is the persistence collaborator backing the engine.
type Storage struct {
	db     *sql.DB
	driver string
}

// New opens (and migrates) a store. For SQLite, dsn is a file path or ":memory:".
func New(driver, dsn string) (*Storage, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported storage driver: %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	if driver == DriverSQLite {
		// one connection: ":memory:" databases are per-connection, and SQLite
		// serializes writers anyway
		db.SetMaxOpenConns(1)
	}

	s := &Storage{db: db, driver: driver}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Storage) Close() error {
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Storage) migrate(ctx context.Context) error {
	if s.driver == DriverSQLite {
		if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			return fmt.Errorf("failed to enable WAL: %w", err)
		}
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate schema: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL,
		player TEXT NOT NULL,
		prop_type TEXT NOT NULL,
		game_start BIGINT NOT NULL,
		snapshot_time BIGINT NOT NULL,
		books TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_snapshots_lookup ON snapshots (event_id, player, prop_type, snapshot_time)`,
	`CREATE INDEX IF NOT EXISTS idx_snapshots_time ON snapshots (snapshot_time)`,
	`CREATE INDEX IF NOT EXISTS idx_snapshots_game_start ON snapshots (game_start)`,
	`CREATE TABLE IF NOT EXISTS movements (
		id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL,
		player TEXT NOT NULL,
		prop_type TEXT NOT NULL,
		sportsbook TEXT NOT NULL,
		initial_line TEXT NOT NULL,
		final_line TEXT NOT NULL,
		absolute_change TEXT NOT NULL,
		percent_change TEXT,
		hours_before_kickoff DOUBLE PRECISION NOT NULL,
		initial_snapshot_time BIGINT NOT NULL,
		final_snapshot_time BIGINT NOT NULL,
		game_start BIGINT NOT NULL,
		actual_value DOUBLE PRECISION,
		went_over BOOLEAN,
		went_under BOOLEAN,
		created_at BIGINT NOT NULL,
		UNIQUE (event_id, player, prop_type, final_snapshot_time)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_movements_lookup ON movements (event_id, player, prop_type)`,
	`CREATE TABLE IF NOT EXISTS outcomes (
		event_id TEXT NOT NULL,
		player TEXT NOT NULL,
		prop_type TEXT NOT NULL,
		actual_value DOUBLE PRECISION NOT NULL,
		recorded_at BIGINT NOT NULL,
		PRIMARY KEY (event_id, player, prop_type)
	)`,
	`CREATE TABLE IF NOT EXISTS analysis_results (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		prop_type TEXT NOT NULL,
		threshold_pct DOUBLE PRECISION NOT NULL,
		threshold_abs DOUBLE PRECISION NOT NULL,
		hours_before DOUBLE PRECISION NOT NULL,
		sample_size INTEGER NOT NULL,
		over_count INTEGER NOT NULL,
		under_count INTEGER NOT NULL,
		push_count INTEGER NOT NULL,
		observed_rate DOUBLE PRECISION NOT NULL,
		zero_sample BOOLEAN NOT NULL,
		chi_square DOUBLE PRECISION NOT NULL,
		p_value DOUBLE PRECISION NOT NULL,
		is_significant BOOLEAN NOT NULL,
		ci_low DOUBLE PRECISION NOT NULL,
		ci_high DOUBLE PRECISION NOT NULL,
		baseline_rate DOUBLE PRECISION NOT NULL,
		baseline_sample_size INTEGER NOT NULL,
		created_at BIGINT NOT NULL,
		UNIQUE (prop_type, threshold_pct, threshold_abs, hours_before)
	)`,
}

// rebind rewrites "?" placeholders as "$n" for PostgreSQL.
func (s *Storage) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Storage) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Storage) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Storage) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
