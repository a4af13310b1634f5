// Package store persists trades, executions, metrics and guard events in a
// SQLite database. The schema is versioned: a stored integer gates strictly
// additive migrations, applied in order before any write.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/rs/zerolog"
)

// CurrentSchemaVersion is stamped onto new trade rows and stored in the
// schema_version table after migration.
const CurrentSchemaVersion = 4

// Store wraps the SQLite connection.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens (or creates) the database at dbPath, applies pragmas and runs
// pending migrations in strict order.
func Open(dbPath string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	s := &Store{
		db:     db,
		logger: logger.With().Str("component", "store").Logger(),
	}

	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// migrations is the ordered, strictly additive migration list. Index i
// upgrades a database at version i to version i+1.
var migrations = [][]string{
	// v0 -> v1: base trades table
	{
		`CREATE TABLE IF NOT EXISTS trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			entry_price REAL NOT NULL,
			exit_price REAL,
			size REAL NOT NULL,
			pnl_pct REAL,
			opened_at TEXT NOT NULL,
			closed_at TEXT,
			stop_loss REAL NOT NULL,
			take_profit REAL NOT NULL,
			strategy_tag TEXT NOT NULL DEFAULT '',
			param_set_id TEXT NOT NULL DEFAULT '',
			entry_slippage_bps REAL NOT NULL DEFAULT 0,
			exit_slippage_bps REAL NOT NULL DEFAULT 0,
			schema_version INTEGER NOT NULL DEFAULT 1,
			created_ts TEXT NOT NULL,
			updated_ts TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_closed_at ON trades(closed_at)`,
	},
	// v1 -> v2: executions with unique dedup key
	{
		`CREATE TABLE IF NOT EXISTS executions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trade_id INTEGER NOT NULL REFERENCES trades(id),
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			exec_type TEXT NOT NULL,
			qty REAL NOT NULL,
			price REAL NOT NULL,
			r_mult REAL,
			created_at TEXT NOT NULL,
			dedup_key TEXT NOT NULL UNIQUE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_trade ON executions(trade_id)`,
	},
	// v2 -> v3: metrics
	{
		`CREATE TABLE IF NOT EXISTS metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			key TEXT NOT NULL,
			value REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_key_ts ON metrics(key, ts)`,
	},
	// v3 -> v4: guard events
	{
		`CREATE TABLE IF NOT EXISTS guard_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			guard TEXT NOT NULL,
			symbol TEXT,
			reason TEXT NOT NULL,
			extra_json TEXT,
			session_id TEXT NOT NULL DEFAULT '',
			severity TEXT NOT NULL DEFAULT 'info',
			blocked INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_guard_events_guard_ts ON guard_events(guard, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_guard_events_symbol ON guard_events(symbol)`,
	},
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	version, err := s.schemaVersion(ctx)
	if err != nil {
		return err
	}

	for v := version; v < len(migrations); v++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", v+1, err)
		}
		for _, stmt := range migrations[v] {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration to v%d failed: %w", v+1, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM schema_version`); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration to v%d failed: %w", v+1, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, v+1); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration to v%d failed: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration to v%d failed: %w", v+1, err)
		}
		s.logger.Info().Int("version", v+1).Msg("schema migrated")
	}
	return nil
}

func (s *Store) schemaVersion(ctx context.Context) (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}

// SchemaVersion returns the stored schema version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	return s.schemaVersion(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func formatTS(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
