package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DB is the durable store behind the event pipeline: stop-loss watches and
// deposit events survive restarts here. In-memory state machines stay
// authoritative at runtime; rows exist for the recovery path and for the
// deposit dedup gate, whose check-and-set is a conditional UPDATE.
type DB struct {
	sql *sql.DB
}

func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Single writer: the dedup gate relies on UPDATE row counts, and sqlite
	// serializes writers anyway.
	sqldb.SetMaxOpenConns(1)

	db := &DB{sql: sqldb}
	if err := db.migrate(); err != nil {
		_ = sqldb.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func (d *DB) Close() error {
	if d == nil || d.sql == nil {
		return nil
	}
	return d.sql.Close()
}

func (d *DB) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`
CREATE TABLE IF NOT EXISTS stop_loss_watches (
  id TEXT PRIMARY KEY,
  position_id TEXT NOT NULL,
  user_id TEXT NOT NULL,
  market_id TEXT NOT NULL,
  trigger_price TEXT NOT NULL,
  direction TEXT NOT NULL,
  sell_fraction TEXT NOT NULL,
  state TEXT NOT NULL,
  retry_count INTEGER NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);`,
		// at most one non-terminal watch per position
		`
CREATE UNIQUE INDEX IF NOT EXISTS idx_watches_active
ON stop_loss_watches(position_id)
WHERE state IN ('armed','triggered','executing');`,
		`
CREATE TABLE IF NOT EXISTS deposit_events (
  tx_hash TEXT PRIMARY KEY,
  wallet_address TEXT NOT NULL,
  amount TEXT NOT NULL,
  source_channel TEXT NOT NULL,
  confirmations INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL,
  duplicate_count INTEGER NOT NULL DEFAULT 0,
  observed_at TEXT NOT NULL,
  credited_at TEXT
);`,
		`
CREATE INDEX IF NOT EXISTS idx_deposits_status ON deposit_events(status);`,
	}
	for _, s := range stmts {
		if _, err := d.sql.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	return nil
}
