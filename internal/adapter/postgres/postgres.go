// Package postgres stores tank states in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// DB wraps a *sql.DB and implements domain repository interfaces.
type DB struct {
	sql *sql.DB
}

// Open connects to PostgreSQL, pings, and runs migrations.
func Open(connStr string) (*DB, error) {
	s, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	s.SetMaxOpenConns(10)
	s.SetMaxIdleConns(5)
	s.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.PingContext(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}

	d := &DB{sql: s}
	if err := d.migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return d, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.sql.Close()
}

// Ping checks the connection, for health reporting.
func (d *DB) Ping(ctx context.Context) error {
	return d.sql.PingContext(ctx)
}

func (d *DB) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tank_states (
			tank_id TEXT PRIMARY KEY,
			schema_version INTEGER NOT NULL DEFAULT 1,
			cumulative_total DOUBLE PRECISION NOT NULL CHECK(cumulative_total >= 0),
			last_volume DOUBLE PRECISION NOT NULL,
			last_timestamp TIMESTAMPTZ NOT NULL,
			rate DOUBLE PRECISION,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := d.sql.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	// Version 2 adds the large-drop confirmation fields.
	alterStmts := []string{
		"ALTER TABLE tank_states ADD COLUMN IF NOT EXISTS pending_volume DOUBLE PRECISION NOT NULL DEFAULT 0;",
		"ALTER TABLE tank_states ADD COLUMN IF NOT EXISTS pending_count INTEGER NOT NULL DEFAULT 0;",
		"CREATE INDEX IF NOT EXISTS idx_tank_states_updated_at ON tank_states(updated_at);",
		// Version 3 records when a pending chain started.
		"ALTER TABLE tank_states ADD COLUMN IF NOT EXISTS pending_since TIMESTAMPTZ;",
	}
	for _, stmt := range alterStmts {
		if _, err := d.sql.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	if _, err := d.sql.ExecContext(ctx,
		"UPDATE tank_states SET schema_version = 2, pending_volume = 0, pending_count = 0 WHERE schema_version < 2;",
	); err != nil {
		return fmt.Errorf("migrate: upgrade tank_states to v2: %w", err)
	}
	if _, err := d.sql.ExecContext(ctx,
		"UPDATE tank_states SET schema_version = 3 WHERE schema_version = 2;",
	); err != nil {
		return fmt.Errorf("migrate: upgrade tank_states to v3: %w", err)
	}
	return nil
}
