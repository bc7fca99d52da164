// Package database persists positions and agent run history in PostgreSQL.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"dhan-agent-bot/config"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
	log  zerolog.Logger
}

// NewDB creates a new database connection pool and verifies it with a ping
func NewDB(cfg config.DatabaseConfig, log zerolog.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	logger := log.With().Str("component", "Database").Logger()
	logger.Info().Str("database", cfg.Database).Msg("connected to PostgreSQL")

	return &DB{Pool: pool, log: logger}, nil
}

// Close closes the database connection pool
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.log.Info().Msg("database connection closed")
	}
}

// RunMigrations creates the schema if it does not exist
func (db *DB) RunMigrations(ctx context.Context) error {
	db.log.Info().Msg("running database migrations")

	migrations := []string{
		// Positions the ledger tracks; at most one active row per instrument
		`CREATE TABLE IF NOT EXISTS positions (
			id BIGSERIAL PRIMARY KEY,
			segment VARCHAR(20) NOT NULL,
			security_id VARCHAR(30) NOT NULL,
			symbol VARCHAR(50) NOT NULL,
			status VARCHAR(10) NOT NULL DEFAULT 'active',
			quantity BIGINT NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			exit_price DECIMAL(20, 8),
			exited_at TIMESTAMPTZ,
			realized_pnl DECIMAL(20, 8),
			last_order_no VARCHAR(50),
			meta JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_active_key
			ON positions(segment, security_id) WHERE status = 'active'`,
		`CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_created_at ON positions(created_at)`,

		// One row per decision-loop run
		`CREATE TABLE IF NOT EXISTS agent_runs (
			id VARCHAR(40) PRIMARY KEY,
			objective TEXT NOT NULL,
			status VARCHAR(20) NOT NULL,
			steps_taken INT NOT NULL DEFAULT 0,
			summary TEXT,
			error TEXT,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_runs_started_at ON agent_runs(started_at)`,

		// One row per tool dispatch inside a run
		`CREATE TABLE IF NOT EXISTS agent_steps (
			id BIGSERIAL PRIMARY KEY,
			run_id VARCHAR(40) NOT NULL REFERENCES agent_runs(id) ON DELETE CASCADE,
			step_no INT NOT NULL,
			thought TEXT,
			tool VARCHAR(50) NOT NULL,
			args JSONB,
			ok BOOLEAN NOT NULL,
			result JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_steps_run_id ON agent_steps(run_id)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.log.Info().Int("count", len(migrations)).Msg("migrations complete")
	return nil
}

// HealthCheck pings the pool
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}
