// Package database persists the engine's audit state in PostgreSQL: daily
// realized P&L per user, closed trades, capital snapshots and allocation
// records. The engine runs fine without it; an empty DATABASE_URL disables
// persistence and writes become logged no-ops.
package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps the PostgreSQL connection pool.
type DB struct {
	pool     *pgxpool.Pool
	logger   zerolog.Logger
	enabled  bool
	warnOnce sync.Once
}

// New connects to databaseURL. An empty URL returns a disabled DB whose
// writes are skipped.
func New(ctx context.Context, databaseURL string, logger zerolog.Logger) (*DB, error) {
	log := logger.With().Str("component", "database").Logger()
	if databaseURL == "" {
		return &DB{logger: log}, nil
	}

	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(connCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	log.Info().Msg("connected to postgres")
	return &DB{pool: pool, logger: log, enabled: true}, nil
}

// Enabled reports whether persistence is active.
func (db *DB) Enabled() bool {
	return db.enabled
}

// Close releases the pool.
func (db *DB) Close() {
	if db.pool != nil {
		db.pool.Close()
		db.logger.Info().Msg("database connection closed")
	}
}

// skipWrite logs the disabled state exactly once, then stays quiet.
func (db *DB) skipWrite() {
	db.warnOnce.Do(func() {
		db.logger.Warn().Msg("persistence disabled, audit writes are skipped")
	})
}

// RunMigrations applies the schema. Statements are idempotent so startup can
// always run them.
func (db *DB) RunMigrations(ctx context.Context) error {
	if !db.enabled {
		return nil
	}

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS daily_pnl (
			id SERIAL PRIMARY KEY,
			user_id VARCHAR(50) NOT NULL,
			date DATE NOT NULL,
			realized_pnl DECIMAL(20, 8) NOT NULL DEFAULT 0,
			starting_capital DECIMAL(20, 8) NOT NULL DEFAULT 0,
			ending_capital DECIMAL(20, 8) NOT NULL DEFAULT 0,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (user_id, date)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_daily_pnl_date ON daily_pnl(date)`,

		`CREATE TABLE IF NOT EXISTS closed_trades (
			trade_id VARCHAR(64) PRIMARY KEY,
			user_id VARCHAR(50) NOT NULL,
			symbol VARCHAR(50) NOT NULL,
			side VARCHAR(5) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			exit_price DECIMAL(20, 8) NOT NULL,
			qty INTEGER NOT NULL,
			entry_time TIMESTAMP NOT NULL,
			exit_time TIMESTAMP NOT NULL,
			strategy VARCHAR(100),
			pnl DECIMAL(20, 8) NOT NULL,
			exit_reason VARCHAR(100),
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_closed_trades_symbol ON closed_trades(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_closed_trades_exit_time ON closed_trades(exit_time)`,

		`CREATE TABLE IF NOT EXISTS capital_snapshots (
			id SERIAL PRIMARY KEY,
			user_id VARCHAR(50) NOT NULL,
			date DATE NOT NULL,
			capital DECIMAL(20, 8) NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (user_id, date)
		)`,

		`CREATE TABLE IF NOT EXISTS allocations (
			id SERIAL PRIMARY KEY,
			signal_id VARCHAR(64) NOT NULL,
			strategy VARCHAR(100) NOT NULL,
			symbol VARCHAR(50) NOT NULL,
			action VARCHAR(5) NOT NULL,
			user_id VARCHAR(50) NOT NULL,
			qty INTEGER NOT NULL,
			share DECIMAL(10, 6) NOT NULL,
			allocated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_allocations_signal ON allocations(signal_id)`,
	}

	for _, stmt := range migrations {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("run migration: %w", err)
		}
	}
	db.logger.Info().Int("statements", len(migrations)).Msg("migrations applied")
	return nil
}
