package db

import (
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/devflow/devflow/internal/common/config"
)

const (
	defaultPostgresMaxConns = 25
	defaultPostgresMinConns = 5

	// Recycling connections bounds the damage from server-side state
	// (prepared statement caches, failed-over primaries).
	postgresConnMaxLifetime = 30 * time.Minute
	postgresConnMaxIdleTime = 5 * time.Minute
)

// OpenPostgres opens a PostgreSQL pool through the pgx stdlib driver and
// verifies it with a ping. Zero conn limits in the config fall back to the
// package defaults.
func OpenPostgres(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	conn, err := sqlx.Open(DriverPostgres, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = defaultPostgresMaxConns
	}
	minConns := cfg.MinConns
	if minConns <= 0 {
		minConns = defaultPostgresMinConns
	}
	conn.SetMaxOpenConns(maxConns)
	conn.SetMaxIdleConns(minConns)
	conn.SetConnMaxLifetime(postgresConnMaxLifetime)
	conn.SetConnMaxIdleTime(postgresConnMaxIdleTime)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}
	return conn, nil
}
