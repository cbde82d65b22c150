// Package store is the persistence layer: sqlx repositories over a
// PostgreSQL substrate with a time-partitioned OHLCV table.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

const (
	// statementTimeout bounds every repository call.
	statementTimeout = 30 * time.Second

	maxOpenConns = 40 // 20 base + 20 overflow
	maxIdleConns = 20
)

// Open connects to the database and bounds the connection pool.
func Open(dbURL string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// EnsureSchema applies the DDL. The OHLCV table is converted into a
// TimescaleDB hypertable when the extension is present; on a plain Postgres
// it stays an ordinary table with the same observable behavior.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	// Best-effort hypertable conversion; partitioning is an optimization,
	// not a behavior.
	if _, err := db.ExecContext(ctx,
		`SELECT create_hypertable('ohlcv', 'timestamp', if_not_exists => TRUE, migrate_data => TRUE)`); err != nil {
		log.Debug().Err(err).Msg("timescaledb not available, ohlcv stays unpartitioned")
	}
	return nil
}
