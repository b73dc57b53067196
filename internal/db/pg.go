package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Sync requests arrive in bursts (a device drains its whole pending
// queue in one exchange) but each statement is short, so the pool is
// sized small with aggressive idle reclaim.
const (
	poolMaxConns     = 16
	poolMinConns     = 2
	poolConnLifetime = time.Hour
	poolIdleTime     = 15 * time.Minute
	pingTimeout      = 5 * time.Second
)

// Open parses the connection string, builds a pgx pool, and verifies
// connectivity before returning it.
func Open(ctx context.Context, url string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	cfg.MaxConns = poolMaxConns
	cfg.MinConns = poolMinConns
	cfg.MaxConnLifetime = poolConnLifetime
	cfg.MaxConnIdleTime = poolIdleTime
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	log.Info().
		Int32("max_conns", cfg.MaxConns).
		Str("database", cfg.ConnConfig.Database).
		Msg("postgres pool ready")

	return pool, nil
}
