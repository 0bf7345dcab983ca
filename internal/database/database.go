package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx connection pool using the provided DSN.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 8
	cfg.MaxConnIdleTime = 5 * time.Minute
	return pgxpool.NewWithConfig(ctx, cfg)
}

// EnsureSchema creates the assets table if needed. Having the migration in
// code keeps the stack self-contained so docker-compose can bootstrap
// everything.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS assets (
	id TEXT PRIMARY KEY,
	original_path TEXT NOT NULL,
	processed_path TEXT,
	processed_paths JSONB,
	thumbnail_path TEXT,
	mime_type TEXT NOT NULL,
	media_type TEXT NOT NULL,
	processing_status TEXT NOT NULL,
	processing_error TEXT,
	original_size_bytes BIGINT NOT NULL DEFAULT 0,
	optimized_size_bytes BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_assets_status ON assets(processing_status);`
	_, err := pool.Exec(ctx, stmt)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
