package infra

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is the slice of the upstream database this agent consumes: the
// token queue tables plus the insert trigger that feeds the notification
// channel.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id BIGSERIAL PRIMARY KEY,
		email TEXT NOT NULL,
		login TEXT NOT NULL,
		status TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tokens (
		id BIGSERIAL PRIMARY KEY,
		account BIGINT NOT NULL REFERENCES accounts(id),
		action TEXT NOT NULL,
		secret BYTEA NOT NULL,
		code TEXT NOT NULL DEFAULT '',
		expires_at DOUBLE PRECISION NOT NULL,
		consumed_at DOUBLE PRECISION
	)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		job_type TEXT PRIMARY KEY,
		last_seq BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE OR REPLACE FUNCTION notify_token_insert() RETURNS trigger AS $$
	BEGIN
		PERFORM pg_notify('token_insert', NEW.id::text);
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS token_insert_notify ON tokens`,
	`CREATE TRIGGER token_insert_notify
		AFTER INSERT ON tokens
		FOR EACH ROW EXECUTE FUNCTION notify_token_insert()`,
}

// ApplySchema creates the queue tables against the DSN and returns a pool
// for seeding and assertions.
func ApplySchema(ctx context.Context, dsn, queue string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}

	if _, err := pool.Exec(ctx,
		`INSERT INTO jobs (job_type, last_seq) VALUES ($1, 0) ON CONFLICT (job_type) DO NOTHING`, queue); err != nil {
		pool.Close()
		return nil, fmt.Errorf("seed cursor row: %w", err)
	}

	return pool, nil
}

// Reset clears all queue state between tests.
func Reset(ctx context.Context, pool *pgxpool.Pool, queue string) error {
	stmts := []string{
		`TRUNCATE tokens RESTART IDENTITY CASCADE`,
		`TRUNCATE accounts RESTART IDENTITY CASCADE`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
	}
	if _, err := pool.Exec(ctx, `UPDATE jobs SET last_seq = 0 WHERE job_type = $1`, queue); err != nil {
		return fmt.Errorf("reset cursor: %w", err)
	}
	return nil
}
