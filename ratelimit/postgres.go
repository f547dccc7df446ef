package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const rateLimitSchema = `
CREATE TABLE IF NOT EXISTS rate_limit_hits (
	key TEXT NOT NULL,
	hit_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rate_limit_hits_key ON rate_limit_hits(key, hit_at);
`

// PostgresCounter shares the sliding log between service instances. Hits
// for one key are serialized with a transaction-scoped advisory lock.
type PostgresCounter struct {
	db *sql.DB
}

func NewPostgresCounter(ctx context.Context, db *sql.DB) (*PostgresCounter, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, rateLimitSchema); err != nil {
		return nil, fmt.Errorf("failed to migrate rate limit schema: %w", err)
	}
	return &PostgresCounter{db: db}, nil
}

func (c *PostgresCounter) Hit(ctx context.Context, key string, now time.Time, p Policy) (res Result, err error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return Result{}, err
	}
	cutoff := now.Add(-p.Window)
	if _, err = tx.ExecContext(ctx, `DELETE FROM rate_limit_hits WHERE key = $1 AND hit_at <= $2`, key, cutoff); err != nil {
		return Result{}, err
	}

	var count int
	var oldest sql.NullTime
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(hit_at) FROM rate_limit_hits WHERE key = $1`, key,
	).Scan(&count, &oldest)
	if err != nil {
		return Result{}, err
	}

	res = Result{Limit: p.Limit}
	if count < p.Limit {
		if _, err = tx.ExecContext(ctx, `INSERT INTO rate_limit_hits (key, hit_at) VALUES ($1, $2)`, key, now); err != nil {
			return Result{}, err
		}
		count++
		res.Allowed = true
		res.Remaining = p.Limit - count
		if !oldest.Valid {
			oldest = sql.NullTime{Time: now, Valid: true}
		}
	}
	res.ResetAt = oldest.Time.Add(p.Window)
	if err = tx.Commit(); err != nil {
		return Result{}, err
	}
	return res, nil
}
