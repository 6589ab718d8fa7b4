package limiter

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PG implements Lockout and Quota on PostgreSQL (tables login_limiter, demo_quota).
type PG struct {
	db     pgxQuerier
	policy Policy
}

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a PostgreSQL-backed limiter. db is usually a *pgxpool.Pool.
func NewPG(db pgxQuerier, p Policy) *PG {
	return &PG{db: db, policy: p}
}

// Allow implements Lockout.
func (l *PG) Allow(ctx context.Context, subject string, source []byte) (bool, time.Duration, error) {
	const q = `SELECT blocked_until FROM login_limiter WHERE subject=$1 AND source_hash=$2`
	var blockedUntil time.Time
	err := l.db.QueryRow(ctx, q, subject, source).Scan(&blockedUntil)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return true, 0, nil
	case err != nil:
		return false, 0, err
	}
	if wait := time.Until(blockedUntil); wait > 0 {
		return false, wait, nil
	}
	return true, 0, nil
}

// Success implements Lockout.
func (l *PG) Success(ctx context.Context, subject string, source []byte) error {
	const q = `DELETE FROM login_limiter WHERE subject=$1 AND source_hash=$2`
	_, err := l.db.Exec(ctx, q, subject, source)
	return err
}

// Failure implements Lockout.
func (l *PG) Failure(ctx context.Context, subject string, source []byte) (bool, time.Duration, error) {
	const q = `
INSERT INTO login_limiter (subject, source_hash, fail_count, blocked_until, updated_at)
VALUES ($1, $2, 1, 'epoch', now())
ON CONFLICT (subject, source_hash) DO UPDATE
SET
  fail_count = CASE WHEN now() - login_limiter.updated_at > $3::interval THEN 1 ELSE login_limiter.fail_count + 1 END,
  updated_at = now()
RETURNING fail_count`
	var fails int
	if err := l.db.QueryRow(ctx, q, subject, source, l.policy.Window).Scan(&fails); err != nil {
		return false, 0, err
	}
	if fails < l.policy.MaxFails {
		return false, 0, nil
	}
	const upd = `UPDATE login_limiter SET blocked_until=$3 WHERE subject=$1 AND source_hash=$2`
	if _, err := l.db.Exec(ctx, upd, subject, source, time.Now().Add(l.policy.BlockFor)); err != nil {
		return false, 0, err
	}
	return true, l.policy.BlockFor, nil
}

// Take implements Quota with a fixed window per bucket.
func (l *PG) Take(ctx context.Context, bucket []byte) (bool, time.Duration, error) {
	const q = `
INSERT INTO demo_quota (bucket, window_start, hits)
VALUES ($1, now(), 1)
ON CONFLICT (bucket) DO UPDATE
SET
  window_start = CASE WHEN now() - demo_quota.window_start >= $2::interval THEN now() ELSE demo_quota.window_start END,
  hits = CASE WHEN now() - demo_quota.window_start >= $2::interval THEN 1 ELSE demo_quota.hits + 1 END
RETURNING hits, window_start`
	var (
		hits  int
		start time.Time
	)
	if err := l.db.QueryRow(ctx, q, bucket, l.policy.Window).Scan(&hits, &start); err != nil {
		return false, 0, err
	}
	if hits > l.policy.PerQuota {
		return false, time.Until(start.Add(l.policy.Window)), nil
	}
	return true, 0, nil
}
