package throttle

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	allowSQL   = `SELECT blocked_until FROM login_attempts WHERE username=$1 AND ip_hash=$2`
	successSQL = `INSERT INTO login_attempts (username, ip_hash, fail_count, blocked_until, updated_at) VALUES ($1, $2, 0, 'epoch', $3) ON CONFLICT (username, ip_hash) DO UPDATE SET fail_count=0, blocked_until='epoch', updated_at=EXCLUDED.updated_at`
	failureSQL = `INSERT INTO login_attempts (username, ip_hash, fail_count, blocked_until, updated_at) VALUES ($1, $2, 1, 'epoch', $3) ON CONFLICT (username, ip_hash) DO UPDATE SET fail_count = CASE WHEN EXCLUDED.updated_at - login_attempts.updated_at > $4::interval THEN 1 ELSE login_attempts.fail_count + 1 END, updated_at=EXCLUDED.updated_at RETURNING fail_count`
	blockSQL   = `UPDATE login_attempts SET blocked_until=$3 WHERE username=$1 AND ip_hash=$2`
)

// Querier is the pool subset the limiter needs.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PG is a PostgreSQL-backed Limiter over the login_attempts table.
type PG struct {
	q   Querier
	p   Policy
	now func() time.Time
}

// NewPG constructs a PostgreSQL-backed limiter.
func NewPG(q Querier, p Policy) *PG {
	return &PG{q: q, p: p, now: time.Now}
}

// Allow reports whether login is currently allowed and the remaining block.
func (l *PG) Allow(ctx context.Context, username string, ipHash []byte) (bool, time.Duration, error) {
	var blockedUntil time.Time
	err := l.q.QueryRow(ctx, allowSQL, username, ipHash).Scan(&blockedUntil)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return true, 0, nil
	case err != nil:
		return false, 0, err
	}
	if left := blockedUntil.Sub(l.now()); left > 0 {
		return false, left, nil
	}
	return true, 0, nil
}

// Success resets counters for (username, ip).
func (l *PG) Success(ctx context.Context, username string, ipHash []byte) error {
	_, err := l.q.Exec(ctx, successSQL, username, ipHash, l.now())
	return err
}

// Failure records a failed attempt and blocks once MaxFails is reached within Window.
func (l *PG) Failure(ctx context.Context, username string, ipHash []byte) (bool, time.Duration, error) {
	now := l.now()
	var fails int
	if err := l.q.QueryRow(ctx, failureSQL, username, ipHash, now, l.p.Window).Scan(&fails); err != nil {
		return false, 0, err
	}
	if l.p.MaxFails <= 0 || fails < l.p.MaxFails {
		return false, 0, nil
	}
	if _, err := l.q.Exec(ctx, blockSQL, username, ipHash, now.Add(l.p.BlockFor)); err != nil {
		return false, 0, err
	}
	return true, l.p.BlockFor, nil
}
