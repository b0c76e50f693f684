package throttle

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

var (
	now    = time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	policy = Policy{Window: 15 * time.Minute, MaxFails: 5, BlockFor: 10 * time.Minute}
)

func newLimiter(t *testing.T) (*PG, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	l := NewPG(mock, policy)
	l.now = func() time.Time { return now }
	return l, mock
}

func TestAllow(t *testing.T) {
	l, mock := newLimiter(t)
	defer mock.Close()
	ctx := context.Background()
	h := []byte("h")

	mock.ExpectQuery(regexp.QuoteMeta(allowSQL)).WithArgs("u", h).WillReturnError(pgx.ErrNoRows)
	ok, left, err := l.Allow(ctx, "u", h)
	require.NoError(t, err)
	require.True(t, ok)
	require.Zero(t, left)

	mock.ExpectQuery(regexp.QuoteMeta(allowSQL)).WithArgs("u", h).
		WillReturnRows(pgxmock.NewRows([]string{"blocked_until"}).AddRow(now.Add(3 * time.Minute)))
	ok, left, err = l.Allow(ctx, "u", h)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 3*time.Minute, left)

	mock.ExpectQuery(regexp.QuoteMeta(allowSQL)).WithArgs("u", h).
		WillReturnRows(pgxmock.NewRows([]string{"blocked_until"}).AddRow(time.Unix(0, 0)))
	ok, _, err = l.Allow(ctx, "u", h)
	require.NoError(t, err)
	require.True(t, ok)

	mock.ExpectQuery(regexp.QuoteMeta(allowSQL)).WithArgs("u", h).WillReturnError(errors.New("db boom"))
	ok, _, err = l.Allow(ctx, "u", h)
	require.Error(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSuccess(t *testing.T) {
	l, mock := newLimiter(t)
	defer mock.Close()

	mock.ExpectExec(regexp.QuoteMeta(successSQL)).WithArgs("u", []byte("h"), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, l.Success(context.Background(), "u", []byte("h")))

	mock.ExpectExec(regexp.QuoteMeta(successSQL)).WillReturnError(errors.New("exec fail"))
	require.Error(t, l.Success(context.Background(), "u", []byte("h")))
}

func TestFailure_BelowThreshold(t *testing.T) {
	l, mock := newLimiter(t)
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta(failureSQL)).WithArgs("u", []byte("h"), now, policy.Window).
		WillReturnRows(pgxmock.NewRows([]string{"fail_count"}).AddRow(2))
	blocked, dur, err := l.Failure(context.Background(), "u", []byte("h"))
	require.NoError(t, err)
	require.False(t, blocked)
	require.Zero(t, dur)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailure_BlocksAtThreshold(t *testing.T) {
	l, mock := newLimiter(t)
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta(failureSQL)).
		WillReturnRows(pgxmock.NewRows([]string{"fail_count"}).AddRow(5))
	mock.ExpectExec(regexp.QuoteMeta(blockSQL)).WithArgs("u", []byte("h"), now.Add(policy.BlockFor)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	blocked, dur, err := l.Failure(context.Background(), "u", []byte("h"))
	require.NoError(t, err)
	require.True(t, blocked)
	require.Equal(t, policy.BlockFor, dur)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailure_Errors(t *testing.T) {
	l, mock := newLimiter(t)
	defer mock.Close()
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta(failureSQL)).WillReturnError(errors.New("query error"))
	_, _, err := l.Failure(ctx, "u", []byte("h"))
	require.Error(t, err)

	mock.ExpectQuery(regexp.QuoteMeta(failureSQL)).
		WillReturnRows(pgxmock.NewRows([]string{"fail_count"}).AddRow(9))
	mock.ExpectExec(regexp.QuoteMeta(blockSQL)).WillReturnError(errors.New("update error"))
	blocked, _, err := l.Failure(ctx, "u", []byte("h"))
	require.Error(t, err)
	require.False(t, blocked)
}

func TestFailure_DisabledPolicyNeverBlocks(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	l := NewPG(mock, Policy{Window: time.Minute})

	mock.ExpectQuery(regexp.QuoteMeta(failureSQL)).
		WillReturnRows(pgxmock.NewRows([]string{"fail_count"}).AddRow(100))
	blocked, _, err := l.Failure(context.Background(), "u", []byte("h"))
	require.NoError(t, err)
	require.False(t, blocked)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHashIP(t *testing.T) {
	a := HashIP("1.2.3.4:123")
	b := HashIP("1.2.3.4:999")
	c := HashIP("5.6.7.8:321")
	require.Len(t, a, 32)
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.Equal(t, HashIP("1.2.3.4"), a)
}

func TestNop(t *testing.T) {
	var l Limiter = Nop{}
	ok, _, err := l.Allow(context.Background(), "u", nil)
	require.True(t, ok)
	require.NoError(t, err)
	blocked, _, _ := l.Failure(context.Background(), "u", nil)
	require.False(t, blocked)
}
