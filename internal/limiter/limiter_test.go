package limiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

var testPolicy = Policy{Window: time.Minute, MaxFails: 3, BlockFor: 10 * time.Minute, PerQuota: 2}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newMemoryAt(c *clock) *Memory {
	m := NewMemory(testPolicy)
	m.now = c.now
	return m
}

func TestMemory_Lockout(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := newMemoryAt(c)
	src := Source("10.0.0.1")

	for i := 1; i < testPolicy.MaxFails; i++ {
		blocked, _, err := m.Failure(ctx, "ana@example.com", src)
		require.NoError(t, err)
		require.False(t, blocked, "failure %d", i)
	}
	blocked, dur, err := m.Failure(ctx, "ana@example.com", src)
	require.NoError(t, err)
	require.True(t, blocked)
	require.Equal(t, testPolicy.BlockFor, dur)

	ok, wait, err := m.Allow(ctx, "ana@example.com", src)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, testPolicy.BlockFor, wait)

	// Other sources are unaffected.
	ok, _, _ = m.Allow(ctx, "ana@example.com", Source("10.0.0.2"))
	require.True(t, ok)

	c.advance(testPolicy.BlockFor)
	ok, _, _ = m.Allow(ctx, "ana@example.com", src)
	require.True(t, ok)

	require.NoError(t, m.Success(ctx, "ana@example.com", src))
	blocked, _, _ = m.Failure(ctx, "ana@example.com", src)
	require.False(t, blocked, "success resets the count")
}

func TestMemory_FailuresOutsideWindowRestart(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Now()}
	m := newMemoryAt(c)
	src := Source("10.0.0.1")

	for i := 0; i < testPolicy.MaxFails-1; i++ {
		_, _, _ = m.Failure(ctx, "u", src)
	}
	c.advance(testPolicy.Window + time.Second)
	blocked, _, err := m.Failure(ctx, "u", src)
	require.NoError(t, err)
	require.False(t, blocked)
}

func TestMemory_Quota(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Now()}
	m := newMemoryAt(c)
	b := Bucket("demo-key", "ip15d5")

	for i := 0; i < testPolicy.PerQuota; i++ {
		ok, _, err := m.Take(ctx, b)
		require.NoError(t, err)
		require.True(t, ok)
	}
	c.advance(20 * time.Second)
	ok, wait, err := m.Take(ctx, b)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 40*time.Second, wait)

	ok, _, _ = m.Take(ctx, Bucket("demo-key", "other"))
	require.True(t, ok, "a new fingerprint gets its own bucket")

	c.advance(40 * time.Second)
	ok, _, _ = m.Take(ctx, b)
	require.True(t, ok, "window reset")
}

func TestBucketAndSource(t *testing.T) {
	require.Equal(t, Bucket("k", "f"), Bucket("k", "f"))
	require.NotEqual(t, Bucket("k", "f"), Bucket("kf", ""))
	require.Len(t, Source("1.2.3.4:123"), 32)
	require.NotEqual(t, Source("1.2.3.4"), Source("5.6.7.8"))
}

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestPG_Allow(t *testing.T) {
	mock := newMock(t)
	l := NewPG(mock, testPolicy)
	ctx := context.Background()
	src := []byte("h")
	const q = `SELECT blocked_until FROM login_limiter WHERE subject=\$1 AND source_hash=\$2`

	mock.ExpectQuery(q).WithArgs("u", src).WillReturnError(pgx.ErrNoRows)
	ok, dur, err := l.Allow(ctx, "u", src)
	require.NoError(t, err)
	require.True(t, ok)
	require.Zero(t, dur)

	mock.ExpectQuery(q).WithArgs("u", src).
		WillReturnRows(pgxmock.NewRows([]string{"blocked_until"}).AddRow(time.Now().Add(5 * time.Minute)))
	ok, dur, err = l.Allow(ctx, "u", src)
	require.NoError(t, err)
	require.False(t, ok)
	require.Greater(t, dur, 4*time.Minute)

	mock.ExpectQuery(q).WithArgs("u", src).
		WillReturnRows(pgxmock.NewRows([]string{"blocked_until"}).AddRow(time.Unix(0, 0)))
	ok, _, err = l.Allow(ctx, "u", src)
	require.NoError(t, err)
	require.True(t, ok)

	mock.ExpectQuery(q).WithArgs("u", src).WillReturnError(errors.New("db boom"))
	ok, _, err = l.Allow(ctx, "u", src)
	require.Error(t, err)
	require.False(t, ok)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPG_FailureAndSuccess(t *testing.T) {
	mock := newMock(t)
	l := NewPG(mock, testPolicy)
	ctx := context.Background()
	src := []byte("h")

	mock.ExpectQuery(`INSERT INTO login_limiter .* RETURNING fail_count`).
		WithArgs("u", src, testPolicy.Window).
		WillReturnRows(pgxmock.NewRows([]string{"fail_count"}).AddRow(1))
	blocked, _, err := l.Failure(ctx, "u", src)
	require.NoError(t, err)
	require.False(t, blocked)

	mock.ExpectQuery(`INSERT INTO login_limiter .* RETURNING fail_count`).
		WithArgs("u", src, testPolicy.Window).
		WillReturnRows(pgxmock.NewRows([]string{"fail_count"}).AddRow(3))
	mock.ExpectExec(`UPDATE login_limiter SET blocked_until=\$3 WHERE subject=\$1 AND source_hash=\$2`).
		WithArgs("u", src, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	blocked, dur, err := l.Failure(ctx, "u", src)
	require.NoError(t, err)
	require.True(t, blocked)
	require.Equal(t, testPolicy.BlockFor, dur)

	mock.ExpectExec(`DELETE FROM login_limiter WHERE subject=\$1 AND source_hash=\$2`).
		WithArgs("u", src).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	require.NoError(t, l.Success(ctx, "u", src))

	mock.ExpectQuery(`INSERT INTO login_limiter`).
		WithArgs("u", src, testPolicy.Window).
		WillReturnError(errors.New("query error"))
	_, _, err = l.Failure(ctx, "u", src)
	require.Error(t, err)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPG_Take(t *testing.T) {
	mock := newMock(t)
	l := NewPG(mock, testPolicy)
	ctx := context.Background()
	b := Bucket("k", "f")
	start := time.Now()

	mock.ExpectQuery(`INSERT INTO demo_quota .* RETURNING hits, window_start`).
		WithArgs(b, testPolicy.Window).
		WillReturnRows(pgxmock.NewRows([]string{"hits", "window_start"}).AddRow(2, start))
	ok, _, err := l.Take(ctx, b)
	require.NoError(t, err)
	require.True(t, ok)

	mock.ExpectQuery(`INSERT INTO demo_quota .* RETURNING hits, window_start`).
		WithArgs(b, testPolicy.Window).
		WillReturnRows(pgxmock.NewRows([]string{"hits", "window_start"}).AddRow(3, start))
	ok, wait, err := l.Take(ctx, b)
	require.NoError(t, err)
	require.False(t, ok)
	require.LessOrEqual(t, wait, testPolicy.Window)

	require.NoError(t, mock.ExpectationsWereMet())
}
