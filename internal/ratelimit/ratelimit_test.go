package ratelimit

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"tollgate.org/internal/events"
)

func newRedisLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	l := New(NewRedisBucketStore(client, "")).WithClock(func() time.Time { return now })
	return l, mr, &now
}

func TestEnforceBoundary(t *testing.T) {
	l, _, _ := newRedisLimiter(t)
	ctx := context.Background()
	key := AuthKey("10.0.0.1")

	for i := 1; i <= 5; i++ {
		res, err := l.Enforce(ctx, key, 5)
		require.NoError(t, err, "request %d", i)
		assert.Equal(t, 5-i, res.Remaining)
	}
	res, err := l.Enforce(ctx, key, 5)
	require.ErrorIs(t, err, ErrRateLimitExceeded)
	assert.Equal(t, 0, res.Remaining)

	// Rejected requests keep counting inside the same window.
	_, err = l.Enforce(ctx, key, 5)
	require.ErrorIs(t, err, ErrRateLimitExceeded)

	require.NoError(t, l.Reset(ctx, key))
	res, err = l.Enforce(ctx, key, 5)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Remaining)
}

func TestEnforceWindowRollsOver(t *testing.T) {
	l, _, now := newRedisLimiter(t)
	ctx := context.Background()
	key := PublicKey("10.0.0.2")

	for i := 0; i < 3; i++ {
		_, err := l.Enforce(ctx, key, 2)
		if i < 2 {
			require.NoError(t, err)
		} else {
			require.ErrorIs(t, err, ErrRateLimitExceeded)
		}
	}

	start := *now
	*now = start.Add(59 * time.Second)
	res, err := l.Enforce(ctx, key, 2)
	require.ErrorIs(t, err, ErrRateLimitExceeded)
	assert.Equal(t, start.Add(Window), res.ResetAt)
	assert.Equal(t, time.Second, res.RetryAfter(*now))

	*now = start.Add(Window)
	res, err = l.Enforce(ctx, key, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Remaining)
}

func TestRedisBucketExpiresWhenIdle(t *testing.T) {
	l, mr, _ := newRedisLimiter(t)
	ctx := context.Background()

	_, err := l.Enforce(ctx, UserKey("u1"), 10)
	require.NoError(t, err)
	assert.True(t, mr.Exists("ratelimit:u1"))
	assert.Equal(t, IdleTTL, mr.TTL("ratelimit:u1"))

	mr.FastForward(IdleTTL + time.Second)
	assert.False(t, mr.Exists("ratelimit:u1"))
}

func TestEnforceNonPositiveLimitIsOpen(t *testing.T) {
	l, mr, _ := newRedisLimiter(t)
	_, err := l.Enforce(context.Background(), WebhookKey("1.2.3.4"), 0)
	require.NoError(t, err)
	assert.False(t, mr.Exists("ratelimit:webhook-1.2.3.4"))
}

func TestResetOnLogin(t *testing.T) {
	l, mr, _ := newRedisLimiter(t)
	ctx := context.Background()
	bus := events.NewBus()
	ResetOnLogin(bus, l)

	_, err := l.Enforce(ctx, AuthKey("10.0.0.9"), 5)
	require.NoError(t, err)
	require.True(t, mr.Exists("ratelimit:auth-10.0.0.9"))

	bus.Publish(ctx, events.AuthFailed{Op: "login", RemoteIP: "10.0.0.9"})
	assert.True(t, mr.Exists("ratelimit:auth-10.0.0.9"))

	bus.Publish(ctx, events.AuthSucceeded{Op: "login", UserID: "u1", RemoteIP: "10.0.0.9"})
	assert.False(t, mr.Exists("ratelimit:auth-10.0.0.9"))
}

func TestPGBucketStoreIncr(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2024, 5, 1, 12, 0, 30, 0, time.UTC)
	start := now.Add(-30 * time.Second)
	mock.ExpectQuery(regexp.QuoteMeta("insert into rate_limit_buckets as b")).
		WithArgs("auth-10.0.0.1", now, float64(60)).
		WillReturnRows(sqlmock.NewRows([]string{"count", "window_start"}).AddRow(6, start))

	l := New(NewPGBucketStore(db)).WithClock(func() time.Time { return now })
	res, err := l.Enforce(context.Background(), AuthKey("10.0.0.1"), 5)
	require.ErrorIs(t, err, ErrRateLimitExceeded)
	assert.Equal(t, start.Add(Window), res.ResetAt)

	mock.ExpectExec(regexp.QuoteMeta("delete from rate_limit_buckets where key = $1")).
		WithArgs("auth-10.0.0.1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, l.Reset(context.Background(), AuthKey("10.0.0.1")))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSweeperDrainsInBatches(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)
	cutoff := now.Add(-24 * time.Hour)
	for _, n := range []int64{2, 2, 1} {
		mock.ExpectExec("delete from rate_limit_buckets where key in").
			WithArgs(cutoff, 2).
			WillReturnResult(sqlmock.NewResult(0, n))
	}

	s := &Sweeper{
		Store: NewPGBucketStore(db),
		Idle:  24 * time.Hour,
		Batch: 2,
		Pace:  rate.NewLimiter(rate.Inf, 1),
		Now:   func() time.Time { return now },
	}
	total, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	require.NoError(t, mock.ExpectationsWereMet())
}
