// Package ratelimit implements durable fixed-window counters keyed by
// identity. Buckets live in PostgreSQL or Redis so limits hold across
// restarts and across replicas.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tollgate.org/internal/events"
	"tollgate.org/internal/obs"
)

// ErrRateLimitExceeded is returned once a key used up its quota for the window.
var ErrRateLimitExceeded = errors.New("ratelimit: rate limit exceeded")

// Window is the length of one counting window.
const Window = time.Minute

// BucketStore increments and clears counters atomically.
type BucketStore interface {
	// Incr adds one to key's counter, starting a new window when the stored
	// one is at least window old, and returns the new count and window start.
	Incr(ctx context.Context, key string, now time.Time, window time.Duration) (int, time.Time, error)
	Reset(ctx context.Context, key string) error
}

// Result describes the bucket after an Enforce call.
type Result struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is the wait until the window rolls over, rounded up to a second.
func (r Result) RetryAfter(now time.Time) time.Duration {
	d := r.ResetAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return (d + time.Second - 1).Truncate(time.Second)
}

type Limiter struct {
	store BucketStore
	now   func() time.Time
}

func New(store BucketStore) *Limiter {
	return &Limiter{store: store, now: time.Now}
}

// WithClock overrides the time source.
func (l *Limiter) WithClock(fn func() time.Time) *Limiter {
	l.now = fn
	return l
}

// Enforce counts one request for key. The request that pushes the count past
// limitPerMinute fails with ErrRateLimitExceeded; the window is not reset.
// A non-positive limit disables the check.
func (l *Limiter) Enforce(ctx context.Context, key string, limitPerMinute int) (Result, error) {
	if limitPerMinute <= 0 {
		return Result{}, nil
	}
	now := l.now()
	count, start, err := l.store.Incr(ctx, key, now, Window)
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: increment %s: %w", key, err)
	}
	res := Result{
		Limit:     limitPerMinute,
		Remaining: max(limitPerMinute-count, 0),
		ResetAt:   start.Add(Window),
	}
	if count > limitPerMinute {
		return res, fmt.Errorf("%w: %d requests per minute", ErrRateLimitExceeded, limitPerMinute)
	}
	return res, nil
}

// Reset clears key's bucket.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	if err := l.store.Reset(ctx, key); err != nil {
		return fmt.Errorf("ratelimit: reset %s: %w", key, err)
	}
	return nil
}

// Key helpers for the identity classes.
func AuthKey(ip string) string    { return "auth-" + ip }
func PublicKey(ip string) string  { return "public-" + ip }
func WebhookKey(ip string) string { return "webhook-" + ip }
func UserKey(id string) string    { return id }

// ResetOnLogin clears the auth-{ip} bucket after a successful login, so the
// attempt that succeeded does not count against the caller.
func ResetOnLogin(bus *events.Bus, l *Limiter) {
	bus.Subscribe(func(ctx context.Context, ev events.Event) {
		e, ok := ev.(events.AuthSucceeded)
		if !ok || e.RemoteIP == "" {
			return
		}
		if err := l.Reset(ctx, AuthKey(e.RemoteIP)); err != nil {
			obs.Logger().WithError(err).WithField("remote_ip", e.RemoteIP).Warn("ratelimit_reset_failed")
		}
	})
}
