package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"tollgate.org/internal/obs"
)

// SweepStore deletes idle buckets in batches.
type SweepStore interface {
	Sweep(ctx context.Context, cutoff time.Time, batch int) (int64, error)
}

// Sweeper garbage-collects buckets idle for longer than Idle. It is driven
// by an external schedule; the Limiter never deletes buckets on its own.
type Sweeper struct {
	Store SweepStore
	Idle  time.Duration
	Batch int
	// Pace bounds delete batches per second so a large backlog does not
	// starve request traffic.
	Pace *rate.Limiter
	Now  func() time.Time
}

// Sweep removes idle buckets batch by batch until a short batch comes back.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	idle := s.Idle
	if idle <= 0 {
		idle = IdleTTL
	}
	batch := s.Batch
	if batch <= 0 {
		batch = 1000
	}
	pace := s.Pace
	if pace == nil {
		pace = rate.NewLimiter(rate.Inf, 1)
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	cutoff := now().Add(-idle)

	var total int64
	for {
		if err := pace.Wait(ctx); err != nil {
			return total, err
		}
		n, err := s.Store.Sweep(ctx, cutoff, batch)
		if err != nil {
			return total, err
		}
		total += n
		if n < int64(batch) {
			break
		}
	}
	obs.Logger().WithField("deleted", total).WithField("cutoff", cutoff).Info("ratelimit_sweep_complete")
	return total, nil
}
