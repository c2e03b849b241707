package ratelimit

import (
	"context"
	"database/sql"
	"time"
)

// PGBucketStore keeps buckets in the rate_limit_buckets table.
type PGBucketStore struct {
	db *sql.DB
}

func NewPGBucketStore(db *sql.DB) *PGBucketStore {
	return &PGBucketStore{db: db}
}

// Incr is a single upsert, so concurrent requests for one key serialize on
// the row lock and never lose an increment.
func (s *PGBucketStore) Incr(ctx context.Context, key string, now time.Time, window time.Duration) (int, time.Time, error) {
	var (
		count int
		start time.Time
	)
	err := s.db.QueryRowContext(ctx, `
		insert into rate_limit_buckets as b (key, window_start, count, updated_at)
		values ($1, $2, 1, $2)
		on conflict (key) do update set
			count = case when b.window_start <= $2 - make_interval(secs => $3) then 1 else b.count + 1 end,
			window_start = case when b.window_start <= $2 - make_interval(secs => $3) then excluded.window_start else b.window_start end,
			updated_at = excluded.updated_at
		returning count, window_start
	`, key, now.UTC(), window.Seconds()).Scan(&count, &start)
	if err != nil {
		return 0, time.Time{}, err
	}
	return count, start, nil
}

func (s *PGBucketStore) Reset(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `delete from rate_limit_buckets where key = $1`, key)
	return err
}

// Sweep deletes up to batch buckets untouched since cutoff and reports how
// many went.
func (s *PGBucketStore) Sweep(ctx context.Context, cutoff time.Time, batch int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		delete from rate_limit_buckets
		where key in (
			select key from rate_limit_buckets
			where updated_at < $1
			limit $2
		)
	`, cutoff.UTC(), batch)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
