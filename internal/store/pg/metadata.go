package pg

import (
	"context"
	"database/sql"
	"errors"

	"tollgate.org/internal/rbac"
)

// UserMetadata returns the raw JSON value stored under key for the user.
func (s *Store) UserMetadata(ctx context.Context, userID, key string) ([]byte, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		select value from user_metadata
		where user_id = $1 and key = $2
	`, userID, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rbac.ErrNotFound
	}
	return raw, err
}

// PutUserMetadata replaces the value stored under key.
func (s *Store) PutUserMetadata(ctx context.Context, userID, key string, value []byte) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		insert into user_metadata (user_id, key, value, updated_at)
		values ($1, $2, $3, now())
		on conflict (user_id, key) do update
		set value = excluded.value, updated_at = excluded.updated_at
	`, userID, key, value)
	return mapConstraint(err, rbac.ErrNameConflict)
}

// DeleteUserMetadata removes key; a missing key is not an error.
func (s *Store) DeleteUserMetadata(ctx context.Context, userID, key string) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `delete from user_metadata where user_id = $1 and key = $2`, userID, key)
	return err
}
