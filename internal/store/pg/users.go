package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"tollgate.org/internal/ids"
	"tollgate.org/internal/query"
	"tollgate.org/internal/rbac"
)

const userColumns = "t.id, t.login, t.password_hash, t.email, t.attributes, t.enabled, t.created_at, t.updated_at"

func scanUser(r rowScanner) (rbac.User, error) {
	var (
		u   rbac.User
		raw []byte
	)
	if err := r.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.Email, &raw, &u.Enabled, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return rbac.User{}, err
	}
	attrs, err := decodeAttrs(raw)
	if err != nil {
		return rbac.User{}, err
	}
	u.Attributes = attrs
	return u, nil
}

// CreateUser stores a user whose password was already hashed by the caller.
func (s *Store) CreateUser(ctx context.Context, in rbac.UserInput) (rbac.User, error) {
	if s.db == nil {
		return rbac.User{}, errNoDB
	}
	if in.PasswordHash == "" {
		return rbac.User{}, errors.New("password hash is required")
	}
	attrs, err := encodeAttrs(in.Attributes)
	if err != nil {
		return rbac.User{}, err
	}
	enabled := true
	if in.Enabled != nil {
		enabled = *in.Enabled
	}
	u, err := scanUser(s.db.QueryRowContext(ctx, `
		insert into users as t (id, login, password_hash, email, attributes, enabled)
		values ($1, $2, $3, $4, $5, $6)
		returning `+userColumns,
		ids.New(), in.Login, in.PasswordHash, in.Email, attrs, enabled))
	if err != nil {
		return rbac.User{}, mapConstraint(err, rbac.ErrLoginConflict)
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (rbac.User, error) {
	if s.db == nil {
		return rbac.User{}, errNoDB
	}
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users t where t.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.User{}, rbac.ErrNotFound
	}
	return u, err
}

// UserByLogin looks a user up by its unique login.
func (s *Store) UserByLogin(ctx context.Context, login string) (rbac.User, error) {
	if s.db == nil {
		return rbac.User{}, errNoDB
	}
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users t where t.login = $1`, login))
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.User{}, rbac.ErrNotFound
	}
	return u, err
}

// UserGroupIDs returns the ids of the groups the user belongs to.
func (s *Store) UserGroupIDs(ctx context.Context, userID string) ([]string, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select group_id from group_users
		where user_id = $1
		order by group_id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) UpdateUser(ctx context.Context, id string, p rbac.UserPatch) (rbac.User, error) {
	if s.db == nil {
		return rbac.User{}, errNoDB
	}
	var set setter
	if p.Login != nil {
		set.add("login", *p.Login)
	}
	if p.PasswordHash != nil {
		set.add("password_hash", *p.PasswordHash)
	}
	if p.Email != nil {
		set.add("email", *p.Email)
	}
	if p.Attributes != nil {
		attrs, err := encodeAttrs(*p.Attributes)
		if err != nil {
			return rbac.User{}, err
		}
		set.add("attributes", attrs)
	}
	if p.Enabled != nil {
		set.add("enabled", *p.Enabled)
	}
	if len(set.clauses) == 0 {
		return s.GetUser(ctx, id)
	}
	stmt, args := set.update("users as t", id, userColumns)
	u, err := scanUser(s.db.QueryRowContext(ctx, stmt, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.User{}, rbac.ErrNotFound
	}
	if err != nil {
		return rbac.User{}, mapConstraint(err, rbac.ErrLoginConflict)
	}
	return u, nil
}

// DeleteUser refuses to remove a user who still owns an organization.
func (s *Store) DeleteUser(ctx context.Context, id string) (bool, error) {
	deleted := false
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var owned int
		if err := tx.QueryRowContext(ctx,
			`select count(*) from organizations where owner_id = $1`, id).Scan(&owned); err != nil {
			return err
		}
		if owned > 0 {
			return fmt.Errorf("%w: user %s owns %d organizations", rbac.ErrOwnerConstraint, id, owned)
		}
		res, err := tx.ExecContext(ctx, `delete from users where id = $1`, id)
		if err != nil {
			// an organization naming this user as owner committed after the count
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
				return fmt.Errorf("%w: user %s owns an organization (%s)", rbac.ErrOwnerConstraint, id, pgErr.ConstraintName)
			}
			return err
		}
		deleted, err = rowsAffected(res)
		return err
	})
	return deleted, err
}

func (s *Store) ListUsers(ctx context.Context, desc query.Descriptor) (rbac.ListResult[rbac.User], error) {
	if s.db == nil {
		return rbac.ListResult[rbac.User]{}, errNoDB
	}
	return list(ctx, s.db, listSpec{
		schema:  rbac.Schemas[rbac.KindUsers],
		from:    "users t",
		columns: userColumns,
	}, desc, scanUser)
}
