package pg

import (
	"context"
	"database/sql"
	"errors"

	"tollgate.org/internal/ids"
	"tollgate.org/internal/query"
	"tollgate.org/internal/rbac"
)

const permissionColumns = "t.id, t.name, t.description, t.created_at, t.updated_at"

func scanPermission(r rowScanner) (rbac.Permission, error) {
	var p rbac.Permission
	if err := r.Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return rbac.Permission{}, err
	}
	return p, nil
}

func (s *Store) CreatePermission(ctx context.Context, in rbac.PermissionInput) (rbac.Permission, error) {
	if s.db == nil {
		return rbac.Permission{}, errNoDB
	}
	p, err := scanPermission(s.db.QueryRowContext(ctx, `
		insert into permissions as t (id, name, description)
		values ($1, $2, $3)
		returning `+permissionColumns,
		ids.New(), in.Name, in.Description))
	if err != nil {
		return rbac.Permission{}, mapConstraint(err, rbac.ErrNameConflict)
	}
	return p, nil
}

func (s *Store) GetPermission(ctx context.Context, id string) (rbac.Permission, error) {
	if s.db == nil {
		return rbac.Permission{}, errNoDB
	}
	p, err := scanPermission(s.db.QueryRowContext(ctx,
		`select `+permissionColumns+` from permissions t where t.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.Permission{}, rbac.ErrNotFound
	}
	return p, err
}

func (s *Store) UpdatePermission(ctx context.Context, id string, p rbac.PermissionPatch) (rbac.Permission, error) {
	if s.db == nil {
		return rbac.Permission{}, errNoDB
	}
	var set setter
	if p.Name != nil {
		set.add("name", *p.Name)
	}
	if p.Description != nil {
		set.add("description", *p.Description)
	}
	stmt, args := set.update("permissions as t", id, permissionColumns)
	perm, err := scanPermission(s.db.QueryRowContext(ctx, stmt, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.Permission{}, rbac.ErrNotFound
	}
	if err != nil {
		return rbac.Permission{}, mapConstraint(err, rbac.ErrNameConflict)
	}
	return perm, nil
}

func (s *Store) DeletePermission(ctx context.Context, id string) (bool, error) {
	if s.db == nil {
		return false, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from permissions where id = $1`, id)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

func (s *Store) ListPermissions(ctx context.Context, desc query.Descriptor) (rbac.ListResult[rbac.Permission], error) {
	if s.db == nil {
		return rbac.ListResult[rbac.Permission]{}, errNoDB
	}
	return list(ctx, s.db, listSpec{
		schema:  rbac.Schemas[rbac.KindPermissions],
		from:    "permissions t",
		columns: permissionColumns,
	}, desc, scanPermission)
}
