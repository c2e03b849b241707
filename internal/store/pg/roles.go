package pg

import (
	"context"
	"database/sql"
	"errors"

	"tollgate.org/internal/ids"
	"tollgate.org/internal/query"
	"tollgate.org/internal/rbac"
)

const roleColumns = "t.id, t.entity_id, t.name, t.attributes, t.active, t.created_at, t.updated_at"

func scanRole(r rowScanner) (rbac.Role, error) {
	var (
		role rbac.Role
		raw  []byte
	)
	if err := r.Scan(&role.ID, &role.EntityID, &role.Name, &raw, &role.Active, &role.CreatedAt, &role.UpdatedAt); err != nil {
		return rbac.Role{}, err
	}
	attrs, err := decodeAttrs(raw)
	if err != nil {
		return rbac.Role{}, err
	}
	role.Attributes = attrs
	return role, nil
}

func (s *Store) CreateRole(ctx context.Context, in rbac.RoleInput) (rbac.Role, error) {
	if s.db == nil {
		return rbac.Role{}, errNoDB
	}
	attrs, err := encodeAttrs(in.Attributes)
	if err != nil {
		return rbac.Role{}, err
	}
	active := true
	if in.Active != nil {
		active = *in.Active
	}
	role, err := scanRole(s.db.QueryRowContext(ctx, `
		insert into roles as t (id, entity_id, name, attributes, active)
		values ($1, $2, $3, $4, $5)
		returning `+roleColumns,
		ids.New(), in.EntityID, in.Name, attrs, active))
	if err != nil {
		return rbac.Role{}, mapConstraint(err, rbac.ErrNameConflict)
	}
	return role, nil
}

func (s *Store) GetRole(ctx context.Context, id string) (rbac.Role, error) {
	if s.db == nil {
		return rbac.Role{}, errNoDB
	}
	role, err := scanRole(s.db.QueryRowContext(ctx,
		`select `+roleColumns+` from roles t where t.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.Role{}, rbac.ErrNotFound
	}
	return role, err
}

func (s *Store) UpdateRole(ctx context.Context, id string, p rbac.RolePatch) (rbac.Role, error) {
	if s.db == nil {
		return rbac.Role{}, errNoDB
	}
	var set setter
	if p.EntityID != nil {
		set.add("entity_id", *p.EntityID)
	}
	if p.Name != nil {
		set.add("name", *p.Name)
	}
	if p.Attributes != nil {
		attrs, err := encodeAttrs(*p.Attributes)
		if err != nil {
			return rbac.Role{}, err
		}
		set.add("attributes", attrs)
	}
	if p.Active != nil {
		set.add("active", *p.Active)
	}
	stmt, args := set.update("roles as t", id, roleColumns)
	role, err := scanRole(s.db.QueryRowContext(ctx, stmt, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.Role{}, rbac.ErrNotFound
	}
	if err != nil {
		return rbac.Role{}, mapConstraint(err, rbac.ErrNameConflict)
	}
	return role, nil
}

func (s *Store) DeleteRole(ctx context.Context, id string) (bool, error) {
	if s.db == nil {
		return false, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from roles where id = $1`, id)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

func (s *Store) ListRoles(ctx context.Context, desc query.Descriptor) (rbac.ListResult[rbac.Role], error) {
	if s.db == nil {
		return rbac.ListResult[rbac.Role]{}, errNoDB
	}
	return list(ctx, s.db, listSpec{
		schema:  rbac.Schemas[rbac.KindRoles],
		from:    "roles t",
		columns: roleColumns,
	}, desc, scanRole)
}
