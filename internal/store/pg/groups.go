package pg

import (
	"context"
	"database/sql"
	"errors"

	"tollgate.org/internal/ids"
	"tollgate.org/internal/query"
	"tollgate.org/internal/rbac"
)

const groupColumns = "t.id, t.organization_id, t.name, t.attributes, t.active, t.created_at, t.updated_at"

func scanGroup(r rowScanner) (rbac.Group, error) {
	var (
		g   rbac.Group
		raw []byte
	)
	if err := r.Scan(&g.ID, &g.OrganizationID, &g.Name, &raw, &g.Active, &g.CreatedAt, &g.UpdatedAt); err != nil {
		return rbac.Group{}, err
	}
	attrs, err := decodeAttrs(raw)
	if err != nil {
		return rbac.Group{}, err
	}
	g.Attributes = attrs
	return g, nil
}

func (s *Store) CreateGroup(ctx context.Context, in rbac.GroupInput) (rbac.Group, error) {
	if s.db == nil {
		return rbac.Group{}, errNoDB
	}
	attrs, err := encodeAttrs(in.Attributes)
	if err != nil {
		return rbac.Group{}, err
	}
	active := true
	if in.Active != nil {
		active = *in.Active
	}
	g, err := scanGroup(s.db.QueryRowContext(ctx, `
		insert into groups as t (id, organization_id, name, attributes, active)
		values ($1, $2, $3, $4, $5)
		returning `+groupColumns,
		ids.New(), in.OrganizationID, in.Name, attrs, active))
	if err != nil {
		return rbac.Group{}, mapConstraint(err, rbac.ErrNameConflict)
	}
	return g, nil
}

func (s *Store) GetGroup(ctx context.Context, id string) (rbac.Group, error) {
	if s.db == nil {
		return rbac.Group{}, errNoDB
	}
	g, err := scanGroup(s.db.QueryRowContext(ctx,
		`select `+groupColumns+` from groups t where t.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.Group{}, rbac.ErrNotFound
	}
	return g, err
}

func (s *Store) UpdateGroup(ctx context.Context, id string, p rbac.GroupPatch) (rbac.Group, error) {
	if s.db == nil {
		return rbac.Group{}, errNoDB
	}
	var set setter
	if p.OrganizationID != nil {
		set.add("organization_id", *p.OrganizationID)
	}
	if p.Name != nil {
		set.add("name", *p.Name)
	}
	if p.Attributes != nil {
		attrs, err := encodeAttrs(*p.Attributes)
		if err != nil {
			return rbac.Group{}, err
		}
		set.add("attributes", attrs)
	}
	if p.Active != nil {
		set.add("active", *p.Active)
	}
	stmt, args := set.update("groups as t", id, groupColumns)
	g, err := scanGroup(s.db.QueryRowContext(ctx, stmt, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.Group{}, rbac.ErrNotFound
	}
	if err != nil {
		return rbac.Group{}, mapConstraint(err, rbac.ErrNameConflict)
	}
	return g, nil
}

func (s *Store) DeleteGroup(ctx context.Context, id string) (bool, error) {
	if s.db == nil {
		return false, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from groups where id = $1`, id)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

func (s *Store) ListGroups(ctx context.Context, desc query.Descriptor) (rbac.ListResult[rbac.Group], error) {
	if s.db == nil {
		return rbac.ListResult[rbac.Group]{}, errNoDB
	}
	return list(ctx, s.db, listSpec{
		schema:  rbac.Schemas[rbac.KindGroups],
		from:    "groups t",
		columns: groupColumns,
	}, desc, scanGroup)
}
