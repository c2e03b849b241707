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

const orgColumns = "t.id, t.name, t.owner_id, t.attributes, t.active, t.created_at, t.updated_at"

func scanOrganization(r rowScanner) (rbac.Organization, error) {
	var (
		org rbac.Organization
		raw []byte
	)
	if err := r.Scan(&org.ID, &org.Name, &org.OwnerID, &raw, &org.Active, &org.CreatedAt, &org.UpdatedAt); err != nil {
		return rbac.Organization{}, err
	}
	attrs, err := decodeAttrs(raw)
	if err != nil {
		return rbac.Organization{}, err
	}
	org.Attributes = attrs
	return org, nil
}

// CreateOrganization inserts the organization and makes the owner a member.
func (s *Store) CreateOrganization(ctx context.Context, in rbac.OrganizationInput) (rbac.Organization, error) {
	attrs, err := encodeAttrs(in.Attributes)
	if err != nil {
		return rbac.Organization{}, err
	}
	active := true
	if in.Active != nil {
		active = *in.Active
	}

	var org rbac.Organization
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		ok, err := exists(ctx, tx, "users", in.OwnerID, false)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: owner %s does not exist", rbac.ErrInvalidReference, in.OwnerID)
		}
		row := tx.QueryRowContext(ctx, `
			insert into organizations as t (id, name, owner_id, attributes, active)
			values ($1, $2, $3, $4, $5)
			returning `+orgColumns,
			ids.New(), in.Name, in.OwnerID, attrs, active)
		if org, err = scanOrganization(row); err != nil {
			return mapConstraint(err, rbac.ErrNameConflict)
		}
		_, err = tx.ExecContext(ctx, `
			insert into organization_users (organization_id, user_id)
			values ($1, $2)
			on conflict do nothing
		`, org.ID, org.OwnerID)
		return err
	})
	if err != nil {
		return rbac.Organization{}, err
	}
	return org, nil
}

func (s *Store) GetOrganization(ctx context.Context, id string) (rbac.Organization, error) {
	if s.db == nil {
		return rbac.Organization{}, errNoDB
	}
	org, err := scanOrganization(s.db.QueryRowContext(ctx,
		`select `+orgColumns+` from organizations t where t.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.Organization{}, rbac.ErrNotFound
	}
	return org, err
}

// UpdateOrganization applies a partial update. A new owner must exist and is
// granted membership in the same transaction.
func (s *Store) UpdateOrganization(ctx context.Context, id string, p rbac.OrganizationPatch) (rbac.Organization, error) {
	var set setter
	if p.Name != nil {
		set.add("name", *p.Name)
	}
	if p.OwnerID != nil {
		set.add("owner_id", *p.OwnerID)
	}
	if p.Attributes != nil {
		attrs, err := encodeAttrs(*p.Attributes)
		if err != nil {
			return rbac.Organization{}, err
		}
		set.add("attributes", attrs)
	}
	if p.Active != nil {
		set.add("active", *p.Active)
	}

	var org rbac.Organization
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		ok, err := exists(ctx, tx, "organizations", id, true)
		if err != nil {
			return err
		}
		if !ok {
			return rbac.ErrNotFound
		}
		if p.OwnerID != nil {
			ok, err := exists(ctx, tx, "users", *p.OwnerID, false)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: owner %s does not exist", rbac.ErrInvalidReference, *p.OwnerID)
			}
		}
		stmt, args := set.update("organizations as t", id, orgColumns)
		if org, err = scanOrganization(tx.QueryRowContext(ctx, stmt, args...)); err != nil {
			return mapConstraint(err, rbac.ErrNameConflict)
		}
		if p.OwnerID != nil {
			_, err = tx.ExecContext(ctx, `
				insert into organization_users (organization_id, user_id)
				values ($1, $2)
				on conflict do nothing
			`, id, org.OwnerID)
		}
		return err
	})
	if err != nil {
		return rbac.Organization{}, err
	}
	return org, nil
}

// DeleteOrganization removes the organization and its joins. Groups and roles
// scoped to it block the delete unless cascade is set.
func (s *Store) DeleteOrganization(ctx context.Context, id string, cascade bool) (bool, error) {
	deleted := false
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		ok, err := exists(ctx, tx, "organizations", id, true)
		if err != nil || !ok {
			return err
		}
		var dependents int
		if err := tx.QueryRowContext(ctx, `
			select (select count(*) from groups where organization_id = $1)
			     + (select count(*) from roles where entity_id = $1)
		`, id).Scan(&dependents); err != nil {
			return err
		}
		if dependents > 0 {
			if !cascade {
				return fmt.Errorf("%w: %d groups or roles reference organization %s", rbac.ErrHasDependents, dependents, id)
			}
			if _, err := tx.ExecContext(ctx, `delete from groups where organization_id = $1`, id); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `delete from roles where entity_id = $1`, id); err != nil {
				return err
			}
		}
		res, err := tx.ExecContext(ctx, `delete from organizations where id = $1`, id)
		if err != nil {
			return err
		}
		deleted, err = rowsAffected(res)
		return err
	})
	return deleted, err
}

func (s *Store) ListOrganizations(ctx context.Context, desc query.Descriptor) (rbac.ListResult[rbac.Organization], error) {
	if s.db == nil {
		return rbac.ListResult[rbac.Organization]{}, errNoDB
	}
	return list(ctx, s.db, listSpec{
		schema:  rbac.Schemas[rbac.KindOrganizations],
		from:    "organizations t",
		columns: orgColumns,
	}, desc, scanOrganization)
}
