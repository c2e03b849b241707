package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"tollgate.org/internal/query"
	"tollgate.org/internal/rbac"
)

// joinTable describes the columns of one grant relation.
type joinTable struct {
	table       string
	parentTable string
	parentCol   string
	childTable  string
	childCol    string
}

func joinFor(rel rbac.Relation) (joinTable, error) {
	j := joinTable{table: string(rel)}
	switch rel.Parent() {
	case rbac.KindOrganizations:
		j.parentTable, j.parentCol = "organizations", "organization_id"
	case rbac.KindGroups:
		j.parentTable, j.parentCol = "groups", "group_id"
	case rbac.KindRoles:
		j.parentTable, j.parentCol = "roles", "role_id"
	}
	switch rel.Child() {
	case rbac.KindUsers:
		j.childTable, j.childCol = "users", "user_id"
	case rbac.KindPermissions:
		j.childTable, j.childCol = "permissions", "permission_id"
	}
	for _, known := range rbac.Relations {
		if known == rel {
			return j, nil
		}
	}
	return joinTable{}, fmt.Errorf("%w: unknown relation %q", rbac.ErrBadRequest, rel)
}

// Grant inserts all (parent, child) pairs in one transaction. Every child id
// is checked before anything is written; existing pairs are left untouched.
func (s *Store) Grant(ctx context.Context, rel rbac.Relation, parentID string, childIDs []string) error {
	j, err := joinFor(rel)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		ok, err := exists(ctx, tx, j.parentTable, parentID, true)
		if err != nil {
			return err
		}
		if !ok {
			return rbac.ErrNotFound
		}
		if missing, err := missingIDs(ctx, tx, j.childTable, childIDs); err != nil {
			return err
		} else if len(missing) > 0 {
			return fmt.Errorf("%w: unknown %s %s", rbac.ErrInvalidReference, j.childTable, strings.Join(missing, ", "))
		}
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			insert into %s (%s, %s)
			select $1, unnest($2::text[])
			on conflict do nothing
		`, j.table, j.parentCol, j.childCol), parentID, childIDs)
		return mapConstraint(err, rbac.ErrNameConflict)
	})
}

// Revoke deletes the given pairs; ids that were never granted are ignored.
// The owner of an organization cannot be revoked from its members.
func (s *Store) Revoke(ctx context.Context, rel rbac.Relation, parentID string, childIDs []string) error {
	j, err := joinFor(rel)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if rel == rbac.OrganizationUsers {
			var owner string
			err := tx.QueryRowContext(ctx,
				`select owner_id from organizations where id = $1 for update`, parentID).Scan(&owner)
			if errors.Is(err, sql.ErrNoRows) {
				return rbac.ErrNotFound
			}
			if err != nil {
				return err
			}
			for _, id := range childIDs {
				if id == owner {
					return fmt.Errorf("%w: transfer ownership of %s before revoking %s", rbac.ErrOwnerConstraint, parentID, owner)
				}
			}
		} else {
			ok, err := exists(ctx, tx, j.parentTable, parentID, true)
			if err != nil {
				return err
			}
			if !ok {
				return rbac.ErrNotFound
			}
		}
		_, err := tx.ExecContext(ctx, fmt.Sprintf(
			`delete from %s where %s = $1 and %s = any($2)`,
			j.table, j.parentCol, j.childCol), parentID, childIDs)
		return err
	})
}

func (s *Store) ListGrantedUsers(ctx context.Context, rel rbac.Relation, parentID string, desc query.Descriptor) (rbac.ListResult[rbac.User], error) {
	spec, err := s.grantedSpec(ctx, rel, parentID, rbac.KindUsers, userColumns)
	if err != nil {
		return rbac.ListResult[rbac.User]{}, err
	}
	return list(ctx, s.db, spec, desc, scanUser)
}

func (s *Store) ListGrantedPermissions(ctx context.Context, rel rbac.Relation, parentID string, desc query.Descriptor) (rbac.ListResult[rbac.Permission], error) {
	spec, err := s.grantedSpec(ctx, rel, parentID, rbac.KindPermissions, permissionColumns)
	if err != nil {
		return rbac.ListResult[rbac.Permission]{}, err
	}
	return list(ctx, s.db, spec, desc, scanPermission)
}

func (s *Store) grantedSpec(ctx context.Context, rel rbac.Relation, parentID, kind, columns string) (listSpec, error) {
	if s.db == nil {
		return listSpec{}, errNoDB
	}
	j, err := joinFor(rel)
	if err != nil {
		return listSpec{}, err
	}
	if rel.Child() != kind {
		return listSpec{}, fmt.Errorf("%w: %s does not hold %s", rbac.ErrBadRequest, rel, kind)
	}
	ok, err := exists(ctx, s.db, j.parentTable, parentID, false)
	if err != nil {
		return listSpec{}, err
	}
	if !ok {
		return listSpec{}, rbac.ErrNotFound
	}
	return listSpec{
		schema:   rbac.Schemas[kind],
		from:     fmt.Sprintf("%s t join %s j on j.%s = t.id", j.childTable, j.table, j.childCol),
		columns:  columns,
		base:     []string{fmt.Sprintf("j.%s = $1", j.parentCol)},
		baseArgs: []any{parentID},
	}, nil
}

// missingIDs returns the ids absent from table, sorted.
func missingIDs(ctx context.Context, q queryer, table string, want []string) ([]string, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`select id from %s where id = any($1)`, table), want)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	found := make(map[string]struct{}, len(want))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		found[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var missing []string
	for _, id := range want {
		if _, ok := found[id]; !ok {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)
	return missing, nil
}
