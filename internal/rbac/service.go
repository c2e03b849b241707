// Package rbac holds the authorization data model, the repository contract
// and the service that validates input and publishes change events around it.
package rbac

import (
	"context"
	"fmt"
	"strings"

	"tollgate.org/internal/events"
	"tollgate.org/internal/query"
)

// Repository persists RBAC entities and grants. Every mutating call is atomic.
type Repository interface {
	CreateOrganization(ctx context.Context, in OrganizationInput) (Organization, error)
	GetOrganization(ctx context.Context, id string) (Organization, error)
	UpdateOrganization(ctx context.Context, id string, p OrganizationPatch) (Organization, error)
	DeleteOrganization(ctx context.Context, id string, cascade bool) (bool, error)
	ListOrganizations(ctx context.Context, desc query.Descriptor) (ListResult[Organization], error)

	CreateGroup(ctx context.Context, in GroupInput) (Group, error)
	GetGroup(ctx context.Context, id string) (Group, error)
	UpdateGroup(ctx context.Context, id string, p GroupPatch) (Group, error)
	DeleteGroup(ctx context.Context, id string) (bool, error)
	ListGroups(ctx context.Context, desc query.Descriptor) (ListResult[Group], error)

	CreateRole(ctx context.Context, in RoleInput) (Role, error)
	GetRole(ctx context.Context, id string) (Role, error)
	UpdateRole(ctx context.Context, id string, p RolePatch) (Role, error)
	DeleteRole(ctx context.Context, id string) (bool, error)
	ListRoles(ctx context.Context, desc query.Descriptor) (ListResult[Role], error)

	CreatePermission(ctx context.Context, in PermissionInput) (Permission, error)
	GetPermission(ctx context.Context, id string) (Permission, error)
	UpdatePermission(ctx context.Context, id string, p PermissionPatch) (Permission, error)
	DeletePermission(ctx context.Context, id string) (bool, error)
	ListPermissions(ctx context.Context, desc query.Descriptor) (ListResult[Permission], error)

	CreateUser(ctx context.Context, in UserInput) (User, error)
	GetUser(ctx context.Context, id string) (User, error)
	UpdateUser(ctx context.Context, id string, p UserPatch) (User, error)
	DeleteUser(ctx context.Context, id string) (bool, error)
	ListUsers(ctx context.Context, desc query.Descriptor) (ListResult[User], error)

	Grant(ctx context.Context, rel Relation, parentID string, childIDs []string) error
	Revoke(ctx context.Context, rel Relation, parentID string, childIDs []string) error
	ListGrantedUsers(ctx context.Context, rel Relation, parentID string, desc query.Descriptor) (ListResult[User], error)
	ListGrantedPermissions(ctx context.Context, rel Relation, parentID string, desc query.Descriptor) (ListResult[Permission], error)
}

// PasswordHasher turns a plaintext password into its stored form.
type PasswordHasher interface {
	Hash(password string) (string, error)
}

// Service is the entry point used by the HTTP layer.
type Service struct {
	repo   Repository
	hasher PasswordHasher
	bus    events.Publisher
}

// NewService wires a repository, a password hasher and an event publisher.
// A nil publisher drops events.
func NewService(repo Repository, hasher PasswordHasher, bus events.Publisher) *Service {
	if bus == nil {
		bus = events.Nop{}
	}
	return &Service{repo: repo, hasher: hasher, bus: bus}
}

func (s *Service) created(ctx context.Context, kind, id string) {
	s.bus.Publish(ctx, events.EntityCreated{Kind: kind, ID: id})
}

func (s *Service) updated(ctx context.Context, kind, id string, fields []string) {
	s.bus.Publish(ctx, events.EntityUpdated{Kind: kind, ID: id, Fields: fields})
}

func (s *Service) deleted(ctx context.Context, kind, id string, ok bool) {
	if ok {
		s.bus.Publish(ctx, events.EntityDeleted{Kind: kind, ID: id})
	}
}

func checkList(kind string, desc query.Descriptor) error {
	schema, ok := Schemas[kind]
	if !ok {
		return fmt.Errorf("%w: unknown collection %q", ErrBadRequest, kind)
	}
	if err := schema.CheckFields(desc); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return nil
}

// Organizations

func (s *Service) CreateOrganization(ctx context.Context, in OrganizationInput) (Organization, error) {
	if err := in.Validate(); err != nil {
		return Organization{}, err
	}
	org, err := s.repo.CreateOrganization(ctx, in)
	if err != nil {
		return Organization{}, err
	}
	s.created(ctx, KindOrganizations, org.ID)
	return org, nil
}

func (s *Service) GetOrganization(ctx context.Context, id string) (Organization, error) {
	return s.repo.GetOrganization(ctx, strings.TrimSpace(id))
}

func (s *Service) UpdateOrganization(ctx context.Context, id string, p OrganizationPatch) (Organization, error) {
	if err := p.Validate(); err != nil {
		return Organization{}, err
	}
	org, err := s.repo.UpdateOrganization(ctx, id, p)
	if err != nil {
		return Organization{}, err
	}
	s.updated(ctx, KindOrganizations, id, changed(
		"name", p.Name != nil, "owner_id", p.OwnerID != nil,
		"attributes", p.Attributes != nil, "active", p.Active != nil))
	return org, nil
}

// DeleteOrganization removes an organization. With cascade its groups and
// roles go too; without it they make the call fail with ErrHasDependents.
func (s *Service) DeleteOrganization(ctx context.Context, id string, cascade bool) (bool, error) {
	ok, err := s.repo.DeleteOrganization(ctx, id, cascade)
	if err != nil {
		return false, err
	}
	s.deleted(ctx, KindOrganizations, id, ok)
	return ok, nil
}

func (s *Service) ListOrganizations(ctx context.Context, desc query.Descriptor) (ListResult[Organization], error) {
	if err := checkList(KindOrganizations, desc); err != nil {
		return ListResult[Organization]{}, err
	}
	return s.repo.ListOrganizations(ctx, desc)
}

// Groups

func (s *Service) CreateGroup(ctx context.Context, in GroupInput) (Group, error) {
	if err := in.Validate(); err != nil {
		return Group{}, err
	}
	g, err := s.repo.CreateGroup(ctx, in)
	if err != nil {
		return Group{}, err
	}
	s.created(ctx, KindGroups, g.ID)
	return g, nil
}

func (s *Service) GetGroup(ctx context.Context, id string) (Group, error) {
	return s.repo.GetGroup(ctx, strings.TrimSpace(id))
}

func (s *Service) UpdateGroup(ctx context.Context, id string, p GroupPatch) (Group, error) {
	if err := p.Validate(); err != nil {
		return Group{}, err
	}
	g, err := s.repo.UpdateGroup(ctx, id, p)
	if err != nil {
		return Group{}, err
	}
	s.updated(ctx, KindGroups, id, changed(
		"name", p.Name != nil, "organization_id", p.OrganizationID != nil,
		"attributes", p.Attributes != nil, "active", p.Active != nil))
	return g, nil
}

func (s *Service) DeleteGroup(ctx context.Context, id string) (bool, error) {
	ok, err := s.repo.DeleteGroup(ctx, id)
	if err != nil {
		return false, err
	}
	s.deleted(ctx, KindGroups, id, ok)
	return ok, nil
}

func (s *Service) ListGroups(ctx context.Context, desc query.Descriptor) (ListResult[Group], error) {
	if err := checkList(KindGroups, desc); err != nil {
		return ListResult[Group]{}, err
	}
	return s.repo.ListGroups(ctx, desc)
}

// Roles

func (s *Service) CreateRole(ctx context.Context, in RoleInput) (Role, error) {
	if err := in.Validate(); err != nil {
		return Role{}, err
	}
	r, err := s.repo.CreateRole(ctx, in)
	if err != nil {
		return Role{}, err
	}
	s.created(ctx, KindRoles, r.ID)
	return r, nil
}

func (s *Service) GetRole(ctx context.Context, id string) (Role, error) {
	return s.repo.GetRole(ctx, strings.TrimSpace(id))
}

func (s *Service) UpdateRole(ctx context.Context, id string, p RolePatch) (Role, error) {
	if err := p.Validate(); err != nil {
		return Role{}, err
	}
	r, err := s.repo.UpdateRole(ctx, id, p)
	if err != nil {
		return Role{}, err
	}
	s.updated(ctx, KindRoles, id, changed(
		"name", p.Name != nil, "entity_id", p.EntityID != nil,
		"attributes", p.Attributes != nil, "active", p.Active != nil))
	return r, nil
}

func (s *Service) DeleteRole(ctx context.Context, id string) (bool, error) {
	ok, err := s.repo.DeleteRole(ctx, id)
	if err != nil {
		return false, err
	}
	s.deleted(ctx, KindRoles, id, ok)
	return ok, nil
}

func (s *Service) ListRoles(ctx context.Context, desc query.Descriptor) (ListResult[Role], error) {
	if err := checkList(KindRoles, desc); err != nil {
		return ListResult[Role]{}, err
	}
	return s.repo.ListRoles(ctx, desc)
}

// Permissions

func (s *Service) CreatePermission(ctx context.Context, in PermissionInput) (Permission, error) {
	if err := in.Validate(); err != nil {
		return Permission{}, err
	}
	p, err := s.repo.CreatePermission(ctx, in)
	if err != nil {
		return Permission{}, err
	}
	s.created(ctx, KindPermissions, p.ID)
	return p, nil
}

func (s *Service) GetPermission(ctx context.Context, id string) (Permission, error) {
	return s.repo.GetPermission(ctx, strings.TrimSpace(id))
}

func (s *Service) UpdatePermission(ctx context.Context, id string, p PermissionPatch) (Permission, error) {
	if err := p.Validate(); err != nil {
		return Permission{}, err
	}
	perm, err := s.repo.UpdatePermission(ctx, id, p)
	if err != nil {
		return Permission{}, err
	}
	s.updated(ctx, KindPermissions, id, changed("name", p.Name != nil, "description", p.Description != nil))
	return perm, nil
}

func (s *Service) DeletePermission(ctx context.Context, id string) (bool, error) {
	ok, err := s.repo.DeletePermission(ctx, id)
	if err != nil {
		return false, err
	}
	s.deleted(ctx, KindPermissions, id, ok)
	return ok, nil
}

func (s *Service) ListPermissions(ctx context.Context, desc query.Descriptor) (ListResult[Permission], error) {
	if err := checkList(KindPermissions, desc); err != nil {
		return ListResult[Permission]{}, err
	}
	return s.repo.ListPermissions(ctx, desc)
}

// Users

func (s *Service) CreateUser(ctx context.Context, in UserInput) (User, error) {
	if err := in.Validate(); err != nil {
		return User{}, err
	}
	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}
	in.PasswordHash = hash
	in.Password = ""
	u, err := s.repo.CreateUser(ctx, in)
	if err != nil {
		return User{}, err
	}
	s.created(ctx, KindUsers, u.ID)
	return u, nil
}

func (s *Service) GetUser(ctx context.Context, id string) (User, error) {
	return s.repo.GetUser(ctx, strings.TrimSpace(id))
}

func (s *Service) UpdateUser(ctx context.Context, id string, p UserPatch) (User, error) {
	if err := p.Validate(); err != nil {
		return User{}, err
	}
	if p.Password != nil {
		hash, err := s.hasher.Hash(*p.Password)
		if err != nil {
			return User{}, fmt.Errorf("hash password: %w", err)
		}
		p.PasswordHash = &hash
		p.Password = nil
	}
	u, err := s.repo.UpdateUser(ctx, id, p)
	if err != nil {
		return User{}, err
	}
	s.updated(ctx, KindUsers, id, changed(
		"login", p.Login != nil, "password", p.PasswordHash != nil, "email", p.Email != nil,
		"attributes", p.Attributes != nil, "enabled", p.Enabled != nil))
	return u, nil
}

// DeleteUser fails with ErrOwnerConstraint while the user owns an organization.
func (s *Service) DeleteUser(ctx context.Context, id string) (bool, error) {
	ok, err := s.repo.DeleteUser(ctx, id)
	if err != nil {
		return false, err
	}
	s.deleted(ctx, KindUsers, id, ok)
	return ok, nil
}

func (s *Service) ListUsers(ctx context.Context, desc query.Descriptor) (ListResult[User], error) {
	if err := checkList(KindUsers, desc); err != nil {
		return ListResult[User]{}, err
	}
	return s.repo.ListUsers(ctx, desc)
}

// Grants

// Grant attaches children to parent. The call is all-or-nothing and granting
// an existing pair is a no-op.
func (s *Service) Grant(ctx context.Context, rel Relation, parentID string, in GrantInput) error {
	ids, err := in.IDs(rel)
	if err != nil {
		return err
	}
	if err := s.repo.Grant(ctx, rel, parentID, ids); err != nil {
		return err
	}
	s.bus.Publish(ctx, events.GrantChanged{Relation: string(rel), ParentID: parentID, ChildIDs: ids})
	return nil
}

// Revoke detaches children from parent; ids that were not granted are ignored.
func (s *Service) Revoke(ctx context.Context, rel Relation, parentID string, in GrantInput) error {
	ids, err := in.IDs(rel)
	if err != nil {
		return err
	}
	if err := s.repo.Revoke(ctx, rel, parentID, ids); err != nil {
		return err
	}
	s.bus.Publish(ctx, events.GrantChanged{Relation: string(rel), ParentID: parentID, ChildIDs: ids, Revoked: true})
	return nil
}

func (s *Service) ListGrantedUsers(ctx context.Context, rel Relation, parentID string, desc query.Descriptor) (ListResult[User], error) {
	if rel.Child() != KindUsers {
		return ListResult[User]{}, fmt.Errorf("%w: %s does not hold users", ErrBadRequest, rel)
	}
	if err := checkList(KindUsers, desc); err != nil {
		return ListResult[User]{}, err
	}
	return s.repo.ListGrantedUsers(ctx, rel, parentID, desc)
}

func (s *Service) ListGrantedPermissions(ctx context.Context, rel Relation, parentID string, desc query.Descriptor) (ListResult[Permission], error) {
	if rel.Child() != KindPermissions {
		return ListResult[Permission]{}, fmt.Errorf("%w: %s does not hold permissions", ErrBadRequest, rel)
	}
	if err := checkList(KindPermissions, desc); err != nil {
		return ListResult[Permission]{}, err
	}
	return s.repo.ListGrantedPermissions(ctx, rel, parentID, desc)
}

// changed takes name/flag pairs and returns the names whose flag is set.
func changed(pairs ...any) []string {
	var out []string
	for i := 0; i+1 < len(pairs); i += 2 {
		if set, _ := pairs[i+1].(bool); set {
			out = append(out, pairs[i].(string))
		}
	}
	return out
}
