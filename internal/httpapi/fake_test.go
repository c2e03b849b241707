package httpapi

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"tollgate.org/internal/query"
	"tollgate.org/internal/rbac"
)

// fakeRepo keeps just enough state in memory for the HTTP tests. Methods the
// tests never reach fall through to the nil embedded interface.
type fakeRepo struct {
	rbac.Repository

	mu          sync.Mutex
	seq         int
	orgs        map[string]rbac.Organization
	users       map[string]rbac.User
	groups      map[string]rbac.Group
	permissions map[string]rbac.Permission
	grants      map[string]map[string]bool
	metadata    map[string][]byte
	userGroups  map[string][]string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		orgs:        map[string]rbac.Organization{},
		users:       map[string]rbac.User{},
		groups:      map[string]rbac.Group{},
		permissions: map[string]rbac.Permission{},
		grants:      map[string]map[string]bool{},
		metadata:    map[string][]byte{},
		userGroups:  map[string][]string{},
	}
}

func (f *fakeRepo) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

func (f *fakeRepo) CreateOrganization(_ context.Context, in rbac.OrganizationInput) (rbac.Organization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[in.OwnerID]; !ok {
		return rbac.Organization{}, fmt.Errorf("%w: owner %s", rbac.ErrInvalidReference, in.OwnerID)
	}
	o := rbac.Organization{ID: f.nextID("org"), Name: in.Name, OwnerID: in.OwnerID, Active: true, CreatedAt: time.Now()}
	f.orgs[o.ID] = o
	return o, nil
}

// DeleteOrganization refuses while groups reference the organization unless
// cascade is set.
func (f *fakeRepo) DeleteOrganization(_ context.Context, id string, cascade bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.orgs[id]; !ok {
		return false, nil
	}
	var deps []string
	for gid, g := range f.groups {
		if g.OrganizationID == id {
			deps = append(deps, gid)
		}
	}
	if len(deps) > 0 && !cascade {
		return false, fmt.Errorf("%w: organization %s has %d groups", rbac.ErrHasDependents, id, len(deps))
	}
	for _, gid := range deps {
		delete(f.groups, gid)
	}
	delete(f.orgs, id)
	return true, nil
}

func (f *fakeRepo) CreateUser(_ context.Context, in rbac.UserInput) (rbac.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Login == in.Login {
			return rbac.User{}, fmt.Errorf("%w: %s", rbac.ErrLoginConflict, in.Login)
		}
	}
	u := rbac.User{ID: f.nextID("u"), Login: in.Login, PasswordHash: in.PasswordHash, Email: in.Email, Enabled: true}
	f.users[u.ID] = u
	return u, nil
}

func (f *fakeRepo) CreateGroup(_ context.Context, in rbac.GroupInput) (rbac.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.orgs[in.OrganizationID]; !ok {
		return rbac.Group{}, fmt.Errorf("%w: organization %s", rbac.ErrInvalidReference, in.OrganizationID)
	}
	for _, g := range f.groups {
		if g.OrganizationID == in.OrganizationID && g.Name == in.Name {
			return rbac.Group{}, fmt.Errorf("%w: %s", rbac.ErrNameConflict, in.Name)
		}
	}
	g := rbac.Group{ID: f.nextID("g"), OrganizationID: in.OrganizationID, Name: in.Name, Attributes: in.Attributes, Active: true}
	f.groups[g.ID] = g
	return g, nil
}

func (f *fakeRepo) GetGroup(_ context.Context, id string) (rbac.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[id]
	if !ok {
		return rbac.Group{}, fmt.Errorf("%w: group %s", rbac.ErrNotFound, id)
	}
	return g, nil
}

func (f *fakeRepo) ListGroups(_ context.Context, desc query.Descriptor) (rbac.ListResult[rbac.Group], error) {
	f.mu.Lock()
	all := make([]rbac.Group, 0, len(f.groups))
	for _, g := range f.groups {
		all = append(all, g)
	}
	f.mu.Unlock()
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return page(all, desc), nil
}

func (f *fakeRepo) CreatePermission(_ context.Context, in rbac.PermissionInput) (rbac.Permission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := rbac.Permission{ID: f.nextID("p"), Name: in.Name, Description: in.Description}
	f.permissions[p.ID] = p
	return p, nil
}

func (f *fakeRepo) DeletePermission(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.permissions[id]
	delete(f.permissions, id)
	return ok, nil
}

func (f *fakeRepo) Grant(_ context.Context, rel rbac.Relation, parentID string, childIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rel != rbac.GroupPermissions {
		return fmt.Errorf("fake: relation %s not supported", rel)
	}
	if _, ok := f.groups[parentID]; !ok {
		return fmt.Errorf("%w: group %s", rbac.ErrNotFound, parentID)
	}
	for _, id := range childIDs {
		if _, ok := f.permissions[id]; !ok {
			return fmt.Errorf("%w: permission %s", rbac.ErrInvalidReference, id)
		}
	}
	key := string(rel) + "/" + parentID
	if f.grants[key] == nil {
		f.grants[key] = map[string]bool{}
	}
	for _, id := range childIDs {
		f.grants[key][id] = true
	}
	return nil
}

func (f *fakeRepo) Revoke(_ context.Context, rel rbac.Relation, parentID string, childIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.groups[parentID]; !ok {
		return fmt.Errorf("%w: group %s", rbac.ErrNotFound, parentID)
	}
	for _, id := range childIDs {
		delete(f.grants[string(rel)+"/"+parentID], id)
	}
	return nil
}

func (f *fakeRepo) ListGrantedPermissions(_ context.Context, rel rbac.Relation, parentID string, desc query.Descriptor) (rbac.ListResult[rbac.Permission], error) {
	f.mu.Lock()
	var out []rbac.Permission
	for id := range f.grants[string(rel)+"/"+parentID] {
		out = append(out, f.permissions[id])
	}
	f.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return page(out, desc), nil
}

// auth.UserStore

func (f *fakeRepo) UserByLogin(_ context.Context, login string) (rbac.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Login == login {
			return u, nil
		}
	}
	return rbac.User{}, rbac.ErrNotFound
}

func (f *fakeRepo) GetUser(_ context.Context, id string) (rbac.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return rbac.User{}, fmt.Errorf("%w: user %s", rbac.ErrNotFound, id)
	}
	return u, nil
}

func (f *fakeRepo) UserGroupIDs(_ context.Context, id string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.userGroups[id], nil
}

func (f *fakeRepo) UserMetadata(_ context.Context, id, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.metadata[id+"/"+key]
	if !ok {
		return nil, rbac.ErrNotFound
	}
	return v, nil
}

func (f *fakeRepo) PutUserMetadata(_ context.Context, id, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metadata[id+"/"+key] = append([]byte(nil), value...)
	return nil
}

func (f *fakeRepo) DeleteUserMetadata(_ context.Context, id, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.metadata, id+"/"+key)
	return nil
}

func page[T any](all []T, desc query.Descriptor) rbac.ListResult[T] {
	lo := min(desc.Offset, len(all))
	hi := min(lo+desc.Limit, len(all))
	results := all[lo:hi]
	return rbac.ListResult[T]{
		Results: results,
		Meta:    query.NewMeta(len(results), len(all), desc.Limit, desc.Offset),
	}
}
