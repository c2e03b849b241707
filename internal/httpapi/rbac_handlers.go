package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"tollgate.org/internal/query"
	"tollgate.org/internal/rbac"
)

// resource binds one collection's service calls to the generic handlers.
type resource[T, In, P any] struct {
	kind   string
	id     func(T) string
	create func(context.Context, In) (T, error)
	get    func(context.Context, string) (T, error)
	update func(context.Context, string, P) (T, error)
	remove func(*http.Request, string) (bool, error)
	list   func(context.Context, query.Descriptor) (rbac.ListResult[T], error)
}

func (a *API) rbacRoutes(r *mux.Router) {
	s := a.rbac
	mount(a, r, resource[rbac.Organization, rbac.OrganizationInput, rbac.OrganizationPatch]{
		kind:   rbac.KindOrganizations,
		id:     func(o rbac.Organization) string { return o.ID },
		create: s.CreateOrganization,
		get:    s.GetOrganization,
		update: s.UpdateOrganization,
		remove: func(r *http.Request, id string) (bool, error) {
			cascade, err := boolParam(r, "cascade")
			if err != nil {
				return false, err
			}
			return s.DeleteOrganization(r.Context(), id, cascade)
		},
		list: s.ListOrganizations,
	})
	mount(a, r, resource[rbac.Group, rbac.GroupInput, rbac.GroupPatch]{
		kind:   rbac.KindGroups,
		id:     func(g rbac.Group) string { return g.ID },
		create: s.CreateGroup,
		get:    s.GetGroup,
		update: s.UpdateGroup,
		remove: func(r *http.Request, id string) (bool, error) { return s.DeleteGroup(r.Context(), id) },
		list:   s.ListGroups,
	})
	mount(a, r, resource[rbac.Role, rbac.RoleInput, rbac.RolePatch]{
		kind:   rbac.KindRoles,
		id:     func(ro rbac.Role) string { return ro.ID },
		create: s.CreateRole,
		get:    s.GetRole,
		update: s.UpdateRole,
		remove: func(r *http.Request, id string) (bool, error) { return s.DeleteRole(r.Context(), id) },
		list:   s.ListRoles,
	})
	mount(a, r, resource[rbac.Permission, rbac.PermissionInput, rbac.PermissionPatch]{
		kind:   rbac.KindPermissions,
		id:     func(p rbac.Permission) string { return p.ID },
		create: s.CreatePermission,
		get:    s.GetPermission,
		update: s.UpdatePermission,
		remove: func(r *http.Request, id string) (bool, error) { return s.DeletePermission(r.Context(), id) },
		list:   s.ListPermissions,
	})
	mount(a, r, resource[rbac.User, rbac.UserInput, rbac.UserPatch]{
		kind:   rbac.KindUsers,
		id:     func(u rbac.User) string { return u.ID },
		create: s.CreateUser,
		get:    s.GetUser,
		update: s.UpdateUser,
		remove: func(r *http.Request, id string) (bool, error) { return s.DeleteUser(r.Context(), id) },
		list:   s.ListUsers,
	})

	grants := "/{parent:organizations|groups|roles}/{id}/{child:users|permissions}"
	r.HandleFunc(grants, a.listGrants).Methods(http.MethodGet)
	r.HandleFunc(grants, a.changeGrants).Methods(http.MethodPost, http.MethodDelete)
}

func mount[T, In, P any](a *API, r *mux.Router, res resource[T, In, P]) {
	schema := rbac.Schemas[res.kind]
	base := "/" + res.kind
	item := base + "/{id}"

	r.HandleFunc(base, func(w http.ResponseWriter, r *http.Request) {
		desc, err := query.Parse(r.URL.Query(), a.pageSize, a.maxPage)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		page, err := res.list(r.Context(), desc)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeList(w, r, schema, desc, page)
	}).Methods(http.MethodGet)

	r.HandleFunc(base, func(w http.ResponseWriter, r *http.Request) {
		var in In
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		created, err := res.create(r.Context(), in)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		w.Header().Set("Location", "/v1"+base+"/"+res.id(created))
		presentOne(w, http.StatusCreated, created)
	}).Methods(http.MethodPost)

	r.HandleFunc(item, func(w http.ResponseWriter, r *http.Request) {
		got, err := res.get(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		presentOne(w, http.StatusOK, got)
	}).Methods(http.MethodGet)

	r.HandleFunc(item, func(w http.ResponseWriter, r *http.Request) {
		var p P
		if err := decodeJSON(r, &p); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		updated, err := res.update(r.Context(), mux.Vars(r)["id"], p)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		presentOne(w, http.StatusOK, updated)
	}).Methods(http.MethodPatch)

	r.HandleFunc(item, func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		ok, err := res.remove(r, id)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		if !ok {
			writeDomainError(w, r, fmt.Errorf("%w: %s %s", rbac.ErrNotFound, res.kind, id))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodDelete)
}

func writeList[T any](w http.ResponseWriter, r *http.Request, schema query.Schema, desc query.Descriptor, page rbac.ListResult[T]) {
	body, err := present(r, schema, desc, page)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func grantRelation(r *http.Request) (rbac.Relation, string, error) {
	vars := mux.Vars(r)
	rel, ok := rbac.RelationFor(vars["parent"], vars["child"])
	if !ok {
		return "", "", fmt.Errorf("%w: no relation between %s and %s", rbac.ErrBadRequest, vars["parent"], vars["child"])
	}
	return rel, vars["id"], nil
}

func (a *API) listGrants(w http.ResponseWriter, r *http.Request) {
	rel, parentID, err := grantRelation(r)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	desc, err := query.Parse(r.URL.Query(), a.pageSize, a.maxPage)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	schema := rbac.Schemas[rel.Child()]
	if rel.Child() == rbac.KindUsers {
		page, err := a.rbac.ListGrantedUsers(r.Context(), rel, parentID, desc)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeList(w, r, schema, desc, page)
		return
	}
	page, err := a.rbac.ListGrantedPermissions(r.Context(), rel, parentID, desc)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeList(w, r, schema, desc, page)
}

// changeGrants handles POST (grant) and DELETE (revoke) with a body of
// {"users": [...]} or {"permissions": [...]}.
func (a *API) changeGrants(w http.ResponseWriter, r *http.Request) {
	rel, parentID, err := grantRelation(r)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	var in rbac.GrantInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if r.Method == http.MethodDelete {
		err = a.rbac.Revoke(r.Context(), rel, parentID, in)
	} else {
		err = a.rbac.Grant(r.Context(), rel, parentID, in)
	}
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func boolParam(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%w: %s must be a boolean", rbac.ErrBadRequest, name)
	}
	return v, nil
}
