package rbac

import (
	"time"

	"tollgate.org/internal/query"
)

// Attributes is a free-form JSON object attached to most entities.
type Attributes map[string]any

// Organization is the tenant root. OwnerID is always a member.
type Organization struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	OwnerID    string     `json:"owner_id"`
	Attributes Attributes `json:"attributes"`
	Active     bool       `json:"active"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Group belongs to exactly one organization.
type Group struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id"`
	Name           string     `json:"name"`
	Attributes     Attributes `json:"attributes"`
	Active         bool       `json:"active"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Role is scoped to an entity (an organization).
type Role struct {
	ID         string     `json:"id"`
	EntityID   string     `json:"entity_id"`
	Name       string     `json:"name"`
	Attributes Attributes `json:"attributes"`
	Active     bool       `json:"active"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Permission is an organization-agnostic grant primitive.
type Permission struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// User is a login identity. PasswordHash never leaves the process.
type User struct {
	ID           string     `json:"id"`
	Login        string     `json:"login"`
	PasswordHash string     `json:"-"`
	Email        string     `json:"email"`
	Attributes   Attributes `json:"attributes"`
	Enabled      bool       `json:"enabled"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// ListResult is one page of a collection.
type ListResult[T any] struct {
	Results []T        `json:"results"`
	Meta    query.Meta `json:"meta"`
}

// Relation names a grant join table.
type Relation string

const (
	OrganizationUsers       Relation = "organization_users"
	OrganizationPermissions Relation = "organization_permissions"
	GroupUsers              Relation = "group_users"
	GroupPermissions        Relation = "group_permissions"
	RoleUsers               Relation = "role_users"
	RolePermissions         Relation = "role_permissions"
)

// Relations lists every grant relation.
var Relations = []Relation{
	OrganizationUsers, OrganizationPermissions,
	GroupUsers, GroupPermissions,
	RoleUsers, RolePermissions,
}

// Parent returns the owning kind ("organizations", "groups", "roles").
func (r Relation) Parent() string {
	switch r {
	case OrganizationUsers, OrganizationPermissions:
		return KindOrganizations
	case GroupUsers, GroupPermissions:
		return KindGroups
	default:
		return KindRoles
	}
}

// Child returns the granted kind ("users" or "permissions").
func (r Relation) Child() string {
	switch r {
	case OrganizationUsers, GroupUsers, RoleUsers:
		return KindUsers
	default:
		return KindPermissions
	}
}

// RelationFor maps a parent kind and child kind to a relation.
func RelationFor(parent, child string) (Relation, bool) {
	for _, r := range Relations {
		if r.Parent() == parent && r.Child() == child {
			return r, true
		}
	}
	return "", false
}

// Collection kinds, used as resource type names.
const (
	KindOrganizations = "organizations"
	KindGroups        = "groups"
	KindRoles         = "roles"
	KindPermissions   = "permissions"
	KindUsers         = "users"
)

// entityTypes are the non-text columns shared by the attributed entities.
var entityTypes = map[string]query.ColumnType{
	"attributes": query.ColumnJSON,
	"active":     query.ColumnBool,
	"enabled":    query.ColumnBool,
	"created_at": query.ColumnTime,
	"updated_at": query.ColumnTime,
}

// Schemas are the filter/sort/field allow-lists per collection.
var Schemas = map[string]query.Schema{
	KindOrganizations: {
		Type:        KindOrganizations,
		Columns:     []string{"id", "name", "owner_id", "attributes", "active", "created_at", "updated_at"},
		DefaultSort: "name",
		Types:       entityTypes,
	},
	KindGroups: {
		Type:        KindGroups,
		Columns:     []string{"id", "organization_id", "name", "attributes", "active", "created_at", "updated_at"},
		DefaultSort: "name",
		Types:       entityTypes,
	},
	KindRoles: {
		Type:        KindRoles,
		Columns:     []string{"id", "entity_id", "name", "attributes", "active", "created_at", "updated_at"},
		DefaultSort: "name",
		Types:       entityTypes,
	},
	KindPermissions: {
		Type:        KindPermissions,
		Columns:     []string{"id", "name", "description", "created_at", "updated_at"},
		DefaultSort: "name",
		Types:       entityTypes,
	},
	KindUsers: {
		Type:        KindUsers,
		Columns:     []string{"id", "login", "email", "attributes", "enabled", "created_at", "updated_at"},
		DefaultSort: "login",
		Types:       entityTypes,
	},
}
