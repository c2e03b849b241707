package rbac

import (
	"fmt"
	"net/mail"
	"strings"
	"unicode/utf8"
)

const (
	maxNameLength     = 255
	minPasswordLength = 8
)

// OrganizationInput is the create body for organizations.
type OrganizationInput struct {
	Name       string     `json:"name"`
	OwnerID    string     `json:"owner_id"`
	Attributes Attributes `json:"attributes,omitempty"`
	Active     *bool      `json:"active,omitempty"`
}

// OrganizationPatch lists the mutable organization fields.
type OrganizationPatch struct {
	Name       *string     `json:"name,omitempty"`
	OwnerID    *string     `json:"owner_id,omitempty"`
	Attributes *Attributes `json:"attributes,omitempty"`
	Active     *bool       `json:"active,omitempty"`
}

type GroupInput struct {
	OrganizationID string     `json:"organization_id"`
	Name           string     `json:"name"`
	Attributes     Attributes `json:"attributes,omitempty"`
	Active         *bool      `json:"active,omitempty"`
}

type GroupPatch struct {
	OrganizationID *string     `json:"organization_id,omitempty"`
	Name           *string     `json:"name,omitempty"`
	Attributes     *Attributes `json:"attributes,omitempty"`
	Active         *bool       `json:"active,omitempty"`
}

type RoleInput struct {
	EntityID   string     `json:"entity_id"`
	Name       string     `json:"name"`
	Attributes Attributes `json:"attributes,omitempty"`
	Active     *bool      `json:"active,omitempty"`
}

type RolePatch struct {
	EntityID   *string     `json:"entity_id,omitempty"`
	Name       *string     `json:"name,omitempty"`
	Attributes *Attributes `json:"attributes,omitempty"`
	Active     *bool       `json:"active,omitempty"`
}

type PermissionInput struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type PermissionPatch struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

// UserInput is the create body for users. The service replaces Password with
// PasswordHash before the repository sees it.
type UserInput struct {
	Login        string     `json:"login"`
	Password     string     `json:"password"`
	Email        string     `json:"email,omitempty"`
	Attributes   Attributes `json:"attributes,omitempty"`
	Enabled      *bool      `json:"enabled,omitempty"`
	PasswordHash string     `json:"-"`
}

type UserPatch struct {
	Login        *string     `json:"login,omitempty"`
	Password     *string     `json:"password,omitempty"`
	Email        *string     `json:"email,omitempty"`
	Attributes   *Attributes `json:"attributes,omitempty"`
	Enabled      *bool       `json:"enabled,omitempty"`
	PasswordHash *string     `json:"-"`
}

// GrantInput is the body of grant and revoke calls. Exactly one list is used,
// depending on the relation.
type GrantInput struct {
	Users       []string `json:"users,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// IDs returns the list matching rel's child kind and rejects the other one.
func (g GrantInput) IDs(rel Relation) ([]string, error) {
	var ids, other []string
	if rel.Child() == KindUsers {
		ids, other = g.Users, g.Permissions
	} else {
		ids, other = g.Permissions, g.Users
	}
	if len(other) > 0 {
		return nil, fmt.Errorf("%w: %s cannot be granted on %s", ErrBadRequest, otherKind(rel), rel.Parent())
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: %s list is required", ErrBadRequest, rel.Child())
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("%w: empty id in %s", ErrBadRequest, rel.Child())
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

func otherKind(rel Relation) string {
	if rel.Child() == KindUsers {
		return KindPermissions
	}
	return KindUsers
}

func (in *OrganizationInput) Validate() error {
	var err error
	if in.Name, err = requireName("name", in.Name); err != nil {
		return err
	}
	if in.OwnerID, err = requireID("owner_id", in.OwnerID); err != nil {
		return err
	}
	return nil
}

func (p *OrganizationPatch) Validate() error {
	if p.Name == nil && p.OwnerID == nil && p.Attributes == nil && p.Active == nil {
		return fmt.Errorf("%w: no fields to update", ErrBadRequest)
	}
	if err := patchName("name", p.Name); err != nil {
		return err
	}
	return patchID("owner_id", p.OwnerID)
}

func (in *GroupInput) Validate() error {
	var err error
	if in.Name, err = requireName("name", in.Name); err != nil {
		return err
	}
	if in.OrganizationID, err = requireID("organization_id", in.OrganizationID); err != nil {
		return err
	}
	return nil
}

func (p *GroupPatch) Validate() error {
	if p.Name == nil && p.OrganizationID == nil && p.Attributes == nil && p.Active == nil {
		return fmt.Errorf("%w: no fields to update", ErrBadRequest)
	}
	if err := patchName("name", p.Name); err != nil {
		return err
	}
	return patchID("organization_id", p.OrganizationID)
}

func (in *RoleInput) Validate() error {
	var err error
	if in.Name, err = requireName("name", in.Name); err != nil {
		return err
	}
	if in.EntityID, err = requireID("entity_id", in.EntityID); err != nil {
		return err
	}
	return nil
}

func (p *RolePatch) Validate() error {
	if p.Name == nil && p.EntityID == nil && p.Attributes == nil && p.Active == nil {
		return fmt.Errorf("%w: no fields to update", ErrBadRequest)
	}
	if err := patchName("name", p.Name); err != nil {
		return err
	}
	return patchID("entity_id", p.EntityID)
}

func (in *PermissionInput) Validate() error {
	var err error
	in.Name, err = requireName("name", in.Name)
	return err
}

func (p *PermissionPatch) Validate() error {
	if p.Name == nil && p.Description == nil {
		return fmt.Errorf("%w: no fields to update", ErrBadRequest)
	}
	return patchName("name", p.Name)
}

func (in *UserInput) Validate() error {
	var err error
	if in.Login, err = requireName("login", in.Login); err != nil {
		return err
	}
	if err := checkPassword(in.Password); err != nil {
		return err
	}
	in.Email = strings.TrimSpace(in.Email)
	return checkEmail(in.Email)
}

func (p *UserPatch) Validate() error {
	if p.Login == nil && p.Password == nil && p.Email == nil && p.Attributes == nil && p.Enabled == nil {
		return fmt.Errorf("%w: no fields to update", ErrBadRequest)
	}
	if err := patchName("login", p.Login); err != nil {
		return err
	}
	if p.Password != nil {
		if err := checkPassword(*p.Password); err != nil {
			return err
		}
	}
	if p.Email != nil {
		e := strings.TrimSpace(*p.Email)
		p.Email = &e
		return checkEmail(e)
	}
	return nil
}

func requireName(field, v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", fmt.Errorf("%w: %s is required", ErrBadRequest, field)
	}
	if utf8.RuneCountInString(v) > maxNameLength {
		return "", fmt.Errorf("%w: %s is longer than %d characters", ErrBadRequest, field, maxNameLength)
	}
	return v, nil
}

func requireID(field, v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", fmt.Errorf("%w: %s is required", ErrBadRequest, field)
	}
	return v, nil
}

func patchName(field string, v *string) error {
	if v == nil {
		return nil
	}
	name, err := requireName(field, *v)
	if err != nil {
		return err
	}
	*v = name
	return nil
}

func patchID(field string, v *string) error {
	if v == nil {
		return nil
	}
	id, err := requireID(field, *v)
	if err != nil {
		return err
	}
	*v = id
	return nil
}

func checkPassword(p string) error {
	if utf8.RuneCountInString(p) < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrBadRequest, minPasswordLength)
	}
	return nil
}

func checkEmail(e string) error {
	if e == "" {
		return nil
	}
	if _, err := mail.ParseAddress(e); err != nil {
		return fmt.Errorf("%w: invalid email", ErrBadRequest)
	}
	return nil
}
