package rbac

import "errors"

var (
	ErrBadRequest       = errors.New("rbac: bad request")
	ErrInvalidReference = errors.New("rbac: invalid reference")
	ErrNameConflict     = errors.New("rbac: name already taken")
	ErrLoginConflict    = errors.New("rbac: login already taken")
	ErrNotFound         = errors.New("rbac: not found")
	ErrHasDependents    = errors.New("rbac: entity has dependents")
	ErrOwnerConstraint  = errors.New("rbac: organization owner cannot be removed")
)
