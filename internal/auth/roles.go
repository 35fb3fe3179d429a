package auth

import (
	"fmt"
	"strings"
)

// Role is a deployment-defined role name carried in access tokens.
type Role string

// Scope says whether identities of a role live inside a tenant.
type Scope string

const (
	ScopeTenant Scope = "tenant"
	ScopeGlobal Scope = "global"
)

// RoleSpec describes one role. Roles that share a Namespace share identifier
// uniqueness.
type RoleSpec struct {
	Name      Role
	Namespace string
	Scope     Scope
}

// RoleSet is the closed set of roles a deployment accepts.
type RoleSet struct {
	specs map[Role]RoleSpec
}

// DefaultRoles is used when no roles are configured.
var DefaultRoles = []RoleSpec{
	{Name: "admin", Namespace: "staff", Scope: ScopeGlobal},
	{Name: "moderator", Namespace: "staff", Scope: ScopeGlobal},
	{Name: "member", Namespace: "member", Scope: ScopeTenant},
}

// NewRoleSet validates specs and builds a RoleSet.
func NewRoleSet(specs ...RoleSpec) (*RoleSet, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: at least one role is required", ErrInvalidInput)
	}
	set := &RoleSet{specs: make(map[Role]RoleSpec, len(specs))}
	for _, spec := range specs {
		spec.Name = Role(strings.TrimSpace(string(spec.Name)))
		if spec.Name == "" {
			return nil, fmt.Errorf("%w: role name is required", ErrInvalidInput)
		}
		if _, dup := set.specs[spec.Name]; dup {
			return nil, fmt.Errorf("%w: role %q declared twice", ErrInvalidInput, spec.Name)
		}
		spec.Namespace = strings.TrimSpace(spec.Namespace)
		if spec.Namespace == "" {
			spec.Namespace = string(spec.Name)
		}
		switch spec.Scope {
		case ScopeTenant, ScopeGlobal:
		case "":
			spec.Scope = ScopeTenant
		default:
			return nil, fmt.Errorf("%w: role %q has unknown scope %q", ErrInvalidInput, spec.Name, spec.Scope)
		}
		set.specs[spec.Name] = spec
	}
	return set, nil
}

// MustRoleSet is NewRoleSet that panics on error.
func MustRoleSet(specs ...RoleSpec) *RoleSet {
	set, err := NewRoleSet(specs...)
	if err != nil {
		panic(err)
	}
	return set
}

// Lookup returns the RoleSpec registered for role.
func (s *RoleSet) Lookup(role Role) (RoleSpec, bool) {
	if s == nil {
		return RoleSpec{}, false
	}
	spec, ok := s.specs[role]
	return spec, ok
}

// Contains reports whether role is part of the set.
func (s *RoleSet) Contains(role Role) bool {
	_, ok := s.Lookup(role)
	return ok
}

// resolve checks the tenant id against the role scope and returns the
// credential namespace.
func (s *RoleSet) resolve(tenantID string, role Role) (RoleSpec, error) {
	spec, ok := s.Lookup(role)
	if !ok {
		return RoleSpec{}, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}
	switch spec.Scope {
	case ScopeGlobal:
		if tenantID != "" {
			return RoleSpec{}, fmt.Errorf("%w: role %q is not tenant scoped", ErrInvalidInput, role)
		}
	case ScopeTenant:
		if tenantID == "" {
			return RoleSpec{}, fmt.Errorf("%w: role %q requires a tenant", ErrInvalidInput, role)
		}
	}
	return spec, nil
}

// NormalizeIdentifier trims and lower-cases a login identifier.
func NormalizeIdentifier(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}
