package auth

import (
	"context"

	"github.com/google/uuid"
)

type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleStaff   Role = "staff"
	RoleAdmin   Role = "admin"
	RoleSystem  Role = "system"
)

// Principal is the caller as resolved by the identity collaborator.
type Principal struct {
	UserID uuid.UUID
	Roles  []Role
}

// System is the principal used by background jobs and the operator CLI.
func System() Principal {
	return Principal{UserID: uuid.Nil, Roles: []Role{RoleSystem}}
}

// HasAny reports whether p carries at least one of roles.
func (p Principal) HasAny(roles ...Role) bool {
	for _, have := range p.Roles {
		for _, want := range roles {
			if have == want {
				return true
			}
		}
	}
	return false
}

// Privileged is true for staff, admins and the system principal.
func (p Principal) Privileged() bool {
	return p.HasAny(RoleStaff, RoleAdmin, RoleSystem)
}

// Actor renders the principal for audit columns.
func (p Principal) Actor() string {
	if p.HasAny(RoleSystem) {
		return "system"
	}
	return p.UserID.String()
}

type contextKey string

const principalKey contextKey = "principal"

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}
