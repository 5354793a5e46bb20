package domain

import "fmt"

type Role string

const (
	RoleClient       Role = "client"
	RoleProfessional Role = "professional"
	RoleAdmin        Role = "admin"
)

func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleClient, RoleProfessional, RoleAdmin:
		return r, nil
	default:
		return "", fmt.Errorf("invalid role %q", s)
	}
}

// Caller identifies who is performing an operation.
type Caller struct {
	ActorID string
	Role    Role
}

func (c Caller) IsAdmin() bool { return c.Role == RoleAdmin }

// Deny builds the error returned when c may not perform action.
func (c Caller) Deny(action string) error {
	return &AuthError{ActorID: c.ActorID, Role: c.Role, Action: action}
}
