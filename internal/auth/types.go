package auth

import "errors"

// Role represents an authorisation tier.
type Role string

const (
	// RoleViewer may read accessory state and history.
	RoleViewer Role = "viewer"

	// RoleOperator may also write characteristics.
	RoleOperator Role = "operator"

	// RoleAdmin has every permission, including bridge diagnostics.
	RoleAdmin Role = "admin"
)

// ValidRoles lists every role a token may carry.
var ValidRoles = []Role{RoleViewer, RoleOperator, RoleAdmin}

// IsValidRole returns true if r is a known role.
func IsValidRole(r Role) bool {
	for _, v := range ValidRoles {
		if r == v {
			return true
		}
	}
	return false
}

// Sentinel errors for auth operations.
var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrInvalidRole  = errors.New("invalid role")
	ErrNoSecret     = errors.New("jwt secret is not configured")
	ErrForbidden    = errors.New("insufficient permissions")
)
