package auth

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)

// IsValidUsername checks if a username is 1-64 characters of letters,
// digits, dots, hyphens and underscores.
func IsValidUsername(username string) bool {
	return usernamePattern.MatchString(username)
}

// Role is an authorisation tier.
type Role string

const (
	// RoleUser owns devices and sees only those.
	RoleUser Role = "user"

	// RoleAdmin sees every device and manages accounts.
	RoleAdmin Role = "admin"

	// RoleOwner has everything admin has. The first account is an owner.
	RoleOwner Role = "owner"
)

// ValidRoles is the set of assignable roles.
var ValidRoles = []Role{RoleUser, RoleAdmin, RoleOwner}

// IsValidRole reports whether r is an assignable role.
func IsValidRole(r Role) bool {
	for _, v := range ValidRoles {
		if r == v {
			return true
		}
	}
	return false
}

// User is a stored account.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"displayName"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	IsActive     bool      `json:"isActive"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Identity is the authenticated caller behind a request or session.
type Identity struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Role     Role   `json:"role"`
}

// CanSee reports whether the identity may see devices owned by ownerID.
// It satisfies device.Viewer.
func (id Identity) CanSee(ownerID string) bool {
	if id.Role == RoleAdmin || id.Role == RoleOwner {
		return true
	}
	return id.UserID != "" && id.UserID == ownerID
}

// Can reports whether the identity's role grants perm.
func (id Identity) Can(perm Permission) bool {
	return HasPermission(id.Role, perm)
}

// ErrAuth is the root of every authentication failure; check with errors.Is.
var ErrAuth = errors.New("auth: authentication failed")

// Sentinel errors for auth operations.
var (
	ErrInvalidCredentials = fmt.Errorf("%w: invalid credentials", ErrAuth)
	ErrUserInactive       = fmt.Errorf("%w: user account is inactive", ErrAuth)
	ErrTokenInvalid       = fmt.Errorf("%w: invalid token", ErrAuth)

	ErrUserNotFound   = errors.New("auth: user not found")
	ErrUsernameExists = errors.New("auth: username already exists")
	ErrInvalidUser    = errors.New("auth: invalid user")
)
