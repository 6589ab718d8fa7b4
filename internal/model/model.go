// Package model defines domain entities shared by the session client and the mock API.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// Role is the authorization role carried by a session.
type Role string

// Known roles.
const (
	RoleSuperAdmin Role = "SUPER_ADMIN"
	RoleTenantUser Role = "TENANT_USER"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleSuperAdmin || r == RoleTenantUser
}

// LoginPath returns the login surface used when a view requiring r must redirect.
func (r Role) LoginPath() string {
	if r == RoleSuperAdmin {
		return "/admin/login"
	}
	return "/painel/login"
}

// User is the authenticated identity record held by the session store.
type User struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	Role     Role   `json:"role"`
	TenantID string `json:"tenantId,omitempty"`
	Active   bool   `json:"isActive"`
}

// TokenPair is the access/refresh credential pair bound to a session.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Tokens collects issued access/refresh tokens on the server side.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time // access token expiry (for diagnostics)
}

// Account is a user stored on the mock API side. Passwords are never stored in plaintext.
type Account struct {
	ID        uuid.UUID // PK
	Email     string    // unique
	Name      string
	Role      Role
	TenantID  string
	Active    bool
	PwdHash   []byte // Argon2id(password, SaltAuth)
	SaltAuth  []byte // per-user auth salt
	CreatedAt time.Time
}

// User projects the account into the public identity record.
func (a Account) User() User {
	return User{
		ID:       a.ID.String(),
		Email:    a.Email,
		Name:     a.Name,
		Role:     a.Role,
		TenantID: a.TenantID,
		Active:   a.Active,
	}
}
