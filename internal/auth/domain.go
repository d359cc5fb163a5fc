// Package auth issues and verifies bearer tokens for the admin API.
package auth

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ledgerline/portal/internal/platform/httpx"
	"github.com/ledgerline/portal/internal/rbac"
)

var (
	ErrInvalidCredentials = httpx.Wrap(httpx.ErrUnauthorized, errors.New("auth: invalid credentials"))
	ErrInvalidToken       = httpx.Wrap(httpx.ErrUnauthorized, errors.New("auth: invalid token"))
	ErrTokenExpired       = httpx.Wrap(httpx.ErrUnauthorized, errors.New("auth: token expired"))
)

// Account is the credential record of a tenant user.
type Account struct {
	ID           int64
	TenantID     string
	Email        string
	Role         rbac.Role
	Active       bool
	PasswordHash string
}

// Claims are the token claims. The subject carries the user ID.
type Claims struct {
	Tenant string `json:"tenant"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Principal is the authenticated caller.
type Principal struct {
	ID     int64     `json:"id"`
	Tenant string    `json:"tenantId"`
	Role   rbac.Role `json:"role"`
}

func (p Principal) GetID() int64        { return p.ID }
func (p Principal) GetTenantID() string { return p.Tenant }
func (p Principal) GetRole() string     { return string(p.Role) }

// IsSuperUser reports whether the caller bypasses permission checks.
func (p Principal) IsSuperUser() bool { return p.Role == rbac.RoleSuperAdmin }

var _ rbac.Principal = Principal{}
