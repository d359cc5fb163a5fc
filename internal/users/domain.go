package users

import (
	"time"

	"github.com/ledgerline/portal/internal/rbac"
)

// Status is the account lifecycle state.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusInactive  Status = "INACTIVE"
	StatusSuspended Status = "SUSPENDED"
	StatusPending   Status = "PENDING"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusSuspended, StatusPending:
		return true
	}
	return false
}

// User represents a tenant user account.
type User struct {
	ID       int64     `json:"id"`
	TenantID string    `json:"tenantId"`
	Email    string    `json:"email"`
	Name     string    `json:"name"`
	Role     rbac.Role `json:"role"`
	Status   Status    `json:"status"`
	// Permissions is nil when the user holds the role defaults.
	Permissions []rbac.Permission `json:"permissions,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// Filter narrows a directory listing.
type Filter struct {
	TenantID string
	Role     rbac.Role
	Status   Status
	Query    string
	IDs      []int64
	Limit    int
}
