package rbac

import (
	"context"
	"time"
)

// Permission is an atomic capability identifier drawn from the policy catalog.
type Permission string

// Role names a default bundle of permissions.
type Role string

// Built-in roles.
const (
	RoleClient     Role = "CLIENT"
	RoleTeamMember Role = "TEAM_MEMBER"
	RoleTeamLead   Role = "TEAM_LEAD"
	RoleAdmin      Role = "ADMIN"
	RoleSuperAdmin Role = "SUPER_ADMIN"
)

// CustomRole is a tenant-defined role persisted in custom_roles.
type CustomRole struct {
	ID          int64        `json:"id"`
	TenantID    string       `json:"tenantId"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Rank        int          `json:"rank"`
	Permissions []Permission `json:"permissions"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// UserAccess is the role and explicit permission set held by a user.
type UserAccess struct {
	UserID      int64        `json:"userId"`
	TenantID    string       `json:"tenantId"`
	Role        Role         `json:"role"`
	Permissions []Permission `json:"permissions"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// Principal describes the authenticated actor.
type Principal interface {
	GetID() int64
	GetTenantID() string
	GetRole() string
	IsSuperUser() bool
}

type principalContextKey struct{}

// ContextWithPrincipal stores the principal in ctx.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext extracts the principal stored by ContextWithPrincipal.
func PrincipalFromContext(ctx context.Context) Principal {
	p, _ := ctx.Value(principalContextKey{}).(Principal)
	return p
}

// Permissions referenced by route guards.
const (
	PermUserView         Permission = "USER_VIEW"
	PermUserEdit         Permission = "USER_EDIT"
	PermUserRoleAssign   Permission = "USER_ROLE_ASSIGN"
	PermPermissionManage Permission = "PERMISSION_MANAGE"
	PermBulkOperations   Permission = "BULK_OPERATIONS"
	PermAuditView        Permission = "AUDIT_VIEW"
	PermExportView       Permission = "EXPORT_VIEW"
	PermExportSchedule   Permission = "EXPORT_SCHEDULE"
)
