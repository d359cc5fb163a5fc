package rbac

import (
	"context"
	"net/http"
	"strings"

	"log/slog"

	"github.com/ledgerline/portal/internal/platform/httpx"
)

// PermissionSource resolves the effective permissions of a user.
type PermissionSource interface {
	EffectivePermissions(ctx context.Context, tenantID string, userID int64) ([]Permission, error)
}

// Middleware wires RBAC authorization helpers for HTTP handlers.
type Middleware struct {
	Source PermissionSource
	Logger *slog.Logger
}

// RequireAny ensures the current principal has at least one of the required permissions.
func (m Middleware) RequireAny(perms ...Permission) func(http.Handler) http.Handler {
	return m.require("rbac require any", perms, hasAnyPermission)
}

// RequireAll ensures the current principal has all required permissions.
func (m Middleware) RequireAll(perms ...Permission) func(http.Handler) http.Handler {
	return m.require("rbac require all", perms, hasAllPermissions)
}

func (m Middleware) require(op string, perms []Permission, check func(granted, required []Permission) bool) func(http.Handler) http.Handler {
	normalized := normalizePermissions(perms)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(normalized) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			principal := PrincipalFromContext(r.Context())
			if principal == nil {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing credentials")
				return
			}
			if principal.IsSuperUser() {
				next.ServeHTTP(w, r)
				return
			}
			granted, err := m.Source.EffectivePermissions(r.Context(), principal.GetTenantID(), principal.GetID())
			if err != nil {
				if m.Logger != nil {
					m.Logger.Error(op, slog.Any("error", err))
				}
				httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
				return
			}
			if check(granted, normalized) {
				next.ServeHTTP(w, r)
				return
			}
			httpx.Problem(w, http.StatusForbidden, "Forbidden", "missing permission")
		})
	}
}

func normalizePermissions(perms []Permission) []Permission {
	out := make([]Permission, 0, len(perms))
	for _, p := range perms {
		out = append(out, Permission(strings.ToUpper(strings.TrimSpace(string(p)))))
	}
	return Dedupe(out)
}

func hasAnyPermission(granted, required []Permission) bool {
	if len(required) == 0 {
		return true
	}
	set := toSet(granted)
	for _, r := range required {
		if _, ok := set[r]; ok {
			return true
		}
	}
	return false
}

func hasAllPermissions(granted, required []Permission) bool {
	set := toSet(granted)
	for _, r := range required {
		if _, ok := set[r]; !ok {
			return false
		}
	}
	return true
}
