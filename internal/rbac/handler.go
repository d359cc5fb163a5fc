package rbac

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ledgerline/portal/internal/platform/httpx"
)

// Handler exposes the permission engine and role administration as JSON.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbac    Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbac Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers permission and role routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(PermUserView, PermPermissionManage))
		r.Get("/permissions", h.listPermissions)
		r.Get("/permissions/templates", h.listTemplates)
		r.Post("/permissions/validate", h.validate)
		r.Post("/permissions/diff", h.diff)
		r.Post("/permissions/suggestions", h.suggestions)
		r.Get("/roles", h.listRoles)
		r.Get("/users/{id}/permissions", h.userAccess)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(PermUserRoleAssign))
		r.Put("/users/{id}/permissions", h.updateUserPermissions)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(PermPermissionManage))
		r.Post("/roles", h.createRole)
		r.Put("/roles/{id}", h.updateRole)
		r.Delete("/roles/{id}", h.deleteRole)
	})
}

type permissionSetRequest struct {
	Permissions []Permission `json:"permissions"`
}

type diffRequest struct {
	Current []Permission `json:"current"`
	Target  []Permission `json:"target"`
}

type suggestionsRequest struct {
	Role          Role         `json:"role" validate:"required"`
	Permissions   []Permission `json:"permissions"`
	Dismissed     []Permission `json:"dismissed"`
	MinConfidence *float64     `json:"minConfidence" validate:"omitempty,gte=0,lte=1"`
	Limit         *int         `json:"limit" validate:"omitempty,gte=0"`
}

type assignmentRequest struct {
	Role        Role         `json:"role"`
	Permissions []Permission `json:"permissions"`
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	catalog := h.service.Engine().Catalog()
	ids := h.service.Engine().SearchPermissions(r.URL.Query().Get("q"))
	items := make([]Metadata, 0, len(ids))
	for _, id := range ids {
		if m, ok := catalog.Lookup(id); ok {
			items = append(items, m)
		}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": items, "total": catalog.Count()})
}

func (h *Handler) listTemplates(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, map[string]any{"templates": h.service.Engine().Templates()})
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFromContext(r.Context())
	roles, err := h.service.ListRoles(r.Context(), principal.GetTenantID())
	if err != nil {
		h.fail(w, "list roles", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (h *Handler) validate(w http.ResponseWriter, r *http.Request) {
	var req permissionSetRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, h.service.Engine().Validate(req.Permissions))
}

func (h *Handler) diff(w http.ResponseWriter, r *http.Request) {
	var req diffRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, h.service.Engine().CalculateDiff(req.Current, req.Target))
}

func (h *Handler) suggestions(w http.ResponseWriter, r *http.Request) {
	var req suggestionsRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	engine, err := h.service.EngineFor(r.Context(), PrincipalFromContext(r.Context()).GetTenantID())
	if err != nil {
		h.fail(w, "load roles", err)
		return
	}
	tuning := engine.Tuning()
	if req.MinConfidence != nil {
		tuning.MinConfidence = *req.MinConfidence
	}
	if req.Limit != nil {
		tuning.Limit = *req.Limit
	}
	dismissed := toSet(req.Dismissed)
	out := FilterSuggestions(engine.Suggestions(req.Role, req.Permissions), tuning.MinConfidence, tuning.Limit, func(p Permission) bool {
		_, skip := dismissed[p]
		return skip
	})
	httpx.JSON(w, http.StatusOK, map[string]any{"suggestions": out})
}

func (h *Handler) userAccess(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	access, err := h.service.UserAccess(r.Context(), PrincipalFromContext(r.Context()).GetTenantID(), id)
	if err != nil {
		h.fail(w, "load user access", err)
		return
	}
	httpx.JSON(w, http.StatusOK, access)
}

func (h *Handler) updateUserPermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req assignmentRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.UpdateUserPermissions(r.Context(), PrincipalFromContext(r.Context()), id, req.Role, req.Permissions)
	if errors.Is(err, ErrInvalidPermissions) {
		httpx.JSON(w, http.StatusUnprocessableEntity, map[string]any{
			"title":      "Invalid permission set",
			"status":     http.StatusUnprocessableEntity,
			"validation": result.Validation,
		})
		return
	}
	if err != nil {
		h.fail(w, "update user permissions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req RoleInput
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	role, err := h.service.CreateRole(r.Context(), PrincipalFromContext(r.Context()), req)
	if err != nil {
		h.fail(w, "create role", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, role)
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req RoleInput
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	role, err := h.service.UpdateRole(r.Context(), PrincipalFromContext(r.Context()), id, req)
	if err != nil {
		h.fail(w, "update role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteRole(r.Context(), PrincipalFromContext(r.Context()), id); err != nil {
		h.fail(w, "delete role", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if !isClientError(err) {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func isClientError(err error) bool {
	for _, class := range []error{httpx.ErrNotFound, httpx.ErrValidation, httpx.ErrDuplicate, httpx.ErrConflict, httpx.ErrForbidden, httpx.ErrUnauthorized} {
		if errors.Is(err, class) {
			return true
		}
	}
	return false
}

func parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid id")
		return 0, false
	}
	return id, true
}
