package exports

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ledgerline/portal/internal/platform/httpx"
	"github.com/ledgerline/portal/internal/rbac"
)

// Handler exposes export schedules over JSON.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbac    rbac.Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers schedule routes under /users/exports/schedule.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.PermExportView, rbac.PermExportSchedule))
		r.Get("/users/exports/schedule", h.list)
		r.Get("/users/exports/schedule/{id}", h.get)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(rbac.PermExportSchedule))
		r.Post("/users/exports/schedule", h.create)
		r.Post("/users/exports/schedule/validate", h.validate)
		r.Patch("/users/exports/schedule/{id}", h.update)
		r.Delete("/users/exports/schedule/{id}", h.delete)
	})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.List(r.Context(), rbac.PrincipalFromContext(r.Context()).GetTenantID())
	if err != nil {
		h.fail(w, "list export schedules", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"schedules": list})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	sched, err := h.service.Get(r.Context(), rbac.PrincipalFromContext(r.Context()).GetTenantID(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "get export schedule", err)
		return
	}
	httpx.JSON(w, http.StatusOK, sched)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var in ScheduleInput
	if err := httpx.Bind(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	sched, err := h.service.Create(r.Context(), rbac.PrincipalFromContext(r.Context()), in)
	if err != nil {
		h.fail(w, "create export schedule", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, sched)
}

func (h *Handler) validate(w http.ResponseWriter, r *http.Request) {
	var in ScheduleInput
	if err := httpx.Bind(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	res, next := h.service.Preview(in)
	httpx.JSON(w, http.StatusOK, map[string]any{"validation": res, "nextRunAt": next})
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	var patch SchedulePatch
	if err := httpx.Bind(r, &patch); err != nil {
		httpx.RespondError(w, err)
		return
	}
	sched, err := h.service.Update(r.Context(), rbac.PrincipalFromContext(r.Context()), chi.URLParam(r, "id"), patch)
	if err != nil {
		h.fail(w, "update export schedule", err)
		return
	}
	httpx.JSON(w, http.StatusOK, sched)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), rbac.PrincipalFromContext(r.Context()), chi.URLParam(r, "id")); err != nil {
		h.fail(w, "delete export schedule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	var invalid *ValidationError
	if errors.As(err, &invalid) {
		httpx.JSON(w, http.StatusBadRequest, httpx.ProblemDetail{
			Title:  "Validation Failed",
			Status: http.StatusBadRequest,
			Detail: strings.Join(invalid.Result.Errors, "; "),
			Fields: invalid.Result.Fields,
		})
		return
	}
	if !errors.Is(err, httpx.ErrNotFound) && !errors.Is(err, httpx.ErrValidation) {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
