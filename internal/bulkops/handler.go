package bulkops

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/ledgerline/portal/internal/platform/httpx"
	"github.com/ledgerline/portal/internal/rbac"
)

const (
	startRateLimit  = 10
	startRateWindow = time.Minute
)

// Handler exposes bulk operations over JSON.
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

// MountRoutes registers bulk operation routes.
func (h *Handler) MountRoutes(r chi.Router) {
	limiter := httprate.Limit(startRateLimit, startRateWindow,
		httprate.WithKeyFuncs(principalKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpx.Problem(w, http.StatusTooManyRequests, "Too Many Requests", "bulk operation rate limit exceeded")
		}),
	)
	r.Route("/bulk-operations", func(r chi.Router) {
		r.Use(h.rbac.RequireAll(rbac.PermBulkOperations))
		r.Get("/", h.list)
		r.Post("/preview", h.preview)
		r.With(limiter).Post("/", h.start)
		r.Get("/{id}", h.get)
		r.Post("/{id}/rollback", h.rollback)
	})
}

func principalKey(r *http.Request) (string, error) {
	if p := rbac.PrincipalFromContext(r.Context()); p != nil {
		return "user:" + p.GetTenantID() + ":" + strconv.FormatInt(p.GetID(), 10), nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := h.service.List(r.Context(), rbac.PrincipalFromContext(r.Context()).GetTenantID(), limit)
	if err != nil {
		h.fail(w, "list bulk operations", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"operations": records})
}

func (h *Handler) preview(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	dry, err := h.service.Preview(r.Context(), rbac.PrincipalFromContext(r.Context()), req)
	if err != nil {
		h.fail(w, "preview bulk operation", err)
		return
	}
	httpx.JSON(w, http.StatusOK, dry)
}

func (h *Handler) start(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if req.RequestID == "" {
		req.RequestID = r.Header.Get("Idempotency-Key")
	}
	progress, err := h.service.Start(r.Context(), rbac.PrincipalFromContext(r.Context()), req)
	if err != nil {
		h.fail(w, "start bulk operation", err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, progress)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	tenantID := rbac.PrincipalFromContext(r.Context()).GetTenantID()
	switch action := r.URL.Query().Get("action"); action {
	case "progress":
		progress, err := h.service.Progress(r.Context(), tenantID, id)
		if err != nil {
			h.fail(w, "bulk progress", err)
			return
		}
		httpx.JSON(w, http.StatusOK, progress)
	case "result":
		result, err := h.service.Result(r.Context(), tenantID, id)
		if err != nil {
			h.fail(w, "bulk result", err)
			return
		}
		httpx.JSON(w, http.StatusOK, result)
	case "":
		rec, err := h.service.Get(r.Context(), tenantID, id)
		if err != nil {
			h.fail(w, "get bulk operation", err)
			return
		}
		httpx.JSON(w, http.StatusOK, rec)
	default:
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "unknown action "+action)
	}
}

func (h *Handler) rollback(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.Rollback(r.Context(), rbac.PrincipalFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "rollback bulk operation", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	clientErr := false
	for _, class := range []error{httpx.ErrNotFound, httpx.ErrValidation, httpx.ErrConflict, httpx.ErrForbidden} {
		if errors.Is(err, class) {
			clientErr = true
			break
		}
	}
	if !clientErr {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
