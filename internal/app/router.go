package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	audithttp "github.com/ledgerline/portal/internal/audit/http"
	"github.com/ledgerline/portal/internal/auth"
	"github.com/ledgerline/portal/internal/bulkops"
	"github.com/ledgerline/portal/internal/exports"
	"github.com/ledgerline/portal/internal/observability"
	"github.com/ledgerline/portal/internal/platform/httpx"
	"github.com/ledgerline/portal/internal/rbac"
	"github.com/ledgerline/portal/internal/users"
	"github.com/ledgerline/portal/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger  *slog.Logger
	Config  *Config
	Metrics *observability.Metrics

	// Authenticate guards /api/admin; nil leaves it open, which only tests do.
	Authenticate func(http.Handler) http.Handler

	AuthHandler        *auth.Handler
	PermissionsHandler *rbac.Handler
	UsersHandler       *users.Handler
	BulkHandler        *bulkops.Handler
	ExportsHandler     *exports.Handler
	AuditHandler       *audithttp.Handler
	JobHandler         *jobs.Handler
}

// NewRouter constructs the chi.Router with portal defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	authenticated := func(r chi.Router) {
		if params.Authenticate != nil {
			r.Use(params.Authenticate)
		}
	}
	if params.AuthHandler != nil {
		r.Route("/api/auth", func(r chi.Router) {
			params.AuthHandler.MountRoutes(r)
			r.Group(func(r chi.Router) {
				authenticated(r)
				params.AuthHandler.MountProtected(r)
			})
		})
	}

	r.Route("/api/admin", func(r chi.Router) {
		authenticated(r)
		if params.PermissionsHandler != nil {
			params.PermissionsHandler.MountRoutes(r)
		}
		if params.UsersHandler != nil {
			params.UsersHandler.MountRoutes(r)
		}
		if params.ExportsHandler != nil {
			params.ExportsHandler.MountRoutes(r)
		}
		if params.BulkHandler != nil {
			params.BulkHandler.MountRoutes(r)
		}
		if params.AuditHandler != nil {
			params.AuditHandler.MountRoutes(r)
		}
		if params.JobHandler != nil {
			r.Route("/jobs", params.JobHandler.MountRoutes)
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "no route for "+r.URL.Path)
	})
	return r
}
