package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	audithttp "github.com/labdesk/labdesk/internal/audit/http"
	"github.com/labdesk/labdesk/internal/auth"
	"github.com/labdesk/labdesk/internal/billing"
	"github.com/labdesk/labdesk/internal/labcatalog"
	"github.com/labdesk/labdesk/internal/observability"
	"github.com/labdesk/labdesk/internal/patients"
	"github.com/labdesk/labdesk/internal/platform/httpx"
	"github.com/labdesk/labdesk/internal/rbac"
	"github.com/labdesk/labdesk/internal/roles"
	"github.com/labdesk/labdesk/internal/testrequests"
	"github.com/labdesk/labdesk/internal/users"
	"github.com/labdesk/labdesk/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger  *slog.Logger
	Config  *Config
	Tokens  *auth.TokenIssuer
	Metrics *observability.Metrics

	AuthHandler         *auth.Handler
	PermissionsHandler  *rbac.PermissionsHandler
	RolesHandler        *roles.Handler
	UsersHandler        *users.Handler
	PatientsHandler     *patients.Handler
	CatalogHandler      *labcatalog.Handler
	TestRequestsHandler *testrequests.Handler
	BillingHandler      *billing.Handler
	AuditHandler        *audithttp.Handler
	JobHandler          *jobs.Handler
}

// NewRouter constructs the chi.Router with LabDesk defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Tokens:  params.Tokens,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpx.RespondError(w, httpx.ErrNotFound)
	})
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	if params.AuthHandler != nil {
		r.Route("/auth", params.AuthHandler.MountRoutes)
		params.AuthHandler.MountMe(r)
	}

	// Everything below needs an authenticated principal.
	r.Group(func(r chi.Router) {
		r.Use(auth.RequirePrincipal)
		if params.PermissionsHandler != nil || params.RolesHandler != nil {
			r.Route("/roles", func(r chi.Router) {
				if params.PermissionsHandler != nil {
					params.PermissionsHandler.MountRoutes(r)
				}
				if params.RolesHandler != nil {
					params.RolesHandler.MountRoutes(r)
				}
			})
		}
		if params.UsersHandler != nil {
			r.Route("/users", params.UsersHandler.MountRoutes)
		}
		if params.PatientsHandler != nil {
			r.Route("/patients", params.PatientsHandler.MountRoutes)
		}
		if params.CatalogHandler != nil {
			r.Route("/catalog", params.CatalogHandler.MountRoutes)
		}
		if params.TestRequestsHandler != nil {
			r.Route("/test-requests", params.TestRequestsHandler.MountRoutes)
		}
		if params.BillingHandler != nil {
			r.Route("/billing", params.BillingHandler.MountRoutes)
		}
		if params.AuditHandler != nil {
			r.Route("/audit", params.AuditHandler.MountRoutes)
		}
		if params.JobHandler != nil {
			r.Route("/jobs", params.JobHandler.MountRoutes)
		}
	})

	return r
}
