package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/atlas-erp/atlas/internal/observability"
	"github.com/atlas-erp/atlas/internal/rbac"
	"github.com/atlas-erp/atlas/internal/users"
	"github.com/atlas-erp/atlas/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger       *slog.Logger
	Config       *Config
	Subjects     SubjectSource
	AuthzHandler *rbac.AuthzHandler
	AdminHandler *rbac.Handler
	UsersHandler *users.Handler
	JobHandler   *jobs.Handler
	Metrics      *observability.Metrics
}

// NewRouter constructs the chi.Router with Atlas defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:   params.Logger,
		Config:   params.Config,
		Subjects: params.Subjects,
		Metrics:  params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.AuthzHandler != nil {
		r.Route("/authz", params.AuthzHandler.MountRoutes)
	}
	if params.AdminHandler != nil {
		r.Route("/roles", params.AdminHandler.MountRoleRoutes)
		r.Route("/permissions", params.AdminHandler.MountPermissionRoutes)
		r.Route("/overrides", params.AdminHandler.MountOverrideRoutes)
	}
	if params.UsersHandler != nil {
		r.Route("/users", func(r chi.Router) {
			params.UsersHandler.MountRoutes(r)
			if params.AdminHandler != nil {
				params.AdminHandler.MountAssignmentRoutes(r)
			}
		})
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
