package rbac

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/atlas-erp/atlas/internal/observability"
	"github.com/atlas-erp/atlas/internal/platform/httpx"
	"github.com/atlas-erp/atlas/internal/policy"
	"github.com/atlas-erp/atlas/internal/shared"
)

// Evaluator resolves effective permission sets. Satisfied by both
// *policy.Engine and *policy.Decisions.
type Evaluator interface {
	Evaluate(ctx context.Context, user policy.User, tenantID int64) (policy.Set, error)
}

// Middleware wires authorization checks for HTTP handlers. Checks run
// against the subject's own company; cross-tenant evaluation exists only on
// the decision API, where the tenant is an explicit parameter.
type Middleware struct {
	Evaluator Evaluator
	Logger    *slog.Logger
	Metrics   *observability.Metrics
}

// RequireAny ensures the current subject holds at least one of the required
// permissions.
func (m Middleware) RequireAny(perms ...policy.Permission) func(http.Handler) http.Handler {
	return m.require(perms, false)
}

// RequireAll ensures the current subject holds all required permissions.
func (m Middleware) RequireAll(perms ...policy.Permission) func(http.Handler) http.Handler {
	return m.require(perms, true)
}

func (m Middleware) require(perms []policy.Permission, requireAll bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(perms) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			subject, ok := shared.SubjectFromContext(r.Context())
			if !ok {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
				return
			}

			start := time.Now()
			set, err := m.Evaluator.Evaluate(r.Context(), subject, subject.CompanyID)
			if err != nil {
				m.Metrics.ObserveDecision("error", time.Since(start))
				if m.Logger != nil {
					m.Logger.Error("rbac evaluate", slog.Any("error", err))
				}
				// A storage failure must surface as an error, never as a
				// silent denial or grant.
				httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
				return
			}

			allowed := policy.CheckSet(set, perms, requireAll)
			result := "deny"
			if allowed {
				result = "allow"
			}
			m.Metrics.ObserveDecision(result, time.Since(start))

			if !allowed {
				httpx.Problem(w, http.StatusForbidden, "Forbidden", "")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
