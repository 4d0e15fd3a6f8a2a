package rbac_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/atlas-erp/atlas/internal/policy"
	"github.com/atlas-erp/atlas/internal/rbac"
	"github.com/atlas-erp/atlas/internal/shared"
	_ "github.com/atlas-erp/atlas/internal/testing/guard"
)

type stubEvaluator struct {
	set     policy.Set
	err     error
	calls   int
	lastTen int64
}

func (s *stubEvaluator) Evaluate(_ context.Context, _ policy.User, tenantID int64) (policy.Set, error) {
	s.calls++
	s.lastTen = tenantID
	if s.err != nil {
		return nil, s.err
	}
	return s.set, nil
}

func authedRequest(user policy.User) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	return req.WithContext(shared.ContextWithSubject(req.Context(), user))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireAnyAllowsHolder(t *testing.T) {
	eval := &stubEvaluator{set: policy.NewSet(policy.Permission{Resource: "roles", Action: "view"})}
	mw := rbac.Middleware{Evaluator: eval}

	rec := httptest.NewRecorder()
	handler := mw.RequireAny(shared.PermRolesView)(okHandler())
	handler.ServeHTTP(rec, authedRequest(policy.User{ID: 7, CompanyID: 3}))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, int64(3), eval.lastTen, "checks run against the subject's own company")
}

func TestRequireAnyDeniesMissingPermission(t *testing.T) {
	eval := &stubEvaluator{set: policy.NewSet()}
	mw := rbac.Middleware{Evaluator: eval}

	rec := httptest.NewRecorder()
	handler := mw.RequireAny(shared.PermRolesEdit)(okHandler())
	handler.ServeHTTP(rec, authedRequest(policy.User{ID: 7, CompanyID: 3}))

	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRequireAllNeedsEveryPermission(t *testing.T) {
	eval := &stubEvaluator{set: policy.NewSet(shared.PermRolesView)}
	mw := rbac.Middleware{Evaluator: eval}

	rec := httptest.NewRecorder()
	handler := mw.RequireAll(shared.PermRolesView, shared.PermRolesEdit)(okHandler())
	handler.ServeHTTP(rec, authedRequest(policy.User{ID: 7, CompanyID: 3}))

	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRequireRejectsAnonymous(t *testing.T) {
	eval := &stubEvaluator{set: policy.NewSet(shared.PermRolesView)}
	mw := rbac.Middleware{Evaluator: eval}

	rec := httptest.NewRecorder()
	handler := mw.RequireAny(shared.PermRolesView)(okHandler())
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Zero(t, eval.calls)
}

func TestRequireSurfacesEvaluatorErrors(t *testing.T) {
	eval := &stubEvaluator{err: errors.New("connection refused")}
	mw := rbac.Middleware{Evaluator: eval}

	rec := httptest.NewRecorder()
	handler := mw.RequireAny(shared.PermRolesView)(okHandler())
	handler.ServeHTTP(rec, authedRequest(policy.User{ID: 7, CompanyID: 3}))

	require.Equal(t, http.StatusInternalServerError, rec.Code, "storage failures surface, they never deny silently")
}

func TestRequireWithoutPermissionsPassesThrough(t *testing.T) {
	eval := &stubEvaluator{}
	mw := rbac.Middleware{Evaluator: eval}

	rec := httptest.NewRecorder()
	handler := mw.RequireAny()(okHandler())
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Zero(t, eval.calls)
}
