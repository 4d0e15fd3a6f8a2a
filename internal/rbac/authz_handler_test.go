package rbac_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/atlas-erp/atlas/internal/policy"
	"github.com/atlas-erp/atlas/internal/rbac"
	"github.com/atlas-erp/atlas/internal/shared"
)

func authzServer(t *testing.T, eval rbac.Evaluator) *chi.Mux {
	t.Helper()
	handler := rbac.NewAuthzHandler(nil, eval, nil)
	r := chi.NewRouter()
	r.Route("/authz", handler.MountRoutes)
	return r
}

func doJSON(t *testing.T, router http.Handler, method, target, body string, user *policy.User) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	if user != nil {
		req = req.WithContext(shared.ContextWithSubject(req.Context(), *user))
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestEffectivePermissionsListsSnapshot(t *testing.T) {
	eval := &stubEvaluator{set: policy.NewSet(
		policy.Permission{Resource: "invoices", Action: "view"},
		policy.Permission{Resource: "invoices", Action: "approve"},
	)}
	router := authzServer(t, eval)

	rec := doJSON(t, router, http.MethodGet, "/authz/permissions", "", &policy.User{ID: 9, CompanyID: 4})

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		TenantID    int64               `json:"tenant_id"`
		Permissions []policy.Permission `json:"permissions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, int64(4), resp.TenantID)
	require.Len(t, resp.Permissions, 2)
}

func TestEffectivePermissionsHonorsTenantQuery(t *testing.T) {
	eval := &stubEvaluator{set: policy.NewSet()}
	router := authzServer(t, eval)

	rec := doJSON(t, router, http.MethodGet, "/authz/permissions?tenant_id=12", "", &policy.User{ID: 9, CompanyID: 4})

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, int64(12), eval.lastTen)
}

func TestEffectivePermissionsRejectsBadTenant(t *testing.T) {
	router := authzServer(t, &stubEvaluator{set: policy.NewSet()})

	rec := doJSON(t, router, http.MethodGet, "/authz/permissions?tenant_id=abc", "", &policy.User{ID: 9, CompanyID: 4})

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCheckAnswersSingleDecision(t *testing.T) {
	eval := &stubEvaluator{set: policy.NewSet(policy.Permission{Resource: "invoices", Action: "*"})}
	router := authzServer(t, eval)

	rec := doJSON(t, router, http.MethodPost, "/authz/check",
		`{"resource":"invoices","action":"approve"}`, &policy.User{ID: 9, CompanyID: 4})

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Allowed  bool  `json:"allowed"`
		TenantID int64 `json:"tenant_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Allowed)
	require.Equal(t, int64(4), resp.TenantID)
}

func TestCheckValidatesBody(t *testing.T) {
	router := authzServer(t, &stubEvaluator{set: policy.NewSet()})

	rec := doJSON(t, router, http.MethodPost, "/authz/check",
		`{"resource":"invoices"}`, &policy.User{ID: 9, CompanyID: 4})

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCheckMultipleUsesOneSnapshot(t *testing.T) {
	eval := &stubEvaluator{set: policy.NewSet(
		policy.Permission{Resource: "invoices", Action: "view"},
	)}
	router := authzServer(t, eval)

	rec := doJSON(t, router, http.MethodPost, "/authz/check-multiple",
		`{"permissions":[{"resource":"invoices","action":"view"},{"resource":"invoices","action":"approve"}],"require_all":false}`,
		&policy.User{ID: 9, CompanyID: 4})

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, eval.calls)
	var resp struct {
		Allowed bool `json:"allowed"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Allowed)
}

func TestCheckMultipleRequireAllDenies(t *testing.T) {
	eval := &stubEvaluator{set: policy.NewSet(
		policy.Permission{Resource: "invoices", Action: "view"},
	)}
	router := authzServer(t, eval)

	rec := doJSON(t, router, http.MethodPost, "/authz/check-multiple",
		`{"permissions":[{"resource":"invoices","action":"view"},{"resource":"invoices","action":"approve"}],"require_all":true}`,
		&policy.User{ID: 9, CompanyID: 4})

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Allowed bool `json:"allowed"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp.Allowed)
}

func TestDecisionAPIRequiresSubject(t *testing.T) {
	router := authzServer(t, &stubEvaluator{set: policy.NewSet()})

	rec := doJSON(t, router, http.MethodPost, "/authz/check",
		`{"resource":"invoices","action":"view"}`, nil)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDecisionAPISurfacesEvaluatorFailure(t *testing.T) {
	router := authzServer(t, &stubEvaluator{err: errors.New("pool closed")})

	rec := doJSON(t, router, http.MethodGet, "/authz/permissions", "", &policy.User{ID: 9, CompanyID: 4})

	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
