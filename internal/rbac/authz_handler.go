package rbac

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/atlas-erp/atlas/internal/observability"
	"github.com/atlas-erp/atlas/internal/platform/httpx"
	"github.com/atlas-erp/atlas/internal/policy"
	"github.com/atlas-erp/atlas/internal/shared"
)

// AuthzHandler exposes the policy decision API consumed by other services.
type AuthzHandler struct {
	logger    *slog.Logger
	evaluator Evaluator
	validate  *validator.Validate
	metrics   *observability.Metrics
}

// NewAuthzHandler builds AuthzHandler instance.
func NewAuthzHandler(logger *slog.Logger, evaluator Evaluator, metrics *observability.Metrics) *AuthzHandler {
	return &AuthzHandler{logger: logger, evaluator: evaluator, validate: validator.New(), metrics: metrics}
}

// MountRoutes registers decision API routes.
func (h *AuthzHandler) MountRoutes(r chi.Router) {
	r.Get("/permissions", h.effectivePermissions)
	r.Post("/check", h.check)
	r.Post("/check-multiple", h.checkMultiple)
}

type effectivePermissionsResponse struct {
	TenantID    int64               `json:"tenant_id"`
	Permissions []policy.Permission `json:"permissions"`
	CheckedAt   time.Time           `json:"checked_at"`
}

func (h *AuthzHandler) effectivePermissions(w http.ResponseWriter, r *http.Request) {
	subject, ok := shared.SubjectFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	tenantID := subject.CompanyID
	if raw := r.URL.Query().Get("tenant_id"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid tenant_id")
			return
		}
		tenantID = parsed
	}

	set, ok := h.evaluate(w, r, subject, tenantID)
	if !ok {
		return
	}
	httpx.JSON(w, http.StatusOK, effectivePermissionsResponse{
		TenantID:    tenantID,
		Permissions: set.List(),
		CheckedAt:   time.Now().UTC(),
	})
}

type checkRequest struct {
	Resource string `json:"resource" validate:"required"`
	Action   string `json:"action" validate:"required"`
	TenantID int64  `json:"tenant_id"`
}

type checkResponse struct {
	Allowed   bool      `json:"allowed"`
	Resource  string    `json:"resource"`
	Action    string    `json:"action"`
	TenantID  int64     `json:"tenant_id"`
	CheckedAt time.Time `json:"checked_at"`
}

func (h *AuthzHandler) check(w http.ResponseWriter, r *http.Request) {
	subject, ok := shared.SubjectFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	var req checkRequest
	if !h.decode(w, r, &req) {
		return
	}
	tenantID := req.TenantID
	if tenantID == 0 {
		tenantID = subject.CompanyID
	}

	set, ok := h.evaluate(w, r, subject, tenantID)
	if !ok {
		return
	}
	httpx.JSON(w, http.StatusOK, checkResponse{
		Allowed:   set.Allows(policy.Permission{Resource: req.Resource, Action: req.Action}),
		Resource:  req.Resource,
		Action:    req.Action,
		TenantID:  tenantID,
		CheckedAt: time.Now().UTC(),
	})
}

type checkMultipleRequest struct {
	Permissions []policy.Permission `json:"permissions" validate:"dive"`
	RequireAll  bool                `json:"require_all"`
	TenantID    int64               `json:"tenant_id"`
}

type checkMultipleResponse struct {
	Allowed    bool      `json:"allowed"`
	RequireAll bool      `json:"require_all"`
	TenantID   int64     `json:"tenant_id"`
	CheckedAt  time.Time `json:"checked_at"`
}

// checkMultiple tests every required pair against one evaluation snapshot.
// An empty permission list with require_all is vacuously true; with
// require_any it is false.
func (h *AuthzHandler) checkMultiple(w http.ResponseWriter, r *http.Request) {
	subject, ok := shared.SubjectFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	var req checkMultipleRequest
	if !h.decode(w, r, &req) {
		return
	}
	tenantID := req.TenantID
	if tenantID == 0 {
		tenantID = subject.CompanyID
	}

	set, ok := h.evaluate(w, r, subject, tenantID)
	if !ok {
		return
	}
	httpx.JSON(w, http.StatusOK, checkMultipleResponse{
		Allowed:    policy.CheckSet(set, req.Permissions, req.RequireAll),
		RequireAll: req.RequireAll,
		TenantID:   tenantID,
		CheckedAt:  time.Now().UTC(),
	})
}

func (h *AuthzHandler) evaluate(w http.ResponseWriter, r *http.Request, subject policy.User, tenantID int64) (policy.Set, bool) {
	start := time.Now()
	set, err := h.evaluator.Evaluate(r.Context(), subject, tenantID)
	if err != nil {
		h.metrics.ObserveDecision("error", time.Since(start))
		if h.logger != nil {
			h.logger.Error("authz evaluate", slog.Any("error", err))
		}
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return nil, false
	}
	h.metrics.ObserveDecision("allow", time.Since(start))
	return set, true
}

func (h *AuthzHandler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return false
	}
	if err := h.validate.Struct(target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}
