package rbac

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/atlas-erp/atlas/internal/platform/httpx"
	"github.com/atlas-erp/atlas/internal/shared"
)

// Handler exposes the RBAC administration API.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
	rbac     Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbac Middleware) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New(), rbac: rbac}
}

// MountRoleRoutes registers role administration routes.
func (h *Handler) MountRoleRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermRolesView, shared.PermRolesEdit))
		r.Get("/", h.listRoles)
		r.Get("/{roleID}", h.getRole)
		r.Get("/{roleID}/permissions", h.listRolePermissions)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermRolesEdit))
		r.Post("/", h.createRole)
		r.Put("/{roleID}", h.updateRole)
		r.Delete("/{roleID}", h.deleteRole)
		r.Put("/{roleID}/permissions", h.setRolePermissions)
	})
}

// MountPermissionRoutes registers permission administration routes.
func (h *Handler) MountPermissionRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermPermissionsView, shared.PermRolesEdit))
		r.Get("/", h.listPermissions)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermRolesEdit))
		r.Post("/", h.createPermission)
	})
}

// MountOverrideRoutes registers override administration routes.
func (h *Handler) MountOverrideRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermOverridesEdit))
		r.Get("/role", h.listRoleOverrides)
		r.Get("/user", h.listUserOverrides)
		r.Post("/role", h.createRoleOverride)
		r.Post("/user", h.createUserOverride)
		r.Delete("/role/{overrideID}", h.expireRoleOverride)
		r.Delete("/user/{overrideID}", h.expireUserOverride)
	})
}

// MountAssignmentRoutes registers user-role assignment routes; mounted under
// the users subtree.
func (h *Handler) MountAssignmentRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermRolesEdit))
		r.Post("/{userID}/roles/{roleID}", h.assignRole)
		r.Delete("/{userID}/roles/{roleID}", h.removeRole)
	})
}

type roleView struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type permissionView struct {
	ID          int64  `json:"id"`
	Resource    string `json:"resource"`
	Action      string `json:"action"`
	Description string `json:"description,omitempty"`
}

type overrideView struct {
	ID            int64      `json:"id"`
	CompanyID     int64      `json:"company_id"`
	RoleID        int64      `json:"role_id,omitempty"`
	UserID        int64      `json:"user_id,omitempty"`
	PermissionID  int64      `json:"permission_id"`
	Resource      string     `json:"resource,omitempty"`
	Action        string     `json:"action,omitempty"`
	Granted       bool       `json:"is_granted"`
	ValidFrom     *time.Time `json:"valid_from,omitempty"`
	ValidUntil    *time.Time `json:"valid_until,omitempty"`
	Justification string     `json:"justification"`
	Reference     string     `json:"reference"`
	CreatedAt     time.Time  `json:"created_at"`
}

func toRoleView(role Role) roleView {
	return roleView{ID: role.ID, Name: role.Name, Description: role.Description, CreatedAt: role.CreatedAt, UpdatedAt: role.UpdatedAt}
}

func toPermissionView(p Permission) permissionView {
	return permissionView{ID: p.ID, Resource: p.Resource, Action: p.Action, Description: p.Description}
}

func toOverrideView(rec OverrideRecord) overrideView {
	return overrideView{
		ID:            rec.ID,
		CompanyID:     rec.CompanyID,
		RoleID:        rec.RoleID,
		UserID:        rec.UserID,
		PermissionID:  rec.PermissionID,
		Resource:      rec.Resource,
		Action:        rec.Action,
		Granted:       rec.Granted,
		ValidFrom:     rec.ValidFrom,
		ValidUntil:    rec.ValidUntil,
		Justification: rec.Justification,
		Reference:     rec.Reference.String(),
		CreatedAt:     rec.CreatedAt,
	}
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListRoles(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	views := make([]roleView, 0, len(roles))
	for _, role := range roles {
		views = append(views, toRoleView(role))
	}
	httpx.JSON(w, http.StatusOK, views)
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "roleID")
	if !ok {
		return
	}
	role, err := h.service.GetRole(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRoleView(role))
}

type roleRequest struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description"`
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if !h.decode(w, r, &req) {
		return
	}
	role, err := h.service.CreateRole(r.Context(), req.Name, req.Description)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toRoleView(role))
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "roleID")
	if !ok {
		return
	}
	var req roleRequest
	if !h.decode(w, r, &req) {
		return
	}
	role, err := h.service.UpdateRole(r.Context(), id, req.Name, req.Description)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRoleView(role))
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "roleID")
	if !ok {
		return
	}
	if err := h.service.DeleteRole(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.NoContent(w)
}

func (h *Handler) listRolePermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "roleID")
	if !ok {
		return
	}
	perms, err := h.service.RolePermissions(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	views := make([]permissionView, 0, len(perms))
	for _, p := range perms {
		views = append(views, toPermissionView(p))
	}
	httpx.JSON(w, http.StatusOK, views)
}

type setRolePermissionsRequest struct {
	PermissionIDs []int64 `json:"permission_ids"`
}

func (h *Handler) setRolePermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "roleID")
	if !ok {
		return
	}
	var req setRolePermissionsRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.SetRolePermissions(r.Context(), id, req.PermissionIDs); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.NoContent(w)
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.service.ListPermissions(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	views := make([]permissionView, 0, len(perms))
	for _, p := range perms {
		views = append(views, toPermissionView(p))
	}
	httpx.JSON(w, http.StatusOK, views)
}

type permissionRequest struct {
	Resource    string `json:"resource" validate:"required"`
	Action      string `json:"action" validate:"required"`
	Description string `json:"description"`
}

func (h *Handler) createPermission(w http.ResponseWriter, r *http.Request) {
	var req permissionRequest
	if !h.decode(w, r, &req) {
		return
	}
	perm, err := h.service.EnsurePermission(r.Context(), req.Resource, req.Action, req.Description)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toPermissionView(perm))
}

type overrideRequest struct {
	CompanyID     int64      `json:"company_id"`
	RoleID        int64      `json:"role_id"`
	UserID        int64      `json:"user_id"`
	PermissionID  int64      `json:"permission_id" validate:"required,gt=0"`
	Granted       bool       `json:"is_granted"`
	ValidFrom     *time.Time `json:"valid_from"`
	ValidUntil    *time.Time `json:"valid_until"`
	Justification string     `json:"justification" validate:"required"`
}

func (h *Handler) createRoleOverride(w http.ResponseWriter, r *http.Request) {
	req, companyID, ok := h.decodeOverride(w, r)
	if !ok {
		return
	}
	if req.RoleID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "role_id is required")
		return
	}
	record, err := h.service.CreateRoleOverride(r.Context(), CreateOverrideParams{
		CompanyID:     overrideTenant(req, companyID),
		RoleID:        req.RoleID,
		PermissionID:  req.PermissionID,
		Granted:       req.Granted,
		ValidFrom:     req.ValidFrom,
		ValidUntil:    req.ValidUntil,
		Justification: req.Justification,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toOverrideView(record))
}

func (h *Handler) createUserOverride(w http.ResponseWriter, r *http.Request) {
	req, companyID, ok := h.decodeOverride(w, r)
	if !ok {
		return
	}
	if req.UserID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "user_id is required")
		return
	}
	record, err := h.service.CreateUserOverride(r.Context(), CreateOverrideParams{
		CompanyID:     overrideTenant(req, companyID),
		UserID:        req.UserID,
		PermissionID:  req.PermissionID,
		Granted:       req.Granted,
		ValidFrom:     req.ValidFrom,
		ValidUntil:    req.ValidUntil,
		Justification: req.Justification,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toOverrideView(record))
}

func (h *Handler) expireRoleOverride(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "overrideID")
	if !ok {
		return
	}
	if err := h.service.ExpireRoleOverride(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.NoContent(w)
}

func (h *Handler) expireUserOverride(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "overrideID")
	if !ok {
		return
	}
	if err := h.service.ExpireUserOverride(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.NoContent(w)
}

func (h *Handler) listRoleOverrides(w http.ResponseWriter, r *http.Request) {
	h.listOverrides(w, r, h.service.ListRoleOverrides)
}

func (h *Handler) listUserOverrides(w http.ResponseWriter, r *http.Request) {
	h.listOverrides(w, r, h.service.ListUserOverrides)
}

func (h *Handler) listOverrides(w http.ResponseWriter, r *http.Request, list func(ctx context.Context, companyID int64) ([]OverrideRecord, error)) {
	subject, ok := shared.SubjectFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	companyID := subject.CompanyID
	if raw := r.URL.Query().Get("tenant_id"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid tenant_id")
			return
		}
		companyID = parsed
	}
	records, err := list(r.Context(), companyID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	views := make([]overrideView, 0, len(records))
	for _, rec := range records {
		views = append(views, toOverrideView(rec))
	}
	httpx.JSON(w, http.StatusOK, views)
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	roleID, ok := pathID(w, r, "roleID")
	if !ok {
		return
	}
	if err := h.service.AssignRole(r.Context(), userID, roleID); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.NoContent(w)
}

func (h *Handler) removeRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	roleID, ok := pathID(w, r, "roleID")
	if !ok {
		return
	}
	if err := h.service.RemoveRole(r.Context(), userID, roleID); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.NoContent(w)
}

func (h *Handler) decodeOverride(w http.ResponseWriter, r *http.Request) (overrideRequest, int64, bool) {
	subject, ok := shared.SubjectFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return overrideRequest{}, 0, false
	}
	var req overrideRequest
	if !h.decode(w, r, &req) {
		return overrideRequest{}, 0, false
	}
	return req, subject.CompanyID, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
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

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrDuplicate):
		httpx.Problem(w, http.StatusConflict, "Duplicate", err.Error())
	case errors.Is(err, ErrInvalidWindow):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		if h.logger != nil {
			h.logger.Error("rbac handler", slog.Any("error", err))
		}
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func overrideTenant(req overrideRequest, fallback int64) int64 {
	if req.CompanyID > 0 {
		return req.CompanyID
	}
	return fallback
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid "+name)
		return 0, false
	}
	return id, true
}
