package rbac

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atlas-erp/atlas/internal/platform/db"
	"github.com/atlas-erp/atlas/internal/policy"
)

var (
	// ErrNotFound indicates that the requested record does not exist.
	ErrNotFound = errors.New("rbac: not found")
	// ErrDuplicate indicates a uniqueness conflict.
	ErrDuplicate = errors.New("rbac: duplicate")
	// ErrInvalidWindow indicates an override validity window that ends
	// before it starts.
	ErrInvalidWindow = errors.New("rbac: validity window inverted")
)

// Service orchestrates RBAC administration. Every mutation bumps the
// decision cache so stale grants do not outlive their TTL unnecessarily.
type Service struct {
	pool      *pgxpool.Pool
	decisions *policy.Decisions
	logger    *slog.Logger
}

// NewService constructs a Service backed by the provided pool.
func NewService(pool *pgxpool.Pool, decisions *policy.Decisions, logger *slog.Logger) *Service {
	return &Service{pool: pool, decisions: decisions, logger: logger}
}

// ListRoles returns all roles ordered by name.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, description, created_at, updated_at FROM roles ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return roles, nil
}

// GetRole fetches a role by ID.
func (s *Service) GetRole(ctx context.Context, id int64) (Role, error) {
	var role Role
	err := s.pool.QueryRow(ctx, `SELECT id, name, description, created_at, updated_at FROM roles WHERE id = $1`, id).
		Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, ErrNotFound
		}
		return Role{}, err
	}
	return role, nil
}

// CreateRole inserts a new role.
func (s *Service) CreateRole(ctx context.Context, name, description string) (Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Role{}, errors.New("rbac: role name required")
	}
	var role Role
	err := s.pool.QueryRow(ctx, `
		INSERT INTO roles (name, description) VALUES ($1, $2)
		RETURNING id, name, description, created_at, updated_at`,
		name, strings.TrimSpace(description)).
		Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Role{}, ErrDuplicate
		}
		return Role{}, err
	}
	return role, nil
}

// UpdateRole updates an existing role.
func (s *Service) UpdateRole(ctx context.Context, id int64, name, description string) (Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Role{}, errors.New("rbac: role name required")
	}
	var role Role
	err := s.pool.QueryRow(ctx, `
		UPDATE roles SET name = $2, description = $3, updated_at = now()
		WHERE id = $1
		RETURNING id, name, description, created_at, updated_at`,
		id, name, strings.TrimSpace(description)).
		Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, ErrNotFound
		}
		if isUniqueViolation(err) {
			return Role{}, ErrDuplicate
		}
		return Role{}, err
	}
	return role, nil
}

// DeleteRole removes a role by ID. Returns ErrNotFound if nothing was deleted.
func (s *Service) DeleteRole(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	s.bump(ctx)
	return nil
}

// ListPermissions returns all permissions ordered by resource then action.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, resource, action, description FROM permissions ORDER BY resource, action`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Resource, &p.Action, &p.Description); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return perms, nil
}

// EnsurePermission upserts a permission ensuring description is stored.
func (s *Service) EnsurePermission(ctx context.Context, resource, action, description string) (Permission, error) {
	resource = strings.TrimSpace(resource)
	action = strings.TrimSpace(action)
	if resource == "" || action == "" {
		return Permission{}, errors.New("rbac: permission resource and action required")
	}
	var p Permission
	err := s.pool.QueryRow(ctx, `
		INSERT INTO permissions (resource, action, description) VALUES ($1, $2, $3)
		ON CONFLICT (resource, action) DO UPDATE SET description = EXCLUDED.description
		RETURNING id, resource, action, description`,
		resource, action, strings.TrimSpace(description)).
		Scan(&p.ID, &p.Resource, &p.Action, &p.Description)
	if err != nil {
		return Permission{}, err
	}
	return p, nil
}

// RolePermissions returns the permissions attached to a role.
func (s *Service) RolePermissions(ctx context.Context, roleID int64) ([]Permission, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT p.id, p.resource, p.action, p.description
		FROM permissions p
		JOIN role_permissions rp ON rp.permission_id = p.id
		WHERE rp.role_id = $1
		ORDER BY p.resource, p.action`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Resource, &p.Action, &p.Description); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return perms, nil
}

// SetRolePermissions replaces the permission assignment of a role
// atomically, so concurrent evaluations never observe a half-written set.
func (s *Service) SetRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
			return err
		}
		for _, id := range permissionIDs {
			if _, err := tx.Exec(ctx, `
				INSERT INTO role_permissions (role_id, permission_id) VALUES ($1, $2)
				ON CONFLICT DO NOTHING`, roleID, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return err
	}
	s.bump(ctx)
	return nil
}

// AssignRole assigns a role to the given user.
func (s *Service) AssignRole(ctx context.Context, userID, roleID int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_roles (user_id, role_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, userID, roleID)
	if err != nil {
		return err
	}
	s.bump(ctx)
	return nil
}

// RemoveRole removes a role from a user.
func (s *Service) RemoveRole(ctx context.Context, userID, roleID int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2`, userID, roleID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	s.bump(ctx)
	return nil
}

// CreateRoleOverride records a tenant-scoped grant or revoke against a role.
func (s *Service) CreateRoleOverride(ctx context.Context, params CreateOverrideParams) (OverrideRecord, error) {
	if err := validateWindow(params); err != nil {
		return OverrideRecord{}, err
	}
	record := OverrideRecord{
		CompanyID:     params.CompanyID,
		RoleID:        params.RoleID,
		PermissionID:  params.PermissionID,
		Granted:       params.Granted,
		ValidFrom:     params.ValidFrom,
		ValidUntil:    params.ValidUntil,
		Justification: params.Justification,
		Reference:     uuid.New(),
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO role_permission_overrides
			(company_id, role_id, permission_id, is_granted, valid_from, valid_until, justification, reference)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at`,
		params.CompanyID, params.RoleID, params.PermissionID, params.Granted,
		params.ValidFrom, params.ValidUntil, params.Justification, record.Reference).
		Scan(&record.ID, &record.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return OverrideRecord{}, ErrNotFound
		}
		return OverrideRecord{}, err
	}
	s.bump(ctx)
	return record, nil
}

// CreateUserOverride records a tenant-scoped grant or revoke against a
// single user. User overrides carry the highest precedence at evaluation.
func (s *Service) CreateUserOverride(ctx context.Context, params CreateOverrideParams) (OverrideRecord, error) {
	if err := validateWindow(params); err != nil {
		return OverrideRecord{}, err
	}
	record := OverrideRecord{
		CompanyID:     params.CompanyID,
		UserID:        params.UserID,
		PermissionID:  params.PermissionID,
		Granted:       params.Granted,
		ValidFrom:     params.ValidFrom,
		ValidUntil:    params.ValidUntil,
		Justification: params.Justification,
		Reference:     uuid.New(),
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO user_role_overrides
			(company_id, user_id, permission_id, is_granted, valid_from, valid_until, justification, reference)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at`,
		params.CompanyID, params.UserID, params.PermissionID, params.Granted,
		params.ValidFrom, params.ValidUntil, params.Justification, record.Reference).
		Scan(&record.ID, &record.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return OverrideRecord{}, ErrNotFound
		}
		return OverrideRecord{}, err
	}
	s.bump(ctx)
	return record, nil
}

// ExpireRoleOverride closes an open role override now, preserving the row
// for history.
func (s *Service) ExpireRoleOverride(ctx context.Context, id int64) error {
	return s.expireOverride(ctx, `role_permission_overrides`, id)
}

// ExpireUserOverride closes an open user override now.
func (s *Service) ExpireUserOverride(ctx context.Context, id int64) error {
	return s.expireOverride(ctx, `user_role_overrides`, id)
}

func (s *Service) expireOverride(ctx context.Context, table string, id int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE `+table+` SET valid_until = now()
		WHERE id = $1 AND (valid_until IS NULL OR valid_until > now())`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	s.bump(ctx)
	return nil
}

// ListRoleOverrides returns a tenant's role overrides, newest first.
func (s *Service) ListRoleOverrides(ctx context.Context, companyID int64) ([]OverrideRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT o.id, o.company_id, o.role_id, o.permission_id, p.resource, p.action,
			o.is_granted, o.valid_from, o.valid_until, o.justification, o.reference, o.created_at
		FROM role_permission_overrides o
		JOIN permissions p ON p.id = o.permission_id
		WHERE o.company_id = $1
		ORDER BY o.created_at DESC, o.id DESC`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []OverrideRecord
	for rows.Next() {
		var rec OverrideRecord
		if err := rows.Scan(&rec.ID, &rec.CompanyID, &rec.RoleID, &rec.PermissionID, &rec.Resource, &rec.Action,
			&rec.Granted, &rec.ValidFrom, &rec.ValidUntil, &rec.Justification, &rec.Reference, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// ListUserOverrides returns a tenant's user overrides, newest first.
func (s *Service) ListUserOverrides(ctx context.Context, companyID int64) ([]OverrideRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT o.id, o.company_id, o.user_id, o.permission_id, p.resource, p.action,
			o.is_granted, o.valid_from, o.valid_until, o.justification, o.reference, o.created_at
		FROM user_role_overrides o
		JOIN permissions p ON p.id = o.permission_id
		WHERE o.company_id = $1
		ORDER BY o.created_at DESC, o.id DESC`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []OverrideRecord
	for rows.Next() {
		var rec OverrideRecord
		if err := rows.Scan(&rec.ID, &rec.CompanyID, &rec.UserID, &rec.PermissionID, &rec.Resource, &rec.Action,
			&rec.Granted, &rec.ValidFrom, &rec.ValidUntil, &rec.Justification, &rec.Reference, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// bump invalidates cached decisions. A failed bump only extends staleness to
// the cache TTL, so it is logged rather than failing the mutation.
func (s *Service) bump(ctx context.Context) {
	if s.decisions == nil {
		return
	}
	if err := s.decisions.Bump(ctx); err != nil && s.logger != nil {
		s.logger.Warn("bump decision cache", slog.Any("error", err))
	}
}

func validateWindow(params CreateOverrideParams) error {
	if params.ValidFrom != nil && params.ValidUntil != nil && params.ValidUntil.Before(*params.ValidFrom) {
		return ErrInvalidWindow
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
