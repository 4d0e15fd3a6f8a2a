package policy

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL backed lookups for the engine. The INNER
// JOIN on permissions drops override rows whose permission record no longer
// exists, implementing the skip policy for malformed rows at the query
// level. Override rows are ordered by (created_at, id) so the engine's
// sequential application is deterministic.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// PermissionsFor returns the deduplicated permissions attached to the roles.
func (r *Repository) PermissionsFor(ctx context.Context, roleIDs []int64) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT p.resource, p.action
		FROM permissions p
		JOIN role_permissions rp ON rp.permission_id = p.id
		WHERE rp.role_id = ANY($1)`, roleIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.Resource, &p.Action); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return perms, nil
}

// RoleOverrides returns the tenant's overrides attached to any of the roles.
func (r *Repository) RoleOverrides(ctx context.Context, companyID int64, roleIDs []int64) ([]Override, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT o.id, p.resource, p.action, o.is_granted, o.valid_from, o.valid_until, o.justification, o.created_at
		FROM role_permission_overrides o
		JOIN permissions p ON p.id = o.permission_id
		WHERE o.company_id = $1 AND o.role_id = ANY($2)
		ORDER BY o.created_at, o.id`, companyID, roleIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOverrides(rows)
}

// UserOverrides returns the tenant's overrides targeting the user directly.
func (r *Repository) UserOverrides(ctx context.Context, companyID, userID int64) ([]Override, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT o.id, p.resource, p.action, o.is_granted, o.valid_from, o.valid_until, o.justification, o.created_at
		FROM user_role_overrides o
		JOIN permissions p ON p.id = o.permission_id
		WHERE o.company_id = $1 AND o.user_id = $2
		ORDER BY o.created_at, o.id`, companyID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOverrides(rows)
}

func scanOverrides(rows pgx.Rows) ([]Override, error) {
	var overrides []Override
	for rows.Next() {
		var o Override
		if err := rows.Scan(&o.ID, &o.Permission.Resource, &o.Permission.Action, &o.Granted, &o.ValidFrom, &o.ValidUntil, &o.Justification, &o.CreatedAt); err != nil {
			return nil, err
		}
		overrides = append(overrides, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return overrides, nil
}
